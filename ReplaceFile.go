/*
Copyright (C) 2025 [GrainArc]

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package CopperCore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ==================== 文件替换状态机 ====================

// ReplaceState 重命名状态
type ReplaceState int

const (
	Attempting ReplaceState = iota
	Retrying
	Succeeded
	ExhaustedFailed
)

func (s ReplaceState) String() string {
	switch s {
	case Attempting:
		return "Attempting"
	case Retrying:
		return "Retrying"
	case Succeeded:
		return "Succeeded"
	case ExhaustedFailed:
		return "ExhaustedFailed"
	}
	return fmt.Sprintf("ReplaceState(%d)", int(s))
}

// Replacer 临时文件 -> 删除原文件 -> 重命名，重命名遇到瞬时文件锁时按固定间隔重试
type Replacer struct {
	Attempts int           // 最大尝试次数，默认5
	Delay    time.Duration // 重试间隔，默认1秒

	// 以下为可替换的底层操作，nil时使用os包
	Rename func(oldpath, newpath string) error
	Remove func(path string) error
	Sleep  func(time.Duration)

	// OnTransition 每次状态变化时回调（可为空）
	OnTransition func(state ReplaceState, attempt int, err error)
}

// DefaultReplacer 5次尝试，间隔1秒
func DefaultReplacer() *Replacer {
	return &Replacer{Attempts: 5, Delay: time.Second}
}

// FilePair 一组待替换文件中的一项
type FilePair struct {
	Temp   string
	Target string
}

func (r *Replacer) attempts() int {
	if r == nil || r.Attempts < 1 {
		return 5
	}
	return r.Attempts
}

func (r *Replacer) delay() time.Duration {
	if r == nil || r.Delay < 0 {
		return time.Second
	}
	return r.Delay
}

func (r *Replacer) rename(oldpath, newpath string) error {
	if r != nil && r.Rename != nil {
		return r.Rename(oldpath, newpath)
	}
	return os.Rename(oldpath, newpath)
}

func (r *Replacer) remove(path string) error {
	if r != nil && r.Remove != nil {
		return r.Remove(path)
	}
	return os.Remove(path)
}

func (r *Replacer) sleep(d time.Duration) {
	if r != nil && r.Sleep != nil {
		r.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (r *Replacer) transition(state ReplaceState, attempt int, path string, err error) {
	fields := []zap.Field{
		zap.String("state", state.String()),
		zap.Int("attempt", attempt),
		zap.String("path", path),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	switch state {
	case Retrying:
		logger().Warn("rename blocked by file lock, retrying", fields...)
	case ExhaustedFailed:
		logger().Error("rename retries exhausted", fields...)
	default:
		logger().Debug("rename state", fields...)
	}
	if r != nil && r.OnTransition != nil {
		r.OnTransition(state, attempt, err)
	}
}

// IsTransientLock 判断是否为可重试的瞬时文件锁错误
func IsTransientLock(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EAGAIN)
}

// renameWithRetry 显式状态机：Attempting -> Retrying(n) -> Succeeded / ExhaustedFailed
func (r *Replacer) renameWithRetry(temp, target string) error {
	max := r.attempts()
	r.transition(Attempting, 1, target, nil)
	for attempt := 1; ; attempt++ {
		err := r.rename(temp, target)
		if err == nil {
			r.transition(Succeeded, attempt, target, nil)
			return nil
		}
		if !IsTransientLock(err) {
			_ = r.remove(temp)
			return newError(KindWriteError, "rename", target, err)
		}
		if attempt >= max {
			r.transition(ExhaustedFailed, attempt, target, err)
			if rmErr := r.remove(temp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				logger().Warn("failed to remove temp file", zap.String("path", temp), zap.Error(rmErr))
			}
			return newError(KindTransientLockError, "rename", target,
				fmt.Errorf("gave up after %d attempts: %w", attempt, err))
		}
		r.transition(Retrying, attempt, target, err)
		r.sleep(r.delay())
	}
}

// Replace 用临时文件替换目标文件：先删除目标，再重命名临时文件
func (r *Replacer) Replace(temp, target string) error {
	return r.ReplaceSet([]FilePair{{Temp: temp, Target: target}}, nil)
}

// Move 将临时文件移动到新位置（不预先删除任何文件）
func (r *Replacer) Move(temp, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		_ = r.remove(temp)
		return newError(KindWriteError, "move", target, err)
	}
	return r.renameWithRetry(temp, target)
}

// ReplaceSet 成组替换（如shapefile及其附属文件）。
// stale 为需要一并删除、但没有对应临时文件的旧文件。
// 原文件在重命名前全部删除；中途重命名失败时，已重命名的新文件保留，其余临时文件清除。
func (r *Replacer) ReplaceSet(pairs []FilePair, stale []string) error {
	for _, p := range pairs {
		if _, err := os.Stat(p.Temp); err != nil {
			r.cleanup(pairs)
			return newError(KindWriteError, "replace", p.Temp, fmt.Errorf("temp file missing: %w", err))
		}
	}

	// 删除原文件
	toDelete := make([]string, 0, len(pairs)+len(stale))
	for _, p := range pairs {
		toDelete = append(toDelete, p.Target)
	}
	toDelete = append(toDelete, stale...)
	for _, path := range toDelete {
		if err := r.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.cleanup(pairs)
			return newError(KindWriteError, "replace", path, fmt.Errorf("delete original: %w", err))
		}
		logger().Debug("deleted original file", zap.String("path", path))
	}

	for i, p := range pairs {
		if err := r.renameWithRetry(p.Temp, p.Target); err != nil {
			r.cleanup(pairs[i+1:])
			return err
		}
	}
	return nil
}

func (r *Replacer) cleanup(pairs []FilePair) {
	for _, p := range pairs {
		_ = r.remove(p.Temp)
	}
}

// TempSibling 在目标文件同目录下生成唯一临时文件名：<base>_<tag>_<uuid><ext>
func TempSibling(target, tag string) string {
	dir := filepath.Dir(target)
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(filepath.Base(target), ext)
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s%s", base, tag, uuid.New().String()[:8], ext))
}
