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
)

// ErrorKind 处理错误类别，调用方可据此做机器判断
type ErrorKind string

const (
	KindUnknown                ErrorKind = ""
	KindUnsupportedDatasetType ErrorKind = "UnsupportedDatasetType"
	KindCrsMismatch            ErrorKind = "CrsMismatch"
	KindShapeMismatch          ErrorKind = "ShapeMismatch"
	KindInvalidGridDimensions  ErrorKind = "InvalidGridDimensions"
	KindEmptyGeometrySet       ErrorKind = "EmptyGeometrySet"
	KindModelLoadError         ErrorKind = "ModelLoadError"
	KindSourceReadError        ErrorKind = "SourceReadError"
	KindWriteError             ErrorKind = "WriteError"
	KindTransientLockError     ErrorKind = "TransientLockError"
)

// 哨兵错误，用于 errors.Is 按类别匹配
var (
	ErrUnsupportedDatasetType = &ProcessingError{Kind: KindUnsupportedDatasetType}
	ErrCrsMismatch            = &ProcessingError{Kind: KindCrsMismatch}
	ErrShapeMismatch          = &ProcessingError{Kind: KindShapeMismatch}
	ErrInvalidGridDimensions  = &ProcessingError{Kind: KindInvalidGridDimensions}
	ErrEmptyGeometrySet       = &ProcessingError{Kind: KindEmptyGeometrySet}
	ErrModelLoad              = &ProcessingError{Kind: KindModelLoadError}
	ErrSourceRead             = &ProcessingError{Kind: KindSourceReadError}
	ErrWrite                  = &ProcessingError{Kind: KindWriteError}
	ErrTransientLock          = &ProcessingError{Kind: KindTransientLockError}
)

// ProcessingError 带类别的处理错误
type ProcessingError struct {
	Kind ErrorKind
	Op   string // 出错的操作，如 harmonize / resample
	Path string // 相关文件路径（可为空）
	Err  error
}

func (e *ProcessingError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Is 按类别匹配，ShapeMismatch 与 CrsMismatch 同属网格几何不一致
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	if t.Op != "" || t.Path != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// InconsistentGridGeometry 多栅格一致性检查失败
func (e *ProcessingError) InconsistentGridGeometry() bool {
	return e.Kind == KindShapeMismatch || e.Kind == KindCrsMismatch
}

func newError(kind ErrorKind, op, path string, err error) *ProcessingError {
	return &ProcessingError{Kind: kind, Op: op, Path: path, Err: err}
}

func errorf(kind ErrorKind, op, path, format string, args ...interface{}) *ProcessingError {
	return newError(kind, op, path, fmt.Errorf(format, args...))
}

// KindOf 取出错误链中的处理错误类别
func KindOf(err error) ErrorKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsInconsistentGridGeometry 判断是否为多栅格形状/坐标系不一致
func IsInconsistentGridGeometry(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe) && pe.InconsistentGridGeometry()
}
