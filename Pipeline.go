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
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StatusRecorder 外部状态记录方（数据集目录等）
type StatusRecorder interface {
	RecordStatus(ctx context.Context, id string, status DatasetStatus, message string) error
	RecordResult(ctx context.Context, id string, r Result) error
}

type nopRecorder struct{}

func (nopRecorder) RecordStatus(context.Context, string, DatasetStatus, string) error { return nil }
func (nopRecorder) RecordResult(context.Context, string, Result) error              { return nil }

// Job 待处理数据集
type Job struct {
	ID   string
	Path string
	Type DatasetType
}

// Pipeline 显式预处理流程：坐标系统一 -> 重采样(栅格) / 邻近度(矢量)
type Pipeline struct {
	TargetCRS       string
	ReferenceRaster string // 为空时栅格不重采样
	Recorder        StatusRecorder
	Pool            *GDALWorkerPool
	Options         []Option
}

// NewPipeline 按配置构造流程，rec 可为nil
func NewPipeline(cfg Config, rec StatusRecorder) *Pipeline {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Pipeline{
		TargetCRS:       cfg.TargetCRS,
		ReferenceRaster: cfg.ReferenceRaster,
		Recorder:        rec,
		Options:         []Option{WithReplacer(cfg.Replacer())},
	}
}

func (p *Pipeline) recorder() StatusRecorder {
	if p.Recorder == nil {
		return nopRecorder{}
	}
	return p.Recorder
}

func (p *Pipeline) pool() *GDALWorkerPool {
	if p.Pool == nil {
		return GetGDALPool()
	}
	return p.Pool
}

func (p *Pipeline) status(ctx context.Context, job Job, message string) {
	if err := p.recorder().RecordStatus(ctx, job.ID, StatusPreprocessing, message); err != nil {
		logger().Warn("record status failed", zap.String("job", job.ID), zap.Error(err))
	}
}

func (p *Pipeline) finish(ctx context.Context, job Job, r Result) Result {
	if err := p.recorder().RecordResult(ctx, job.ID, r); err != nil {
		logger().Warn("record result failed", zap.String("job", job.ID), zap.Error(err))
	}
	return r
}

// Prepare 单个数据集的完整预处理。矢量成功后结果类型变为raster，OutputPath为邻近度栅格。
func (p *Pipeline) Prepare(ctx context.Context, job Job) Result {
	if job.Type == "" {
		t, err := DetectDatasetType(job.Path)
		if err != nil {
			return p.finish(ctx, job, failedResult("CRS Harmonization failed", err))
		}
		job.Type = t
	}
	logger().Info("preparing dataset",
		zap.String("job", job.ID),
		zap.String("path", job.Path),
		zap.String("type", string(job.Type)))

	p.status(ctx, job, "Starting CRS harmonization")
	r := Harmonize(job.Path, job.Type, p.TargetCRS, p.Options...)
	if !r.OK() {
		return p.finish(ctx, job, r)
	}

	switch job.Type {
	case DatasetRaster:
		if p.ReferenceRaster == "" {
			return p.finish(ctx, job, r)
		}
		p.status(ctx, job, "Starting resampling")
		r = Resample(job.Path, p.ReferenceRaster, p.Options...)
		r.DatasetType = DatasetRaster
	case DatasetVector:
		p.status(ctx, job, "Starting proximity computation")
		r = ComputeProximity(job.Path, p.Options...)
	}
	return p.finish(ctx, job, r)
}

// RunBatch 并发处理互不相关的数据集，并发数由工作池限制。
// 返回的结果与jobs一一对应；ctx取消后未开始的任务记为失败。
func (p *Pipeline) RunBatch(ctx context.Context, jobs []Job, fn func(context.Context, Job) Result) ([]Result, error) {
	if fn == nil {
		fn = p.Prepare
	}
	pool := p.pool()
	results := make([]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.NewString()
		}
		i, job := i, jobs[i]
		g.Go(func() error {
			results[i] = pool.Execute(gctx, func() Result { return fn(gctx, job) })
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return results, err
}
