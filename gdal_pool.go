// gdal_pool.go
package CopperCore

import (
	"context"
	"runtime"
	"sync"
)

// GDALWorkerPool GDAL工作池 - 控制并发处理的数据集数量
type GDALWorkerPool struct {
	semaphore chan struct{}
	size      int
}

var (
	gdalPool     *GDALWorkerPool
	gdalPoolOnce sync.Once
)

// poolSize 配置的workers优先，否则按CPU核心数，限制在[2,16]
func poolSize(workers int) int {
	if workers > 0 {
		return workers
	}
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	if n > 16 {
		n = 16
	}
	return n
}

// NewGDALWorkerPool 创建指定大小的工作池
func NewGDALWorkerPool(size int) *GDALWorkerPool {
	size = poolSize(size)
	return &GDALWorkerPool{
		semaphore: make(chan struct{}, size),
		size:      size,
	}
}

// GetGDALPool 获取全局工作池（单例），大小取自 MainConfig.Workers
func GetGDALPool() *GDALWorkerPool {
	gdalPoolOnce.Do(func() {
		gdalPool = NewGDALWorkerPool(MainConfig.Workers)
	})
	return gdalPool
}

// Size 工作槽数量
func (p *GDALWorkerPool) Size() int {
	return p.size
}

// Acquire 获取工作槽，ctx取消时返回错误
func (p *GDALWorkerPool) Acquire(ctx context.Context) error {
	select {
	case p.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release 释放工作槽
func (p *GDALWorkerPool) Release() {
	<-p.semaphore
}

// Execute 在工作池中执行处理函数
func (p *GDALWorkerPool) Execute(ctx context.Context, fn func() Result) Result {
	if err := p.Acquire(ctx); err != nil {
		return failedResult("Cancelled", err)
	}
	defer p.Release()
	// 等待期间可能已取消
	if err := ctx.Err(); err != nil {
		return failedResult("Cancelled", err)
	}
	return fn()
}
