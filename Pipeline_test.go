package CopperCore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type statusEvent struct {
	ID      string
	Status  DatasetStatus
	Message string
}

// memoryRecorder 记录全部状态变化
type memoryRecorder struct {
	mu      sync.Mutex
	events  []statusEvent
	results map[string]Result
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{results: map[string]Result{}}
}

func (m *memoryRecorder) RecordStatus(_ context.Context, id string, s DatasetStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, statusEvent{id, s, msg})
	return nil
}

func (m *memoryRecorder) RecordResult(_ context.Context, id string, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = r
	return nil
}

func (m *memoryRecorder) messages(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ID == id {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestPipelinePrepareRaster(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "gravity.tif")
	ref := filepath.Join(dir, "ref.tif")
	writeTestRaster(t, src, testGeometry(t, 20, 10, 0.01), ramp(20, 10, 0))
	writeTestRaster(t, ref, testGeometry(t, 4, 4, 0.005), constant(4, 4, 1))

	rec := newMemoryRecorder()
	cfg := DefaultConfig()
	cfg.ReferenceRaster = ref
	p := NewPipeline(cfg, rec)
	p.Options = []Option{WithReplacer(fastReplacer())}

	r := p.Prepare(context.Background(), Job{ID: "g1", Path: src})
	require.True(t, r.OK(), r.Message)
	assert.Equal(t, DatasetRaster, r.DatasetType)
	assert.Equal(t, []string{"Starting CRS harmonization", "Starting resampling"}, rec.messages("g1"))
	assert.Equal(t, r, rec.results["g1"])

	g, err := OpenRasterGrid(src)
	require.NoError(t, err)
	assert.Equal(t, 40, g.Width)
}

func TestPipelinePrepareRasterWithoutReference(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mag.tif")
	writeTestRaster(t, src, testGeometry(t, 8, 8, 0.01), ramp(8, 8, 0))

	rec := newMemoryRecorder()
	p := NewPipeline(DefaultConfig(), rec)
	p.Options = []Option{WithReplacer(fastReplacer())}

	r := p.Prepare(context.Background(), Job{ID: "m1", Path: src, Type: DatasetRaster})
	require.True(t, r.OK(), r.Message)
	assert.Equal(t, []string{"Starting CRS harmonization"}, rec.messages("m1"))
}

func TestPipelinePrepareFailureStopsEarly(t *testing.T) {
	rec := newMemoryRecorder()
	p := NewPipeline(DefaultConfig(), rec)

	r := p.Prepare(context.Background(), Job{ID: "x", Path: filepath.Join(t.TempDir(), "notes.txt")})
	assert.False(t, r.OK())
	assert.Equal(t, KindUnsupportedDatasetType, r.Kind)
	assert.Empty(t, rec.messages("x"))
	assert.Equal(t, StatusFailed, rec.results["x"].Status)
}

func TestRunBatchAssignsIDsAndKeepsOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := NewPipeline(DefaultConfig(), nil)
	p.Pool = NewGDALWorkerPool(2)

	var running, peak int32
	fn := func(_ context.Context, job Job) Result {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return readyResult(job.ID, job.Path)
	}

	jobs := []Job{{Path: "a.tif"}, {ID: "fixed", Path: "b.tif"}, {Path: "c.geojson"}, {Path: "d.tif"}}
	results, err := p.RunBatch(context.Background(), jobs, fn)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.True(t, r.OK())
		assert.Equal(t, jobs[i].Path, r.OutputPath)
		assert.Equal(t, jobs[i].ID, r.Message)
		assert.NotEmpty(t, jobs[i].ID)
	}
	assert.Equal(t, "fixed", jobs[1].ID)
	assert.NotEqual(t, jobs[0].ID, jobs[2].ID)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRunBatchCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := NewPipeline(DefaultConfig(), nil)
	p.Pool = NewGDALWorkerPool(1)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fn := func(_ context.Context, job Job) Result {
		once.Do(func() { close(started) })
		<-release
		return readyResult("done", job.Path)
	}

	jobs := []Job{{Path: "a"}, {Path: "b"}, {Path: "c"}}
	done := make(chan struct{})
	var results []Result
	var err error
	go func() {
		defer close(done)
		results, err = p.RunBatch(ctx, jobs, fn)
	}()

	<-started
	cancel()
	close(release)
	<-done

	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, results, 3)
	cancelled := 0
	for _, r := range results {
		if !r.OK() {
			cancelled++
			assert.Contains(t, r.Message, "Cancelled")
		}
	}
	assert.Equal(t, 2, cancelled)
}

func TestWorkerPoolSize(t *testing.T) {
	assert.Equal(t, 3, NewGDALWorkerPool(3).Size())
	n := NewGDALWorkerPool(0).Size()
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 16)
}

func TestWorkerPoolAcquireHonoursContext(t *testing.T) {
	pool := NewGDALWorkerPool(1)
	require.NoError(t, pool.Acquire(context.Background()))
	defer pool.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Acquire(ctx), context.DeadlineExceeded)

	r := pool.Execute(ctx, func() Result { return readyResult("ran", "") })
	assert.False(t, r.OK())
}
