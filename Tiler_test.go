package CopperCore

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStack 写入n个同网格单波段栅格
func writeStack(t *testing.T, dir string, geom RasterGeometry, bands ...[]float64) []string {
	t.Helper()
	paths := make([]string, len(bands))
	for i, b := range bands {
		paths[i] = filepath.Join(dir, "layer"+string(rune('a'+i))+".tif")
		writeTestRaster(t, paths[i], geom, b)
	}
	return paths
}

func TestLoadPatchSetOrder(t *testing.T) {
	dir := t.TempDir()
	geom := testGeometry(t, 256, 256, 0.001)
	paths := writeStack(t, dir, geom, ramp(256, 256, 0), ramp(256, 256, 5), constant(256, 256, 3))

	ps, err := LoadPatchSet(paths, 128)
	require.NoError(t, err)
	rows, cols := ps.GridInfo()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 2, cols)

	patches := ps.Patches()
	require.Len(t, patches, 4)
	var offsets [][2]int
	for _, p := range patches {
		offsets = append(offsets, [2]int{p.Row, p.Col})
		assert.Equal(t, 128, p.Size)
		assert.Len(t, p.Data, 128*128*3)
	}
	assert.Equal(t, [][2]int{{0, 0}, {0, 128}, {128, 0}, {128, 128}}, offsets)
}

func TestLoadPatchSetNormalization(t *testing.T) {
	dir := t.TempDir()
	geom := testGeometry(t, 4, 4, 0.01)
	paths := writeStack(t, dir, geom, ramp(4, 4, 0), ramp(4, 4, 100), constant(4, 4, 7))

	ps, err := LoadPatchSet(paths, 2)
	require.NoError(t, err)

	p, err := ps.PatchAt(0)
	require.NoError(t, err)
	// ramp 取值 0..15，左上角像素为最小值
	assert.Equal(t, float32(0), p.Data[0])
	assert.Equal(t, float32(0), p.Data[1])
	// 常量通道全部为0
	assert.Equal(t, float32(0), p.Data[2])

	last, err := ps.PatchAt(3)
	require.NoError(t, err)
	k := len(last.Data) - 3
	assert.InDelta(t, 1, last.Data[k], 1e-6)
	assert.InDelta(t, 1, last.Data[k+1], 1e-6)
	for i := 2; i < len(last.Data); i += 3 {
		assert.Zero(t, last.Data[i])
	}
	for _, v := range last.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestNormalizeChannel(t *testing.T) {
	assert.Equal(t, []float32{0, 0.5, 1}, normalizeChannel([]float64{2, 4, 6}))
	assert.Equal(t, []float32{0, 0, 0}, normalizeChannel([]float64{5, 5, 5}))
	assert.Empty(t, normalizeChannel(nil))
}

func TestLoadPatchSetReplicatesFirstBand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "single.tif")
	writeTestRaster(t, path, testGeometry(t, 4, 4, 0.01), ramp(4, 4, 0))

	ps, err := LoadPatchSet([]string{path}, 4)
	require.NoError(t, err)
	p, err := ps.PatchAt(0)
	require.NoError(t, err)
	for i := 0; i < len(p.Data); i += 3 {
		assert.Equal(t, p.Data[i], p.Data[i+1])
		assert.Equal(t, p.Data[i], p.Data[i+2])
	}
}

func TestLoadPatchSetConcatenatesBands(t *testing.T) {
	dir := t.TempDir()
	geom := testGeometry(t, 4, 4, 0.01)
	multi := filepath.Join(dir, "multi.tif")
	single := filepath.Join(dir, "single.tif")
	writeTestRaster(t, multi, geom, ramp(4, 4, 0), constant(4, 4, 1))
	writeTestRaster(t, single, geom, ramp(4, 4, 3))

	ps, err := LoadPatchSet([]string{multi, single}, 4)
	require.NoError(t, err)
	p, err := ps.PatchAt(0)
	require.NoError(t, err)
	last := len(p.Data) - 3
	assert.InDelta(t, 1, p.Data[last], 1e-6)
	assert.Zero(t, p.Data[last+1])
	assert.InDelta(t, 1, p.Data[last+2], 1e-6)
}

func TestLoadPatchSetShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "b.tif")
	writeTestRaster(t, a, testGeometry(t, 8, 8, 0.01), ramp(8, 8, 0))
	writeTestRaster(t, b, testGeometry(t, 8, 4, 0.01), ramp(8, 4, 0))

	_, err := LoadPatchSet([]string{a, b}, 4)
	require.Error(t, err)
	assert.True(t, IsInconsistentGridGeometry(err))
	assert.Equal(t, KindShapeMismatch, KindOf(err))
}

func TestLoadPatchSetCRSMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "b.tif")
	geom := testGeometry(t, 8, 8, 0.01)
	writeTestRaster(t, a, geom, ramp(8, 8, 0))
	geom.CRS = testWKT(t, "EPSG:3857")
	writeTestRaster(t, b, geom, ramp(8, 8, 0))

	_, err := LoadPatchSet([]string{a, b}, 4)
	require.Error(t, err)
	assert.True(t, IsInconsistentGridGeometry(err))
	assert.Equal(t, KindCrsMismatch, KindOf(err))
}

func TestPatchesRestartable(t *testing.T) {
	dir := t.TempDir()
	geom := testGeometry(t, 300, 200, 0.001)
	paths := writeStack(t, dir, geom, ramp(300, 200, 0))

	ps, err := LoadPatchSet(paths, 128)
	require.NoError(t, err)
	rows, cols := ps.GridInfo()
	assert.Equal(t, 1, rows)
	assert.Equal(t, 2, cols)

	first := ps.Patches()
	second := ps.Patches()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second pass differs (-first +second):\n%s", diff)
	}

	_, err = ps.PatchAt(2)
	assert.Error(t, err)
}

func TestLoadPatchSetNoPaths(t *testing.T) {
	_, err := LoadPatchSet(nil, 128)
	assert.Equal(t, KindSourceReadError, KindOf(err))
}
