package CopperCore

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pointsGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"name":"a","grade":1.5},"geometry":{"type":"Point","coordinates":[10.5,45.5]}},
{"type":"Feature","properties":{"name":"b","grade":0.7},"geometry":{"type":"Point","coordinates":[11.0,46.0]}}
]}`

func TestHarmonizeRasterIdentityKeepsDimensions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "magnetics.tif")
	writeTestRaster(t, path, testGeometry(t, 30, 20, 0.01), ramp(30, 20, 0))

	r := Harmonize(path, DatasetRaster, "EPSG:4326", WithReplacer(fastReplacer()))
	require.True(t, r.OK(), r.Message)
	assert.Equal(t, "Reprojected raster renamed to "+path, r.Message)
	assert.Equal(t, DatasetRaster, r.DatasetType)

	g, err := OpenRasterGrid(path)
	require.NoError(t, err)
	assert.Equal(t, 30, g.Width)
	assert.Equal(t, 20, g.Height)
	assert.ElementsMatch(t, []string{"magnetics.tif"}, dirEntries(t, dir))
}

func TestHarmonizeRasterToWebMercator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "radiometrics.tif")
	writeTestRaster(t, path, testGeometry(t, 16, 16, 0.01), ramp(16, 16, 0))

	r := Harmonize(path, DatasetRaster, "EPSG:3857", WithReplacer(fastReplacer()))
	require.True(t, r.OK(), r.Message)

	g, err := OpenRasterGrid(path)
	require.NoError(t, err)
	assert.Equal(t, "EPSG:3857", CRSLabel(g.CRS))
	assert.Equal(t, 16, g.Width)
	assert.Equal(t, 16, g.Height)
	// 墨卡托在45°N附近南北方向拉伸约1.4倍
	px, py := g.Transform.PixelSize()
	assert.Greater(t, py, px)
	// 10°E 在Web墨卡托下约为1113194米
	assert.InDelta(t, 1113194.9, g.Transform[0], 1)
}

func TestHarmonizeRasterWithoutCRS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nocrs.tif")
	geom := testGeometry(t, 4, 4, 1)
	geom.CRS = ""
	writeTestRaster(t, path, geom, ramp(4, 4, 0))

	r := Harmonize(path, DatasetRaster, "EPSG:4326")
	assert.False(t, r.OK())
	assert.Equal(t, KindSourceReadError, r.Kind)
	assert.True(t, strings.HasPrefix(r.Message, "CRS Harmonization failed: "))
}

func TestHarmonizeInvalidTargetCRS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gravity.tif")
	writeTestRaster(t, path, testGeometry(t, 4, 4, 0.01), ramp(4, 4, 0))
	vec := writeTestFile(t, dir, "samples.geojson", pointsGeoJSON)

	for _, c := range []struct {
		path  string
		dtype DatasetType
	}{{path, DatasetRaster}, {vec, DatasetVector}} {
		r := Harmonize(c.path, c.dtype, "EPSG:abc")
		assert.False(t, r.OK())
		assert.NotEqual(t, KindUnknown, r.Kind, c.path)
		assert.Equal(t, KindSourceReadError, r.Kind, c.path)
	}
	assert.ElementsMatch(t, []string{"gravity.tif", "samples.geojson"}, dirEntries(t, dir))
}

func TestHarmonizeUnsupportedType(t *testing.T) {
	r := Harmonize("whatever.tif", DatasetType("table"), "EPSG:4326")
	assert.False(t, r.OK())
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, KindUnsupportedDatasetType, r.Kind)
	assert.ErrorIs(t, r.Err, ErrUnsupportedDatasetType)
}

func TestHarmonizeGeoJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "samples.geojson", pointsGeoJSON)

	r := Harmonize(path, DatasetVector, "EPSG:3857", WithReplacer(fastReplacer()))
	require.True(t, r.OK(), r.Message)
	assert.Equal(t, "Reprojected vector renamed to "+path, r.Message)
	assert.ElementsMatch(t, []string{"samples.geojson"}, dirEntries(t, dir))

	l, err := ReadVectorLayer(path)
	require.NoError(t, err)
	require.Len(t, l.Features.Features, 2)
	b, ok := l.Bounds()
	require.True(t, ok)
	assert.InDelta(t, 1168854.6, b.Min[0], 1)
	assert.Equal(t, []string{"Point"}, l.GeometryTypes())
}

func TestHarmonizeShapefileReplacesSidecars(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "samples.geojson", pointsGeoJSON)
	shp := filepath.Join(dir, "samples.shp")

	// 由GeoJSON生成shapefile夹具
	ds, err := openVector(src)
	require.NoError(t, err)
	require.NoError(t, translateVector(ds, shp, testWKT(t, "EPSG:4326"), "ESRI Shapefile"))
	ds.Close()

	r := Harmonize(shp, DatasetVector, "EPSG:3857", WithReplacer(fastReplacer()))
	require.True(t, r.OK(), r.Message)

	names := dirEntries(t, dir)
	assert.Contains(t, names, "samples.shp")
	assert.Contains(t, names, "samples.dbf")
	assert.Contains(t, names, "samples.shx")
	for _, n := range names {
		assert.NotContains(t, n, "reprojected", "leftover temp file %s", n)
	}

	l, err := ReadVectorLayer(shp)
	require.NoError(t, err)
	assert.NotEmpty(t, l.CRS)
	assert.Len(t, l.Features.Features, 2)
	b, ok := l.Bounds()
	require.True(t, ok)
	assert.InDelta(t, 1168854.6, b.Min[0], 1)
}

// writeZippedShapefile 由GeoJSON生成shapefile文件组并平铺打包为 <name>.zip
func writeZippedShapefile(t *testing.T, dir, name, geojson string) string {
	t.Helper()
	work := t.TempDir()
	src := writeTestFile(t, work, name+".geojson", geojson)
	shp := filepath.Join(work, name+".shp")
	ds, err := openVector(src)
	require.NoError(t, err)
	require.NoError(t, translateVector(ds, shp, testWKT(t, "EPSG:4326"), "ESRI Shapefile"))
	ds.Close()

	path := filepath.Join(dir, name+".zip")
	require.NoError(t, zipFiles(path, vectorSourceFiles(shp)))
	return path
}

func zipMembers(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestHarmonizeZippedShapefile(t *testing.T) {
	dir := t.TempDir()
	path := writeZippedShapefile(t, dir, "samples", pointsGeoJSON)
	before, err := os.Stat(path)
	require.NoError(t, err)

	r := Harmonize(path, DatasetVector, "EPSG:3857", WithReplacer(fastReplacer()))
	require.True(t, r.OK(), r.Message)
	assert.Equal(t, "Reprojected vector renamed to "+path, r.Message)

	// 原地改写，目录中只剩zip本身
	assert.ElementsMatch(t, []string{"samples.zip"}, dirEntries(t, dir))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, os.SameFile(before, after))

	members := zipMembers(t, path)
	assert.Contains(t, members, "samples.shp")
	assert.Contains(t, members, "samples.dbf")
	assert.Contains(t, members, "samples.shx")

	l, err := ReadVectorLayer(path)
	require.NoError(t, err)
	assert.Len(t, l.Features.Features, 2)
	b, ok := l.Bounds()
	require.True(t, ok)
	assert.InDelta(t, 1168854.6, b.Min[0], 1)
}
