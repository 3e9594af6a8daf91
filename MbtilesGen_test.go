package CopperCore

import (
	"bytes"
	"database/sql"
	"image"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileToWebMercatorBounds(t *testing.T) {
	minX, minY, maxX, maxY := TileToWebMercatorBounds(0, 0, 0)
	assert.InDelta(t, -originShift, minX, 1e-6)
	assert.InDelta(t, -originShift, minY, 1e-6)
	assert.InDelta(t, originShift, maxX, 1e-6)
	assert.InDelta(t, originShift, maxY, 1e-6)

	// z1 左上角瓦片
	minX, minY, maxX, maxY = TileToWebMercatorBounds(0, 0, 1)
	assert.InDelta(t, -originShift, minX, 1e-6)
	assert.InDelta(t, 0, minY, 1e-6)
	assert.InDelta(t, 0, maxX, 1e-6)
	assert.InDelta(t, originShift, maxY, 1e-6)
}

func TestGetTileRange(t *testing.T) {
	world := orb.Bound{Min: orb.Point{-originShift, -originShift}, Max: orb.Point{originShift, originShift}}
	minX, minY, maxX, maxY := GetTileRange(world, 2)
	assert.Equal(t, [4]int{0, 0, 3, 3}, [4]int{minX, minY, maxX, maxY})

	ne := orb.Bound{Min: orb.Point{1000, 1000}, Max: orb.Point{2000, 2000}}
	minX, minY, maxX, maxY = GetTileRange(ne, 1)
	assert.Equal(t, [4]int{1, 0, 1, 0}, [4]int{minX, minY, maxX, maxY})
}

func TestWebMercatorToLatLon(t *testing.T) {
	lon, lat := WebMercatorToLatLon(0, 0)
	assert.InDelta(t, 0, lon, 1e-9)
	assert.InDelta(t, 0, lat, 1e-9)

	lon, lat = WebMercatorToLatLon(1113194.9079327357, 5621521.486192066)
	assert.InDelta(t, 10, lon, 1e-6)
	assert.InDelta(t, 45, lat, 1e-6)

	_, lat = WebMercatorToLatLon(0, originShift)
	assert.InDelta(t, 85.0511, lat, 1e-4)
}

func writeProbabilityRaster(t *testing.T, dir string, v float32) string {
	t.Helper()
	geom := testGeometry(t, 256, 256, 0.001)
	pm := &PredictionMap{Geometry: geom, Values: make([]float32, 256*256)}
	for i := range pm.Values {
		pm.Values[i] = v
	}
	path := filepath.Join(dir, ProbabilityTIFFName)
	require.NoError(t, WriteProbabilityMap(path, pm))
	return path
}

func TestGenerateProbabilityMBTiles(t *testing.T) {
	dir := t.TempDir()
	tif := writeProbabilityRaster(t, dir, 0.97)
	out := filepath.Join(dir, ProbabilityMBTilesNm)

	var progress []float64
	opts := &MBTilesOptions{
		MinZoom:     8,
		MaxZoom:     9,
		Concurrency: 2,
		Metadata:    map[string]string{"attribution": "survey"},
		ProgressCallback: func(complete float64, _ string) bool {
			progress = append(progress, complete)
			return true
		},
	}
	require.NoError(t, GenerateProbabilityMBTiles(tif, out, opts))

	db, err := sql.Open("sqlite3", out)
	require.NoError(t, err)
	defer db.Close()

	meta := map[string]string{}
	rows, err := db.Query("SELECT name, value FROM metadata")
	require.NoError(t, err)
	for rows.Next() {
		var k, v string
		require.NoError(t, rows.Scan(&k, &v))
		meta[k] = v
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, "png", meta["format"])
	assert.Equal(t, "8", meta["minzoom"])
	assert.Equal(t, "9", meta["maxzoom"])
	assert.Equal(t, "overlay", meta["type"])
	assert.Equal(t, "survey", meta["attribution"])
	assert.NotEmpty(t, meta["bounds"])

	var zooms []int
	zr, err := db.Query("SELECT DISTINCT zoom_level FROM tiles ORDER BY zoom_level")
	require.NoError(t, err)
	for zr.Next() {
		var z int
		require.NoError(t, zr.Scan(&z))
		zooms = append(zooms, z)
	}
	require.NoError(t, zr.Close())
	assert.Equal(t, []int{8, 9}, zooms)

	// 10°E,45°N 附近在 z8 为 x=135, XYZ y=91..92
	tr, err := db.Query("SELECT tile_column, tile_row, tile_data FROM tiles WHERE zoom_level = 8")
	require.NoError(t, err)
	defer tr.Close()
	count := 0
	for tr.Next() {
		var col, row int
		var data []byte
		require.NoError(t, tr.Scan(&col, &row, &data))
		count++
		assert.Equal(t, 135, col)
		assert.GreaterOrEqual(t, row, 255-92)
		assert.LessOrEqual(t, row, 255-91)

		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
		assert.True(t, hasOpaquePixel(img), "tile 8/%d/%d is fully transparent", col, row)
	}
	assert.Positive(t, count)
	if len(progress) > 0 {
		assert.Equal(t, 1.0, progress[len(progress)-1])
	}
}

func hasOpaquePixel(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a > 0 {
				return true
			}
		}
	}
	return false
}

func TestGenerateMBTilesOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	tif := writeProbabilityRaster(t, dir, 0.5)
	out := writeTestFile(t, dir, "tiles.mbtiles", "not a database")

	require.NoError(t, GenerateProbabilityMBTiles(tif, out, &MBTilesOptions{MinZoom: 9, MaxZoom: 9, Format: "webp"}))

	db, err := sql.Open("sqlite3", out)
	require.NoError(t, err)
	defer db.Close()
	var format string
	require.NoError(t, db.QueryRow("SELECT value FROM metadata WHERE name = 'format'").Scan(&format))
	assert.Equal(t, "webp", format)
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&n))
	assert.Positive(t, n)
}

func TestNewMBTilesGeneratorOptions(t *testing.T) {
	dir := t.TempDir()
	tif := writeProbabilityRaster(t, dir, 0.5)

	_, err := NewMBTilesGenerator(tif, &MBTilesOptions{MinZoom: 10, MaxZoom: 5})
	assert.Error(t, err)
	_, err = NewMBTilesGenerator(tif, &MBTilesOptions{MaxZoom: 5, Format: "jpeg"})
	assert.Error(t, err)

	gen, err := NewMBTilesGenerator(tif, &MBTilesOptions{MinZoom: 8, MaxZoom: 9})
	require.NoError(t, err)
	defer gen.Close()
	minLon, minLat, maxLon, maxLat := gen.GetBoundsLatLon()
	assert.InDelta(t, 10, minLon, 1e-3)
	assert.InDelta(t, 45, minLat, 1e-3)
	assert.InDelta(t, 10.256, maxLon, 1e-3)
	assert.InDelta(t, 45.256, maxLat, 1e-3)
	assert.GreaterOrEqual(t, gen.EstimateTileCount(), 3)

	data, err := gen.ReadTile(TileTask{Zoom: 8, X: 0, Y: 0})
	require.NoError(t, err)
	assert.Nil(t, data)
}
