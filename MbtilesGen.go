package CopperCore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	earthRadius = 6378137.0
	originShift = math.Pi * earthRadius // 20037508.342789244
)

// ProgressCallback 进度回调，返回false时取消
type ProgressCallback func(complete float64, message string) bool

// MBTilesOptions MBTiles生成选项
type MBTilesOptions struct {
	TileSize int               // 瓦片大小，默认256
	MinZoom  int               // 最小缩放级别
	MaxZoom  int               // 最大缩放级别
	Format   string            // png / webp
	Metadata map[string]string // 自定义元数据

	Concurrency      int // 并发数，默认为CPU核心数
	ProgressCallback ProgressCallback
}

// MBTilesGenerator 概率图MBTiles生成器
type MBTilesGenerator struct {
	mu       sync.Mutex // godal数据集不可并发读
	dataset  *godal.Dataset
	geom     RasterGeometry // EPSG:3857 网格
	ramp     *ProbabilityRamp
	tileSize int
	minZoom  int
	maxZoom  int
	format   string
	conc     int

	progressCallback ProgressCallback
}

// TileTask 瓦片任务（XYZ行列号）
type TileTask struct {
	Zoom int
	X    int
	Y    int
}

type rasterTileResult struct {
	TileTask
	Data []byte
}

func defaultMBTilesOptions() *MBTilesOptions {
	return &MBTilesOptions{
		MinZoom: MainConfig.MBTiles.MinZoom,
		MaxZoom: MainConfig.MBTiles.MaxZoom,
		Format:  MainConfig.MBTiles.Format,
	}
}

// NewMBTilesGenerator 打开概率图并重投影到Web墨卡托（内存数据集）
func NewMBTilesGenerator(imagePath string, options *MBTilesOptions) (*MBTilesGenerator, error) {
	if options == nil {
		options = defaultMBTilesOptions()
	}
	if options.TileSize <= 0 {
		options.TileSize = 256
	}
	if options.MinZoom < 0 {
		options.MinZoom = 0
	}
	if options.MaxZoom <= 0 || options.MaxZoom > 22 {
		options.MaxZoom = 12
	}
	if options.MinZoom > options.MaxZoom {
		return nil, fmt.Errorf("invalid zoom range %d-%d", options.MinZoom, options.MaxZoom)
	}
	switch options.Format {
	case "":
		options.Format = "png"
	case "png", "webp":
	default:
		return nil, fmt.Errorf("unsupported tile format %q", options.Format)
	}
	if options.Concurrency <= 0 {
		options.Concurrency = runtime.NumCPU()
	}

	src, err := openRaster(imagePath)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	warped, err := src.Warp("", []string{"-t_srs", "EPSG:3857", "-r", "near", "-dstnodata", "0"}, godal.Memory)
	if err != nil {
		return nil, newError(KindWriteError, "warp to web mercator", imagePath, err)
	}
	grid, err := describeRaster(warped, imagePath)
	if err != nil {
		warped.Close()
		return nil, err
	}

	return &MBTilesGenerator{
		dataset:          warped,
		geom:             grid.RasterGeometry,
		ramp:             NewProbabilityRamp(),
		tileSize:         options.TileSize,
		minZoom:          options.MinZoom,
		maxZoom:          options.MaxZoom,
		format:           options.Format,
		conc:             options.Concurrency,
		progressCallback: options.ProgressCallback,
	}, nil
}

// Close 关闭生成器
func (gen *MBTilesGenerator) Close() {
	if gen.dataset != nil {
		gen.dataset.Close()
		gen.dataset = nil
	}
}

// Bounds Web墨卡托外包矩形
func (gen *MBTilesGenerator) Bounds() orb.Bound {
	return gen.geom.Bounds()
}

// GetBoundsLatLon 获取边界（经纬度）
func (gen *MBTilesGenerator) GetBoundsLatLon() (minLon, minLat, maxLon, maxLat float64) {
	b := gen.Bounds()
	minLon, minLat = WebMercatorToLatLon(b.Min[0], b.Min[1])
	maxLon, maxLat = WebMercatorToLatLon(b.Max[0], b.Max[1])
	return
}

// Generate 生成MBTiles文件
func (gen *MBTilesGenerator) Generate(outputPath string, metadata map[string]string) error {
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newError(KindWriteError, "mbtiles", outputPath, err)
	}
	db, err := sql.Open("sqlite3", outputPath)
	if err != nil {
		return newError(KindWriteError, "mbtiles", outputPath, fmt.Errorf("failed to create database: %w", err))
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := gen.createTables(db); err != nil {
		return newError(KindWriteError, "mbtiles", outputPath, fmt.Errorf("failed to create tables: %w", err))
	}
	if err := gen.writeMetadata(db, metadata); err != nil {
		return newError(KindWriteError, "mbtiles", outputPath, fmt.Errorf("failed to write metadata: %w", err))
	}
	count, err := gen.generateTiles(db)
	if err != nil {
		return newError(KindWriteError, "mbtiles", outputPath, fmt.Errorf("failed to generate tiles: %w", err))
	}
	logger().Info("MBTiles generation completed", zap.String("path", outputPath), zap.Int("tiles", count))
	return nil
}

// createTables 创建MBTiles数据库表
func (gen *MBTilesGenerator) createTables(db *sql.DB) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT)`,
		`CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER,
			tile_column INTEGER,
			tile_row INTEGER,
			tile_data BLOB
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row)`,
	}
	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// writeMetadata 写入MBTiles元数据
func (gen *MBTilesGenerator) writeMetadata(db *sql.DB, customMetadata map[string]string) error {
	minLon, minLat, maxLon, maxLat := gen.GetBoundsLatLon()
	meta := map[string]string{
		"name":        "Probability Map",
		"type":        "overlay",
		"version":     "1.0",
		"description": "Patch probability map",
		"format":      gen.format,
		"bounds":      fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", minLon, minLat, maxLon, maxLat),
		"center":      fmt.Sprintf("%.6f,%.6f,%d", (minLon+maxLon)/2, (minLat+maxLat)/2, gen.minZoom),
		"minzoom":     fmt.Sprintf("%d", gen.minZoom),
		"maxzoom":     fmt.Sprintf("%d", gen.maxZoom),
	}
	for k, v := range customMetadata {
		meta[k] = v
	}

	stmt, err := db.Prepare("INSERT INTO metadata (name, value) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, v := range meta {
		if _, err := stmt.Exec(k, v); err != nil {
			return err
		}
	}
	return nil
}

// EstimateTileCount 估算瓦片数量
func (gen *MBTilesGenerator) EstimateTileCount() int {
	total := 0
	for zoom := gen.minZoom; zoom <= gen.maxZoom; zoom++ {
		minX, minY, maxX, maxY := GetTileRange(gen.Bounds(), zoom)
		total += (maxX - minX + 1) * (maxY - minY + 1)
	}
	return total
}

// generateTiles 并发渲染瓦片，单协程写库
func (gen *MBTilesGenerator) generateTiles(db *sql.DB) (int, error) {
	stmt, err := db.Prepare("INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	estimated := gen.EstimateTileCount()
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(gen.conc)
	results := make(chan rasterTileResult, gen.conc)
	done := make(chan error, 1)

	go func() {
		defer func() {
			done <- g.Wait()
			close(results)
		}()
		for zoom := gen.minZoom; zoom <= gen.maxZoom; zoom++ {
			minX, minY, maxX, maxY := GetTileRange(gen.Bounds(), zoom)
			logger().Debug("queuing zoom level",
				zap.Int("zoom", zoom),
				zap.Int("tiles", (maxX-minX+1)*(maxY-minY+1)))
			for x := minX; x <= maxX; x++ {
				for y := minY; y <= maxY; y++ {
					if ctx.Err() != nil {
						return
					}
					task := TileTask{Zoom: zoom, X: x, Y: y}
					g.Go(func() error {
						data, err := gen.ReadTile(task)
						if err != nil || data == nil {
							return err
						}
						select {
						case results <- rasterTileResult{TileTask: task, Data: data}:
							return nil
						case <-ctx.Done():
							return ctx.Err()
						}
					})
				}
			}
		}
	}()

	total := 0
	var writeErr error
	for r := range results {
		if writeErr != nil {
			continue
		}
		// MBTiles 使用TMS行号
		tmsY := (1 << uint(r.Zoom)) - 1 - r.Y
		if _, err := stmt.Exec(r.Zoom, r.X, tmsY, r.Data); err != nil {
			writeErr = fmt.Errorf("write tile %d/%d/%d: %w", r.Zoom, r.X, r.Y, err)
			continue
		}
		total++
		if gen.progressCallback != nil && total%100 == 0 && estimated > 0 {
			progress := float64(total) / float64(estimated)
			if !gen.progressCallback(progress, fmt.Sprintf("Generated %d/%d tiles", total, estimated)) {
				writeErr = fmt.Errorf("operation cancelled by user")
			}
		}
	}
	if err := <-done; err != nil {
		return total, err
	}
	if writeErr != nil {
		return total, writeErr
	}
	if gen.progressCallback != nil {
		gen.progressCallback(1.0, fmt.Sprintf("Successfully generated %d tiles", total))
	}
	return total, nil
}

// ReadTile 渲染单个瓦片；瓦片与数据无交集时返回nil
func (gen *MBTilesGenerator) ReadTile(t TileTask) ([]byte, error) {
	minX, minY, maxX, maxY := TileToWebMercatorBounds(t.X, t.Y, t.Zoom)
	inv, err := gen.geom.Transform.Inverse()
	if err != nil {
		return nil, err
	}
	px0, py0 := inv.Apply(minX, maxY)
	px1, py1 := inv.Apply(maxX, minY)
	scaleX := float64(gen.tileSize) / (px1 - px0)
	scaleY := float64(gen.tileSize) / (py1 - py0)

	sx0 := int(math.Floor(math.Max(px0, 0)))
	sy0 := int(math.Floor(math.Max(py0, 0)))
	sx1 := int(math.Ceil(math.Min(px1, float64(gen.geom.Width))))
	sy1 := int(math.Ceil(math.Min(py1, float64(gen.geom.Height))))
	if sx1 <= sx0 || sy1 <= sy0 {
		return nil, nil
	}

	dx0 := clampInt(int(math.Round((float64(sx0)-px0)*scaleX)), 0, gen.tileSize)
	dy0 := clampInt(int(math.Round((float64(sy0)-py0)*scaleY)), 0, gen.tileSize)
	dx1 := clampInt(int(math.Round((float64(sx1)-px0)*scaleX)), 0, gen.tileSize)
	dy1 := clampInt(int(math.Round((float64(sy1)-py0)*scaleY)), 0, gen.tileSize)
	bw, bh := dx1-dx0, dy1-dy0
	if bw <= 0 || bh <= 0 {
		return nil, nil
	}

	buf := make([]float32, bw*bh)
	gen.mu.Lock()
	err = gen.dataset.Read(sx0, sy0, buf, bw, bh, godal.Window(sx1-sx0, sy1-sy0))
	gen.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read tile %d/%d/%d: %w", t.Zoom, t.X, t.Y, err)
	}

	sub := image.NewNRGBA(image.Rect(0, 0, bw, bh))
	for i, v := range buf {
		if v <= 0 || math.IsNaN(float64(v)) {
			continue // NoData透明
		}
		c, err := gen.ramp.At(math.Min(float64(v), 1))
		if err != nil {
			continue
		}
		sub.Set(i%bw, i/bw, c)
	}
	tile := imaging.New(gen.tileSize, gen.tileSize, color.Transparent)
	tile = imaging.Paste(tile, sub, image.Pt(dx0, dy0))
	return encodeTile(tile, gen.format)
}

func encodeTile(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Lossless: true}); err != nil {
			return nil, err
		}
	default:
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GenerateProbabilityMBTiles 概率图 -> MBTiles
func GenerateProbabilityMBTiles(tiffPath, outputPath string, options *MBTilesOptions) error {
	gen, err := NewMBTilesGenerator(tiffPath, options)
	if err != nil {
		return err
	}
	defer gen.Close()
	var meta map[string]string
	if options != nil {
		meta = options.Metadata
	}
	return gen.Generate(outputPath, meta)
}

// ==================== 瓦片坐标 ====================

// GetTileRange 指定缩放级别下覆盖Web墨卡托范围的XYZ瓦片行列号
func GetTileRange(b orb.Bound, zoom int) (minTileX, minTileY, maxTileX, maxTileY int) {
	numTiles := math.Exp2(float64(zoom))
	tileWorldSize := (2 * originShift) / numTiles

	minTileX = int(math.Floor((b.Min[0] + originShift) / tileWorldSize))
	maxTileX = int(math.Floor((b.Max[0] + originShift) / tileWorldSize))
	// Y轴向下
	minTileY = int(math.Floor((originShift - b.Max[1]) / tileWorldSize))
	maxTileY = int(math.Floor((originShift - b.Min[1]) / tileWorldSize))

	maxTiles := int(numTiles) - 1
	minTileX = clampInt(minTileX, 0, maxTiles)
	minTileY = clampInt(minTileY, 0, maxTiles)
	maxTileX = clampInt(maxTileX, 0, maxTiles)
	maxTileY = clampInt(maxTileY, 0, maxTiles)
	return
}

// WebMercatorToLatLon Web墨卡托转经纬度
func WebMercatorToLatLon(x, y float64) (lon, lat float64) {
	lon = x * 180.0 / originShift
	lat = math.Atan(math.Exp(y*math.Pi/originShift))*360.0/math.Pi - 90.0
	return
}

// TileToWebMercatorBounds 瓦片坐标转Web墨卡托边界
func TileToWebMercatorBounds(x, y, zoom int) (minX, minY, maxX, maxY float64) {
	numTiles := int64(1 << uint(zoom))
	tileSize := (2.0 * originShift) / float64(numTiles)

	minX = float64(x)*tileSize - originShift
	maxX = float64(x+1)*tileSize - originShift
	maxY = originShift - float64(y)*tileSize
	minY = originShift - float64(y+1)*tileSize
	return
}
