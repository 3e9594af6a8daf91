// tiff_writer.go
package CopperCore

import (
	"fmt"
	"os"

	"github.com/airbusgeo/godal"
)

// geoTiffCreationOptions LZW压缩、256分块
var geoTiffCreationOptions = []string{
	"COMPRESS=LZW",
	"TILED=YES",
	"BLOCKXSIZE=256",
	"BLOCKYSIZE=256",
	"BIGTIFF=IF_SAFER",
}

// GeoTiffWriter GeoTIFF写入器
type GeoTiffWriter struct {
	path   string
	ds     *godal.Dataset
	width  int
	height int
	bands  int
}

// NewGeoTiffWriter 创建GeoTIFF并设置地理变换与投影
func NewGeoTiffWriter(path string, geom RasterGeometry, bands int, dtype godal.DataType) (*GeoTiffWriter, error) {
	InitializeGDAL()
	if err := ValidateDimensions(geom.Width, geom.Height, maxGeoTiffDimension); err != nil {
		return nil, err
	}
	ds, err := godal.Create(godal.GTiff, path, bands, dtype, geom.Width, geom.Height,
		godal.CreationOption(geoTiffCreationOptions...))
	if err != nil {
		return nil, newError(KindWriteError, "create geotiff", path, err)
	}
	w := &GeoTiffWriter{path: path, ds: ds, width: geom.Width, height: geom.Height, bands: bands}

	if err := ds.SetGeoTransform([6]float64(geom.Transform)); err != nil {
		w.abort()
		return nil, newError(KindWriteError, "set geotransform", path, err)
	}
	if geom.CRS != "" {
		if err := ds.SetProjection(geom.CRS); err != nil {
			w.abort()
			return nil, newError(KindWriteError, "set projection", path, err)
		}
	}
	return w, nil
}

// maxGeoTiffDimension GeoTIFF单轴像素上限（写入时的兜底检查）
const maxGeoTiffDimension = 1 << 30

// SetNoData 为全部波段设置NoData值
func (w *GeoTiffWriter) SetNoData(nd float64) error {
	for i, band := range w.ds.Bands() {
		if err := band.SetNoData(nd); err != nil {
			return newError(KindWriteError, "set nodata", w.path, fmt.Errorf("band %d: %w", i+1, err))
		}
	}
	return nil
}

// WriteBand 写入第index个波段（从1开始），data为 []float64 / []float32 / []uint8 等
func (w *GeoTiffWriter) WriteBand(index int, data interface{}) error {
	if index < 1 || index > w.bands {
		return fmt.Errorf("band index %d out of range [1,%d]", index, w.bands)
	}
	if n := bufferLen(data); n != w.width*w.height {
		return fmt.Errorf("band %d buffer has %d values, want %d", index, n, w.width*w.height)
	}
	band := w.ds.Bands()[index-1]
	if err := band.Write(0, 0, data, w.width, w.height); err != nil {
		return newError(KindWriteError, "write band", w.path, fmt.Errorf("band %d: %w", index, err))
	}
	return nil
}

// Close 刷新并关闭
func (w *GeoTiffWriter) Close() error {
	if w.ds == nil {
		return nil
	}
	err := w.ds.Close()
	w.ds = nil
	if err != nil {
		return newError(KindWriteError, "close geotiff", w.path, err)
	}
	return nil
}

// abort 关闭并删除未完成的文件
func (w *GeoTiffWriter) abort() {
	if w.ds != nil {
		_ = w.ds.Close()
		w.ds = nil
	}
	_ = os.Remove(w.path)
}

func bufferLen(data interface{}) int {
	switch b := data.(type) {
	case []float64:
		return len(b)
	case []float32:
		return len(b)
	case []uint8:
		return len(b)
	case []int16:
		return len(b)
	case []uint16:
		return len(b)
	case []int32:
		return len(b)
	case []uint32:
		return len(b)
	}
	return -1
}

// WriteRasterGrid 将内存栅格完整写出为GeoTIFF
func WriteRasterGrid(path string, g *RasterGrid) error {
	if len(g.Bands) != g.BandCount || g.BandCount == 0 {
		return fmt.Errorf("raster grid has %d band buffers for %d bands", len(g.Bands), g.BandCount)
	}
	w, err := NewGeoTiffWriter(path, g.RasterGeometry, g.BandCount, g.DataType)
	if err != nil {
		return err
	}
	if g.HasNoData {
		if err := w.SetNoData(g.NoData); err != nil {
			w.abort()
			return err
		}
	}
	for i, data := range g.Bands {
		if err := w.WriteBand(i+1, data); err != nil {
			w.abort()
			return err
		}
	}
	return w.Close()
}
