// RasterReader.go
package CopperCore

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
)

// RasterGeometry 栅格网格几何：尺寸、仿射变换、坐标系
type RasterGeometry struct {
	Width     int
	Height    int
	Transform Affine
	CRS       string // WKT，可为空
}

// Bounds 网格外包矩形
func (g RasterGeometry) Bounds() orb.Bound {
	return g.Transform.Bounds(g.Width, g.Height)
}

// RasterGrid 栅格数据集
type RasterGrid struct {
	RasterGeometry
	BandCount int
	DataType  godal.DataType
	NoData    float64
	HasNoData bool
	Bands     [][]float64 // 按波段存储、行优先；只读元数据时为nil
}

// DatasetInfo 数据集信息
type DatasetInfo struct {
	Type          DatasetType
	CRS           string
	BandCount     int
	Width         int
	Height        int
	GeometryTypes []string
}

// openRaster 只读打开栅格
func openRaster(path string) (*godal.Dataset, error) {
	InitializeGDAL()
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, newError(KindSourceReadError, "open raster", path, err)
	}
	return ds, nil
}

// describeRaster 读取已打开数据集的元数据
func describeRaster(ds *godal.Dataset, path string) (*RasterGrid, error) {
	st := ds.Structure()
	if st.NBands < 1 {
		return nil, errorf(KindSourceReadError, "open raster", path, "raster has no bands")
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, newError(KindSourceReadError, "open raster", path, fmt.Errorf("get geotransform: %w", err))
	}
	grid := &RasterGrid{
		RasterGeometry: RasterGeometry{
			Width:     st.SizeX,
			Height:    st.SizeY,
			Transform: Affine(gt),
			CRS:       ds.Projection(),
		},
		BandCount: st.NBands,
		DataType:  st.DataType,
	}
	if nd, ok := ds.Bands()[0].NoData(); ok {
		grid.NoData = nd
		grid.HasNoData = true
	}
	return grid, nil
}

// OpenRasterGrid 读取栅格元数据（不读像素）
func OpenRasterGrid(path string) (*RasterGrid, error) {
	ds, err := openRaster(path)
	if err != nil {
		return nil, err
	}
	defer ds.Close()
	return describeRaster(ds, path)
}

// ReadRasterGrid 读取栅格元数据及全部波段像素
func ReadRasterGrid(path string) (*RasterGrid, error) {
	ds, err := openRaster(path)
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	grid, err := describeRaster(ds, path)
	if err != nil {
		return nil, err
	}
	grid.Bands = make([][]float64, grid.BandCount)
	for i, band := range ds.Bands() {
		buf := make([]float64, grid.Width*grid.Height)
		if err := band.Read(0, 0, buf, grid.Width, grid.Height); err != nil {
			return nil, newError(KindSourceReadError, "read band", path, fmt.Errorf("band %d: %w", i+1, err))
		}
		grid.Bands[i] = buf
	}
	return grid, nil
}

// Band 取第i个波段（从0开始）
func (g *RasterGrid) Band(i int) []float64 {
	if i < 0 || i >= len(g.Bands) {
		return nil
	}
	return g.Bands[i]
}

// At 读取像素值
func (g *RasterGrid) At(band, row, col int) float64 {
	return g.Bands[band][row*g.Width+col]
}

// MinMax 波段有效值范围（忽略NaN）
func (g *RasterGrid) MinMax(band int) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range g.Bands[band] {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// InspectRaster 数据集校验摘要
func InspectRaster(path string) (*DatasetInfo, error) {
	grid, err := OpenRasterGrid(path)
	if err != nil {
		return nil, err
	}
	return &DatasetInfo{
		Type:      DatasetRaster,
		CRS:       grid.CRS,
		BandCount: grid.BandCount,
		Width:     grid.Width,
		Height:    grid.Height,
	}, nil
}
