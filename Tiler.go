// Tiler.go
package CopperCore

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// DefaultPatchSize 默认切片边长（像素）
const DefaultPatchSize = 128

// normalizeEpsilon 动态范围低于该值的通道归一化为全0
const normalizeEpsilon = 1e-6

// Patch 模型输入切片，Data 为 Size×Size×3 的像素交错float32
type Patch struct {
	Row  int // 左上角行号
	Col  int // 左上角列号
	Size int
	Data []float32
}

// PatchSet 切片集合，可重复遍历
type PatchSet struct {
	Geometry  RasterGeometry // 第一个栅格的网格
	PatchSize int
	channels  [3][]float32
	numRows   int
	numCols   int
}

// LoadPatchSet 读取若干同网格栅格，组合为3通道并归一化
func LoadPatchSet(paths []string, patchSize int) (*PatchSet, error) {
	if len(paths) == 0 {
		return nil, errorf(KindSourceReadError, "load patches", "", "no raster paths given")
	}
	if patchSize <= 0 {
		patchSize = DefaultPatchSize
	}

	// 先校验全部栅格网格，再读取像素
	grids := make([]*RasterGrid, len(paths))
	for i, p := range paths {
		g, err := OpenRasterGrid(p)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			if err := checkSameGrid(grids[0], g, p); err != nil {
				return nil, err
			}
		}
		grids[i] = g
	}

	channels, err := collectChannels(paths, grids)
	if err != nil {
		return nil, err
	}

	ps := &PatchSet{
		Geometry:  grids[0].RasterGeometry,
		PatchSize: patchSize,
		numRows:   grids[0].Height / patchSize,
		numCols:   grids[0].Width / patchSize,
	}
	for c := range channels {
		ps.channels[c] = normalizeChannel(channels[c])
	}
	logger().Info("patch set loaded",
		zap.Int("rasters", len(paths)),
		zap.Int("width", ps.Geometry.Width),
		zap.Int("height", ps.Geometry.Height),
		zap.Int("patches", ps.Len()))
	return ps, nil
}

// checkSameGrid 形状、坐标系、仿射变换必须与第一个栅格一致
func checkSameGrid(first, g *RasterGrid, path string) error {
	if g.Width != first.Width || g.Height != first.Height {
		return errorf(KindShapeMismatch, "load patches", path,
			"raster shape (%d, %d) differs from first raster (%d, %d)", g.Height, g.Width, first.Height, first.Width)
	}
	if !SameCRS(g.CRS, first.CRS) {
		return errorf(KindCrsMismatch, "load patches", path,
			"raster CRS %s differs from first raster CRS %s", CRSLabel(g.CRS), CRSLabel(first.CRS))
	}
	if !g.Transform.AlmostEqual(first.Transform, 1e-9) {
		return errorf(KindShapeMismatch, "load patches", path,
			"raster transform %v differs from first raster transform %v", g.Transform, first.Transform)
	}
	return nil
}

type bandRef struct {
	raster int
	band   int
}

// collectChannels 按顺序拼接全部波段，不足3个时复制第一个波段；只读取用到的波段
func collectChannels(paths []string, grids []*RasterGrid) ([3][]float64, error) {
	var refs []bandRef
	for i, g := range grids {
		for b := 0; b < g.BandCount && len(refs) < 3; b++ {
			refs = append(refs, bandRef{raster: i, band: b})
		}
		if len(refs) == 3 {
			break
		}
	}
	if len(refs) < 3 {
		logger().Warn("fewer than 3 bands available, replicating first band", zap.Int("bands", len(refs)))
	}
	for len(refs) < 3 {
		refs = append(refs, refs[0])
	}

	var out [3][]float64
	loaded := map[int]*RasterGrid{}
	for c, ref := range refs {
		g, ok := loaded[ref.raster]
		if !ok {
			var err error
			if g, err = ReadRasterGrid(paths[ref.raster]); err != nil {
				return out, err
			}
			loaded[ref.raster] = g
		}
		out[c] = g.Band(ref.band)
	}
	return out, nil
}

// normalizeChannel 最小-最大归一化到[0,1]
func normalizeChannel(data []float64) []float32 {
	out := make([]float32, len(data))
	if len(data) == 0 {
		return out
	}
	lo, hi := floats.Min(data), floats.Max(data)
	span := hi - lo
	if span <= normalizeEpsilon {
		return out
	}
	for i, v := range data {
		out[i] = float32((v - lo) / span)
	}
	return out
}

// GridInfo 切片行列数
func (ps *PatchSet) GridInfo() (rows, cols int) {
	return ps.numRows, ps.numCols
}

// Len 完整切片数量
func (ps *PatchSet) Len() int {
	return ps.numRows * ps.numCols
}

// PatchAt 按行优先序号取切片
func (ps *PatchSet) PatchAt(index int) (Patch, error) {
	if index < 0 || index >= ps.Len() {
		return Patch{}, fmt.Errorf("patch index %d out of range [0,%d)", index, ps.Len())
	}
	row := (index / ps.numCols) * ps.PatchSize
	col := (index % ps.numCols) * ps.PatchSize
	return ps.extract(row, col), nil
}

func (ps *PatchSet) extract(row, col int) Patch {
	size := ps.PatchSize
	width := ps.Geometry.Width
	data := make([]float32, size*size*3)
	k := 0
	for r := row; r < row+size; r++ {
		base := r*width + col
		for c := 0; c < size; c++ {
			data[k] = ps.channels[0][base+c]
			data[k+1] = ps.channels[1][base+c]
			data[k+2] = ps.channels[2][base+c]
			k += 3
		}
	}
	return Patch{Row: row, Col: col, Size: size, Data: data}
}

// Iterate 行优先遍历全部完整切片，fn返回错误时停止
func (ps *PatchSet) Iterate(fn func(Patch) error) error {
	for i := 0; i < ps.Len(); i++ {
		p, _ := ps.PatchAt(i)
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// Patches 返回新的切片序列，每次调用顺序相同
func (ps *PatchSet) Patches() []Patch {
	out := make([]Patch, 0, ps.Len())
	_ = ps.Iterate(func(p Patch) error {
		out = append(out, p)
		return nil
	})
	return out
}
