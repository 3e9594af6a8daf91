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
	"fmt"
	"math"
	"os"

	"github.com/airbusgeo/godal"
	"go.uber.org/zap"
)

// ==================== 栅格重采样 ====================

// MaxGridDimension 单轴像素数上限
const MaxGridDimension = 100000

// ResampleGrid 重采样目标网格
type ResampleGrid struct {
	Width     int
	Height    int
	Transform Affine
	TargetRes float64 // 参考影像决定的目标分辨率
}

// ResampleInfo 重采样前后对比信息
type ResampleInfo struct {
	OriginalWidth  int
	OriginalHeight int
	OriginalResX   float64
	OriginalResY   float64
	TargetWidth    int
	TargetHeight   int
	TargetResX     float64
	TargetResY     float64
	BandCount      int
	CRSMatches     bool
}

// ComputeResampleGrid 按参考影像分辨率计算新网格，保持原始宽高比和地理范围
func ComputeResampleGrid(ref Affine, src RasterGeometry) (ResampleGrid, error) {
	return computeResampleGrid(ref, src, MaxGridDimension)
}

func computeResampleGrid(ref Affine, src RasterGeometry, limit int) (ResampleGrid, error) {
	refX, refY := ref.PixelSize()
	if refX == 0 || refY == 0 {
		return ResampleGrid{}, errorf(KindInvalidGridDimensions, "resample", "",
			"reference pixel size is zero (%v, %v)", refX, refY)
	}
	if src.Width <= 0 || src.Height <= 0 {
		return ResampleGrid{}, errorf(KindInvalidGridDimensions, "resample", "",
			"source dimensions (%d, %d) are invalid (<= 0)", src.Height, src.Width)
	}
	target := math.Min(refX, refY)

	bounds := src.Bounds()
	extentW := bounds.Max[0] - bounds.Min[0]
	extentH := bounds.Max[1] - bounds.Min[1]
	if target >= extentW || target >= extentH {
		return ResampleGrid{}, errorf(KindInvalidGridDimensions, "resample", "",
			"target pixel size %v is not smaller than raster extent (%v x %v)", target, extentW, extentH)
	}

	aspect := float64(src.Width) / float64(src.Height)
	newH := int(math.RoundToEven(extentH / target))
	newW := int(math.RoundToEven(float64(newH) * aspect))
	if err := ValidateDimensions(newW, newH, limit); err != nil {
		return ResampleGrid{}, err
	}

	px := extentW / float64(newW)
	py := extentH / float64(newH)
	return ResampleGrid{
		Width:     newW,
		Height:    newH,
		Transform: FromOrigin(bounds.Min[0], bounds.Max[1], px, py),
		TargetRes: target,
	}, nil
}

// GetResampleInfo 预览重采样结果，不修改文件
func GetResampleInfo(path, referencePath string) (*ResampleInfo, error) {
	ref, err := OpenRasterGrid(referencePath)
	if err != nil {
		return nil, err
	}
	src, err := OpenRasterGrid(path)
	if err != nil {
		return nil, err
	}
	rg, err := ComputeResampleGrid(ref.Transform, src.RasterGeometry)
	if err != nil {
		return nil, err
	}
	resX, resY := src.Transform.PixelSize()
	tx, ty := rg.Transform.PixelSize()
	return &ResampleInfo{
		OriginalWidth:  src.Width,
		OriginalHeight: src.Height,
		OriginalResX:   resX,
		OriginalResY:   resY,
		TargetWidth:    rg.Width,
		TargetHeight:   rg.Height,
		TargetResX:     tx,
		TargetResY:     ty,
		BandCount:      src.BandCount,
		CRSMatches:     SameCRS(src.CRS, ref.CRS),
	}, nil
}

// EstimateResampleSize 估算输出未压缩字节数
func (info *ResampleInfo) EstimateResampleSize(dtype godal.DataType) int64 {
	return int64(info.TargetWidth) * int64(info.TargetHeight) * int64(info.BandCount) * int64(dtype.Size())
}

// Resample 按参考影像分辨率双线性重采样并原地替换
func Resample(path, referencePath string, opts ...ResampleOption) Result {
	o := buildOptions(opts)
	out, err := resampleRaster(path, referencePath, o)
	if err != nil {
		logger().Error("resampling failed", zap.String("path", path), zap.Error(err))
		r := failedResult("Resampling failed", err)
		r.DatasetType = DatasetRaster
		return r
	}
	r := readyResult(fmt.Sprintf("Resampled raster to: %s", out), out)
	r.DatasetType = DatasetRaster
	return r
}

func resampleRaster(path, referencePath string, o options) (string, error) {
	ref, err := OpenRasterGrid(referencePath)
	if err != nil {
		return "", err
	}

	ds, err := openRaster(path)
	if err != nil {
		return "", err
	}
	defer ds.Close()
	src, err := describeRaster(ds, path)
	if err != nil {
		return "", err
	}
	if !SameCRS(src.CRS, ref.CRS) {
		logger().Warn("input raster CRS differs from reference raster CRS",
			zap.String("path", path),
			zap.String("input_crs", CRSLabel(src.CRS)),
			zap.String("reference_crs", CRSLabel(ref.CRS)))
	}

	// 校验失败时不触碰任何文件
	rg, err := computeResampleGrid(ref.Transform, src.RasterGeometry, o.maxDimension)
	if err != nil {
		return "", err
	}
	logger().Info("resampling raster",
		zap.String("path", path),
		zap.Int("width", rg.Width),
		zap.Int("height", rg.Height),
		zap.Float64("target_res", rg.TargetRes))

	temp := TempSibling(path, "resampled")
	geom := RasterGeometry{Width: rg.Width, Height: rg.Height, Transform: rg.Transform, CRS: src.CRS}
	w, err := NewGeoTiffWriter(temp, geom, src.BandCount, src.DataType)
	if err != nil {
		return "", err
	}
	if src.HasNoData {
		if err := w.SetNoData(src.NoData); err != nil {
			w.abort()
			return "", err
		}
	}

	buf := make([]float64, rg.Width*rg.Height)
	for i, band := range ds.Bands() {
		if err := band.Read(0, 0, buf, rg.Width, rg.Height,
			godal.Window(src.Width, src.Height),
			godal.Resampling(godal.Bilinear)); err != nil {
			w.abort()
			return "", newError(KindSourceReadError, "resample", path, fmt.Errorf("band %d: %w", i+1, err))
		}
		if err := w.WriteBand(i+1, buf); err != nil {
			w.abort()
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(temp)
		return "", err
	}
	ds.Close()

	if err := o.replacer.Replace(temp, path); err != nil {
		return "", err
	}
	return path, nil
}
