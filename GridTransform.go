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

	"github.com/paulmach/orb"
)

// ==================== 仿射变换 ====================

// Affine 仿射变换系数，GDAL顺序：
// [0]左上角X [1]像素宽度 [2]行旋转 [3]左上角Y [4]列旋转 [5]像素高度（北向上时为负值）
type Affine [6]float64

// FromOrigin 北向上的仿射变换，xsize/ysize 为正的像素尺寸
func FromOrigin(west, north, xsize, ysize float64) Affine {
	return Affine{west, xsize, 0, north, 0, -ysize}
}

// Apply 像素坐标(col,row)转地理坐标
func (a Affine) Apply(col, row float64) (x, y float64) {
	x = a[0] + col*a[1] + row*a[2]
	y = a[3] + col*a[4] + row*a[5]
	return
}

// PixelSize 像素尺寸绝对值
func (a Affine) PixelSize() (float64, float64) {
	return math.Abs(a[1]), math.Abs(a[5])
}

// Inverse 逆变换（地理坐标转像素坐标）
func (a Affine) Inverse() (Affine, error) {
	det := a[1]*a[5] - a[2]*a[4]
	if math.Abs(det) < 1e-15 {
		return Affine{}, fmt.Errorf("affine transform is not invertible")
	}
	inv := 1.0 / det
	return Affine{
		(a[2]*a[3] - a[0]*a[5]) * inv,
		a[5] * inv,
		-a[2] * inv,
		(-a[1]*a[3] + a[0]*a[4]) * inv,
		-a[4] * inv,
		a[1] * inv,
	}, nil
}

// Bounds width×height 网格覆盖的外包矩形
func (a Affine) Bounds(width, height int) orb.Bound {
	w, h := float64(width), float64(height)
	x0, y0 := a.Apply(0, 0)
	b := orb.Bound{Min: orb.Point{x0, y0}, Max: orb.Point{x0, y0}}
	for _, c := range [][2]float64{{w, 0}, {0, h}, {w, h}} {
		x, y := a.Apply(c[0], c[1])
		b = b.Extend(orb.Point{x, y})
	}
	return b
}

// AlmostEqual 逐项比较
func (a Affine) AlmostEqual(b Affine, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// ==================== 默认输出网格 ====================

// PointTransformer 坐标转换，原地改写xs/ys并返回逐点成功标记
type PointTransformer interface {
	TransformPoints(xs, ys []float64) ([]bool, error)
}

// edgeSteps 每条边的采样段数
const edgeSteps = 20

// CalculateDefaultTransform 计算重投影后的默认输出网格：
// 沿源影像四条边采样，目标范围取所有成功转换点的外包矩形；
// x、y方向分别按目标范围与源范围之比缩放源像素尺寸，输出行列数与源影像一致。
func CalculateDefaultTransform(tr PointTransformer, src Affine, width, height int) (Affine, int, int, error) {
	if width <= 0 || height <= 0 {
		return Affine{}, 0, 0, errorf(KindInvalidGridDimensions, "calculate transform", "",
			"source dimensions (%d, %d) are invalid", height, width)
	}

	n := 4*edgeSteps + 2
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	w, h := float64(width), float64(height)

	// 0号点为左上角，1号点为右下角，用于对角线
	for _, c := range [][2]float64{{0, 0}, {w, h}} {
		x, y := src.Apply(c[0], c[1])
		xs, ys = append(xs, x), append(ys, y)
	}
	for i := 0; i <= edgeSteps; i++ {
		t := float64(i) / edgeSteps
		for _, c := range [][2]float64{{t * w, 0}, {t * w, h}, {0, t * h}, {w, t * h}} {
			x, y := src.Apply(c[0], c[1])
			xs, ys = append(xs, x), append(ys, y)
		}
	}

	ok, err := tr.TransformPoints(xs, ys)
	if err != nil && ok == nil {
		return Affine{}, 0, 0, newError(KindSourceReadError, "calculate transform", "", fmt.Errorf("transform sample points: %w", err))
	}
	if !ok[0] || !ok[1] {
		return Affine{}, 0, 0, errorf(KindSourceReadError, "calculate transform", "", "failed to transform source corners")
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := range xs {
		if !ok[i] || math.IsNaN(xs[i]) || math.IsInf(xs[i], 0) || math.IsNaN(ys[i]) || math.IsInf(ys[i], 0) {
			continue
		}
		minX = math.Min(minX, xs[i])
		maxX = math.Max(maxX, xs[i])
		minY = math.Min(minY, ys[i])
		maxY = math.Max(maxY, ys[i])
	}

	// 北向上源网格时等价于 源像素尺寸 × 目标范围/源范围
	resX := (maxX - minX) / w
	resY := (maxY - minY) / h
	if !(resX > 0) || !(resY > 0) || math.IsInf(resX, 0) || math.IsInf(resY, 0) {
		return Affine{}, 0, 0, errorf(KindInvalidGridDimensions, "calculate transform", "",
			"degenerate output pixel size (%v, %v)", resX, resY)
	}

	outW := int((maxX-minX)/resX + 0.5)
	outH := int((maxY-minY)/resY + 0.5)
	if outW <= 0 || outH <= 0 {
		return Affine{}, 0, 0, errorf(KindInvalidGridDimensions, "calculate transform", "",
			"calculated dimensions (%d, %d) are invalid (<= 0)", outH, outW)
	}
	return FromOrigin(minX, maxY, resX, resY), outW, outH, nil
}

// ValidateDimensions 栅格尺寸必须为正且不超过上限
func ValidateDimensions(width, height, limit int) error {
	if width <= 0 || height <= 0 {
		return errorf(KindInvalidGridDimensions, "validate", "",
			"calculated dimensions (%d, %d) are invalid (<= 0), check pixel size and bounds", height, width)
	}
	if width > limit || height > limit {
		return errorf(KindInvalidGridDimensions, "validate", "",
			"calculated dimensions (%d, %d) are too large, check pixel size", height, width)
	}
	return nil
}
