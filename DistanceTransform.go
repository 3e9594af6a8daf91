// DistanceTransform.go
package CopperCore

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// edtInf 背景像素的初始平方距离
const edtInf = 1e20

// EuclideanDistance 精确欧氏距离变换：每个像素到最近前景像素（mask!=0）的距离，单位为像素。
// 前景像素距离为0。没有前景像素时返回 false。
func EuclideanDistance(mask []uint8, width, height int) ([]float64, bool) {
	n := width * height
	dist := make([]float64, n)
	found := false
	for i, v := range mask[:n] {
		if v != 0 {
			found = true
		} else {
			dist[i] = edtInf
		}
	}
	if !found {
		return dist, false
	}

	size := width
	if height > size {
		size = height
	}
	f := make([]float64, size)
	d := make([]float64, size)
	v := make([]int, size)
	z := make([]float64, size+1)

	// 先按列，再按行
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			f[y] = dist[y*width+x]
		}
		edt1d(f[:height], d, v, z)
		for y := 0; y < height; y++ {
			dist[y*width+x] = d[y]
		}
	}
	for y := 0; y < height; y++ {
		row := dist[y*width : (y+1)*width]
		copy(f, row)
		edt1d(f[:width], d, v, z)
		copy(row, d[:width])
	}

	for i := range dist {
		dist[i] = math.Sqrt(dist[i])
	}
	return dist, true
}

// edt1d 一维平方距离变换（抛物线下包络）
func edt1d(f, d []float64, v []int, z []float64) {
	n := len(f)
	k := 0
	v[0] = 0
	z[0] = math.Inf(-1)
	z[1] = math.Inf(1)
	for q := 1; q < n; q++ {
		s := intersect(f, q, v[k])
		for s <= z[k] {
			k--
			s = intersect(f, q, v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}
	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < float64(q) {
			k++
		}
		dq := float64(q - v[k])
		d[q] = dq*dq + f[v[k]]
	}
}

func intersect(f []float64, q, p int) float64 {
	fq, fp := float64(q), float64(p)
	return ((f[q] + fq*fq) - (f[p] + fp*fp)) / (2*fq - 2*fp)
}

// ProximityField 距离变换并按像素大小换算为地理距离
func ProximityField(mask []uint8, width, height int, pixelSize float64) ([]float32, bool) {
	dist, ok := EuclideanDistance(mask, width, height)
	if !ok {
		return nil, false
	}
	floats.Scale(pixelSize, dist)
	out := make([]float32, len(dist))
	for i, v := range dist {
		out[i] = float32(v)
	}
	return out, true
}
