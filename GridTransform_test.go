package CopperCore

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcTransformer 纯Go坐标变换
type funcTransformer func(x, y float64) (float64, float64, bool)

func (f funcTransformer) TransformPoints(xs, ys []float64) ([]bool, error) {
	ok := make([]bool, len(xs))
	for i := range xs {
		xs[i], ys[i], ok[i] = f(xs[i], ys[i])
	}
	return ok, nil
}

var identity = funcTransformer(func(x, y float64) (float64, float64, bool) { return x, y, true })

func TestAffineApplyInverse(t *testing.T) {
	a := FromOrigin(500000, 7000000, 30, 30)
	x, y := a.Apply(10, 20)
	assert.Equal(t, 500300.0, x)
	assert.Equal(t, 6999400.0, y)

	inv, err := a.Inverse()
	require.NoError(t, err)
	col, row := inv.Apply(x, y)
	assert.InDelta(t, 10, col, 1e-9)
	assert.InDelta(t, 20, row, 1e-9)

	_, err = Affine{0, 0, 0, 0, 0, 0}.Inverse()
	assert.Error(t, err)
}

func TestAffineBounds(t *testing.T) {
	b := FromOrigin(10, 50, 0.5, 0.25).Bounds(4, 8)
	assert.Equal(t, [2]float64{10, 48}, [2]float64(b.Min))
	assert.Equal(t, [2]float64{12, 50}, [2]float64(b.Max))

	px, py := FromOrigin(0, 0, 2, 3).PixelSize()
	assert.Equal(t, 2.0, px)
	assert.Equal(t, 3.0, py)
}

func TestCalculateDefaultTransformIdentityKeepsDimensions(t *testing.T) {
	src := FromOrigin(10, 46, 0.01, 0.01)
	dst, w, h, err := CalculateDefaultTransform(identity, src, 200, 100)
	require.NoError(t, err)
	assert.Equal(t, 200, w)
	assert.Equal(t, 100, h)
	assert.True(t, dst.AlmostEqual(src, 1e-9), "got %v", dst)
}

func TestCalculateDefaultTransformScaled(t *testing.T) {
	double := funcTransformer(func(x, y float64) (float64, float64, bool) { return 2 * x, 2 * y, true })
	src := FromOrigin(0, 100, 1, 1)
	dst, w, h, err := CalculateDefaultTransform(double, src, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, w)
	assert.Equal(t, 100, h)
	px, py := dst.PixelSize()
	assert.InDelta(t, 2, px, 1e-9)
	assert.InDelta(t, 2, py, 1e-9)
	x0, y0 := dst.Apply(0, 0)
	assert.InDelta(t, 0, x0, 1e-9)
	assert.InDelta(t, 200, y0, 1e-9)
}

func TestCalculateDefaultTransformNonSquarePixels(t *testing.T) {
	tests := []struct {
		name string
		src  Affine
		w, h int
	}{
		{"utm 30x20", FromOrigin(500000, 7000000, 30, 20), 200, 300},
		{"wide pixels", FromOrigin(0, 100, 2, 1), 30, 40},
		// 重采样产生的近似方形像素
		{"resampled", FromOrigin(10, 45.256, 0.0010039, 0.001), 255, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst, w, h, err := CalculateDefaultTransform(identity, tt.src, tt.w, tt.h)
			require.NoError(t, err)
			assert.Equal(t, tt.w, w)
			assert.Equal(t, tt.h, h)
			assert.True(t, dst.AlmostEqual(tt.src, 1e-6), "got %v", dst)
		})
	}
}

func TestCalculateDefaultTransformStretchedAxis(t *testing.T) {
	// 只拉伸y方向时x分辨率不变
	stretch := funcTransformer(func(x, y float64) (float64, float64, bool) { return x, 3 * y, true })
	dst, w, h, err := CalculateDefaultTransform(stretch, FromOrigin(0, 10, 1, 0.5), 10, 20)
	require.NoError(t, err)
	assert.Equal(t, 10, w)
	assert.Equal(t, 20, h)
	px, py := dst.PixelSize()
	assert.InDelta(t, 1, px, 1e-9)
	assert.InDelta(t, 1.5, py, 1e-9)
	assert.False(t, math.IsNaN(px))
}

func TestCalculateDefaultTransformSkipsFailedEdgePoints(t *testing.T) {
	// 上边中间点转换失败时仍由其余点确定范围
	partial := funcTransformer(func(x, y float64) (float64, float64, bool) {
		if y == 100 && x > 0 && x < 100 {
			return 0, 0, false
		}
		return x, y, true
	})
	_, w, h, err := CalculateDefaultTransform(partial, FromOrigin(0, 100, 1, 1), 100, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, w)
	assert.Equal(t, 100, h)
}

func TestCalculateDefaultTransformErrors(t *testing.T) {
	_, _, _, err := CalculateDefaultTransform(identity, FromOrigin(0, 0, 1, 1), 0, 10)
	assert.True(t, errors.Is(err, ErrInvalidGridDimensions))

	failCorners := funcTransformer(func(x, y float64) (float64, float64, bool) { return x, y, x != 0 })
	_, _, _, err = CalculateDefaultTransform(failCorners, FromOrigin(0, 10, 1, 1), 10, 10)
	assert.Equal(t, KindSourceReadError, KindOf(err))
}

func TestValidateDimensions(t *testing.T) {
	tests := []struct {
		name    string
		w, h    int
		wantErr bool
	}{
		{"ok", 10, 10, false},
		{"at limit", 100, 1, false},
		{"zero width", 0, 10, true},
		{"negative height", 10, -1, true},
		{"too large", 101, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDimensions(tt.w, tt.h, 100)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidGridDimensions)
				assert.Equal(t, KindInvalidGridDimensions, KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
