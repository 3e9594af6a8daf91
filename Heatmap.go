// Heatmap.go
package CopperCore

import (
	"fmt"
	"image/color"
	"math"
	"os"

	"golang.org/x/image/colornames"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// heatmapMaxCells 热力图每个方向的最大单元数，超出时抽稀
const heatmapMaxCells = 512

// ==================== 色带 ====================

type colorStop struct {
	pos   float64
	color color.Color
}

// ProbabilityRamp 概率色带：深绿(0) 绿(0.4) 黄(0.65) 红(1)
type ProbabilityRamp struct {
	stops    []colorStop
	min, max float64
	alpha    float64
}

// NewProbabilityRamp 值域[0,1]
func NewProbabilityRamp() *ProbabilityRamp {
	return &ProbabilityRamp{
		stops: []colorStop{
			{0, colornames.Darkgreen},
			{0.4, colornames.Green},
			{0.65, colornames.Yellow},
			{1, colornames.Red},
		},
		min:   0,
		max:   1,
		alpha: 1,
	}
}

var _ palette.ColorMap = (*ProbabilityRamp)(nil)

// At 线性插值取色
func (r *ProbabilityRamp) At(v float64) (color.Color, error) {
	if math.IsNaN(v) {
		return nil, palette.ErrNaN
	}
	if v < r.min {
		return nil, palette.ErrUnderflow
	}
	if v > r.max {
		return nil, palette.ErrOverflow
	}
	t := 0.0
	if r.max > r.min {
		t = (v - r.min) / (r.max - r.min)
	}
	for i := 1; i < len(r.stops); i++ {
		lo, hi := r.stops[i-1], r.stops[i]
		if t <= hi.pos {
			f := (t - lo.pos) / (hi.pos - lo.pos)
			return r.blend(lo.color, hi.color, f), nil
		}
	}
	return r.blend(r.stops[len(r.stops)-1].color, r.stops[len(r.stops)-1].color, 0), nil
}

func (r *ProbabilityRamp) blend(a, b color.Color, f float64) color.Color {
	ar, ag, ab, _ := a.RGBA()
	br, bg, bb, _ := b.RGBA()
	mix := func(x, y uint32) uint8 {
		return uint8((float64(x)*(1-f) + float64(y)*f) / 257)
	}
	return color.NRGBA{
		R: mix(ar, br),
		G: mix(ag, bg),
		B: mix(ab, bb),
		A: uint8(r.alpha*255 + 0.5),
	}
}

func (r *ProbabilityRamp) Max() float64       { return r.max }
func (r *ProbabilityRamp) SetMax(v float64)   { r.max = v }
func (r *ProbabilityRamp) Min() float64       { return r.min }
func (r *ProbabilityRamp) SetMin(v float64)   { r.min = v }
func (r *ProbabilityRamp) Alpha() float64     { return r.alpha }
func (r *ProbabilityRamp) SetAlpha(a float64) { r.alpha = a }

type rampPalette []color.Color

func (p rampPalette) Colors() []color.Color { return p }

// Palette 等间隔取n个颜色
func (r *ProbabilityRamp) Palette(n int) palette.Palette {
	if n < 2 {
		n = 2
	}
	out := make(rampPalette, n)
	for i := range out {
		v := r.min + (r.max-r.min)*float64(i)/float64(n-1)
		c, _ := r.At(v)
		out[i] = c
	}
	return out
}

// ==================== 热力图网格 ====================

// probabilityGrid 实现 plotter.GridXYZ，行号自下而上
type probabilityGrid struct {
	pm         *PredictionMap
	step       int
	cols, rows int
}

func newProbabilityGrid(pm *PredictionMap) probabilityGrid {
	w, h := pm.Geometry.Width, pm.Geometry.Height
	m := w
	if h > m {
		m = h
	}
	step := int(math.Ceil(float64(m) / heatmapMaxCells))
	if step < 1 {
		step = 1
	}
	return probabilityGrid{pm: pm, step: step, cols: (w + step - 1) / step, rows: (h + step - 1) / step}
}

func (g probabilityGrid) Dims() (c, r int) { return g.cols, g.rows }

func (g probabilityGrid) Z(c, r int) float64 {
	row := (g.rows - 1 - r) * g.step
	col := c * g.step
	return float64(g.pm.At(row, col))
}

func (g probabilityGrid) X(c int) float64 { return float64(c * g.step) }
func (g probabilityGrid) Y(r int) float64 { return float64(r * g.step) }

// ==================== 渲染 ====================

// RenderHeatmap 输出带色标的概率热力图PNG
func RenderHeatmap(path string, pm *PredictionMap) error {
	ramp := NewProbabilityRamp()

	p := plot.New()
	p.Title.Text = "Prediction Heatmap"
	p.HideAxes()
	hm := plotter.NewHeatMap(newProbabilityGrid(pm), ramp.Palette(256))
	hm.Min, hm.Max = 0, 1
	hm.Underflow = color.Transparent
	hm.Overflow = colornames.Red
	p.Add(hm)

	cb := plot.New()
	cb.HideX()
	cb.Y.Label.Text = "Probability"
	cb.Add(&plotter.ColorBar{ColorMap: ramp, Vertical: true})

	const width, height = 10 * vg.Inch, 8 * vg.Inch
	img := vgimg.New(width, height)
	dc := draw.New(img)
	p.Draw(draw.Crop(dc, 0, -1.6*vg.Inch, 0, 0))
	cb.Draw(draw.Crop(dc, width-1.5*vg.Inch, 0, 0.6*vg.Inch, -0.6*vg.Inch))

	f, err := os.Create(path)
	if err != nil {
		return newError(KindWriteError, "render heatmap", path, err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return newError(KindWriteError, "render heatmap", path, fmt.Errorf("encode png: %w", err))
	}
	if err := f.Close(); err != nil {
		return newError(KindWriteError, "render heatmap", path, err)
	}
	return nil
}
