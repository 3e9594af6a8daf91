// ProbabilityChart.go
package CopperCore

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
)

// histogramBins 概率直方图分箱数
const histogramBins = 10

// ProbabilityHistogram 将[0,1]概率分为等宽区间计数，1.0计入最后一个区间
func ProbabilityHistogram(probs []float32, bins int) []int {
	counts := make([]int, bins)
	for _, p := range probs {
		i := int(float64(p) * float64(bins))
		if i < 0 {
			i = 0
		}
		if i >= bins {
			i = bins - 1
		}
		counts[i]++
	}
	return counts
}

// WriteProbabilityHistogram 切片概率分布柱状图（HTML）
func WriteProbabilityHistogram(path string, probs []float32) error {
	counts := ProbabilityHistogram(probs, histogramBins)

	labels := make([]string, histogramBins)
	data := make([]opts.BarData, histogramBins)
	for i := range counts {
		labels[i] = fmt.Sprintf("%.1f-%.1f", float64(i)/histogramBins, float64(i+1)/histogramBins)
		data[i] = opts.BarData{Value: counts[i]}
	}

	subtitle := fmt.Sprintf("patches=%d", len(probs))
	if len(probs) > 0 {
		vals := make([]float64, len(probs))
		for i, p := range probs {
			vals[i] = float64(p)
		}
		subtitle += fmt.Sprintf(" mean=%.3f min=%.3f max=%.3f",
			floats.Sum(vals)/float64(len(vals)), floats.Min(vals), floats.Max(vals))
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Patch Probabilities", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Patch Probability Distribution", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Probability", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Patches"}),
	)
	bar.SetXAxis(labels).
		AddSeries("patches", data,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	f, err := os.Create(path)
	if err != nil {
		return newError(KindWriteError, "write histogram", path, err)
	}
	if err := bar.Render(f); err != nil {
		f.Close()
		return newError(KindWriteError, "write histogram", path, err)
	}
	if err := f.Close(); err != nil {
		return newError(KindWriteError, "write histogram", path, err)
	}
	return nil
}
