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
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/airbusgeo/godal"
	"go.uber.org/zap"
)

// 预测输出文件名
const (
	PredictionsCSVName   = "predictions.csv"
	ProbabilityTIFFName  = "probability_map.tif"
	PredictionPNGName    = "prediction_map.png"
	OverlayHTMLName      = "world_map_with_heatmap.html"
	HistogramHTMLName    = "probability_histogram.html"
	ProbabilityMBTilesNm = "probability_map.mbtiles"
)

var predictionCSVHeader = []string{"Patch_Top_Left_X_px", "Patch_Top_Left_Y_px", "Probability", "Binary_Prediction"}

// ==================== 预测选项 ====================

type predictOptions struct {
	patchSize int
	batchSize int
	threshold float64
	mbtiles   bool
	tileOpts  *MBTilesOptions
}

// PredictOption 预测选项
type PredictOption func(*predictOptions)

func WithPatchSize(n int) PredictOption {
	return func(o *predictOptions) { o.patchSize = n }
}

func WithBatchSize(n int) PredictOption {
	return func(o *predictOptions) { o.batchSize = n }
}

func WithThreshold(t float64) PredictOption {
	return func(o *predictOptions) { o.threshold = t }
}

// WithMBTiles 额外输出概率图MBTiles，opts为nil时使用配置文件参数
func WithMBTiles(opts *MBTilesOptions) PredictOption {
	return func(o *predictOptions) {
		o.mbtiles = true
		o.tileOpts = opts
	}
}

func buildPredictOptions(opts []PredictOption) predictOptions {
	o := predictOptions{
		patchSize: MainConfig.Tiling.PatchSize,
		batchSize: MainConfig.Inference.BatchSize,
		threshold: MainConfig.Inference.Threshold,
		mbtiles:   MainConfig.MBTiles.Enabled,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.patchSize <= 0 {
		o.patchSize = DefaultPatchSize
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	return o
}

// ==================== 重建 ====================

// PredictionMap 与源栅格同形状的概率网格，未覆盖像素为0
type PredictionMap struct {
	Geometry RasterGeometry
	Values   []float32
}

// At 读取像素概率
func (pm *PredictionMap) At(row, col int) float32 {
	return pm.Values[row*pm.Geometry.Width+col]
}

// Reconstruct 将每个切片的概率写满其覆盖范围。切片互不重叠，直接覆盖写入。
func Reconstruct(geom RasterGeometry, patches []Patch, probs []float32) (*PredictionMap, error) {
	if len(patches) != len(probs) {
		return nil, errorf(KindShapeMismatch, "reconstruct", "", "%d patches but %d probabilities", len(patches), len(probs))
	}
	pm := &PredictionMap{Geometry: geom, Values: make([]float32, geom.Width*geom.Height)}
	for i, p := range patches {
		if p.Row < 0 || p.Col < 0 || p.Row+p.Size > geom.Height || p.Col+p.Size > geom.Width {
			return nil, errorf(KindShapeMismatch, "reconstruct", "", "patch at (%d, %d) size %d exceeds grid %dx%d", p.Row, p.Col, p.Size, geom.Height, geom.Width)
		}
		for r := p.Row; r < p.Row+p.Size; r++ {
			row := pm.Values[r*geom.Width+p.Col : r*geom.Width+p.Col+p.Size]
			for c := range row {
				row[c] = probs[i]
			}
		}
	}
	return pm, nil
}

// ==================== 预测流程 ====================

// inferPatchSet 按批提取切片并推理，只保留切片位置
func inferPatchSet(ctx context.Context, model Model, ps *PatchSet, batchSize int) ([]Patch, []float32, error) {
	n := ps.Len()
	offsets := make([]Patch, 0, n)
	probs := make([]float32, 0, n)
	batch := make([]Patch, 0, batchSize)
	for start := 0; start < n; start += batchSize {
		batch = batch[:0]
		for i := start; i < start+batchSize && i < n; i++ {
			p, err := ps.PatchAt(i)
			if err != nil {
				return nil, nil, err
			}
			batch = append(batch, p)
		}
		out, err := RunInference(ctx, model, batch, batchSize)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range batch {
			offsets = append(offsets, Patch{Row: p.Row, Col: p.Col, Size: p.Size})
		}
		probs = append(probs, out...)
	}
	return offsets, probs, nil
}

// Predict 切片推理并输出CSV、概率GeoTIFF、热力图PNG、网页叠加图等
func Predict(ctx context.Context, model Model, paths []string, outDir string, opts ...PredictOption) (PredictionArtifacts, error) {
	o := buildPredictOptions(opts)
	var art PredictionArtifacts

	ps, err := LoadPatchSet(paths, o.patchSize)
	if err != nil {
		return art, err
	}
	patches, probs, err := inferPatchSet(ctx, model, ps, o.batchSize)
	if err != nil {
		return art, err
	}
	binary := Threshold(probs, o.threshold)
	art.PatchCount = len(patches)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return art, newError(KindWriteError, "predict", outDir, err)
	}

	art.CSVPath = filepath.Join(outDir, PredictionsCSVName)
	if err := WritePredictionCSV(art.CSVPath, patches, probs, binary); err != nil {
		return art, err
	}
	logger().Info("predictions saved", zap.String("path", art.CSVPath), zap.Int("patches", len(patches)))

	pm, err := Reconstruct(ps.Geometry, patches, probs)
	if err != nil {
		return art, err
	}
	art.TiffPath = filepath.Join(outDir, ProbabilityTIFFName)
	if err := WriteProbabilityMap(art.TiffPath, pm); err != nil {
		return art, err
	}
	logger().Info("probability map saved", zap.String("path", art.TiffPath))

	art.PNGPath = filepath.Join(outDir, PredictionPNGName)
	if err := RenderHeatmap(art.PNGPath, pm); err != nil {
		return art, err
	}
	logger().Info("heatmap saved", zap.String("path", art.PNGPath))

	if len(patches) == 0 {
		logger().Warn("no full-size patches, skipping web overlay")
	} else {
		art.OverlayPath = filepath.Join(outDir, OverlayHTMLName)
		if err := WriteOverlay(art.OverlayPath, ps.Geometry, patches, probs); err != nil {
			return art, err
		}
		logger().Info("web overlay saved", zap.String("path", art.OverlayPath))
	}

	art.HistogramPath = filepath.Join(outDir, HistogramHTMLName)
	if err := WriteProbabilityHistogram(art.HistogramPath, probs); err != nil {
		return art, err
	}

	if o.mbtiles {
		art.MBTilesPath = filepath.Join(outDir, ProbabilityMBTilesNm)
		if err := GenerateProbabilityMBTiles(art.TiffPath, art.MBTilesPath, o.tileOpts); err != nil {
			return art, err
		}
		logger().Info("probability tiles saved", zap.String("path", art.MBTilesPath))
	}
	return art, nil
}

// PredictResult Predict 的结果形式
func PredictResult(ctx context.Context, model Model, paths []string, outDir string, opts ...PredictOption) Result {
	art, err := Predict(ctx, model, paths, outDir, opts...)
	if err != nil {
		logger().Error("prediction failed", zap.Strings("paths", paths), zap.Error(err))
		return failedResult("Prediction failed", err)
	}
	r := readyResult(fmt.Sprintf("Prediction completed: %d patches, results in %s", art.PatchCount, outDir), art.TiffPath)
	r.DatasetType = DatasetRaster
	r.Artifacts = &art
	return r
}

// ==================== 输出 ====================

// WritePredictionCSV X为列偏移，Y为行偏移
func WritePredictionCSV(path string, patches []Patch, probs []float32, binary []int) error {
	f, err := os.Create(path)
	if err != nil {
		return newError(KindWriteError, "write csv", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(predictionCSVHeader); err != nil {
		f.Close()
		return newError(KindWriteError, "write csv", path, err)
	}
	for i, p := range patches {
		rec := []string{
			strconv.Itoa(p.Col),
			strconv.Itoa(p.Row),
			strconv.FormatFloat(float64(probs[i]), 'g', -1, 32),
			strconv.Itoa(binary[i]),
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return newError(KindWriteError, "write csv", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return newError(KindWriteError, "write csv", path, err)
	}
	if err := f.Close(); err != nil {
		return newError(KindWriteError, "write csv", path, err)
	}
	return nil
}

// WriteProbabilityMap 单波段float32，NoData为0
func WriteProbabilityMap(path string, pm *PredictionMap) error {
	w, err := NewGeoTiffWriter(path, pm.Geometry, 1, godal.Float32)
	if err != nil {
		return err
	}
	if err := w.SetNoData(0); err != nil {
		w.abort()
		return err
	}
	if err := w.WriteBand(1, pm.Values); err != nil {
		w.abort()
		return err
	}
	return w.Close()
}
