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
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ==================== 模型接口 ====================

// Model 每个切片输出一个概率
type Model interface {
	Predict(ctx context.Context, batch []Patch) ([]float32, error)
}

// ModelFunc 函数适配为Model
type ModelFunc func(ctx context.Context, batch []Patch) ([]float32, error)

func (f ModelFunc) Predict(ctx context.Context, batch []Patch) ([]float32, error) {
	return f(ctx, batch)
}

// ConstantModel 所有切片返回同一概率
func ConstantModel(p float32) Model {
	return ModelFunc(func(_ context.Context, batch []Patch) ([]float32, error) {
		out := make([]float32, len(batch))
		for i := range out {
			out[i] = p
		}
		return out, nil
	})
}

// ==================== 模型加载链 ====================

// ModelSource 待加载的模型描述
type ModelSource struct {
	Path    string
	Config  []byte // Keras 架构 config.json
	Backend ServingConfig
}

// LoaderStrategy 一种加载方式
type LoaderStrategy interface {
	Name() string
	Load(ctx context.Context, src *ModelSource) (Model, error)
}

type loaderFunc struct {
	name string
	fn   func(ctx context.Context, src *ModelSource) (Model, error)
}

func (l loaderFunc) Name() string { return l.name }

func (l loaderFunc) Load(ctx context.Context, src *ModelSource) (Model, error) {
	return l.fn(ctx, src)
}

// NewLoaderStrategy 自定义加载方式
func NewLoaderStrategy(name string, fn func(ctx context.Context, src *ModelSource) (Model, error)) LoaderStrategy {
	return loaderFunc{name: name, fn: fn}
}

var (
	// LoadAsIs 严格解析，旧版 batch_shape 参数视为错误
	LoadAsIs = NewLoaderStrategy("as-is", loadAsIs)
	// LoadWithBatchShapeShim 将 batch_shape 改写为 shape 后再严格解析
	LoadWithBatchShapeShim = NewLoaderStrategy("batch-shape-shim", loadWithBatchShapeShim)
	// LoadWithoutAdaptation 宽松解析，忽略输入层配置
	LoadWithoutAdaptation = NewLoaderStrategy("no-adaptation", loadWithoutAdaptation)
)

// DefaultLoaderChain 默认加载顺序
func DefaultLoaderChain() []LoaderStrategy {
	return []LoaderStrategy{LoadAsIs, LoadWithBatchShapeShim, LoadWithoutAdaptation}
}

// LoadModel 按顺序尝试加载策略，第一个成功即返回；全部失败时返回 ModelLoadError
func LoadModel(ctx context.Context, path string, strategies ...LoaderStrategy) (Model, error) {
	return LoadModelWithBackend(ctx, path, ServingConfigFromModel(MainConfig.Model), strategies...)
}

// LoadModelWithBackend 指定推理后端加载模型
func LoadModelWithBackend(ctx context.Context, path string, backend ServingConfig, strategies ...LoaderStrategy) (Model, error) {
	if len(strategies) == 0 {
		strategies = DefaultLoaderChain()
	}
	cfg, err := readModelConfig(path)
	if err != nil {
		return nil, newError(KindModelLoadError, "load model", path, err)
	}
	src := &ModelSource{Path: path, Config: cfg, Backend: backend}

	var errs []error
	for _, s := range strategies {
		m, err := s.Load(ctx, src)
		if err == nil {
			logger().Info("model loaded", zap.String("path", path), zap.String("strategy", s.Name()))
			return m, nil
		}
		logger().Warn("model loader failed", zap.String("strategy", s.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return nil, newError(KindModelLoadError, "load model", path, errors.Join(errs...))
}

// readModelConfig 读取 .keras 压缩包内的 config.json，或单独的 .json
func readModelConfig(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return os.ReadFile(path)
	case ".keras":
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		for _, f := range zr.File {
			if f.Name != "config.json" {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
		return nil, fmt.Errorf("config.json not found in model archive")
	}
	return nil, fmt.Errorf("unsupported model format %q", filepath.Ext(path))
}

// ==================== Keras 架构解析 ====================

type kerasModel struct {
	ClassName string `json:"class_name"`
	Config    struct {
		Name   string       `json:"name"`
		Layers []kerasLayer `json:"layers"`
	} `json:"config"`
}

type kerasLayer struct {
	ClassName string          `json:"class_name"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
}

// inputLayerConfig 当前运行时接受的输入层参数
type inputLayerConfig struct {
	Name   string      `json:"name"`
	Shape  []*int      `json:"shape"`
	DType  interface{} `json:"dtype"`
	Sparse bool        `json:"sparse"`
	Ragged bool        `json:"ragged"`
}

func decodeKerasModel(cfg []byte) (*kerasModel, error) {
	var km kerasModel
	if err := json.Unmarshal(cfg, &km); err != nil {
		return nil, fmt.Errorf("decode model config: %w", err)
	}
	if km.ClassName == "" {
		return nil, fmt.Errorf("model config has no class_name")
	}
	if len(km.Config.Layers) == 0 {
		return nil, fmt.Errorf("model %q has no layers", km.Config.Name)
	}
	return &km, nil
}

// strictInputShape 严格解析输入层，返回 [H, W, C]
func strictInputShape(raw json.RawMessage) ([]int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var ic inputLayerConfig
	if err := dec.Decode(&ic); err != nil {
		return nil, fmt.Errorf("input layer config: %w", err)
	}
	if len(ic.Shape) != 3 {
		return nil, fmt.Errorf("input layer %q shape has %d dims, want 3", ic.Name, len(ic.Shape))
	}
	shape := make([]int, 3)
	for i, d := range ic.Shape {
		if d == nil {
			return nil, fmt.Errorf("input layer %q has unknown dim %d", ic.Name, i)
		}
		shape[i] = *d
	}
	if shape[2] != 3 {
		return nil, fmt.Errorf("input layer %q expects %d channels, want 3", ic.Name, shape[2])
	}
	return shape, nil
}

func inputLayers(km *kerasModel) []kerasLayer {
	var out []kerasLayer
	for _, l := range km.Config.Layers {
		if l.ClassName == "InputLayer" {
			out = append(out, l)
		}
	}
	return out
}

func bindServing(ctx context.Context, src *ModelSource, shape []int) (Model, error) {
	m, err := NewServingModel(src.Backend, shape)
	if err != nil {
		return nil, err
	}
	if err := m.Ready(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func loadAsIs(ctx context.Context, src *ModelSource) (Model, error) {
	km, err := decodeKerasModel(src.Config)
	if err != nil {
		return nil, err
	}
	inputs := inputLayers(km)
	if len(inputs) != 1 {
		return nil, fmt.Errorf("model has %d input layers, want 1", len(inputs))
	}
	shape, err := strictInputShape(inputs[0].Config)
	if err != nil {
		return nil, err
	}
	return bindServing(ctx, src, shape)
}

// adaptBatchShape batch_shape [null,H,W,C] -> shape [H,W,C]
func adaptBatchShape(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	bs, ok := fields["batch_shape"]
	if !ok {
		return raw, nil
	}
	var dims []*int
	if err := json.Unmarshal(bs, &dims); err != nil {
		return nil, fmt.Errorf("batch_shape: %w", err)
	}
	if len(dims) > 0 && dims[0] == nil {
		dims = dims[1:]
	}
	shape, err := json.Marshal(dims)
	if err != nil {
		return nil, err
	}
	delete(fields, "batch_shape")
	fields["shape"] = shape
	return json.Marshal(fields)
}

func loadWithBatchShapeShim(ctx context.Context, src *ModelSource) (Model, error) {
	km, err := decodeKerasModel(src.Config)
	if err != nil {
		return nil, err
	}
	inputs := inputLayers(km)
	if len(inputs) != 1 {
		return nil, fmt.Errorf("model has %d input layers, want 1", len(inputs))
	}
	adapted, err := adaptBatchShape(inputs[0].Config)
	if err != nil {
		return nil, err
	}
	shape, err := strictInputShape(adapted)
	if err != nil {
		return nil, err
	}
	return bindServing(ctx, src, shape)
}

func loadWithoutAdaptation(ctx context.Context, src *ModelSource) (Model, error) {
	if _, err := decodeKerasModel(src.Config); err != nil {
		return nil, err
	}
	return bindServing(ctx, src, nil)
}

// ==================== 推理 ====================

// DefaultBatchSize 默认批大小
const DefaultBatchSize = 16

// DefaultThreshold 二值化阈值（严格大于）
const DefaultThreshold = 0.95

// RunInference 分批推理，返回与切片一一对应的概率
func RunInference(ctx context.Context, model Model, patches []Patch, batchSize int) ([]float32, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	probs := make([]float32, 0, len(patches))
	for start := 0; start < len(patches); start += batchSize {
		end := start + batchSize
		if end > len(patches) {
			end = len(patches)
		}
		out, err := model.Predict(ctx, patches[start:end])
		if err != nil {
			return nil, newError(KindModelLoadError, "inference", "", fmt.Errorf("predict batch [%d,%d): %w", start, end, err))
		}
		if len(out) != end-start {
			return nil, errorf(KindModelLoadError, "inference", "", "model returned %d values for batch of %d", len(out), end-start)
		}
		probs = append(probs, out...)
		logger().Debug("batch predicted", zap.Int("done", end), zap.Int("total", len(patches)))
	}
	return probs, nil
}

// Threshold 概率严格大于阈值记为1
func Threshold(probs []float32, threshold float64) []int {
	out := make([]int, len(probs))
	for i, p := range probs {
		if float64(p) > threshold {
			out[i] = 1
		}
	}
	return out
}
