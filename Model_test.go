package CopperCore

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	modernModelConfig = `{"class_name":"Functional","config":{"name":"cnn","layers":[
{"class_name":"InputLayer","name":"input_layer","config":{"name":"input_layer","shape":[128,128,3],"dtype":"float32","sparse":false,"ragged":false}},
{"class_name":"Dense","name":"out","config":{"units":1,"activation":"sigmoid"}}]}}`

	legacyModelConfig = `{"class_name":"Functional","config":{"name":"cnn","layers":[
{"class_name":"InputLayer","name":"input_layer","config":{"name":"input_layer","batch_shape":[null,128,128,3],"dtype":"float32","sparse":false,"ragged":false}},
{"class_name":"Dense","name":"out","config":{"units":1,"activation":"sigmoid"}}]}}`

	// 未知的输入层参数，只能宽松加载
	exoticModelConfig = `{"class_name":"Functional","config":{"name":"cnn","layers":[
{"class_name":"InputLayer","name":"input_layer","config":{"name":"input_layer","shape":[128,128,3],"optional":true}}]}}`
)

func writeKeras(t *testing.T, dir, name, config string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("metadata.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"keras_version":"3.0.0"}`))
	require.NoError(t, err)
	w, err = zw.Create("config.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(config))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func loadedShape(t *testing.T, m Model) []int {
	t.Helper()
	sm, ok := m.(*ServingModel)
	require.True(t, ok, "unexpected model type %T", m)
	return sm.InputShape()
}

func TestLoadModelAsIs(t *testing.T) {
	_, backend := newFakeServing(t, "AVAILABLE", 0.9)
	path := writeKeras(t, t.TempDir(), "model.keras", modernModelConfig)

	m, err := LoadModelWithBackend(context.Background(), path, backend)
	require.NoError(t, err)
	assert.Equal(t, []int{128, 128, 3}, loadedShape(t, m))
}

func TestLoadModelBatchShapeShim(t *testing.T) {
	_, backend := newFakeServing(t, "AVAILABLE", 0.9)
	path := writeKeras(t, t.TempDir(), "legacy.keras", legacyModelConfig)

	_, err := LoadModelWithBackend(context.Background(), path, backend, LoadAsIs)
	require.Error(t, err)

	m, err := LoadModelWithBackend(context.Background(), path, backend)
	require.NoError(t, err)
	assert.Equal(t, []int{128, 128, 3}, loadedShape(t, m))
}

func TestLoadModelWithoutAdaptation(t *testing.T) {
	_, backend := newFakeServing(t, "AVAILABLE", 0.9)
	path := writeTestFile(t, t.TempDir(), "model.json", exoticModelConfig)

	m, err := LoadModelWithBackend(context.Background(), path, backend)
	require.NoError(t, err)
	assert.Nil(t, loadedShape(t, m))
}

func TestLoadModelChainOrder(t *testing.T) {
	var tried []string
	strategy := func(name string, fail bool) LoaderStrategy {
		return NewLoaderStrategy(name, func(context.Context, *ModelSource) (Model, error) {
			tried = append(tried, name)
			if fail {
				return nil, errors.New(name + " failed")
			}
			return ConstantModel(0.1), nil
		})
	}
	path := writeTestFile(t, t.TempDir(), "model.json", modernModelConfig)

	m, err := LoadModelWithBackend(context.Background(), path, ServingConfig{},
		strategy("first", true), strategy("second", false), strategy("third", false))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []string{"first", "second"}, tried)
}

func TestLoadModelAllStrategiesFail(t *testing.T) {
	_, backend := newFakeServing(t, "LOADING", 0.9)
	path := writeKeras(t, t.TempDir(), "model.keras", modernModelConfig)

	_, err := LoadModelWithBackend(context.Background(), path, backend)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.Equal(t, KindModelLoadError, KindOf(err))
	for _, name := range []string{"as-is", "batch-shape-shim", "no-adaptation"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestLoadModelUnreadable(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"missing file":   filepath.Join(dir, "absent.keras"),
		"unknown format": writeTestFile(t, dir, "model.h5", "binary"),
		"no config":      writeEmptyKeras(t, dir),
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadModelWithBackend(context.Background(), path, ServingConfig{})
			assert.Equal(t, KindModelLoadError, KindOf(err))
		})
	}
}

// writeEmptyKeras 不含config.json的压缩包
func writeEmptyKeras(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "noconfig.keras")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	_, err = zw.Create("model.weights.h5")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestAdaptBatchShape(t *testing.T) {
	out, err := adaptBatchShape(json.RawMessage(`{"name":"in","batch_shape":[null,64,64,3]}`))
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.NotContains(t, fields, "batch_shape")
	assert.Equal(t, []interface{}{64.0, 64.0, 3.0}, fields["shape"])

	same := json.RawMessage(`{"name":"in","shape":[64,64,3]}`)
	out, err = adaptBatchShape(same)
	require.NoError(t, err)
	assert.JSONEq(t, string(same), string(out))
}

func TestStrictInputShape(t *testing.T) {
	shape, err := strictInputShape(json.RawMessage(`{"name":"in","shape":[32,32,3]}`))
	require.NoError(t, err)
	assert.Equal(t, []int{32, 32, 3}, shape)

	for _, raw := range []string{
		`{"name":"in","shape":[32,32]}`,
		`{"name":"in","shape":[null,32,3]}`,
		`{"name":"in","shape":[32,32,1]}`,
		`{"name":"in","batch_shape":[null,32,32,3]}`,
	} {
		_, err := strictInputShape(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}
