// ServingModel.go
package CopperCore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServingConfig TensorFlow Serving REST 后端
type ServingConfig struct {
	URL     string // 如 http://localhost:8501
	Name    string // 模型名
	Timeout time.Duration
	Client  *http.Client // 为空时按Timeout创建
}

// ServingConfigFromModel 由配置文件的模型段构造
func ServingConfigFromModel(c ModelConfig) ServingConfig {
	return ServingConfig{URL: c.ServingURL, Name: c.Name, Timeout: c.Timeout}
}

// ServingModel 通过REST :predict 接口推理的模型
type ServingModel struct {
	cfg        ServingConfig
	client     *http.Client
	inputShape []int // [H, W, C]，未知时为nil
}

// NewServingModel 创建REST模型客户端
func NewServingModel(cfg ServingConfig, inputShape []int) (*ServingModel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("no serving URL configured")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("no serving model name configured")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &ServingModel{cfg: cfg, client: client, inputShape: inputShape}, nil
}

// InputShape 模型输入形状
func (m *ServingModel) InputShape() []int {
	return m.inputShape
}

func (m *ServingModel) modelURL() string {
	return fmt.Sprintf("%s/v1/models/%s", m.cfg.URL, m.cfg.Name)
}

type modelStatusResponse struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
}

// Ready 检查模型是否已加载可用
func (m *ServingModel) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.modelURL(), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("model status request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("model status returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var status modelStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode model status: %w", err)
	}
	for _, v := range status.ModelVersionStatus {
		if v.State == "AVAILABLE" {
			return nil
		}
	}
	return fmt.Errorf("model %s has no available version", m.cfg.Name)
}

type predictRequest struct {
	Instances [][][][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
	Error       string            `json:"error"`
}

// Predict 一个批次的切片推理，每个切片返回一个概率
func (m *ServingModel) Predict(ctx context.Context, batch []Patch) ([]float32, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	reqBody := predictRequest{Instances: make([][][][]float32, len(batch))}
	for i, p := range batch {
		if len(m.inputShape) == 3 && (m.inputShape[0] != p.Size || m.inputShape[1] != p.Size) {
			return nil, fmt.Errorf("patch size %d does not match model input shape %v", p.Size, m.inputShape)
		}
		reqBody.Instances[i] = patchTensor(p)
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.modelURL()+":predict", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode predict response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		return nil, fmt.Errorf("predict returned %d: %s", resp.StatusCode, out.Error)
	}
	if len(out.Predictions) != len(batch) {
		return nil, fmt.Errorf("predict returned %d predictions for %d patches", len(out.Predictions), len(batch))
	}

	probs := make([]float32, len(batch))
	for i, raw := range out.Predictions {
		v, err := scalarPrediction(raw)
		if err != nil {
			return nil, fmt.Errorf("prediction %d: %w", i, err)
		}
		probs[i] = v
	}
	return probs, nil
}

// patchTensor 切片转为 [H][W][3]
func patchTensor(p Patch) [][][]float32 {
	rows := make([][][]float32, p.Size)
	k := 0
	for r := range rows {
		cols := make([][]float32, p.Size)
		for c := range cols {
			cols[c] = p.Data[k : k+3 : k+3]
			k += 3
		}
		rows[r] = cols
	}
	return rows
}

// scalarPrediction 兼容 0.97 与 [0.97] 两种输出
func scalarPrediction(raw json.RawMessage) (float32, error) {
	var v float32
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var arr []float32
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0, fmt.Errorf("unexpected prediction %s", string(raw))
	}
	if len(arr) == 0 {
		return 0, fmt.Errorf("empty prediction")
	}
	return arr[0], nil
}
