// result.go
package CopperCore

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DatasetType 数据集类型标签
type DatasetType string

const (
	DatasetRaster DatasetType = "raster"
	DatasetVector DatasetType = "vector"
)

// ParseDatasetType 解析类型标签（大小写不敏感）
func ParseDatasetType(s string) (DatasetType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raster":
		return DatasetRaster, nil
	case "vector":
		return DatasetVector, nil
	}
	return "", newError(KindUnsupportedDatasetType, "parse", "", fmt.Errorf("unsupported dataset type %q", s))
}

// DetectDatasetType 按扩展名判断数据集类型
func DetectDatasetType(path string) (DatasetType, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return DatasetRaster, nil
	case ".shp", ".geojson", ".json", ".zip":
		return DatasetVector, nil
	}
	return "", newError(KindUnsupportedDatasetType, "detect", path, fmt.Errorf("unsupported file extension %q", filepath.Ext(path)))
}

// DatasetStatus 数据集处理状态（由外部记录方持久化）
type DatasetStatus string

const (
	StatusRaw           DatasetStatus = "Raw"
	StatusValidated     DatasetStatus = "Validated"
	StatusPreprocessing DatasetStatus = "Preprocessing"
	StatusRunning       DatasetStatus = "Running"
	StatusReady         DatasetStatus = "Ready"
	StatusFailed        DatasetStatus = "Failed"
)

// PredictionArtifacts 预测输出文件
type PredictionArtifacts struct {
	CSVPath       string
	TiffPath      string
	PNGPath       string
	OverlayPath   string
	HistogramPath string
	MBTilesPath   string
	PatchCount    int
}

// Result 单次操作的处理结果
type Result struct {
	Status      DatasetStatus
	Message     string
	Kind        ErrorKind
	OutputPath  string
	DatasetType DatasetType
	Artifacts   *PredictionArtifacts
	Err         error
}

// OK 是否成功
func (r Result) OK() bool {
	return r.Status == StatusReady
}

func readyResult(message, output string) Result {
	return Result{Status: StatusReady, Message: message, OutputPath: output}
}

// failedResult 失败结果，消息格式为 "<prefix>: <err>"
func failedResult(prefix string, err error) Result {
	return Result{
		Status:  StatusFailed,
		Message: fmt.Sprintf("%s: %v", prefix, err),
		Kind:    KindOf(err),
		Err:     err,
	}
}
