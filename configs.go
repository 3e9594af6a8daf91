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
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MainConfig 全局配置，未加载配置文件时为默认值
var MainConfig = DefaultConfig()

type ReplaceConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type ResampleConfig struct {
	MaxDimension int `yaml:"max_dimension"`
}

type ProximityConfig struct {
	PixelSize float64 `yaml:"pixel_size"`
}

type TilingConfig struct {
	PatchSize int `yaml:"patch_size"`
}

type InferenceConfig struct {
	BatchSize int     `yaml:"batch_size"`
	Threshold float64 `yaml:"threshold"`
}

type ModelConfig struct {
	Path       string        `yaml:"path"`
	ServingURL string        `yaml:"serving_url"`
	Name       string        `yaml:"name"`
	Timeout    time.Duration `yaml:"timeout"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type MBTilesConfig struct {
	Enabled bool   `yaml:"enabled"`
	MinZoom int    `yaml:"min_zoom"`
	MaxZoom int    `yaml:"max_zoom"`
	Format  string `yaml:"format"`
}

// Config 处理核心配置
type Config struct {
	TargetCRS       string          `yaml:"target_crs"`
	ReferenceRaster string          `yaml:"reference_raster"`
	Workers         int             `yaml:"workers"`
	Replace         ReplaceConfig   `yaml:"replace"`
	Resample        ResampleConfig  `yaml:"resample"`
	Proximity       ProximityConfig `yaml:"proximity"`
	Tiling          TilingConfig    `yaml:"tiling"`
	Inference       InferenceConfig `yaml:"inference"`
	Model           ModelConfig     `yaml:"model"`
	Catalog         CatalogConfig   `yaml:"catalog"`
	MBTiles         MBTilesConfig   `yaml:"mbtiles"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		TargetCRS: "EPSG:4326",
		Workers:   0,
		Replace: ReplaceConfig{
			Attempts: 5,
			Delay:    time.Second,
		},
		Resample:  ResampleConfig{MaxDimension: 100000},
		Proximity: ProximityConfig{PixelSize: 0.0009}, // 赤道处约100米
		Tiling:    TilingConfig{PatchSize: 128},
		Inference: InferenceConfig{
			BatchSize: 16,
			Threshold: 0.95,
		},
		Model: ModelConfig{
			Name:    "cnn",
			Timeout: 60 * time.Second,
		},
		MBTiles: MBTilesConfig{
			MinZoom: 0,
			MaxZoom: 12,
			Format:  "png",
		},
	}
}

// DefaultConfigPath 用户配置目录下的 CopperCore/config.yaml
func DefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("无法获取用户配置目录: %w", err)
	}
	return filepath.Join(configDir, "CopperCore", "config.yaml"), nil
}

// LoadConfig 读取YAML配置，文件中缺省的字段保持默认值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.TargetCRS == "" {
		return fmt.Errorf("config: target_crs is empty")
	}
	if c.Replace.Attempts < 1 {
		return fmt.Errorf("config: replace.attempts must be >= 1, got %d", c.Replace.Attempts)
	}
	if c.Replace.Delay < 0 {
		return fmt.Errorf("config: replace.delay must not be negative")
	}
	if c.Resample.MaxDimension < 1 {
		return fmt.Errorf("config: resample.max_dimension must be positive")
	}
	if c.Proximity.PixelSize <= 0 {
		return fmt.Errorf("config: proximity.pixel_size must be positive")
	}
	if c.Tiling.PatchSize < 1 {
		return fmt.Errorf("config: tiling.patch_size must be positive")
	}
	if c.Inference.BatchSize < 1 {
		return fmt.Errorf("config: inference.batch_size must be positive")
	}
	if c.Inference.Threshold < 0 || c.Inference.Threshold > 1 {
		return fmt.Errorf("config: inference.threshold must be within [0,1]")
	}
	switch c.MBTiles.Format {
	case "png", "webp":
	default:
		return fmt.Errorf("config: mbtiles.format must be png or webp, got %q", c.MBTiles.Format)
	}
	if c.MBTiles.MinZoom < 0 || c.MBTiles.MaxZoom > 22 || c.MBTiles.MinZoom > c.MBTiles.MaxZoom {
		return fmt.Errorf("config: invalid mbtiles zoom range %d-%d", c.MBTiles.MinZoom, c.MBTiles.MaxZoom)
	}
	return nil
}

// Replacer 按配置构造文件替换器
func (c Config) Replacer() *Replacer {
	return &Replacer{Attempts: c.Replace.Attempts, Delay: c.Replace.Delay}
}
