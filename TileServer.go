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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// TileServer 概率图动态瓦片服务器（免切片）
type TileServer struct {
	tileSize int
	format   string

	// 生成器池，每个持有独立的内存数据集
	pool     []*MBTilesGenerator
	all      []*MBTilesGenerator
	poolMu   sync.Mutex
	poolCond *sync.Cond
}

// TileServerOptions 瓦片服务器选项
type TileServerOptions struct {
	TileSize int    // 瓦片大小，默认256
	PoolSize int    // 数据集池大小，默认4
	Format   string // png / webp
}

// NewTileServer 创建动态瓦片服务器
func NewTileServer(tiffPath string, options *TileServerOptions) (*TileServer, error) {
	if options == nil {
		options = &TileServerOptions{}
	}
	if options.TileSize <= 0 {
		options.TileSize = 256
	}
	if options.PoolSize <= 0 {
		options.PoolSize = 4
	}
	if options.Format == "" {
		options.Format = "png"
	}

	ts := &TileServer{
		tileSize: options.TileSize,
		format:   options.Format,
		pool:     make([]*MBTilesGenerator, 0, options.PoolSize),
	}
	ts.poolCond = sync.NewCond(&ts.poolMu)

	// 预热
	for i := 0; i < options.PoolSize; i++ {
		gen, err := NewMBTilesGenerator(tiffPath, &MBTilesOptions{
			TileSize: options.TileSize,
			MinZoom:  0,
			MaxZoom:  22,
			Format:   options.Format,
		})
		if err != nil {
			ts.Close()
			return nil, fmt.Errorf("failed to open dataset: %w", err)
		}
		ts.pool = append(ts.pool, gen)
		ts.all = append(ts.all, gen)
	}
	return ts, nil
}

// Close 关闭瓦片服务器
func (ts *TileServer) Close() {
	ts.poolMu.Lock()
	defer ts.poolMu.Unlock()
	for _, gen := range ts.all {
		gen.Close()
	}
	ts.pool = nil
	ts.all = nil
}

// PoolSize 池中数据集数量
func (ts *TileServer) PoolSize() int {
	ts.poolMu.Lock()
	defer ts.poolMu.Unlock()
	return len(ts.all)
}

func (ts *TileServer) acquire() *MBTilesGenerator {
	ts.poolMu.Lock()
	defer ts.poolMu.Unlock()
	for len(ts.pool) == 0 {
		ts.poolCond.Wait()
	}
	gen := ts.pool[len(ts.pool)-1]
	ts.pool = ts.pool[:len(ts.pool)-1]
	return gen
}

func (ts *TileServer) release(gen *MBTilesGenerator) {
	ts.poolMu.Lock()
	defer ts.poolMu.Unlock()
	ts.pool = append(ts.pool, gen)
	ts.poolCond.Signal()
}

// GetTile 渲染XYZ瓦片，无数据时返回nil
func (ts *TileServer) GetTile(z, x, y int) ([]byte, error) {
	if z < 0 || z > 22 {
		return nil, fmt.Errorf("zoom %d out of range", z)
	}
	n := 1 << uint(z)
	if x < 0 || x >= n || y < 0 || y >= n {
		return nil, fmt.Errorf("tile %d/%d/%d out of range", z, x, y)
	}
	gen := ts.acquire()
	defer ts.release(gen)
	return gen.ReadTile(TileTask{Zoom: z, X: x, Y: y})
}

// GetBounds 获取边界（经纬度）
func (ts *TileServer) GetBounds() (minLon, minLat, maxLon, maxLat float64) {
	gen := ts.acquire()
	defer ts.release(gen)
	return gen.GetBoundsLatLon()
}

// Handler HTTP接口：GET /tiles/{z}/{x}/{y}.png 与 GET /bounds
func (ts *TileServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tiles/{z}/{x}/{y}", ts.serveTile)
	mux.HandleFunc("GET /bounds", ts.serveBounds)
	return mux
}

func (ts *TileServer) serveTile(w http.ResponseWriter, r *http.Request) {
	yStr, _, _ := strings.Cut(r.PathValue("y"), ".")
	z, errZ := strconv.Atoi(r.PathValue("z"))
	x, errX := strconv.Atoi(r.PathValue("x"))
	y, errY := strconv.Atoi(yStr)
	if errZ != nil || errX != nil || errY != nil {
		http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
		return
	}

	data, err := ts.GetTile(z, x, y)
	if err != nil {
		logger().Debug("tile request failed", zap.Int("z", z), zap.Int("x", x), zap.Int("y", y), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/"+ts.format)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}

func (ts *TileServer) serveBounds(w http.ResponseWriter, _ *http.Request) {
	minLon, minLat, maxLon, maxLat := ts.GetBounds()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"bounds": []float64{minLon, minLat, maxLon, maxLat},
		"format": ts.format,
	})
}
