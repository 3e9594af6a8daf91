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
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"go.uber.org/zap"
)

// ==================== 邻近度栅格 ====================

// ProximityOutputPath <目录>/<去后缀文件名>_proximity.tif
func ProximityOutputPath(path, outputDir string) string {
	if outputDir == "" {
		outputDir = filepath.Dir(path)
	}
	return filepath.Join(outputDir, vectorBaseName(path)+"_proximity.tif")
}

// ProximityGrid 由几何外包矩形和像素大小确定的北向上网格
func ProximityGrid(bounds orb.Bound, pixelSize float64, limit int) (RasterGeometry, error) {
	if pixelSize <= 0 {
		return RasterGeometry{}, errorf(KindInvalidGridDimensions, "proximity", "", "pixel size must be positive, got %v", pixelSize)
	}
	width := int(math.Ceil((bounds.Max[0] - bounds.Min[0]) / pixelSize))
	height := int(math.Ceil((bounds.Max[1] - bounds.Min[1]) / pixelSize))
	if err := ValidateDimensions(width, height, limit); err != nil {
		return RasterGeometry{}, err
	}
	return RasterGeometry{
		Width:     width,
		Height:    height,
		Transform: FromOrigin(bounds.Min[0], bounds.Max[1], pixelSize, pixelSize),
	}, nil
}

// burnGeometries 在内存栅格上将几何烧录为1；allTouched 时烧录所有接触到的像素
func burnGeometries(geom RasterGeometry, geoms []orb.Geometry, allTouched bool) ([]uint8, error) {
	mem, err := godal.Create(godal.Memory, "", 1, godal.Byte, geom.Width, geom.Height)
	if err != nil {
		return nil, fmt.Errorf("create memory raster: %w", err)
	}
	defer mem.Close()
	if err := mem.SetGeoTransform([6]float64(geom.Transform)); err != nil {
		return nil, fmt.Errorf("set geotransform: %w", err)
	}

	burnOpts := []godal.RasterizeGeometryOption{godal.Values(1)}
	if allTouched {
		burnOpts = append(burnOpts, godal.AllTouched())
	}
	for i, g := range geoms {
		data, err := wkb.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encode geometry %d: %w", i, err)
		}
		gg, err := godal.NewGeometryFromWKB(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decode geometry %d: %w", i, err)
		}
		err = mem.RasterizeGeometry(gg, burnOpts...)
		gg.Close()
		if err != nil {
			return nil, fmt.Errorf("rasterize geometry %d: %w", i, err)
		}
	}

	mask := make([]uint8, geom.Width*geom.Height)
	if err := mem.Bands()[0].Read(0, 0, mask, geom.Width, geom.Height); err != nil {
		return nil, fmt.Errorf("read burned raster: %w", err)
	}
	return mask, nil
}

// ComputeProximity 矢量 -> 邻近度栅格。栅格提交成功后才删除矢量源文件。
func ComputeProximity(path string, opts ...ProximityOption) Result {
	o := buildOptions(opts)
	out, err := computeProximity(path, o)
	if err != nil {
		logger().Error("proximity computation failed", zap.String("path", path), zap.Error(err))
		r := failedResult("Proximity computation failed", err)
		r.DatasetType = DatasetVector
		return r
	}
	r := readyResult(fmt.Sprintf("Proximity raster generated: %s", out), out)
	r.DatasetType = DatasetRaster
	return r
}

func computeProximity(path string, o options) (string, error) {
	InitializeGDAL()
	layer, err := ReadVectorLayer(path)
	if err != nil {
		return "", err
	}
	geoms := layer.ValidGeometries()
	if len(geoms) == 0 {
		return "", errorf(KindEmptyGeometrySet, "proximity", path, "no valid geometries found in vector layer")
	}
	bounds, _ := layer.Bounds()

	geom, err := ProximityGrid(bounds, o.pixelSize, o.maxDimension)
	if err != nil {
		return "", err
	}
	geom.CRS = layer.CRS
	if geom.CRS == "" {
		if geom.CRS, err = CRSToWKT(DefaultTargetCRS); err != nil {
			return "", err
		}
	}
	logger().Info("rasterizing vector layer",
		zap.String("path", path),
		zap.Int("geometries", len(geoms)),
		zap.Int("width", geom.Width),
		zap.Int("height", geom.Height),
		zap.Float64("pixel_size", o.pixelSize))

	mask, err := burnGeometries(geom, geoms, false)
	if err != nil {
		return "", newError(KindWriteError, "proximity", path, err)
	}
	field, ok := ProximityField(mask, geom.Width, geom.Height, o.pixelSize)
	if !ok {
		// 几何均小于一个像素且不覆盖像素中心
		logger().Debug("no pixel centre covered, burning all touched pixels", zap.String("path", path))
		if mask, err = burnGeometries(geom, geoms, true); err != nil {
			return "", newError(KindWriteError, "proximity", path, err)
		}
		if field, ok = ProximityField(mask, geom.Width, geom.Height, o.pixelSize); !ok {
			return "", errorf(KindInvalidGridDimensions, "proximity", path,
				"geometries did not touch any pixel at pixel size %v", o.pixelSize)
		}
	}

	out := ProximityOutputPath(path, o.outputDir)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", newError(KindWriteError, "proximity", out, err)
	}
	temp := TempSibling(out, "tmp")
	w, err := NewGeoTiffWriter(temp, geom, 1, godal.Float32)
	if err != nil {
		return "", err
	}
	if err := w.WriteBand(1, field); err != nil {
		w.abort()
		return "", err
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(temp)
		return "", err
	}

	// 先提交栅格，再删除源文件
	if err := o.replacer.Replace(temp, out); err != nil {
		return "", err
	}
	for _, f := range vectorSourceFiles(path) {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger().Warn("failed to delete vector source", zap.String("path", f), zap.Error(err))
			continue
		}
		logger().Debug("deleted vector source", zap.String("path", f))
	}
	return out, nil
}
