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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"
	"go.uber.org/zap"
)

// DefaultTargetCRS 项目默认坐标系
const DefaultTargetCRS = "EPSG:4326"

// Harmonize 将数据集重投影到目标坐标系并原地替换源文件
func Harmonize(path string, dtype DatasetType, targetCRS string, opts ...HarmonizeOption) Result {
	o := buildOptions(opts)
	if strings.TrimSpace(targetCRS) == "" {
		targetCRS = DefaultTargetCRS
	}
	logger().Info("harmonizing dataset",
		zap.String("path", path),
		zap.String("type", string(dtype)),
		zap.String("target_crs", targetCRS))

	var err error
	switch dtype {
	case DatasetRaster:
		err = harmonizeRaster(path, targetCRS, o.replacer)
	case DatasetVector:
		err = harmonizeVector(path, targetCRS, o.replacer)
	default:
		err = errorf(KindUnsupportedDatasetType, "harmonize", path, "unsupported dataset type %q", dtype)
	}
	if err != nil {
		logger().Error("harmonization failed", zap.String("path", path), zap.Error(err))
		r := failedResult("CRS Harmonization failed", err)
		r.DatasetType = dtype
		return r
	}
	r := readyResult(fmt.Sprintf("Reprojected %s renamed to %s", dtype, path), path)
	r.DatasetType = dtype
	return r
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ==================== 栅格 ====================

// harmonizeRaster 最近邻重投影到默认输出网格
func harmonizeRaster(path, targetCRS string, rp *Replacer) error {
	InitializeGDAL()
	ds, err := openRaster(path)
	if err != nil {
		return err
	}
	defer ds.Close()

	grid, err := describeRaster(ds, path)
	if err != nil {
		return err
	}
	if grid.CRS == "" {
		return errorf(KindSourceReadError, "harmonize", path, "raster has no coordinate reference system")
	}
	targetWKT, err := CRSToWKT(targetCRS)
	if err != nil {
		return newError(KindSourceReadError, "harmonize", path, fmt.Errorf("invalid target CRS %q: %w", targetCRS, err))
	}

	tr, err := NewCRSTransformer(grid.CRS, targetWKT)
	if err != nil {
		return newError(KindSourceReadError, "harmonize", path, err)
	}
	dst, width, height, err := CalculateDefaultTransform(tr, grid.Transform, grid.Width, grid.Height)
	tr.Close()
	if err != nil {
		return err
	}
	bounds := dst.Bounds(width, height)
	logger().Debug("reprojected grid",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Float64s("transform", dst[:]))

	switches := []string{
		"-t_srs", targetWKT,
		"-te", formatFloat(bounds.Min[0]), formatFloat(bounds.Min[1]),
		formatFloat(bounds.Max[0]), formatFloat(bounds.Max[1]),
		"-ts", strconv.Itoa(width), strconv.Itoa(height),
		"-r", "near",
	}
	temp := TempSibling(path, "reprojected")
	out, err := ds.Warp(temp, switches, godal.GTiff, godal.CreationOption(geoTiffCreationOptions...))
	if err != nil {
		_ = os.Remove(temp)
		return newError(KindWriteError, "warp", path, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(temp)
		return newError(KindWriteError, "warp", path, err)
	}
	return rp.Replace(temp, path)
}

// ==================== 矢量 ====================

// harmonizeVector 逐坐标重投影，保持原文件格式
func harmonizeVector(path, targetCRS string, rp *Replacer) error {
	targetWKT, err := CRSToWKT(targetCRS)
	if err != nil {
		return newError(KindSourceReadError, "harmonize", path, fmt.Errorf("invalid target CRS %q: %w", targetCRS, err))
	}
	ds, err := openVector(path)
	if err != nil {
		return err
	}
	defer ds.Close()
	if layerCRS(ds.Layers()[0]) == "" {
		return errorf(KindSourceReadError, "harmonize", path, "vector layer has no coordinate reference system")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return harmonizeShapefile(ds, path, targetWKT, rp)
	case ".geojson", ".json":
		temp := TempSibling(path, "reprojected")
		if err := translateVector(ds, temp, targetWKT, godal.GeoJSON); err != nil {
			_ = os.Remove(temp)
			return newError(KindWriteError, "reproject vector", path, err)
		}
		return rp.Replace(temp, path)
	case ".zip":
		return harmonizeZippedShapefile(ds, path, targetWKT, rp)
	}
	return errorf(KindUnsupportedDatasetType, "harmonize", path, "unsupported vector format %q", filepath.Ext(path))
}

func translateVector(ds *godal.Dataset, dst, targetWKT string, driver godal.DriverName) error {
	out, err := ds.VectorTranslate(dst, []string{"-t_srs", targetWKT}, driver)
	if err != nil {
		return err
	}
	return out.Close()
}

// harmonizeShapefile 写出临时shapefile文件组后成组替换
func harmonizeShapefile(ds *godal.Dataset, path, targetWKT string, rp *Replacer) error {
	temp := TempSibling(path, "reprojected")
	if err := translateVector(ds, temp, targetWKT, godal.Shapefile); err != nil {
		for _, f := range vectorSourceFiles(temp) {
			_ = os.Remove(f)
		}
		return newError(KindWriteError, "reproject vector", path, err)
	}
	// 源文件组需在替换前关闭
	ds.Close()

	base := strings.TrimSuffix(path, filepath.Ext(path))
	pairs := []FilePair{{Temp: temp, Target: path}}
	produced := map[string]bool{}
	for _, side := range shapefileSidecars(temp) {
		ext := strings.ToLower(filepath.Ext(side))
		produced[ext] = true
		pairs = append(pairs, FilePair{Temp: side, Target: base + ext})
	}
	var stale []string
	for _, old := range shapefileSidecars(path) {
		if !produced[strings.ToLower(filepath.Ext(old))] {
			stale = append(stale, old)
		} else if filepath.Ext(old) != strings.ToLower(filepath.Ext(old)) {
			// 大写扩展名的旧文件不会被同名覆盖
			stale = append(stale, old)
		}
	}
	return rp.ReplaceSet(pairs, stale)
}

// harmonizeZippedShapefile 解出重投影后的shapefile并重新打包为zip
func harmonizeZippedShapefile(ds *godal.Dataset, path, targetWKT string, rp *Replacer) error {
	work, err := os.MkdirTemp(filepath.Dir(path), ".harmonize-")
	if err != nil {
		return newError(KindWriteError, "reproject vector", path, err)
	}
	defer os.RemoveAll(work)

	shp := filepath.Join(work, vectorBaseName(path)+".shp")
	if err := translateVector(ds, shp, targetWKT, godal.Shapefile); err != nil {
		return newError(KindWriteError, "reproject vector", path, err)
	}
	ds.Close()

	temp := TempSibling(path, "reprojected")
	if err := zipFiles(temp, vectorSourceFiles(shp)); err != nil {
		_ = os.Remove(temp)
		return newError(KindWriteError, "zip shapefile", path, err)
	}
	return rp.Replace(temp, path)
}

// zipFiles 将文件平铺写入zip
func zipFiles(dst string, files []string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, name := range files {
		if err := addZipEntry(zw, name); err != nil {
			zw.Close()
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addZipEntry(zw *zip.Writer, name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := zw.Create(filepath.Base(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
