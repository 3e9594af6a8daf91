// VectorLayer.go
package CopperCore

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

// shapefileSidecarExts shapefile附属文件扩展名
var shapefileSidecarExts = []string{".shx", ".dbf", ".prj", ".cpg"}

// VectorLayer 矢量图层：要素集合 + 图层坐标系
type VectorLayer struct {
	Name     string
	CRS      string // WKT，可为空
	Features *geojson.FeatureCollection
}

// ==================== 数据源路径 ====================

// findShapefileInZip 在zip中查找第一个.shp成员
func findShapefileInZip(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	var members []string
	for _, f := range zr.File {
		if strings.EqualFold(filepath.Ext(f.Name), ".shp") && !f.FileInfo().IsDir() {
			members = append(members, f.Name)
		}
	}
	if len(members) == 0 {
		return "", fmt.Errorf("no .shp file found in archive")
	}
	sort.Strings(members)
	return members[0], nil
}

// vectorSourcePath 返回GDAL可打开的路径，zip走 /vsizip/
func vectorSourcePath(path string) (string, error) {
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return path, nil
	}
	member, err := findShapefileInZip(path)
	if err != nil {
		return "", newError(KindSourceReadError, "open vector", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "/vsizip/" + filepath.ToSlash(abs) + "/" + member, nil
}

// openVector 只读打开矢量数据源
func openVector(path string) (*godal.Dataset, error) {
	InitializeGDAL()
	src, err := vectorSourcePath(path)
	if err != nil {
		return nil, err
	}
	ds, err := godal.Open(src, godal.VectorOnly())
	if err != nil {
		return nil, newError(KindSourceReadError, "open vector", path, err)
	}
	if len(ds.Layers()) == 0 {
		ds.Close()
		return nil, errorf(KindSourceReadError, "open vector", path, "data source has no layers")
	}
	return ds, nil
}

// layerCRS 图层坐标系WKT，无坐标系时返回空串
func layerCRS(layer godal.Layer) string {
	sr := layer.SpatialRef()
	wkt, err := sr.WKT()
	if err != nil {
		return ""
	}
	return wkt
}

// ==================== 读取 ====================

// ReadVectorLayer 读取第一个图层为GeoJSON要素集合
func ReadVectorLayer(path string) (*VectorLayer, error) {
	ds, err := openVector(path)
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	layer := ds.Layers()[0]
	out := &VectorLayer{
		Name:     vectorBaseName(path),
		CRS:      layerCRS(layer),
		Features: geojson.NewFeatureCollection(),
	}

	skipped := 0
	layer.ResetReading()
	for {
		feat := layer.NextFeature()
		if feat == nil {
			break
		}
		f, err := featureToGeoJSON(feat)
		feat.Close()
		if err != nil {
			skipped++
			logger().Debug("skip unreadable feature", zap.String("path", path), zap.Error(err))
			continue
		}
		out.Features.Append(f)
	}
	logger().Info("vector layer loaded",
		zap.String("path", path),
		zap.Int("features", len(out.Features.Features)),
		zap.Int("skipped", skipped))
	return out, nil
}

// featureToGeoJSON 单个要素转换，空几何保留为nil
func featureToGeoJSON(feat *godal.Feature) (*geojson.Feature, error) {
	var geom orb.Geometry
	g := feat.Geometry()
	defer g.Close()
	if !g.Empty() {
		data, err := g.WKB()
		if err != nil {
			return nil, fmt.Errorf("export wkb: %w", err)
		}
		geom, err = wkb.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("decode wkb: %w", err)
		}
	}
	f := geojson.NewFeature(geom)
	for name, fld := range feat.Fields() {
		switch fld.Type() {
		case godal.FTInt, godal.FTInt64:
			f.Properties[name] = fld.Int()
		case godal.FTReal:
			f.Properties[name] = fld.Float()
		default:
			f.Properties[name] = fld.String()
		}
	}
	return f, nil
}

// isEmptyGeometry 空几何判断
func isEmptyGeometry(g orb.Geometry) bool {
	switch v := g.(type) {
	case nil:
		return true
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		for _, ls := range v {
			if len(ls) > 0 {
				return false
			}
		}
		return true
	case orb.Ring:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.MultiPolygon:
		for _, p := range v {
			if len(p) > 0 && len(p[0]) > 0 {
				return false
			}
		}
		return true
	case orb.Collection:
		for _, c := range v {
			if !isEmptyGeometry(c) {
				return false
			}
		}
		return true
	case orb.Bound:
		return false
	}
	return true
}

// ValidGeometries 非空几何，按要素顺序
func (l *VectorLayer) ValidGeometries() []orb.Geometry {
	out := make([]orb.Geometry, 0, len(l.Features.Features))
	for _, f := range l.Features.Features {
		if !isEmptyGeometry(f.Geometry) {
			out = append(out, f.Geometry)
		}
	}
	return out
}

// Bounds 有效几何的外包矩形；没有有效几何时ok为false
func (l *VectorLayer) Bounds() (b orb.Bound, ok bool) {
	for _, g := range l.ValidGeometries() {
		if !ok {
			b = g.Bound()
			ok = true
			continue
		}
		b = b.Union(g.Bound())
	}
	return b, ok
}

// GeometryTypes 图层内出现过的几何类型
func (l *VectorLayer) GeometryTypes() []string {
	seen := map[string]bool{}
	var types []string
	for _, g := range l.ValidGeometries() {
		t := g.GeoJSONType()
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// InspectVector 数据集校验摘要
func InspectVector(path string) (*DatasetInfo, error) {
	l, err := ReadVectorLayer(path)
	if err != nil {
		return nil, err
	}
	return &DatasetInfo{
		Type:          DatasetVector,
		CRS:           l.CRS,
		GeometryTypes: l.GeometryTypes(),
	}, nil
}

// ValidateDataset 按扩展名判定类型并读取摘要
func ValidateDataset(path string) (*DatasetInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, newError(KindSourceReadError, "validate", path, err)
	}
	dtype, err := DetectDatasetType(path)
	if err != nil {
		return nil, err
	}
	if dtype == DatasetRaster {
		return InspectRaster(path)
	}
	return InspectVector(path)
}

// ==================== shapefile 文件组 ====================

// shapefileSidecars 已存在的附属文件（不含.shp本身），扩展名大小写按实际文件
func shapefileSidecars(shp string) []string {
	base := strings.TrimSuffix(shp, filepath.Ext(shp))
	var out []string
	for _, ext := range shapefileSidecarExts {
		for _, cand := range []string{base + ext, base + strings.ToUpper(ext)} {
			if _, err := os.Stat(cand); err == nil {
				out = append(out, cand)
				break
			}
		}
	}
	return out
}

// vectorSourceFiles 删除矢量源时涉及的全部文件
func vectorSourceFiles(path string) []string {
	if strings.EqualFold(filepath.Ext(path), ".shp") {
		return append([]string{path}, shapefileSidecars(path)...)
	}
	return []string{path}
}

// vectorBaseName 去掉 .zip/.shp/.geojson/.json 后缀
func vectorBaseName(path string) string {
	base := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(base)) {
	case ".zip", ".shp", ".geojson", ".json":
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base
}
