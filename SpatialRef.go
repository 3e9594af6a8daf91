// SpatialRef.go
package CopperCore

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"
)

var gdalOnce sync.Once

// InitializeGDAL 注册全部GDAL驱动（只执行一次）
func InitializeGDAL() {
	gdalOnce.Do(func() {
		godal.RegisterAll()
	})
}

// NewSpatialRef 由用户输入构造空间参考，支持 "EPSG:4326"、PROJ4 串和 WKT
func NewSpatialRef(crs string) (*godal.SpatialRef, error) {
	s := strings.TrimSpace(crs)
	if s == "" {
		return nil, fmt.Errorf("empty CRS definition")
	}
	upper := strings.ToUpper(s)
	switch {
	case strings.HasPrefix(upper, "EPSG:"):
		code, err := strconv.Atoi(strings.TrimSpace(s[5:]))
		if err != nil {
			return nil, fmt.Errorf("invalid EPSG code in %q: %w", crs, err)
		}
		return godal.NewSpatialRefFromEPSG(code)
	case strings.HasPrefix(s, "+"):
		return godal.NewSpatialRefFromProj4(s)
	default:
		return godal.NewSpatialRefFromWKT(s)
	}
}

// CRSToWKT 统一转成WKT，便于写入数据集
func CRSToWKT(crs string) (string, error) {
	sr, err := NewSpatialRef(crs)
	if err != nil {
		return "", err
	}
	defer sr.Close()
	return sr.WKT()
}

// SameCRS 判断两个坐标系定义是否等价，任一方为空时只有双方都为空才相等
func SameCRS(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	sa, err := NewSpatialRef(a)
	if err != nil {
		return false
	}
	defer sa.Close()
	sb, err := NewSpatialRef(b)
	if err != nil {
		return false
	}
	defer sb.Close()
	return sa.IsSame(sb)
}

// CRSLabel 尽量识别为 "EPSG:xxxx"，识别失败返回原串
func CRSLabel(crs string) string {
	sr, err := NewSpatialRef(crs)
	if err != nil {
		return crs
	}
	defer sr.Close()
	_ = sr.AutoIdentifyEPSG()
	if name, code := sr.AuthorityName(""), sr.AuthorityCode(""); name != "" && code != "" {
		return name + ":" + code
	}
	return crs
}

// CRSTransformer 基于GDAL坐标转换的 PointTransformer 实现
type CRSTransformer struct {
	src *godal.SpatialRef
	dst *godal.SpatialRef
	trn *godal.Transform
}

// NewCRSTransformer 创建 srcCRS -> dstCRS 的坐标转换
func NewCRSTransformer(srcCRS, dstCRS string) (*CRSTransformer, error) {
	src, err := NewSpatialRef(srcCRS)
	if err != nil {
		return nil, fmt.Errorf("source CRS: %w", err)
	}
	dst, err := NewSpatialRef(dstCRS)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("target CRS: %w", err)
	}
	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		src.Close()
		dst.Close()
		return nil, fmt.Errorf("create coordinate transform: %w", err)
	}
	return &CRSTransformer{src: src, dst: dst, trn: trn}, nil
}

// TransformPoints 原地转换坐标
func (t *CRSTransformer) TransformPoints(xs, ys []float64) ([]bool, error) {
	if len(xs) == 0 {
		return nil, nil
	}
	ok := make([]bool, len(xs))
	err := t.trn.TransformEx(xs, ys, nil, ok)
	for _, v := range ok {
		if v {
			return ok, nil
		}
	}
	if err == nil {
		err = fmt.Errorf("all points failed to transform")
	}
	return ok, err
}

// Close 释放GDAL资源
func (t *CRSTransformer) Close() {
	if t.trn != nil {
		t.trn.Close()
		t.trn = nil
	}
	if t.dst != nil {
		t.dst.Close()
		t.dst = nil
	}
	if t.src != nil {
		t.src.Close()
		t.src = nil
	}
}
