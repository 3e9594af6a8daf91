// Overlay.go
package CopperCore

import (
	"fmt"
	"html/template"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// 叠加图参数
const (
	DisplayCRS         = "EPSG:4326"
	overlayZoom        = 5
	overlayFillOpacity = 0.2
)

var overlayTemplate = template.Must(template.New("overlay").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<script src="https://unpkg.com/leaflet.heat@0.2.0/dist/leaflet-heat.js"></script>
<style>html, body, #map { height: 100%; margin: 0; }</style>
</head>
<body>
<div id="map"></div>
<script>
var map = L.map('map').setView([{{.CenterLat}}, {{.CenterLon}}], {{.Zoom}});
L.tileLayer('https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png', {
  attribution: '&copy; OpenStreetMap contributors'
}).addTo(map);
L.rectangle({{.Bounds}}, {color: 'blue', fill: true, fillOpacity: {{.FillOpacity}}}).addTo(map);
var heat = L.heatLayer({{.HeatPoints}}, {
  radius: {{.Radius}},
  gradient: {0.4: 'green', 0.65: 'yellow', 1: 'red'}
}).addTo(map);
var patches = L.geoJSON({{.Patches}}, {style: {color: '#333', weight: 0.5, fill: false}});
L.control.layers(null, {'Heat map': heat, 'Patches': patches}).addTo(map);
</script>
</body>
</html>
`))

type overlayPage struct {
	Title       string
	CenterLat   float64
	CenterLon   float64
	Zoom        int
	Bounds      [2][2]float64 // [[south, west], [north, east]]
	FillOpacity float64
	HeatPoints  [][3]float64 // [lat, lon, weight]
	Radius      int
	Patches     *geojson.FeatureCollection
}

// PatchPolygons 由切片偏移和仿射变换得到切片多边形，并转换到显示坐标系
func PatchPolygons(geom RasterGeometry, patches []Patch, displayCRS string) ([]orb.Polygon, error) {
	xs := make([]float64, 0, len(patches)*4)
	ys := make([]float64, 0, len(patches)*4)
	for _, p := range patches {
		r0, c0 := float64(p.Row), float64(p.Col)
		r1, c1 := r0+float64(p.Size), c0+float64(p.Size)
		for _, pc := range [][2]float64{{c0, r0}, {c1, r0}, {c1, r1}, {c0, r1}} {
			x, y := geom.Transform.Apply(pc[0], pc[1])
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}

	if geom.CRS != "" && !SameCRS(geom.CRS, displayCRS) {
		tr, err := NewCRSTransformer(geom.CRS, displayCRS)
		if err != nil {
			return nil, err
		}
		ok, err := tr.TransformPoints(xs, ys)
		tr.Close()
		if err != nil {
			return nil, fmt.Errorf("reproject patch polygons: %w", err)
		}
		for i, v := range ok {
			if !v {
				return nil, fmt.Errorf("reproject patch polygons: corner %d failed", i)
			}
		}
	}

	polys := make([]orb.Polygon, len(patches))
	for i := range patches {
		k := i * 4
		ring := orb.Ring{
			{xs[k], ys[k]}, {xs[k+1], ys[k+1]}, {xs[k+2], ys[k+2]}, {xs[k+3], ys[k+3]}, {xs[k], ys[k]},
		}
		polys[i] = orb.Polygon{ring}
	}
	return polys, nil
}

// WriteOverlay 输出Leaflet网页：热力层 + 范围矩形，中心为切片并集质心
func WriteOverlay(path string, geom RasterGeometry, patches []Patch, probs []float32) error {
	if len(patches) == 0 {
		return fmt.Errorf("no patches to display")
	}
	polys, err := PatchPolygons(geom, patches, DisplayCRS)
	if err != nil {
		return newError(KindWriteError, "write overlay", path, err)
	}

	fc := geojson.NewFeatureCollection()
	union := make(orb.MultiPolygon, 0, len(polys))
	heat := make([][3]float64, len(polys))
	var bound orb.Bound
	for i, poly := range polys {
		c, _ := planar.CentroidArea(poly)
		heat[i] = [3]float64{c.Lat(), c.Lon(), float64(probs[i])}
		union = append(union, poly)
		if i == 0 {
			bound = poly.Bound()
		} else {
			bound = bound.Union(poly.Bound())
		}
		f := geojson.NewFeature(poly)
		f.Properties["row"] = patches[i].Row
		f.Properties["col"] = patches[i].Col
		f.Properties["probability"] = probs[i]
		fc.Append(f)
	}
	// 切片互不重叠，多面质心即并集质心
	center, _ := planar.CentroidArea(union)

	radius := patches[0].Size / 8
	page := overlayPage{
		Title:       "Prediction Heatmap",
		CenterLat:   center.Lat(),
		CenterLon:   center.Lon(),
		Zoom:        overlayZoom,
		Bounds:      [2][2]float64{{bound.Min.Lat(), bound.Min.Lon()}, {bound.Max.Lat(), bound.Max.Lon()}},
		FillOpacity: overlayFillOpacity,
		HeatPoints:  heat,
		Radius:      radius,
		Patches:     fc,
	}

	var sb strings.Builder
	if err := overlayTemplate.Execute(&sb, page); err != nil {
		return newError(KindWriteError, "write overlay", path, err)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return newError(KindWriteError, "write overlay", path, err)
	}
	return nil
}
