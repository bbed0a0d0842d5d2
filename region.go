package floodmap

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// A Region is a set of polygons, typically an administrative boundary, used
// to mask meteorological layers.
type Region struct {
	rtree *rtreego.Rtree
	bound orb.Bound
}

// regionPolygon is a polygon indexed by its bounding box.
type regionPolygon struct {
	polygon orb.Polygon
	bound   orb.Bound
}

// Bounds implements rtreego.Spatial.
func (p *regionPolygon) Bounds() rtreego.Rect {
	// rtreego needs non-zero lengths.
	const epsilon = 1e-9
	lengths := []float64{
		max(p.bound.Max[0]-p.bound.Min[0], epsilon),
		max(p.bound.Max[1]-p.bound.Min[1], epsilon),
	}
	rect, _ := rtreego.NewRect(rtreego.Point{p.bound.Min[0], p.bound.Min[1]}, lengths)
	return rect
}

// NewRegion returns a Region containing every polygon and multipolygon in fc.
func NewRegion(fc *geojson.FeatureCollection) (*Region, error) {
	r := &Region{
		rtree: rtreego.NewTree(2, 25, 50),
	}
	first := true
	add := func(polygon orb.Polygon) {
		if len(polygon) == 0 {
			return
		}
		bound := polygon.Bound()
		r.rtree.Insert(&regionPolygon{
			polygon: polygon,
			bound:   bound,
		})
		if first {
			r.bound = bound
			first = false
		} else {
			r.bound = r.bound.Union(bound)
		}
	}
	for _, feature := range fc.Features {
		switch geometry := feature.Geometry.(type) {
		case orb.Polygon:
			add(geometry)
		case orb.MultiPolygon:
			for _, polygon := range geometry {
				add(polygon)
			}
		}
	}
	if r.rtree.Size() == 0 {
		return nil, errors.New("region has no polygons")
	}
	return r, nil
}

// ParseRegion parses a GeoJSON feature collection into a Region.
func ParseRegion(data []byte) (*Region, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("region: %w", err)
	}
	return NewRegion(fc)
}

// LoadRegion reads a GeoJSON feature collection from filename in fsys.
func LoadRegion(fsys fs.FS, filename string) (*Region, error) {
	data, err := fs.ReadFile(fsys, filename)
	if err != nil {
		return nil, err
	}
	return ParseRegion(data)
}

// Bound returns the bounding box of r.
func (r *Region) Bound() orb.Bound {
	return r.bound
}

// Contains returns whether the point at lat and lng is inside r.
func (r *Region) Contains(lat, lng float64) bool {
	point := orb.Point{lng, lat}
	if !r.bound.Contains(point) {
		return false
	}
	for _, spatial := range r.rtree.SearchIntersect(rtreego.Point{lng, lat}.ToRect(1e-9)) {
		if planar.PolygonContains(spatial.(*regionPolygon).polygon, point) {
			return true
		}
	}
	return false
}
