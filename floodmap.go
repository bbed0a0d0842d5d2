// Package floodmap renders geostamped rasters as map overlays, samples them at
// points, and talks to the discharge and WMS services behind the flood
// dashboard.
package floodmap

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyRange is returned when a grid has no cells with data.
	ErrEmptyRange = errors.New("empty value range")

	// ErrUnavailable is returned when a point has no data.
	ErrUnavailable = errors.New("unavailable")
)

// Bounds is a geographic bounding box in EPSG:4326 degrees.
type Bounds struct {
	West  float64
	South float64
	East  float64
	North float64
}

// Contains returns whether lat and lng are inside b, inclusive.
func (b Bounds) Contains(lat, lng float64) bool {
	return b.South <= lat && lat <= b.North && b.West <= lng && lng <= b.East
}

// Anchor returns b as two diagonal corners in (latitude, longitude) order,
// south-west first.
func (b Bounds) Anchor() [2][2]float64 {
	return [2][2]float64{
		{b.South, b.West},
		{b.North, b.East},
	}
}

// A Grid is a single band raster. Values are stored row-major from the north
// edge. Cells without data are NaN. A Grid must not be modified after it is
// created.
type Grid struct {
	Width  int
	Height int
	Bounds Bounds
	Values []float64
}

// NewGrid returns a new Grid.
func NewGrid(width, height int, bounds Bounds, values []float64) (*Grid, error) {
	switch {
	case width <= 0 || height <= 0:
		return nil, fmt.Errorf("%dx%d: invalid grid size", width, height)
	case len(values) != width*height:
		return nil, fmt.Errorf("got %d values, expected %d", len(values), width*height)
	case !(bounds.West < bounds.East) || !(bounds.South < bounds.North):
		return nil, fmt.Errorf("%v: invalid bounds", bounds)
	}
	return &Grid{
		Width:  width,
		Height: height,
		Bounds: bounds,
		Values: values,
	}, nil
}

// Value returns the value at column x and row y.
func (g *Grid) Value(x, y int) float64 {
	return g.Values[y*g.Width+x]
}

// CellCenter returns the latitude and longitude of the center of the cell at
// column x and row y.
func (g *Grid) CellCenter(x, y int) (float64, float64) {
	lng := g.Bounds.West + (float64(x)+0.5)/float64(g.Width)*(g.Bounds.East-g.Bounds.West)
	lat := g.Bounds.North - (float64(y)+0.5)/float64(g.Height)*(g.Bounds.North-g.Bounds.South)
	return lat, lng
}

// NoDataCount returns the number of cells in g without data.
func (g *Grid) NoDataCount() int {
	count := 0
	for _, value := range g.Values {
		if math.IsNaN(value) {
			count++
		}
	}
	return count
}
