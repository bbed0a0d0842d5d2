package floodmap

import (
	"math"
)

// Pixel returns the column and row of the cell containing lat and lng. It
// returns false if lat and lng are outside g.
func (g *Grid) Pixel(lat, lng float64) (int, int, bool) {
	if !g.Bounds.Contains(lat, lng) {
		return 0, 0, false
	}
	x := int(math.Floor((lng - g.Bounds.West) / (g.Bounds.East - g.Bounds.West) * float64(g.Width)))
	y := int(math.Floor((g.Bounds.North - lat) / (g.Bounds.North - g.Bounds.South) * float64(g.Height)))
	// The east and south edges are inside the bounds but floor to one past the
	// last cell.
	if x < 0 || g.Width <= x || y < 0 || g.Height <= y {
		return 0, 0, false
	}
	return x, y, true
}

// Sample returns the value of the cell containing lat and lng. It returns
// false if lat and lng are outside g or the cell has no data.
func (g *Grid) Sample(lat, lng float64) (float64, bool) {
	x, y, ok := g.Pixel(lat, lng)
	if !ok {
		return math.NaN(), false
	}
	value := g.Value(x, y)
	if math.IsNaN(value) {
		return math.NaN(), false
	}
	return value, true
}

// Samples returns the values at multiple coordinates, each given as
// {lat, lng}. Unavailable samples and coordinates with fewer than two
// elements are represented by NaNs.
func (g *Grid) Samples(coords [][]float64) []float64 {
	samples := make([]float64, len(coords))
	for i, coord := range coords {
		if len(coord) < 2 {
			samples[i] = math.NaN()
			continue
		}
		samples[i], _ = g.Sample(coord[0], coord[1])
	}
	return samples
}
