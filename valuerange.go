package floodmap

import "math"

// A ValueRange is the range of values in a Grid, excluding cells without data.
type ValueRange struct {
	Min float64
	Max float64
}

// ComputeRange returns the range of values in grid. It returns ErrEmptyRange
// if every cell in grid is NaN.
func ComputeRange(grid *Grid) (ValueRange, error) {
	valueRange := ValueRange{
		Min: math.Inf(1),
		Max: math.Inf(-1),
	}
	empty := true
	for _, value := range grid.Values {
		if math.IsNaN(value) {
			continue
		}
		empty = false
		valueRange.Min = min(valueRange.Min, value)
		valueRange.Max = max(valueRange.Max, value)
	}
	if empty {
		return ValueRange{}, ErrEmptyRange
	}
	return valueRange, nil
}

// Normalize returns value scaled to [0, 1] within r. A zero width range
// normalizes everything to 0.
func (r ValueRange) Normalize(value float64) float64 {
	if r.Max == r.Min {
		return 0
	}
	return min(max((value-r.Min)/(r.Max-r.Min), 0), 1)
}
