package floodmap

import (
	"errors"
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNewGrid(t *testing.T) {
	bounds := Bounds{West: 0, South: 0, East: 2, North: 2}
	for _, tc := range []struct {
		name        string
		width       int
		height      int
		bounds      Bounds
		values      []float64
		expectedErr bool
	}{
		{
			name:   "valid",
			width:  2,
			height: 1,
			bounds: bounds,
			values: []float64{1, 2},
		},
		{
			name:        "zero_width",
			width:       0,
			height:      1,
			bounds:      bounds,
			expectedErr: true,
		},
		{
			name:        "wrong_length",
			width:       2,
			height:      2,
			bounds:      bounds,
			values:      []float64{1, 2, 3},
			expectedErr: true,
		},
		{
			name:        "inverted_bounds",
			width:       1,
			height:      1,
			bounds:      Bounds{West: 2, South: 0, East: 0, North: 2},
			values:      []float64{1},
			expectedErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			grid, err := NewGrid(tc.width, tc.height, tc.bounds, tc.values)
			if tc.expectedErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.width, grid.Width)
		})
	}
}

func TestBoundsAnchor(t *testing.T) {
	bounds := Bounds{West: -71.75, South: -32.25, East: -69.75, North: -29.25}
	assert.Equal(t, [2][2]float64{{-32.25, -71.75}, {-29.25, -69.75}}, bounds.Anchor())
}

func TestGridCellCenter(t *testing.T) {
	grid, err := NewGrid(2, 2, Bounds{West: 0, South: 0, East: 2, North: 2}, []float64{1, 2, 3, 4})
	assert.NoError(t, err)
	lat, lng := grid.CellCenter(0, 0)
	assert.Equal(t, 1.5, lat)
	assert.Equal(t, 0.5, lng)
	lat, lng = grid.CellCenter(1, 1)
	assert.Equal(t, 0.5, lat)
	assert.Equal(t, 1.5, lng)
}

func TestComputeRange(t *testing.T) {
	for _, tc := range []struct {
		name          string
		values        []float64
		expected      ValueRange
		expectedEmpty bool
	}{
		{
			name:     "simple",
			values:   []float64{3, 1, 2, 5},
			expected: ValueRange{Min: 1, Max: 5},
		},
		{
			name:     "ignores_nan",
			values:   []float64{math.NaN(), -2, 7, math.NaN()},
			expected: ValueRange{Min: -2, Max: 7},
		},
		{
			name:     "constant",
			values:   []float64{4, 4, 4, 4},
			expected: ValueRange{Min: 4, Max: 4},
		},
		{
			name:          "all_nan",
			values:        []float64{math.NaN(), math.NaN(), math.NaN(), math.NaN()},
			expectedEmpty: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			grid, err := NewGrid(2, 2, Bounds{West: 0, South: 0, East: 1, North: 1}, tc.values)
			assert.NoError(t, err)
			actual, err := ComputeRange(grid)
			if tc.expectedEmpty {
				assert.True(t, errors.Is(err, ErrEmptyRange))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
			assert.Equal(t, len(tc.values)-grid.NoDataCount(), countNotNaN(tc.values))
		})
	}
}

func TestValueRangeNormalize(t *testing.T) {
	for _, tc := range []struct {
		valueRange ValueRange
		value      float64
		expected   float64
	}{
		{valueRange: ValueRange{Min: 1, Max: 3}, value: 1, expected: 0},
		{valueRange: ValueRange{Min: 1, Max: 3}, value: 2, expected: 0.5},
		{valueRange: ValueRange{Min: 1, Max: 3}, value: 3, expected: 1},
		{valueRange: ValueRange{Min: 1, Max: 3}, value: -10, expected: 0},
		{valueRange: ValueRange{Min: 1, Max: 3}, value: 10, expected: 1},
		{valueRange: ValueRange{Min: 4, Max: 4}, value: 4, expected: 0},
	} {
		assert.Equal(t, tc.expected, tc.valueRange.Normalize(tc.value))
	}
}

func countNotNaN(values []float64) int {
	count := 0
	for _, value := range values {
		if !math.IsNaN(value) {
			count++
		}
	}
	return count
}
