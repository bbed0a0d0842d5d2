package floodmap

import (
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestGridSample(t *testing.T) {
	grid, err := NewGrid(2, 2, Bounds{West: 0, South: 0, East: 2, North: 2}, []float64{1, 2, 3, math.NaN()})
	assert.NoError(t, err)

	for _, tc := range []struct {
		name          string
		lat           float64
		lng           float64
		expectedX     int
		expectedY     int
		expectedPixel bool
		expected      float64
		expectedOK    bool
	}{
		{
			name:          "north_west",
			lat:           1.5,
			lng:           0.5,
			expectedX:     0,
			expectedY:     0,
			expectedPixel: true,
			expected:      1,
			expectedOK:    true,
		},
		{
			name:          "north_east",
			lat:           1.5,
			lng:           1.5,
			expectedX:     1,
			expectedY:     0,
			expectedPixel: true,
			expected:      2,
			expectedOK:    true,
		},
		{
			name:          "south_west",
			lat:           0.5,
			lng:           0.5,
			expectedX:     0,
			expectedY:     1,
			expectedPixel: true,
			expected:      3,
			expectedOK:    true,
		},
		{
			name:          "no_data",
			lat:           0.5,
			lng:           1.5,
			expectedX:     1,
			expectedY:     1,
			expectedPixel: true,
		},
		{
			name:          "north_west_corner",
			lat:           2,
			lng:           0,
			expectedX:     0,
			expectedY:     0,
			expectedPixel: true,
			expected:      1,
			expectedOK:    true,
		},
		{
			name: "east_edge",
			lat:  1.5,
			lng:  2,
		},
		{
			name: "south_edge",
			lat:  0,
			lng:  0.5,
		},
		{
			name: "outside",
			lat:  3,
			lng:  0.5,
		},
		{
			name: "west_of_bounds",
			lat:  1,
			lng:  -0.001,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			x, y, ok := grid.Pixel(tc.lat, tc.lng)
			assert.Equal(t, tc.expectedPixel, ok)
			if ok {
				assert.Equal(t, tc.expectedX, x)
				assert.Equal(t, tc.expectedY, y)
			}
			value, ok := grid.Sample(tc.lat, tc.lng)
			assert.Equal(t, tc.expectedOK, ok)
			if tc.expectedOK {
				assert.Equal(t, tc.expected, value)
			} else {
				assert.True(t, math.IsNaN(value))
			}
		})
	}
}

func TestGridSamples(t *testing.T) {
	grid, err := NewGrid(2, 1, Bounds{West: 10, South: 20, East: 12, North: 21}, []float64{5, 6})
	assert.NoError(t, err)
	samples := grid.Samples([][]float64{{20.5, 10.5}, {20.5, 11.5}, {0, 0}, {20.5}, nil, {20.5, 11.5, 100}})
	assert.Equal(t, 6, len(samples))
	assert.Equal(t, 5.0, samples[0])
	assert.Equal(t, 6.0, samples[1])
	assert.True(t, math.IsNaN(samples[2]))
	assert.True(t, math.IsNaN(samples[3]))
	assert.True(t, math.IsNaN(samples[4]))
	assert.Equal(t, 6.0, samples[5])
}
