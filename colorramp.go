package floodmap

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// A ColorStop is a color at a normalized position in a ColorRamp.
type ColorStop struct {
	Position float64
	Color    colorful.Color
}

// A ColorRamp maps normalized values in [0, 1] to colors by linear
// interpolation between its stops.
type ColorRamp struct {
	stops []ColorStop
}

// Ramps used by the dashboard's layers.
var (
	DischargeRamp     = MustNewColorRamp(RGB(173, 216, 230), RGB(0, 0, 139))
	TemperatureRamp   = MustNewColorRamp(RGB(255, 255, 0), RGB(255, 0, 0))
	PrecipitationRamp = MustNewColorRamp(RGB(255, 255, 255), RGB(0, 0, 255))
	ElevationRamp     = MustNewColorRamp(RGB(255, 255, 217), RGB(65, 182, 196), RGB(8, 29, 88))
)

// RGB returns the color with 8-bit components r, g, and b.
func RGB(r, g, b uint8) colorful.Color {
	return colorful.Color{
		R: float64(r) / 255,
		G: float64(g) / 255,
		B: float64(b) / 255,
	}
}

// NewColorRamp returns a ColorRamp with the given stops. Positions must be
// strictly increasing from 0 to 1.
func NewColorRamp(stops ...ColorStop) (*ColorRamp, error) {
	if len(stops) < 2 {
		return nil, errors.New("color ramp needs at least two stops")
	}
	if stops[0].Position != 0 || stops[len(stops)-1].Position != 1 {
		return nil, errors.New("color ramp must start at 0 and end at 1")
	}
	for i := 1; i < len(stops); i++ {
		if !(stops[i-1].Position < stops[i].Position) {
			return nil, fmt.Errorf("color stop %d: position %g is not increasing", i, stops[i].Position)
		}
	}
	return &ColorRamp{
		stops: append([]ColorStop(nil), stops...),
	}, nil
}

// MustNewColorRamp returns a ColorRamp with colors evenly spaced between 0
// and 1. It panics if fewer than two colors are given.
func MustNewColorRamp(colors ...colorful.Color) *ColorRamp {
	stops := make([]ColorStop, len(colors))
	for i, c := range colors {
		stops[i] = ColorStop{
			Position: float64(i) / float64(len(colors)-1),
			Color:    c,
		}
	}
	ramp, err := NewColorRamp(stops...)
	if err != nil {
		panic(err)
	}
	return ramp
}

// Stops returns r's stops.
func (r *ColorRamp) Stops() []ColorStop {
	return append([]ColorStop(nil), r.stops...)
}

// At returns the color at t, which is clamped to [0, 1].
func (r *ColorRamp) At(t float64) colorful.Color {
	t = min(max(t, 0), 1)
	for i := 1; i < len(r.stops); i++ {
		lo, hi := r.stops[i-1], r.stops[i]
		if t <= hi.Position {
			return lo.Color.BlendRgb(hi.Color, (t-lo.Position)/(hi.Position-lo.Position))
		}
	}
	return r.stops[len(r.stops)-1].Color
}

// Colorize returns the color of value. NaNs are fully transparent. The alpha
// of every other value is opacity, clamped to [0, 1].
func Colorize(value float64, valueRange ValueRange, ramp *ColorRamp, opacity float64) color.NRGBA {
	if math.IsNaN(value) {
		return color.NRGBA{}
	}
	r, g, b := ramp.At(valueRange.Normalize(value)).RGB255()
	return color.NRGBA{
		R: r,
		G: g,
		B: b,
		A: alpha(opacity),
	}
}

// A ColorizeFunc returns the color of the cell at column x and row y.
type ColorizeFunc func(x, y int, value float64) color.NRGBA

// NewColorizeFunc returns a ColorizeFunc that calls Colorize.
func NewColorizeFunc(valueRange ValueRange, ramp *ColorRamp, opacity float64) ColorizeFunc {
	return func(_, _ int, value float64) color.NRGBA {
		return Colorize(value, valueRange, ramp, opacity)
	}
}

func alpha(opacity float64) uint8 {
	if math.IsNaN(opacity) {
		opacity = 1
	}
	return uint8(math.Floor(255*min(max(opacity, 0), 1) + 0.5))
}
