package floodmap

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"io"
)

// A Bitmap is a colorized Grid anchored to its geographic bounds.
type Bitmap struct {
	Image  *image.NRGBA
	Anchor [2][2]float64 // [[south, west], [north, east]].
}

// Project colorizes every cell of grid with colorize into a new Bitmap.
func Project(grid *Grid, colorize ColorizeFunc) *Bitmap {
	img := image.NewNRGBA(image.Rect(0, 0, grid.Width, grid.Height))
	for y := range grid.Height {
		row := img.Pix[y*img.Stride : y*img.Stride+4*grid.Width]
		for x := range grid.Width {
			c := colorize(x, y, grid.Values[y*grid.Width+x])
			row[4*x+0] = c.R
			row[4*x+1] = c.G
			row[4*x+2] = c.B
			row[4*x+3] = c.A
		}
	}
	return &Bitmap{
		Image:  img,
		Anchor: grid.Bounds.Anchor(),
	}
}

// MaskedColorizeFunc returns a ColorizeFunc that tests each cell by its center
// alone. A cell is transparent when its center lies outside region, even if
// the cell partly overlaps region, and is colored by colorize otherwise.
func MaskedColorizeFunc(grid *Grid, region *Region, colorize ColorizeFunc) ColorizeFunc {
	return func(x, y int, value float64) color.NRGBA {
		if !region.Contains(grid.CellCenter(x, y)) {
			return color.NRGBA{}
		}
		return colorize(x, y, value)
	}
}

// EncodePNG writes b as a PNG to w.
func (b *Bitmap) EncodePNG(w io.Writer) error {
	return png.Encode(w, b.Image)
}

// DataURL returns b as a PNG data URL.
func (b *Bitmap) DataURL() (string, error) {
	buffer := &bytes.Buffer{}
	if err := b.EncodePNG(buffer); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buffer.Bytes()), nil
}
