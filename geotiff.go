package floodmap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

const noDataBits = 0xff7fffff

var noData = math.Float32frombits(noDataBits)

// TIFF compression schemes.
const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionDeflate      = 8
	compressionDeflateAdobe = 32946
)

// TIFF sample formats.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// DefaultMaxCells is the default limit on the number of cells of a decoded
// grid.
const DefaultMaxCells = 1 << 25

// A DecodeError is returned when a raster cannot be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Reason
	}
	return "decode: " + e.Reason + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth                uint32    `tiff:"field,tag=256"`
	ImageLength               uint32    `tiff:"field,tag=257"`
	BitsPerSample             uint16    `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint32    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint32    `tiff:"field,tag=322"`
	TileLength                uint32    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALMetadata              string    `tiff:"field,tag=42112"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// A block is a strip or tile of the image.
type block struct {
	offset    uint64
	byteCount uint64
	x, y      int // Origin in the image.
	width     int // Stored width, including any padding.
	length    int // Stored length, including any padding.
}

type geoTIFFDecoder struct {
	maxCells       int
	data           []byte
	byteOrder      binary.ByteOrder
	ifd            geoTIFFIFD
	width          int
	length         int
	bytesPerSample int
	noDataValue    float64
	hasNoDataValue bool
}

// A DecodeOption sets an option on DecodeGeoTIFF.
type DecodeOption func(*geoTIFFDecoder)

// WithMaxCells sets the largest number of cells that DecodeGeoTIFF will
// decode, in the image and in any single tile. Non-positive values select
// DefaultMaxCells.
func WithMaxCells(maxCells int) DecodeOption {
	return func(d *geoTIFFDecoder) {
		if maxCells > 0 {
			d.maxCells = maxCells
		}
	}
}

// DecodeGeoTIFF decodes a single band GeoTIFF in EPSG:4326 into a Grid.
func DecodeGeoTIFF(data []byte, options ...DecodeOption) (*Grid, error) {
	d := &geoTIFFDecoder{
		maxCells: DefaultMaxCells,
		data:     data,
	}
	for _, option := range options {
		option(d)
	}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	bounds, err := d.bounds()
	if err != nil {
		return nil, err
	}
	blocks, err := d.blocks()
	if err != nil {
		return nil, err
	}

	values := make([]float64, d.width*d.length)
	for _, b := range blocks {
		if err := d.decodeBlock(b, values); err != nil {
			return nil, err
		}
	}

	grid, err := NewGrid(d.width, d.length, bounds, values)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid grid", Err: err}
	}
	return grid, nil
}

func (d *geoTIFFDecoder) readHeader() error {
	switch {
	case len(d.data) < 8:
		return &DecodeError{Reason: "short header"}
	case d.data[0] == 'I' && d.data[1] == 'I':
		d.byteOrder = binary.LittleEndian
	case d.data[0] == 'M' && d.data[1] == 'M':
		d.byteOrder = binary.BigEndian
	default:
		return &DecodeError{Reason: "not a TIFF"}
	}

	tiffTIFF, err := tiff.Parse(bytes.NewReader(d.data), tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return &DecodeError{Reason: "parse", Err: err}
	}

	if len(tiffTIFF.IFDs()) != 1 {
		return &DecodeError{Reason: fmt.Sprintf("found %d IFDs, expected 1", len(tiffTIFF.IFDs()))}
	}

	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &d.ifd); err != nil {
		return &DecodeError{Reason: "unmarshal IFD", Err: err}
	}

	ifd := &d.ifd
	if ifd.SamplesPerPixel > 1 {
		return &DecodeError{Reason: fmt.Sprintf("%d samples per pixel", ifd.SamplesPerPixel), Err: errors.ErrUnsupported}
	}
	if ifd.PlanarConfiguration > 1 {
		return &DecodeError{Reason: "planar configuration", Err: errors.ErrUnsupported}
	}
	if ifd.Predictor > 1 {
		return &DecodeError{Reason: fmt.Sprintf("predictor %d", ifd.Predictor), Err: errors.ErrUnsupported}
	}
	switch ifd.Compression {
	case 0, compressionNone, compressionLZW, compressionDeflate, compressionDeflateAdobe:
	default:
		return &DecodeError{Reason: fmt.Sprintf("compression %d", ifd.Compression), Err: errors.ErrUnsupported}
	}
	switch sampleFormat, bitsPerSample := d.sampleFormat(), ifd.BitsPerSample; {
	case sampleFormat == sampleFormatFloat && (bitsPerSample == 32 || bitsPerSample == 64):
	case sampleFormat == sampleFormatInt && (bitsPerSample == 8 || bitsPerSample == 16 || bitsPerSample == 32):
	case sampleFormat == sampleFormatUint && (bitsPerSample == 8 || bitsPerSample == 16 || bitsPerSample == 32):
	default:
		return &DecodeError{Reason: fmt.Sprintf("sample format %d with %d bits", sampleFormat, bitsPerSample), Err: errors.ErrUnsupported}
	}

	d.width = int(ifd.ImageWidth)
	d.length = int(ifd.ImageLength)
	d.bytesPerSample = int(ifd.BitsPerSample) / 8
	if d.width <= 0 || d.length <= 0 {
		return &DecodeError{Reason: fmt.Sprintf("%dx%d: invalid image size", d.width, d.length)}
	}
	if d.width > d.maxCells/d.length {
		return &DecodeError{Reason: fmt.Sprintf("%dx%d: image exceeds %d cells", d.width, d.length, d.maxCells)}
	}

	if s := strings.TrimSpace(strings.TrimRight(ifd.GDALNoData, "\x00")); s != "" {
		noDataValue, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return &DecodeError{Reason: "GDAL_NODATA", Err: err}
		}
		d.noDataValue = noDataValue
		d.hasNoDataValue = true
	}

	return nil
}

func (d *geoTIFFDecoder) sampleFormat() uint16 {
	if d.ifd.SampleFormat == 0 {
		return sampleFormatUint
	}
	return d.ifd.SampleFormat
}

// bounds returns the bounds of the image from its georeferencing tags.
func (d *geoTIFFDecoder) bounds() (Bounds, error) {
	ifd := &d.ifd
	if len(ifd.GeoKeyDirectoryTag) == 0 {
		return Bounds{}, &DecodeError{Reason: "missing geokey directory"}
	}
	geoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
	if err != nil {
		return Bounds{}, &DecodeError{Reason: "geokeys", Err: err}
	}
	if err := geoKeys.CheckEPSG4326(); err != nil {
		return Bounds{}, &DecodeError{Reason: "coordinate reference system", Err: err}
	}

	if len(ifd.ModelPixelScaleTag) < 2 || len(ifd.ModelTiepointTag) < 6 {
		return Bounds{}, &DecodeError{Reason: "missing model pixel scale or tiepoint"}
	}
	scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
	if !(scaleX > 0) || !(scaleY > 0) {
		return Bounds{}, &DecodeError{Reason: fmt.Sprintf("pixel scale %g,%g", scaleX, scaleY), Err: errors.ErrUnsupported}
	}
	i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
	x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]

	west := x - i*scaleX
	north := y + j*scaleY
	if geoKeys.RasterType() == RasterTypePixelIsPoint {
		west -= scaleX / 2
		north += scaleY / 2
	}
	return Bounds{
		West:  west,
		South: north - float64(d.length)*scaleY,
		East:  west + float64(d.width)*scaleX,
		North: north,
	}, nil
}

// blocks returns the strips or tiles of the image.
func (d *geoTIFFDecoder) blocks() ([]block, error) {
	ifd := &d.ifd
	if len(ifd.TileOffsets) != 0 {
		tileWidth, tileLength := int(ifd.TileWidth), int(ifd.TileLength)
		if tileWidth <= 0 || tileLength <= 0 {
			return nil, &DecodeError{Reason: "invalid tile size"}
		}
		if tileWidth > d.maxCells/tileLength {
			return nil, &DecodeError{Reason: fmt.Sprintf("%dx%d: tile exceeds %d cells", tileWidth, tileLength, d.maxCells)}
		}
		tilesAcross := (d.width + tileWidth - 1) / tileWidth
		tilesDown := (d.length + tileLength - 1) / tileLength
		tilesPerImage := tilesAcross * tilesDown
		if len(ifd.TileByteCounts) != tilesPerImage || len(ifd.TileOffsets) != tilesPerImage {
			return nil, &DecodeError{Reason: "incorrect number of tile byte counts or offsets"}
		}
		blocks := make([]block, 0, tilesPerImage)
		for r := range tilesDown {
			for c := range tilesAcross {
				tileIndex := c + tilesAcross*r
				blocks = append(blocks, block{
					offset:    ifd.TileOffsets[tileIndex],
					byteCount: ifd.TileByteCounts[tileIndex],
					x:         c * tileWidth,
					y:         r * tileLength,
					width:     tileWidth,
					length:    tileLength,
				})
			}
		}
		return blocks, nil
	}

	rowsPerStrip := int(ifd.RowsPerStrip)
	if rowsPerStrip <= 0 || rowsPerStrip > d.length {
		rowsPerStrip = d.length
	}
	stripsPerImage := (d.length + rowsPerStrip - 1) / rowsPerStrip
	if len(ifd.StripOffsets) != stripsPerImage || len(ifd.StripByteCounts) != stripsPerImage {
		return nil, &DecodeError{Reason: "incorrect number of strip byte counts or offsets"}
	}
	blocks := make([]block, 0, stripsPerImage)
	for i := range stripsPerImage {
		blocks = append(blocks, block{
			offset:    ifd.StripOffsets[i],
			byteCount: ifd.StripByteCounts[i],
			y:         i * rowsPerStrip,
			width:     d.width,
			length:    min(rowsPerStrip, d.length-i*rowsPerStrip),
		})
	}
	return blocks, nil
}

// decodeBlock decodes b and copies its samples into values.
func (d *geoTIFFDecoder) decodeBlock(b block, values []float64) error {
	if b.offset > uint64(len(d.data)) || b.byteCount > uint64(len(d.data))-b.offset {
		return &DecodeError{Reason: fmt.Sprintf("block at offset %d overflows file", b.offset)}
	}
	compressedData := d.data[b.offset : b.offset+b.byteCount]

	blockData, err := d.decompressBlockData(compressedData, b.width*b.length*d.bytesPerSample)
	if err != nil {
		return &DecodeError{Reason: fmt.Sprintf("block at offset %d", b.offset), Err: err}
	}

	for row := range min(b.length, d.length-b.y) {
		for col := range min(b.width, d.width-b.x) {
			i := row*b.width + col
			sample := d.decodeSample(blockData[i*d.bytesPerSample : (i+1)*d.bytesPerSample])
			values[(b.y+row)*d.width+b.x+col] = sample
		}
	}
	return nil
}

// decompressBlockData decompresses compressedData into n bytes.
func (d *geoTIFFDecoder) decompressBlockData(compressedData []byte, n int) ([]byte, error) {
	var r io.Reader
	switch d.ifd.Compression {
	case 0, compressionNone:
		if len(compressedData) < n {
			return nil, io.ErrUnexpectedEOF
		}
		return compressedData[:n], nil
	case compressionLZW:
		lzwReader := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
		defer lzwReader.Close()
		r = lzwReader
	case compressionDeflate, compressionDeflateAdobe:
		zlibReader, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		defer zlibReader.Close()
		r = zlibReader
	}
	blockData := make([]byte, n)
	if _, err := io.ReadFull(r, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}

// decodeSample decodes a single sample, returning NaN for no data.
func (d *geoTIFFDecoder) decodeSample(b []byte) float64 {
	var value float64
	switch d.sampleFormat() {
	case sampleFormatFloat:
		switch len(b) {
		case 4:
			sample := math.Float32frombits(d.byteOrder.Uint32(b))
			if sample == noData {
				return math.NaN()
			}
			value = float64(sample)
		case 8:
			value = math.Float64frombits(d.byteOrder.Uint64(b))
		}
	case sampleFormatInt:
		switch len(b) {
		case 1:
			value = float64(int8(b[0]))
		case 2:
			value = float64(int16(d.byteOrder.Uint16(b)))
		case 4:
			value = float64(int32(d.byteOrder.Uint32(b)))
		}
	default:
		switch len(b) {
		case 1:
			value = float64(b[0])
		case 2:
			value = float64(d.byteOrder.Uint16(b))
		case 4:
			value = float64(d.byteOrder.Uint32(b))
		}
	}
	if d.hasNoDataValue && (value == d.noDataValue || float64(float32(value)) == float64(float32(d.noDataValue))) {
		return math.NaN()
	}
	return value
}
