package floodmap

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"math"
	"slices"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/klauspost/compress/zlib"
)

// TIFF field types.
const (
	tiffASCII  = 2
	tiffShort  = 3
	tiffLong   = 4
	tiffDouble = 12
)

type testTIFFEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// A testTIFFBuilder builds little endian TIFFs with a single IFD. Image data
// starts at offset 8.
type testTIFFBuilder struct {
	entries []testTIFFEntry
}

func (b *testTIFFBuilder) short(tag uint16, values ...uint16) *testTIFFBuilder {
	data := make([]byte, 2*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint16(data[2*i:], value)
	}
	b.entries = append(b.entries, testTIFFEntry{tag: tag, typ: tiffShort, count: uint32(len(values)), data: data})
	return b
}

func (b *testTIFFBuilder) long(tag uint16, values ...uint32) *testTIFFBuilder {
	data := make([]byte, 4*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint32(data[4*i:], value)
	}
	b.entries = append(b.entries, testTIFFEntry{tag: tag, typ: tiffLong, count: uint32(len(values)), data: data})
	return b
}

func (b *testTIFFBuilder) double(tag uint16, values ...float64) *testTIFFBuilder {
	data := make([]byte, 8*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(value))
	}
	b.entries = append(b.entries, testTIFFEntry{tag: tag, typ: tiffDouble, count: uint32(len(values)), data: data})
	return b
}

func (b *testTIFFBuilder) ascii(tag uint16, value string) *testTIFFBuilder {
	data := append([]byte(value), 0)
	b.entries = append(b.entries, testTIFFEntry{tag: tag, typ: tiffASCII, count: uint32(len(data)), data: data})
	return b
}

func (b *testTIFFBuilder) bytes(imageData []byte) []byte {
	entries := slices.Clone(b.entries)
	slices.SortFunc(entries, func(a, b testTIFFEntry) int {
		return int(a.tag) - int(b.tag)
	})

	buffer := &bytes.Buffer{}
	buffer.WriteString("II")
	_ = binary.Write(buffer, binary.LittleEndian, uint16(42))
	ifdOffset := 8 + len(imageData) + len(imageData)%2
	_ = binary.Write(buffer, binary.LittleEndian, uint32(ifdOffset))
	buffer.Write(imageData)
	if len(imageData)%2 != 0 {
		buffer.WriteByte(0)
	}

	extraOffset := ifdOffset + 2 + 12*len(entries) + 4
	var extra []byte
	_ = binary.Write(buffer, binary.LittleEndian, uint16(len(entries)))
	for _, entry := range entries {
		_ = binary.Write(buffer, binary.LittleEndian, entry.tag)
		_ = binary.Write(buffer, binary.LittleEndian, entry.typ)
		_ = binary.Write(buffer, binary.LittleEndian, entry.count)
		if len(entry.data) <= 4 {
			value := make([]byte, 4)
			copy(value, entry.data)
			buffer.Write(value)
			continue
		}
		_ = binary.Write(buffer, binary.LittleEndian, uint32(extraOffset+len(extra)))
		extra = append(extra, entry.data...)
		if len(extra)%2 != 0 {
			extra = append(extra, 0)
		}
	}
	_ = binary.Write(buffer, binary.LittleEndian, uint32(0))
	buffer.Write(extra)
	return buffer.Bytes()
}

type testGeoTIFF struct {
	width         int
	height        int
	bounds        Bounds
	values        []float32
	compression   uint16
	noData        string
	epsg          int
	modelType     int
	tileWidth     int // Zero for strips.
	tileLength    int
	bitsPerSample int // Zero for 32.

	// Sizes written to the header in place of the real ones when nonzero.
	headerWidth      uint32
	headerHeight     uint32
	headerTileWidth  uint32
	headerTileLength uint32
}

// float32Bytes returns values as little endian float32s, or float64s when
// bitsPerSample is 64.
func float32Bytes(values []float32, bitsPerSample int) []byte {
	if bitsPerSample == 64 {
		data := make([]byte, 8*len(values))
		for i, value := range values {
			binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(float64(value)))
		}
		return data
	}
	data := make([]byte, 4*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(value))
	}
	return data
}

func compress(t *testing.T, compression uint16, data []byte) []byte {
	t.Helper()
	if compression != compressionDeflate {
		return data
	}
	buffer := &bytes.Buffer{}
	w := zlib.NewWriter(buffer)
	_, err := w.Write(data)
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	return buffer.Bytes()
}

// encode returns g as a GeoTIFF.
func (g testGeoTIFF) encode(t *testing.T) []byte {
	t.Helper()
	if g.compression == 0 {
		g.compression = compressionNone
	}
	if g.epsg == 0 {
		g.epsg = EPSG4326
	}
	if g.modelType == 0 {
		g.modelType = ModelTypeGeographic
	}
	if g.bitsPerSample == 0 {
		g.bitsPerSample = 32
	}

	b := &testTIFFBuilder{}
	b.long(256, cmp.Or(g.headerWidth, uint32(g.width)))
	b.long(257, cmp.Or(g.headerHeight, uint32(g.height)))
	b.short(258, uint16(g.bitsPerSample))
	b.short(259, g.compression)
	b.short(262, 1)
	b.short(277, 1)
	b.short(284, 1)
	b.short(339, sampleFormatFloat)
	b.double(33550, (g.bounds.East-g.bounds.West)/float64(g.width), (g.bounds.North-g.bounds.South)/float64(g.height), 0)
	b.double(33922, 0, 0, 0, g.bounds.West, g.bounds.North, 0)
	b.short(34735,
		1, 1, 0, 3,
		uint16(GeoKeyGTModelType), 0, 1, uint16(g.modelType),
		uint16(GeoKeyGTRasterType), 0, 1, RasterTypePixelIsArea,
		uint16(GeoKeyGeodeticCRS), 0, 1, uint16(g.epsg),
	)
	if g.noData != "" {
		b.ascii(42113, g.noData)
	}

	var imageData []byte
	if g.tileWidth == 0 {
		imageData = compress(t, g.compression, float32Bytes(g.values, g.bitsPerSample))
		b.long(273, 8)
		b.long(278, uint32(g.height))
		b.long(279, uint32(len(imageData)))
	} else {
		var offsets, byteCounts []uint32
		for ty := 0; ty < g.height; ty += g.tileLength {
			for tx := 0; tx < g.width; tx += g.tileWidth {
				tile := make([]float32, g.tileWidth*g.tileLength)
				for row := range g.tileLength {
					for col := range g.tileWidth {
						if tx+col < g.width && ty+row < g.height {
							tile[row*g.tileWidth+col] = g.values[(ty+row)*g.width+tx+col]
						}
					}
				}
				tileData := compress(t, g.compression, float32Bytes(tile, g.bitsPerSample))
				offsets = append(offsets, uint32(8+len(imageData)))
				byteCounts = append(byteCounts, uint32(len(tileData)))
				imageData = append(imageData, tileData...)
			}
		}
		b.long(322, cmp.Or(g.headerTileWidth, uint32(g.tileWidth)))
		b.long(323, cmp.Or(g.headerTileLength, uint32(g.tileLength)))
		b.long(324, offsets...)
		b.long(325, byteCounts...)
	}

	return b.bytes(imageData)
}

func float32NaN() float32 {
	return float32(math.NaN())
}
