package floodmap

import (
	"errors"
	"fmt"
)

type GeoKey uint16

const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS   GeoKey = 2048
	GeoKeyGeogCitation  GeoKey = 2049
	GeoKeyGeodeticDatum GeoKey = 2050
	GeoKeyPrimeMeridian GeoKey = 2051
	GeoKeyAngularUnits  GeoKey = 2054
	GeoKeyEllipsoid     GeoKey = 2056

	GeoKeyProjectedCRS GeoKey = 3072
)

// Values of GeoKeyGTModelType.
const (
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2
)

// Values of GeoKeyGTRasterType.
const (
	RasterTypePixelIsArea  = 1
	RasterTypePixelIsPoint = 2
)

// EPSG4326 is the code of the WGS 84 geographic CRS.
const EPSG4326 = 4326

type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses the GeoKeyDirectoryTag directory with its double and
// ASCII parameters.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams []byte) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errors.New("geokey directory too short")
	}

	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, fmt.Errorf("geokey directory version %d", keyDirectoryVersion)
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, fmt.Errorf("geokey revision %d", keyRevision)
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, fmt.Errorf("geokey minor revision %d", minorRevision)
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, fmt.Errorf("geokey directory has %d entries, expected %d", len(directory), 4+4*numberOfKeys)
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		keyValues := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(keyValues[0])
		tiffTagLocation := int(keyValues[1])
		numberOfValues := int(keyValues[2])
		valueOffset := int(keyValues[3])
		switch tiffTagLocation {
		case 0:
			if numberOfValues != 1 {
				return nil, fmt.Errorf("geokey %d: %d inline values", key, numberOfValues)
			}
			parsedGeoKeys.Params[key] = valueOffset
		case 34736: // GeoDoubleParamsTag
			if numberOfValues != 1 || valueOffset >= len(doubleParams) {
				return nil, fmt.Errorf("geokey %d: invalid double param", key)
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[valueOffset]
		case 34737: // GeoASCIIParamsTag
			if valueOffset+numberOfValues > len(asciiParams) {
				return nil, fmt.Errorf("geokey %d: invalid ASCII param", key)
			}
			parsedGeoKeys.ASCIIParams[key] = string(asciiParams[valueOffset : valueOffset+numberOfValues])
		default:
			return nil, fmt.Errorf("geokey %d: %w", key, errors.ErrUnsupported)
		}
	}
	return parsedGeoKeys, nil
}

// RasterType returns k's raster type, defaulting to RasterTypePixelIsArea.
func (k *ParsedGeoKeys) RasterType() int {
	if rasterType, ok := k.Params[GeoKeyGTRasterType]; ok {
		return rasterType
	}
	return RasterTypePixelIsArea
}

// CheckEPSG4326 returns an error unless k describes a geographic model in
// EPSG:4326. An absent geodetic CRS is assumed to be EPSG:4326.
func (k *ParsedGeoKeys) CheckEPSG4326() error {
	if modelType := k.Params[GeoKeyGTModelType]; modelType != ModelTypeGeographic {
		return fmt.Errorf("model type %d: %w", modelType, errors.ErrUnsupported)
	}
	if crs, ok := k.Params[GeoKeyGeodeticCRS]; ok && crs != EPSG4326 {
		return fmt.Errorf("EPSG:%d: %w", crs, errors.ErrUnsupported)
	}
	return nil
}
