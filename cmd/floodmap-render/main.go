package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/twpayne/go-floodmap"
)

var ramps = map[string]*floodmap.ColorRamp{
	"discharge":     floodmap.DischargeRamp,
	"temperature":   floodmap.TemperatureRamp,
	"precipitation": floodmap.PrecipitationRamp,
	"elevation":     floodmap.ElevationRamp,
}

func run() error {
	rampName := flag.String("ramp", "discharge", "color ramp (discharge, temperature, precipitation, or elevation)")
	opacity := flag.Float64("opacity", 1, "overlay opacity")
	regionFile := flag.String("region-file", os.Getenv("REGION_FILE"), "GeoJSON file of the region used to mask the overlay")
	lat := flag.String("lat", "", "latitude to sample")
	lng := flag.String("lng", "", "longitude to sample")
	flag.Parse()

	if flag.NArg() != 2 {
		return errors.New("syntax: floodmap-render [flags] raster.tif overlay.png")
	}
	ramp, ok := ramps[*rampName]
	if !ok {
		return fmt.Errorf("%s: unknown ramp", *rampName)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return err
	}
	grid, err := floodmap.DecodeGeoTIFF(data)
	if err != nil {
		return err
	}
	fmt.Printf("%dx%d %+v, %d no-data cells\n", grid.Width, grid.Height, grid.Bounds, grid.NoDataCount())

	valueRange, err := floodmap.ComputeRange(grid)
	if err != nil {
		return err
	}
	fmt.Printf("range %g..%g\n", valueRange.Min, valueRange.Max)

	colorize := floodmap.NewColorizeFunc(valueRange, ramp, *opacity)
	if *regionFile != "" {
		regionData, err := os.ReadFile(*regionFile)
		if err != nil {
			return err
		}
		region, err := floodmap.ParseRegion(regionData)
		if err != nil {
			return err
		}
		colorize = floodmap.MaskedColorizeFunc(grid, region, colorize)
	}
	bitmap := floodmap.Project(grid, colorize)

	output, err := os.Create(flag.Arg(1))
	if err != nil {
		return err
	}
	if err := bitmap.EncodePNG(output); err != nil {
		output.Close()
		return err
	}
	if err := output.Close(); err != nil {
		return err
	}

	if *lat != "" || *lng != "" {
		latValue, err := strconv.ParseFloat(*lat, 64)
		if err != nil {
			return err
		}
		lngValue, err := strconv.ParseFloat(*lng, 64)
		if err != nil {
			return err
		}
		if value, ok := grid.Sample(latValue, lngValue); ok {
			fmt.Println(value)
		} else {
			fmt.Println("no data")
		}
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
