package floodmap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
	"time"

	"github.com/alecthomas/assert/v2"
)

var testLayers = []LayerSpec{
	{
		Name:     "discharge",
		Category: "geotiff",
		FileName: "rl",
		Suffix:   "_Coquimbo",
		Ramp:     DischargeRamp,
		Opacity:  1,
	},
	{
		Name:     "temperature",
		Category: "meteo",
		FileName: "temp",
		Ramp:     TemperatureRamp,
		Opacity:  0.9,
		Masked:   true,
	},
}

var testSquareBounds = Bounds{West: 0, South: 0, East: 2, North: 2}

// testRasterFS returns the rasters of testLayers.
func testRasterFS(t *testing.T) fstest.MapFS {
	t.Helper()
	nan := float32NaN()
	return fstest.MapFS{
		"geotiff/rl_5_Coquimbo.tif": &fstest.MapFile{
			Data: testGeoTIFF{width: 2, height: 2, bounds: testSquareBounds, values: []float32{1, 2, 3, nan}}.encode(t),
		},
		"geotiff/rl_20_Coquimbo.tif": &fstest.MapFile{
			Data: testGeoTIFF{width: 2, height: 2, bounds: testSquareBounds, values: []float32{10, 20, 30, 40}}.encode(t),
		},
		"geotiff/rl_100_Coquimbo.tif": &fstest.MapFile{
			Data: testGeoTIFF{width: 2, height: 2, bounds: testSquareBounds, values: []float32{nan, nan, nan, nan}}.encode(t),
		},
		"meteo/temp_20240101.tif": &fstest.MapFile{
			Data: testGeoTIFF{width: 2, height: 2, bounds: testSquareBounds, values: []float32{15, 16, 17, 18}}.encode(t),
		},
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, options ...ServiceOption) *Service {
	t.Helper()
	fetcher, err := NewFetcher(WithFetcherFS(testRasterFS(t)))
	assert.NoError(t, err)
	service, err := NewService(append([]ServiceOption{
		WithFetcher(fetcher),
		WithLayers(testLayers...),
		WithLoaderOptions(WithLoaderBackoff(time.Millisecond, time.Millisecond), WithLoaderMaxAttempts(2)),
		WithLogger(newTestLogger()),
	}, options...)...)
	assert.NoError(t, err)
	t.Cleanup(service.Close)
	return service
}

func waitForLayerState(t *testing.T, service *Service, layerName, state string) *LayerStatus {
	t.Helper()
	var status *LayerStatus
	waitFor(t, func() bool {
		var err error
		status, err = service.Status(layerName)
		assert.NoError(t, err)
		return status.State == state
	})
	return status
}

func TestServiceSelect(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	assert.NoError(t, service.Select(ctx, "discharge", "5", -1))
	status := waitForLayerState(t, service, "discharge", "ready")
	assert.Equal(t, &LayerStatus{
		Layer:     "discharge",
		State:     "ready",
		Parameter: "5",
		Opacity:   1,
		HasData:   true,
		Anchor:    &[2][2]float64{{0, 0}, {2, 2}},
		Range:     &ValueRange{Min: 1, Max: 3},
	}, status)

	overlay, err := service.Overlay("discharge")
	assert.NoError(t, err)
	assert.NotZero(t, overlay.PNG)
	assert.Equal(t, uint8(255), overlay.Bitmap.Image.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(0), overlay.Bitmap.Image.NRGBAAt(1, 1).A)

	value, err := service.Sample("discharge", 1.5, 0.5)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, value)
	_, err = service.Sample("discharge", 0.5, 1.5)
	assert.IsError(t, err, ErrUnavailable)
	_, err = service.Sample("discharge", 10, 10)
	assert.IsError(t, err, ErrUnavailable)

	// Selecting another parameter replaces the overlay.
	assert.NoError(t, service.Select(ctx, "discharge", "20", 0.5))
	waitFor(t, func() bool {
		overlay, err := service.Overlay("discharge")
		return err == nil && overlay.Parameter == "20"
	})
	overlay, err = service.Overlay("discharge")
	assert.NoError(t, err)
	assert.Equal(t, 0.5, overlay.Opacity)
	assert.Equal(t, uint8(128), overlay.Bitmap.Image.NRGBAAt(1, 1).A)
}

func TestServiceSelectErrors(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	assert.IsError(t, service.Select(ctx, "wind", "5", -1), ErrUnknownLayer)
	for _, parameter := range []string{"", "../secret", "a/b", `a\b`, ".."} {
		assert.IsError(t, service.Select(ctx, "discharge", parameter, -1), ErrInvalidParameter, "parameter %q", parameter)
	}
	assert.IsError(t, service.Select(ctx, "discharge", "5", math.NaN()), ErrInvalidParameter)
	status, err := service.Status("discharge")
	assert.NoError(t, err)
	assert.Equal(t, "idle", status.State)
	_, err = service.Status("wind")
	assert.IsError(t, err, ErrUnknownLayer)
	_, err = service.Overlay("wind")
	assert.IsError(t, err, ErrUnknownLayer)
	_, err = service.Sample("wind", 0, 0)
	assert.IsError(t, err, ErrUnknownLayer)
	assert.IsError(t, service.Clear("wind"), ErrUnknownLayer)

	_, err = service.Overlay("discharge")
	assert.IsError(t, err, ErrUnavailable)
	_, err = service.Sample("discharge", 1, 1)
	assert.IsError(t, err, ErrUnavailable)
}

func TestServiceMissingRaster(t *testing.T) {
	service := newTestService(t)
	assert.NoError(t, service.Select(context.Background(), "discharge", "1000", -1))
	status := waitForLayerState(t, service, "discharge", "failed")
	assert.NotEqual(t, "", status.Error)
	assert.False(t, status.HasData)
}

func TestServiceEmptyRaster(t *testing.T) {
	service := newTestService(t)
	assert.NoError(t, service.Select(context.Background(), "discharge", "100", -1))
	status := waitForLayerState(t, service, "discharge", "ready")
	assert.Equal(t, "100", status.Parameter)
	assert.False(t, status.HasData)
	assert.Zero(t, status.Range)

	_, err := service.Overlay("discharge")
	assert.IsError(t, err, ErrUnavailable)
	_, err = service.Sample("discharge", 1.5, 0.5)
	assert.IsError(t, err, ErrUnavailable)
}

func TestServiceClear(t *testing.T) {
	service := newTestService(t)
	assert.NoError(t, service.Select(context.Background(), "discharge", "5", -1))
	waitForLayerState(t, service, "discharge", "ready")

	assert.NoError(t, service.Clear("discharge"))
	status, err := service.Status("discharge")
	assert.NoError(t, err)
	assert.Equal(t, &LayerStatus{Layer: "discharge", State: "idle"}, status)
	_, err = service.Overlay("discharge")
	assert.IsError(t, err, ErrUnavailable)
}

func TestServiceMaskedLayerWaitsForRegion(t *testing.T) {
	service := newTestService(t)
	assert.NoError(t, service.Select(context.Background(), "temperature", "20240101", -1))
	waitForLayerState(t, service, "temperature", "retrying")
	_, err := service.Overlay("temperature")
	assert.IsError(t, err, ErrUnavailable)

	// The region covers the western column of the grid.
	region, err := ParseRegion([]byte(`{"type": "FeatureCollection", "features": [{"type": "Feature", "properties": {},
		"geometry": {"type": "Polygon", "coordinates": [[[0, 0], [1, 0], [1, 2], [0, 2], [0, 0]]]}}]}`))
	assert.NoError(t, err)
	service.SetRegion(region)

	status := waitForLayerState(t, service, "temperature", "ready")
	assert.Equal(t, 0.9, status.Opacity)
	overlay, err := service.Overlay("temperature")
	assert.NoError(t, err)
	assert.Equal(t, uint8(230), overlay.Bitmap.Image.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(0), overlay.Bitmap.Image.NRGBAAt(1, 0).A)
	assert.Equal(t, uint8(230), overlay.Bitmap.Image.NRGBAAt(0, 1).A)
	assert.Equal(t, uint8(0), overlay.Bitmap.Image.NRGBAAt(1, 1).A)

	// Sampling ignores the mask.
	value, err := service.Sample("temperature", 1.5, 1.5)
	assert.NoError(t, err)
	assert.Equal(t, 16.0, value)
}

func TestServiceLastRequestWins(t *testing.T) {
	fast := testGeoTIFF{width: 1, height: 1, bounds: testSquareBounds, values: []float32{20}}.encode(t)
	slow := testGeoTIFF{width: 1, height: 1, bounds: testSquareBounds, values: []float32{5}}.encode(t)
	slowRequested := make(chan struct{})
	releaseSlow := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/geotiff/rl_5_Coquimbo.tif":
			close(slowRequested)
			<-releaseSlow
			_, _ = w.Write(slow)
		case "/geotiff/rl_20_Coquimbo.tif":
			_, _ = w.Write(fast)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	defer close(releaseSlow)

	fetcher, err := NewFetcher(WithFetcherHTTPClient(server.Client()))
	assert.NoError(t, err)
	service, err := NewService(
		WithFetcher(fetcher),
		WithRasterBaseURL(server.URL+"/"),
		WithLayers(testLayers...),
		WithLogger(newTestLogger()),
	)
	assert.NoError(t, err)
	defer service.Close()

	ctx := context.Background()
	assert.NoError(t, service.Select(ctx, "discharge", "5", -1))
	<-slowRequested
	assert.NoError(t, service.Select(ctx, "discharge", "20", -1))
	waitForLayerState(t, service, "discharge", "ready")

	releaseSlow <- struct{}{}
	time.Sleep(10 * time.Millisecond)
	overlay, err := service.Overlay("discharge")
	assert.NoError(t, err)
	assert.Equal(t, "20", overlay.Parameter)
	value, err := service.Sample("discharge", 1, 1)
	assert.NoError(t, err)
	assert.Equal(t, 20.0, value)
}

func TestServiceDischarge(t *testing.T) {
	server := newTestDischargeServer(t, http.StatusOK, `{"dis24_mean": {"24": 6.22}, "dis24_std": {"24": 0}, "return_threshold": {}}`)
	service := newTestService(t, WithDischargeClient(NewDischargeClient(WithDischargeBaseURL(server.URL))))

	series, forecast, err := service.Discharge(context.Background(), -30.5, -71.0)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(series.Points))
	assert.Equal(t, 1, series.Points[0].Day)
	assert.Equal(t, 6.22, series.Points[0].Mean)
	assert.Equal(t, -30.5, forecast.Lat)
	assert.False(t, math.IsNaN(series.YMax))
}

func TestServiceDischargeError(t *testing.T) {
	server := newTestDischargeServer(t, http.StatusOK, `{"unexpected": true}`)
	service := newTestService(t, WithDischargeClient(NewDischargeClient(WithDischargeBaseURL(server.URL))))

	_, _, err := service.Discharge(context.Background(), -30.5, -71.0)
	var backendQueryError *BackendQueryError
	assert.True(t, errors.As(err, &backendQueryError))
}

func TestNewServiceDuplicateLayer(t *testing.T) {
	_, err := NewService(WithLayers(testLayers[0], testLayers[0]))
	assert.Error(t, err)
}
