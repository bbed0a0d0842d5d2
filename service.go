package floodmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrUnknownLayer is returned for layers that are not in the catalog.
	ErrUnknownLayer = errors.New("unknown layer")

	// ErrInvalidParameter is returned for layer parameters that cannot name a
	// raster file.
	ErrInvalidParameter = errors.New("invalid parameter")
)

var (
	overlaysInstalled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "floodmap_overlays_installed",
		Help: "The number of overlays currently installed",
	})
	overlaysRendered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floodmap_overlays_rendered_total",
		Help: "The total number of overlays rendered by layer",
	}, []string{"layer"})
)

// A LayerSpec describes a selectable raster layer. The raster for a
// parameter is at LayerPath(Category, FileName, parameter+Suffix).
type LayerSpec struct {
	Name     string
	Category string
	FileName string
	Suffix   string
	Ramp     *ColorRamp
	Opacity  float64 // Default opacity.
	Masked   bool    // Whether cells outside the region are transparent.
}

// Path returns the path of the raster for parameter.
func (s LayerSpec) Path(parameter string) string {
	return LayerPath(s.Category, s.FileName, parameter+s.Suffix)
}

// DefaultLayers are the dashboard's layers for the Coquimbo region.
var DefaultLayers = []LayerSpec{
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
		Category: "coquimbo_meteo",
		FileName: "coquimbo_temp",
		Ramp:     TemperatureRamp,
		Opacity:  0.9,
		Masked:   true,
	},
	{
		Name:     "precipitation",
		Category: "coquimbo_meteo",
		FileName: "coquimbo_precip",
		Ramp:     PrecipitationRamp,
		Opacity:  0.9,
		Masked:   true,
	},
	{
		Name:     "dem",
		Category: "dem",
		FileName: "ALOS_DSM",
		Ramp:     ElevationRamp,
		Opacity:  1,
	},
}

// An Overlay is a rendered raster layer.
type Overlay struct {
	Layer     string
	Parameter string
	Opacity   float64
	Grid      *Grid
	Range     ValueRange
	HasData   bool // False if every cell of Grid is NaN.
	Bitmap    *Bitmap
	PNG       []byte
}

type layer struct {
	spec   LayerSpec
	slot   *Slot[*Overlay]
	loader *Loader
}

// A Service keeps the current overlay of each layer and answers point,
// discharge, WMS, and place queries.
type Service struct {
	fetcher         *Fetcher
	rasterBaseURL   string
	layerSpecs      []LayerSpec
	layers          map[string]*layer
	region          atomic.Pointer[Region]
	dischargeClient *DischargeClient
	wmsClient       *WMSClient
	geocoder        *Geocoder
	loaderOptions   []LoaderOption
	logger          *slog.Logger
}

// A ServiceOption sets an option on a Service.
type ServiceOption func(*Service)

// NewService returns a new Service.
func NewService(options ...ServiceOption) (*Service, error) {
	s := &Service{
		layerSpecs: DefaultLayers,
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(s)
	}

	var err error
	if s.fetcher == nil {
		if s.fetcher, err = NewFetcher(WithFetcherLogger(s.logger)); err != nil {
			return nil, err
		}
	}
	if s.dischargeClient == nil {
		s.dischargeClient = NewDischargeClient(WithDischargeLogger(s.logger))
	}
	if s.wmsClient == nil {
		if s.wmsClient, err = NewWMSClient(WithWMSLogger(s.logger)); err != nil {
			return nil, err
		}
	}
	if s.geocoder == nil {
		s.geocoder = NewGeocoder()
	}

	s.layers = make(map[string]*layer, len(s.layerSpecs))
	for _, spec := range s.layerSpecs {
		if _, ok := s.layers[spec.Name]; ok {
			return nil, fmt.Errorf("%s: duplicate layer", spec.Name)
		}
		loaderOptions := append([]LoaderOption{WithLoaderLogger(s.logger.With("layer", spec.Name))}, s.loaderOptions...)
		if spec.Masked {
			loaderOptions = append(loaderOptions, WithLoaderPrecondition(func() bool {
				return s.region.Load() != nil
			}))
		}
		s.layers[spec.Name] = &layer{
			spec:   spec,
			slot:   NewSlot(s.releaseOverlay),
			loader: NewLoader(loaderOptions...),
		}
	}
	return s, nil
}

// WithFetcher sets the raster fetcher.
func WithFetcher(fetcher *Fetcher) ServiceOption {
	return func(s *Service) {
		s.fetcher = fetcher
	}
}

// WithRasterBaseURL sets the prefix of layer raster paths. With an empty
// prefix, paths are read from the fetcher's file system.
func WithRasterBaseURL(rasterBaseURL string) ServiceOption {
	return func(s *Service) {
		s.rasterBaseURL = strings.TrimSuffix(rasterBaseURL, "/")
	}
}

// WithLayers sets the layer catalog.
func WithLayers(layerSpecs ...LayerSpec) ServiceOption {
	return func(s *Service) {
		s.layerSpecs = layerSpecs
	}
}

// WithRegion sets the region used to mask layers.
func WithRegion(region *Region) ServiceOption {
	return func(s *Service) {
		s.region.Store(region)
	}
}

// WithDischargeClient sets the discharge backend client.
func WithDischargeClient(dischargeClient *DischargeClient) ServiceOption {
	return func(s *Service) {
		s.dischargeClient = dischargeClient
	}
}

// WithWMSClient sets the WMS client.
func WithWMSClient(wmsClient *WMSClient) ServiceOption {
	return func(s *Service) {
		s.wmsClient = wmsClient
	}
}

// WithGeocoder sets the place name geocoder.
func WithGeocoder(geocoder *Geocoder) ServiceOption {
	return func(s *Service) {
		s.geocoder = geocoder
	}
}

// WithLoaderOptions sets options for every layer's Loader.
func WithLoaderOptions(loaderOptions ...LoaderOption) ServiceOption {
	return func(s *Service) {
		s.loaderOptions = loaderOptions
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// SetRegion sets the region used to mask layers. Masked layers wait for it
// before loading.
func (s *Service) SetRegion(region *Region) {
	s.region.Store(region)
}

// Layers returns the layer catalog.
func (s *Service) Layers() []LayerSpec {
	return s.layerSpecs
}

func (s *Service) layer(name string) (*layer, error) {
	l, ok := s.layers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownLayer)
	}
	return l, nil
}

// location returns the location of path for the fetcher.
func (s *Service) location(path string) string {
	if s.rasterBaseURL == "" {
		return path
	}
	return s.rasterBaseURL + path
}

// Select starts loading parameter into layerName. The most recent selection
// of a layer wins, whatever order loads complete in. A negative opacity uses
// the layer's default and a NaN opacity is invalid.
func (s *Service) Select(ctx context.Context, layerName, parameter string, opacity float64) error {
	l, err := s.layer(layerName)
	if err != nil {
		return err
	}
	if parameter == "" || strings.ContainsAny(parameter, "/\\") || strings.Contains(parameter, "..") {
		return fmt.Errorf("%q: %w", parameter, ErrInvalidParameter)
	}
	if math.IsNaN(opacity) {
		return fmt.Errorf("opacity %g: %w", opacity, ErrInvalidParameter)
	}
	if opacity < 0 {
		opacity = l.spec.Opacity
	}
	opacity = min(opacity, 1)
	s.logger.InfoContext(ctx, "selecting layer", "layer", layerName, "parameter", parameter, "opacity", opacity)
	l.loader.Start(ctx, func(ctx context.Context) error {
		return s.load(ctx, l, parameter, opacity)
	})
	return nil
}

// load fetches and renders one overlay and installs it if it is still the
// latest request for l.
func (s *Service) load(ctx context.Context, l *layer, parameter string, opacity float64) error {
	loadCtx, token := l.slot.Begin(ctx)
	grid, err := s.fetcher.Fetch(loadCtx, s.location(l.spec.Path(parameter)))
	if err != nil {
		return err
	}
	if !l.slot.Latest(token) {
		return nil
	}
	overlay, err := s.render(l.spec, parameter, grid, opacity)
	if err != nil {
		return err
	}
	overlaysInstalled.Inc()
	if l.slot.Install(token, overlay) {
		s.logger.DebugContext(ctx, "installed overlay", "layer", l.spec.Name, "parameter", parameter)
	}
	return nil
}

// render colorizes grid into an overlay.
func (s *Service) render(spec LayerSpec, parameter string, grid *Grid, opacity float64) (*Overlay, error) {
	overlay := &Overlay{
		Layer:     spec.Name,
		Parameter: parameter,
		Opacity:   opacity,
		Grid:      grid,
	}
	valueRange, err := ComputeRange(grid)
	switch {
	case errors.Is(err, ErrEmptyRange):
		return overlay, nil
	case err != nil:
		return nil, err
	}
	overlay.Range = valueRange
	overlay.HasData = true

	colorize := NewColorizeFunc(valueRange, spec.Ramp, opacity)
	if spec.Masked {
		if region := s.region.Load(); region != nil {
			colorize = MaskedColorizeFunc(grid, region, colorize)
		}
	}
	overlay.Bitmap = Project(grid, colorize)
	buffer := &bytes.Buffer{}
	if err := overlay.Bitmap.EncodePNG(buffer); err != nil {
		return nil, err
	}
	overlay.PNG = buffer.Bytes()
	overlaysRendered.WithLabelValues(spec.Name).Inc()
	return overlay, nil
}

func (s *Service) releaseOverlay(overlay *Overlay) {
	overlaysInstalled.Dec()
}

// Clear cancels any load of layerName and removes its overlay.
func (s *Service) Clear(layerName string) error {
	l, err := s.layer(layerName)
	if err != nil {
		return err
	}
	l.loader.Cancel()
	l.slot.Clear()
	return nil
}

// A LayerStatus describes the state of a layer.
type LayerStatus struct {
	Layer     string         `json:"layer"`
	State     string         `json:"state"`
	Error     string         `json:"error,omitempty"`
	Parameter string         `json:"parameter,omitempty"`
	Opacity   float64        `json:"opacity,omitempty"`
	HasData   bool           `json:"hasData"`
	Anchor    *[2][2]float64 `json:"anchor,omitempty"`
	Range     *ValueRange    `json:"range,omitempty"`
}

// Status returns the status of layerName.
func (s *Service) Status(layerName string) (*LayerStatus, error) {
	l, err := s.layer(layerName)
	if err != nil {
		return nil, err
	}
	state, loadErr := l.loader.State()
	status := &LayerStatus{
		Layer: layerName,
		State: state.String(),
	}
	if loadErr != nil {
		status.Error = loadErr.Error()
	}
	if overlay, ok := l.slot.Current(); ok {
		status.Parameter = overlay.Parameter
		status.Opacity = overlay.Opacity
		status.HasData = overlay.HasData
		anchor := overlay.Grid.Bounds.Anchor()
		status.Anchor = &anchor
		if overlay.HasData {
			valueRange := overlay.Range
			status.Range = &valueRange
		}
	}
	return status, nil
}

// Overlay returns the current overlay of layerName. It returns ErrUnavailable
// if there is no overlay or it has no data.
func (s *Service) Overlay(layerName string) (*Overlay, error) {
	l, err := s.layer(layerName)
	if err != nil {
		return nil, err
	}
	overlay, ok := l.slot.Current()
	if !ok || !overlay.HasData {
		return nil, ErrUnavailable
	}
	return overlay, nil
}

// Sample returns the value of layerName's current grid at lat and lng. It
// returns ErrUnavailable if no grid is loaded, the point is outside it, or
// the cell has no data.
func (s *Service) Sample(layerName string, lat, lng float64) (float64, error) {
	l, err := s.layer(layerName)
	if err != nil {
		return 0, err
	}
	overlay, ok := l.slot.Current()
	if !ok {
		return 0, ErrUnavailable
	}
	value, ok := overlay.Grid.Sample(lat, lng)
	if !ok {
		return 0, ErrUnavailable
	}
	return value, nil
}

// Discharge returns the discharge forecast chart at lat and lon.
func (s *Service) Discharge(ctx context.Context, lat, lon float64) (*ChartSeries, *DischargeForecast, error) {
	forecast, err := s.dischargeClient.Query(ctx, lat, lon)
	if err != nil {
		return nil, nil, err
	}
	return NewChartSeries(forecast), forecast, nil
}

// LatestTime returns the latest time of the WMS layer.
func (s *Service) LatestTime(ctx context.Context, wmsLayer string) (string, error) {
	return s.wmsClient.LatestTime(ctx, wmsLayer)
}

// WMSClient returns s's WMS client.
func (s *Service) WMSClient() *WMSClient {
	return s.wmsClient
}

// Search returns the places matching query.
func (s *Service) Search(ctx context.Context, query string) ([]Place, error) {
	return s.geocoder.Search(ctx, query)
}

// Close cancels all loads and removes all overlays.
func (s *Service) Close() {
	for _, l := range s.layers {
		l.loader.Cancel()
		l.slot.Clear()
	}
}
