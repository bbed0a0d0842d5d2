package floodmap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultDischargeBaseURL is the discharge backend used by the dashboard.
const DefaultDischargeBaseURL = "https://inundacion-backend.onrender.com"

// DeviationMultiplier is the number of standard deviations in the
// uncertainty band of a ChartSeries.
const DeviationMultiplier = 3

var dischargeQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "floodmap_discharge_queries_total",
	Help: "The total number of discharge backend queries by outcome",
}, []string{"outcome"})

// A BackendQueryError is returned when the discharge backend fails or returns
// a response that does not match its schema.
type BackendQueryError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *BackendQueryError) Error() string {
	if e.Err == nil {
		return "discharge query: " + e.Reason
	}
	return "discharge query: " + e.Reason + ": " + e.Err.Error()
}

func (e *BackendQueryError) Unwrap() error {
	return e.Err
}

// A DischargeStep is the forecast discharge at a lead time.
type DischargeStep struct {
	Hour int
	Mean float64 // m³/s.
	Std  float64 // m³/s.
}

// A ReturnThreshold is the discharge threshold of a return period scenario.
type ReturnThreshold struct {
	Variable string  `json:"variable"`
	Value    float64 `json:"value"`
}

// A DischargeForecast is the backend's forecast at a point.
type DischargeForecast struct {
	Lat              float64
	Lon              float64
	Steps            []DischargeStep // Sorted by Hour.
	ReturnThresholds map[string]ReturnThreshold
}

// dischargeResponse is the JSON response of the backend's /consultar
// endpoint. Pointers distinguish absent values from zeros.
type dischargeResponse struct {
	Dis24Mean       map[string]*float64            `json:"dis24_mean"`
	Dis24Std        map[string]*float64            `json:"dis24_std"`
	ReturnThreshold map[string]map[string]*float64 `json:"return_threshold"`
}

// A DischargeClient queries the discharge backend.
type DischargeClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// A DischargeClientOption sets an option on a DischargeClient.
type DischargeClientOption func(*DischargeClient)

// NewDischargeClient returns a new DischargeClient.
func NewDischargeClient(options ...DischargeClientOption) *DischargeClient {
	c := &DischargeClient{
		baseURL: DefaultDischargeBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// WithDischargeBaseURL sets the backend's base URL.
func WithDischargeBaseURL(baseURL string) DischargeClientOption {
	return func(c *DischargeClient) {
		c.baseURL = baseURL
	}
}

// WithDischargeHTTPClient sets the HTTP client.
func WithDischargeHTTPClient(httpClient *http.Client) DischargeClientOption {
	return func(c *DischargeClient) {
		c.httpClient = httpClient
	}
}

// WithDischargeLogger sets the logger.
func WithDischargeLogger(logger *slog.Logger) DischargeClientOption {
	return func(c *DischargeClient) {
		c.logger = logger
	}
}

// Query returns the discharge forecast at lat and lon.
func (c *DischargeClient) Query(ctx context.Context, lat, lon float64) (*DischargeForecast, error) {
	forecast, err := c.query(ctx, lat, lon)
	if err != nil {
		dischargeQueries.WithLabelValues("error").Inc()
		c.logger.WarnContext(ctx, "discharge query failed", "lat", lat, "lon", lon, "error", err)
		return nil, err
	}
	dischargeQueries.WithLabelValues("success").Inc()
	return forecast, nil
}

func (c *DischargeClient) query(ctx context.Context, lat, lon float64) (*DischargeForecast, error) {
	params := url.Values{
		"lat": {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon": {strconv.FormatFloat(lon, 'f', -1, 64)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/consultar?"+params.Encode(), nil)
	if err != nil {
		return nil, &BackendQueryError{Reason: "create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &BackendQueryError{Reason: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &BackendQueryError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, body)}
	}

	var response dischargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, &BackendQueryError{StatusCode: resp.StatusCode, Reason: "decode response", Err: err}
	}

	forecast, err := response.forecast()
	if err != nil {
		return nil, &BackendQueryError{StatusCode: resp.StatusCode, Reason: "invalid response", Err: err}
	}
	forecast.Lat = lat
	forecast.Lon = lon
	return forecast, nil
}

// forecast validates r and converts it into a DischargeForecast.
func (r *dischargeResponse) forecast() (*DischargeForecast, error) {
	if len(r.Dis24Mean) == 0 {
		return nil, fmt.Errorf("missing dis24_mean")
	}
	if len(r.Dis24Std) != len(r.Dis24Mean) {
		return nil, fmt.Errorf("dis24_std has %d steps, dis24_mean has %d", len(r.Dis24Std), len(r.Dis24Mean))
	}

	steps := make([]DischargeStep, 0, len(r.Dis24Mean))
	for key, mean := range r.Dis24Mean {
		hour, err := strconv.Atoi(key)
		if err != nil || hour < 0 {
			return nil, fmt.Errorf("%q: invalid forecast hour", key)
		}
		std, ok := r.Dis24Std[key]
		if !ok {
			return nil, fmt.Errorf("dis24_std: missing hour %d", hour)
		}
		if mean == nil || std == nil {
			return nil, fmt.Errorf("hour %d: null discharge", hour)
		}
		steps = append(steps, DischargeStep{
			Hour: hour,
			Mean: *mean,
			Std:  *std,
		})
	}
	slices.SortFunc(steps, func(a, b DischargeStep) int {
		return a.Hour - b.Hour
	})

	returnThresholds := make(map[string]ReturnThreshold, len(r.ReturnThreshold))
	for scenario, thresholds := range r.ReturnThreshold {
		if len(thresholds) != 1 {
			return nil, fmt.Errorf("return_threshold %q: %d variables, expected 1", scenario, len(thresholds))
		}
		for variable, value := range thresholds {
			if value == nil {
				return nil, fmt.Errorf("return_threshold %q: null threshold", scenario)
			}
			returnThresholds[scenario] = ReturnThreshold{
				Variable: variable,
				Value:    *value,
			}
		}
	}

	return &DischargeForecast{
		Steps:            steps,
		ReturnThresholds: returnThresholds,
	}, nil
}

// A ChartPoint is a point of a ChartSeries.
type ChartPoint struct {
	Hour  int     `json:"hour"`
	Day   int     `json:"day"`
	Mean  float64 `json:"mean"`
	Upper float64 `json:"upper"`
	Lower float64 `json:"lower"`
}

// A ChartSeries is a discharge forecast with its uncertainty band, ready to
// be plotted.
type ChartSeries struct {
	Points []ChartPoint `json:"points"`
	YMin   float64      `json:"yMin"`
	YMax   float64      `json:"yMax"`
	NoData bool         `json:"noData"`
}

// NewChartSeries returns the chart series of forecast. The band spans
// DeviationMultiplier standard deviations either side of the mean and never
// drops below zero. The y domain adds a 10% margin to the band.
func NewChartSeries(forecast *DischargeForecast) *ChartSeries {
	series := &ChartSeries{
		Points: make([]ChartPoint, 0, len(forecast.Steps)),
		NoData: true,
	}
	yMin, yMax := math.Inf(1), math.Inf(-1)
	for _, step := range forecast.Steps {
		point := ChartPoint{
			Hour:  step.Hour,
			Day:   step.Hour / 24,
			Mean:  step.Mean,
			Upper: step.Mean + DeviationMultiplier*step.Std,
			Lower: max(0, step.Mean-DeviationMultiplier*step.Std),
		}
		yMin = min(yMin, point.Lower)
		yMax = max(yMax, point.Upper)
		if point.Mean != 0 {
			series.NoData = false
		}
		series.Points = append(series.Points, point)
	}
	if len(series.Points) == 0 {
		return series
	}
	margin := (yMax - yMin) * 0.1
	series.YMin = max(0, yMin-margin)
	series.YMax = yMax + margin
	return series
}
