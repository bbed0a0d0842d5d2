package floodmap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
)

// DefaultWMSURL is the GloFAS flood hazard WMS endpoint.
const DefaultWMSURL = "https://ows.globalfloods.eu/glofas-ows/ows.py"

// returnPeriodLayers maps flood return periods in years to GloFAS WMS layers.
var returnPeriodLayers = map[int]string{
	5:  "sumALHEGE",
	20: "sumALEEGE",
}

// ReturnPeriodLayer returns the WMS layer showing the flood hazard summary for
// returnPeriod years.
func ReturnPeriodLayer(returnPeriod int) (string, bool) {
	layer, ok := returnPeriodLayers[returnPeriod]
	return layer, ok
}

// A CapabilitiesParseError is returned when the latest time of a layer cannot
// be determined from a WMS GetCapabilities response.
type CapabilitiesParseError struct {
	Layer  string
	Reason string
	Err    error
}

func (e *CapabilitiesParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capabilities %s: %s", e.Layer, e.Reason)
	}
	return fmt.Sprintf("capabilities %s: %s: %v", e.Layer, e.Reason, e.Err)
}

func (e *CapabilitiesParseError) Unwrap() error {
	return e.Err
}

type wmsCapabilities struct {
	Capability struct {
		Layers []wmsLayer `xml:"Layer"`
	} `xml:"Capability"`
}

type wmsLayer struct {
	Name       string         `xml:"Name"`
	Dimensions []wmsDimension `xml:"Dimension"`
	Extents    []wmsDimension `xml:"Extent"`
	Layers     []wmsLayer     `xml:"Layer"`
}

type wmsDimension struct {
	Name    string `xml:"name,attr"`
	Default string `xml:"default,attr"`
	Value   string `xml:",chardata"`
}

// findLayer returns the first layer named name, searching depth first.
func findLayer(layers []wmsLayer, name string) *wmsLayer {
	for i := range layers {
		if strings.TrimSpace(layers[i].Name) == name {
			return &layers[i]
		}
		if layer := findLayer(layers[i].Layers, name); layer != nil {
			return layer
		}
	}
	return nil
}

// timeDimension returns the value of l's time dimension. WMS 1.3.0 puts it in
// Dimension, WMS 1.1.1 in Extent.
func (l *wmsLayer) timeDimension() (string, bool) {
	for _, dimensions := range [][]wmsDimension{l.Dimensions, l.Extents} {
		for _, dimension := range dimensions {
			if value := strings.TrimSpace(dimension.Value); strings.EqualFold(dimension.Name, "time") && value != "" {
				return value, true
			}
		}
	}
	return "", false
}

// ParseLatestTime returns the latest time of layer in the GetCapabilities
// document data.
func ParseLatestTime(data []byte, layer string) (string, error) {
	var capabilities wmsCapabilities
	if err := xml.Unmarshal(data, &capabilities); err != nil {
		return "", &CapabilitiesParseError{Layer: layer, Reason: "parse XML", Err: err}
	}
	wmsLayer := findLayer(capabilities.Capability.Layers, layer)
	if wmsLayer == nil {
		return "", &CapabilitiesParseError{Layer: layer, Reason: "layer not found"}
	}
	value, ok := wmsLayer.timeDimension()
	if !ok {
		return "", &CapabilitiesParseError{Layer: layer, Reason: "no time dimension"}
	}
	latestTime := LatestTime(value)
	if latestTime == "" {
		return "", &CapabilitiesParseError{Layer: layer, Reason: "empty time dimension"}
	}
	return latestTime, nil
}

// LatestTime returns the latest time in a WMS time dimension value, which is a
// comma separated list of times or start/end/period intervals.
func LatestTime(value string) string {
	values := strings.Split(value, ",")
	last := strings.TrimSpace(values[len(values)-1])
	if fields := strings.Split(last, "/"); len(fields) >= 2 {
		return strings.TrimSpace(fields[1])
	}
	return last
}

// A WMSClient queries a WMS server.
type WMSClient struct {
	baseURL         string
	httpClient      *http.Client
	latestTimeTTL   time.Duration
	latestTimeCache *otter.Cache[string, string]
	logger          *slog.Logger
}

// A WMSClientOption sets an option on a WMSClient.
type WMSClientOption func(*WMSClient)

// NewWMSClient returns a new WMSClient.
func NewWMSClient(options ...WMSClientOption) (*WMSClient, error) {
	c := &WMSClient{
		baseURL: DefaultWMSURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		latestTimeTTL: 15 * time.Minute,
		logger:        slog.Default(),
	}
	for _, option := range options {
		option(c)
	}

	var err error
	c.latestTimeCache, err = otter.New(&otter.Options[string, string]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[string, string](c.latestTimeTTL),
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// WithWMSBaseURL sets the WMS endpoint.
func WithWMSBaseURL(baseURL string) WMSClientOption {
	return func(c *WMSClient) {
		c.baseURL = baseURL
	}
}

// WithWMSHTTPClient sets the HTTP client.
func WithWMSHTTPClient(httpClient *http.Client) WMSClientOption {
	return func(c *WMSClient) {
		c.httpClient = httpClient
	}
}

// WithWMSLatestTimeTTL sets how long latest times are cached.
func WithWMSLatestTimeTTL(ttl time.Duration) WMSClientOption {
	return func(c *WMSClient) {
		c.latestTimeTTL = ttl
	}
}

// WithWMSLogger sets the logger.
func WithWMSLogger(logger *slog.Logger) WMSClientOption {
	return func(c *WMSClient) {
		c.logger = logger
	}
}

// LatestTime returns the latest value of layer's time dimension. Failures
// are returned as *CapabilitiesParseError and are not cached.
func (c *WMSClient) LatestTime(ctx context.Context, layer string) (string, error) {
	latestTime, err := c.latestTimeCache.Get(ctx, layer, otter.LoaderFunc[string, string](c.fetchLatestTime))
	if err != nil {
		c.logger.WarnContext(ctx, "latest time lookup failed", "layer", layer, "error", err)
		return "", err
	}
	return latestTime, nil
}

func (c *WMSClient) fetchLatestTime(ctx context.Context, layer string) (string, error) {
	params := url.Values{
		"service": {"WMS"},
		"request": {"GetCapabilities"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", &CapabilitiesParseError{Layer: layer, Reason: "create request", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &CapabilitiesParseError{Layer: layer, Reason: "request", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &CapabilitiesParseError{Layer: layer, Reason: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CapabilitiesParseError{Layer: layer, Reason: "read body", Err: err}
	}
	return ParseLatestTime(data, layer)
}

// GetMapParams are the parameters of a WMS 1.3.0 GetMap request.
type GetMapParams struct {
	Layer  string
	Time   string
	Bounds Bounds
	Width  int
	Height int
}

// GetMapURL returns the URL of a transparent PNG GetMap request in
// EPSG:4326.
func (c *WMSClient) GetMapURL(params GetMapParams) string {
	// WMS 1.3.0 EPSG:4326 axis order is latitude, longitude.
	bbox := strings.Join([]string{
		strconv.FormatFloat(params.Bounds.South, 'f', -1, 64),
		strconv.FormatFloat(params.Bounds.West, 'f', -1, 64),
		strconv.FormatFloat(params.Bounds.North, 'f', -1, 64),
		strconv.FormatFloat(params.Bounds.East, 'f', -1, 64),
	}, ",")
	values := url.Values{
		"SERVICE":     {"WMS"},
		"VERSION":     {"1.3.0"},
		"REQUEST":     {"GetMap"},
		"LAYERS":      {params.Layer},
		"STYLES":      {""},
		"FORMAT":      {"image/png"},
		"TRANSPARENT": {"true"},
		"CRS":         {"EPSG:4326"},
		"BBOX":        {bbox},
		"WIDTH":       {strconv.Itoa(params.Width)},
		"HEIGHT":      {strconv.Itoa(params.Height)},
	}
	if params.Time != "" {
		values.Set("TIME", params.Time)
	}
	return c.baseURL + "?" + values.Encode()
}
