package floodmap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultGeocoderBaseURL is the Nominatim search endpoint.
const DefaultGeocoderBaseURL = "https://nominatim.openstreetmap.org"

// A Place is a place name search result.
type Place struct {
	DisplayName string  `json:"displayName"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

type nominatimPlace struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
}

// A Geocoder searches place names with Nominatim.
type Geocoder struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// A GeocoderOption sets an option on a Geocoder.
type GeocoderOption func(*Geocoder)

// NewGeocoder returns a new Geocoder.
func NewGeocoder(options ...GeocoderOption) *Geocoder {
	g := &Geocoder{
		baseURL:   DefaultGeocoderBaseURL,
		userAgent: "go-floodmap",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, option := range options {
		option(g)
	}
	return g
}

// WithGeocoderBaseURL sets the Nominatim base URL.
func WithGeocoderBaseURL(baseURL string) GeocoderOption {
	return func(g *Geocoder) {
		g.baseURL = baseURL
	}
}

// WithGeocoderHTTPClient sets the HTTP client.
func WithGeocoderHTTPClient(httpClient *http.Client) GeocoderOption {
	return func(g *Geocoder) {
		g.httpClient = httpClient
	}
}

// WithGeocoderUserAgent sets the User-Agent header, which Nominatim's usage
// policy requires.
func WithGeocoderUserAgent(userAgent string) GeocoderOption {
	return func(g *Geocoder) {
		g.userAgent = userAgent
	}
}

// Search returns the places matching query. An empty query returns no
// places without a request.
func (g *Geocoder) Search(ctx context.Context, query string) ([]Place, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	params := url.Values{
		"format": {"json"},
		"q":      {query},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim: status %d", resp.StatusCode)
	}

	var nominatimPlaces []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&nominatimPlaces); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	places := make([]Place, 0, len(nominatimPlaces))
	for _, nominatimPlace := range nominatimPlaces {
		lat, err := strconv.ParseFloat(nominatimPlace.Lat, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: latitude: %w", nominatimPlace.DisplayName, err)
		}
		lon, err := strconv.ParseFloat(nominatimPlace.Lon, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: longitude: %w", nominatimPlace.DisplayName, err)
		}
		places = append(places, Place{
			DisplayName: nominatimPlace.DisplayName,
			Lat:         lat,
			Lon:         lon,
		})
	}
	return places, nil
}
