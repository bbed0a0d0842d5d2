package floodmap

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	gridCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodmap_grid_cache_hits_total",
		Help: "The total number of hits on the grid cache",
	})
	gridCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodmap_grid_cache_misses_total",
		Help: "The total number of misses on the grid cache",
	})
	gridCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodmap_grid_cache_evictions_total",
		Help: "The total number of evictions from the grid cache",
	})
	fetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floodmap_fetch_errors_total",
		Help: "The total number of failed raster fetches",
	}, []string{"reason"})
)

// A FetchError is returned when a raster cannot be retrieved.
type FetchError struct {
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// A Fetcher retrieves and decodes rasters. Locations with an http or https
// scheme are fetched over HTTP, everything else is read from its file system.
type Fetcher struct {
	httpClient    *http.Client
	fsys          fs.FS
	cacheSize     int
	decodeOptions []DecodeOption
	gridCache     *lru.Cache[string, *Grid]
	inflight      singleflight.Group
	logger        *slog.Logger
}

// A FetcherOption sets an option on a Fetcher.
type FetcherOption func(*Fetcher)

// NewFetcher returns a new Fetcher with the given options.
func NewFetcher(options ...FetcherOption) (*Fetcher, error) {
	f := &Fetcher{
		httpClient: http.DefaultClient,
		cacheSize:  16,
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(f)
	}

	var err error
	f.gridCache, err = lru.New[string, *Grid](f.cacheSize)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// WithFetcherCacheSize sets the number of decoded grids to keep.
func WithFetcherCacheSize(cacheSize int) FetcherOption {
	return func(f *Fetcher) {
		f.cacheSize = cacheSize
	}
}

// WithFetcherMaxCells sets the largest raster, in cells, that the Fetcher
// will decode.
func WithFetcherMaxCells(maxCells int) FetcherOption {
	return func(f *Fetcher) {
		f.decodeOptions = append(f.decodeOptions, WithMaxCells(maxCells))
	}
}

// WithFetcherFS sets the file system for locations without a scheme.
func WithFetcherFS(fsys fs.FS) FetcherOption {
	return func(f *Fetcher) {
		f.fsys = fsys
	}
}

// WithFetcherHTTPClient sets the HTTP client.
func WithFetcherHTTPClient(httpClient *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.httpClient = httpClient
	}
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// LayerPath returns the path of the raster for parameter of the layer name
// in category.
func LayerPath(category, name, parameter string) string {
	return "/" + category + "/" + name + "_" + parameter + ".tif"
}

// Fetch returns the grid at location. It returns a *FetchError if the raster
// cannot be retrieved and a *DecodeError if it cannot be decoded.
func (f *Fetcher) Fetch(ctx context.Context, location string) (*Grid, error) {
	if grid, ok := f.gridCache.Get(location); ok {
		gridCacheHits.Inc()
		return grid, nil
	}

	result := f.inflight.DoChan(location, func() (any, error) {
		return f.fetchCached(context.WithoutCancel(ctx), location)
	})
	select {
	case <-ctx.Done():
		return nil, &FetchError{URL: location, Reason: "canceled", Err: ctx.Err()}
	case r := <-result:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Grid), nil
	}
}

// fetchCached returns the grid at location, using the cache if possible. It
// is only called from within f.inflight, so at most one fetch per location is
// in progress.
func (f *Fetcher) fetchCached(ctx context.Context, location string) (*Grid, error) {
	if grid, ok := f.gridCache.Get(location); ok {
		gridCacheHits.Inc()
		return grid, nil
	}

	gridCacheMisses.Inc()

	data, err := f.read(ctx, location)
	if err != nil {
		fetchErrors.WithLabelValues("fetch").Inc()
		return nil, err
	}

	grid, err := DecodeGeoTIFF(data, f.decodeOptions...)
	if err != nil {
		fetchErrors.WithLabelValues("decode").Inc()
		return nil, err
	}
	f.logger.DebugContext(ctx, "decoded raster", "location", location, "width", grid.Width, "height", grid.Height)

	if eviction := f.gridCache.Add(location, grid); eviction {
		gridCacheEvictions.Inc()
	}
	return grid, nil
}

// Forget removes location from the cache.
func (f *Fetcher) Forget(location string) {
	f.gridCache.Remove(location)
}

// read returns the raw bytes at location.
func (f *Fetcher) read(ctx context.Context, location string) ([]byte, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		return f.readFS(location)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, &FetchError{URL: location, Reason: "create request", Err: err}
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: location, Reason: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		return nil, &FetchError{URL: location, StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: location, StatusCode: resp.StatusCode, Reason: "read body", Err: err}
	}
	return data, nil
}

func (f *Fetcher) readFS(location string) ([]byte, error) {
	if f.fsys == nil {
		return nil, &FetchError{URL: location, Reason: "no file system"}
	}
	data, err := fs.ReadFile(f.fsys, strings.TrimPrefix(location, "/"))
	if err != nil {
		return nil, &FetchError{URL: location, Reason: "read file", Err: err}
	}
	return data, nil
}
