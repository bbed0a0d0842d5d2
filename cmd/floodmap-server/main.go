package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/twpayne/go-floodmap"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return fallback
}

func newLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{
		Level: slogLevel,
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	default:
		return nil, errors.New(format + ": unknown log format")
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	httpAddr := flag.String("http-addr", getEnv("HTTP_ADDR", ":8080"), "HTTP listen address")
	rasterDir := flag.String("raster-dir", os.Getenv("RASTER_DIR"), "directory containing layer rasters")
	rasterBaseURL := flag.String("raster-base-url", os.Getenv("RASTER_BASE_URL"), "base URL of layer rasters")
	rasterCacheSize := flag.Int("raster-cache-size", getEnvInt("RASTER_CACHE_SIZE", 16), "number of decoded rasters to cache")
	rasterMaxCells := flag.Int("raster-max-cells", getEnvInt("RASTER_MAX_CELLS", floodmap.DefaultMaxCells), "largest raster to decode, in cells")
	regionFile := flag.String("region-file", os.Getenv("REGION_FILE"), "GeoJSON file of the region used to mask layers")
	dischargeURL := flag.String("discharge-url", getEnv("DISCHARGE_URL", floodmap.DefaultDischargeBaseURL), "discharge backend base URL")
	wmsURL := flag.String("wms-url", getEnv("WMS_URL", floodmap.DefaultWMSURL), "WMS endpoint")
	wmsTTL := flag.Duration("wms-ttl", getEnvDuration("WMS_TTL", 15*time.Minute), "how long to cache WMS latest times")
	nominatimURL := flag.String("nominatim-url", getEnv("NOMINATIM_URL", floodmap.DefaultGeocoderBaseURL), "Nominatim base URL")
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", "info"), "log level")
	logFormat := flag.String("log-format", getEnv("LOG_FORMAT", "json"), "log format (json or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown timeout")
	flag.Parse()

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}

	fetcherOptions := []floodmap.FetcherOption{
		floodmap.WithFetcherCacheSize(*rasterCacheSize),
		floodmap.WithFetcherMaxCells(*rasterMaxCells),
		floodmap.WithFetcherLogger(logger),
	}
	if *rasterDir != "" {
		fetcherOptions = append(fetcherOptions, floodmap.WithFetcherFS(os.DirFS(*rasterDir)))
	}
	fetcher, err := floodmap.NewFetcher(fetcherOptions...)
	if err != nil {
		return err
	}

	wmsClient, err := floodmap.NewWMSClient(
		floodmap.WithWMSBaseURL(*wmsURL),
		floodmap.WithWMSLatestTimeTTL(*wmsTTL),
		floodmap.WithWMSLogger(logger),
	)
	if err != nil {
		return err
	}

	service, err := floodmap.NewService(
		floodmap.WithFetcher(fetcher),
		floodmap.WithRasterBaseURL(*rasterBaseURL),
		floodmap.WithDischargeClient(floodmap.NewDischargeClient(
			floodmap.WithDischargeBaseURL(*dischargeURL),
			floodmap.WithDischargeLogger(logger),
		)),
		floodmap.WithWMSClient(wmsClient),
		floodmap.WithGeocoder(floodmap.NewGeocoder(
			floodmap.WithGeocoderBaseURL(*nominatimURL),
		)),
		floodmap.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer service.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Masked layers wait for the region, so the server starts serving
	// before it is loaded.
	if *regionFile != "" {
		go func() {
			region, err := floodmap.LoadRegion(os.DirFS(filepath.Dir(*regionFile)), filepath.Base(*regionFile))
			if err != nil {
				logger.ErrorContext(ctx, "load region failed", "file", *regionFile, "error", err)
				return
			}
			service.SetRegion(region)
			logger.InfoContext(ctx, "loaded region", "file", *regionFile)
		}()
	}

	server := &http.Server{
		Addr:              *httpAddr,
		Handler:           floodmap.NewHandler(service, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", *httpAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("floodmap-server", "error", err)
		os.Exit(1)
	}
}
