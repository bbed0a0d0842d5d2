package floodmap

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHandler returns the HTTP API of service.
func NewHandler(service *Service, logger *slog.Logger) http.Handler {
	h := &handler{
		service: service,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /layers", h.listLayers)
	mux.HandleFunc("GET /layers/{layer}", h.layerStatus)
	mux.HandleFunc("PUT /layers/{layer}", h.selectLayer)
	mux.HandleFunc("DELETE /layers/{layer}", h.clearLayer)
	mux.HandleFunc("GET /layers/{layer}/overlay.png", h.overlayPNG)
	mux.HandleFunc("GET /layers/{layer}/sample", h.sample)
	mux.HandleFunc("GET /discharge", h.discharge)
	mux.HandleFunc("GET /wms/latest", h.latestTime)
	mux.HandleFunc("GET /geocode", h.geocode)
	return h.logRequests(mux)
}

type handler struct {
	service *Service
	logger  *slog.Logger
}

// statusWriter records the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		h.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WarnContext(r.Context(), "encode response failed", "path", r.URL.Path, "error", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var backendQueryError *BackendQueryError
	var capabilitiesParseError *CapabilitiesParseError
	status := http.StatusInternalServerError
	message := err.Error()
	switch {
	case errors.Is(err, ErrUnknownLayer):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		status = http.StatusNotFound
		message = "not available"
	case errors.As(err, &backendQueryError), errors.As(err, &capabilitiesParseError):
		status = http.StatusBadGateway
		message = "data unavailable"
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, r, status, map[string]string{"error": message})
}

func (h *handler) badRequest(w http.ResponseWriter, r *http.Request, message string) {
	h.writeJSON(w, r, http.StatusBadRequest, map[string]string{"error": message})
}

// parseLatLng parses the latitude and longitude query parameters named
// latName and lngName.
func parseLatLng(r *http.Request, latName, lngName string) (float64, float64, bool) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get(latName), 64)
	if err != nil || !(-90 <= lat && lat <= 90) {
		return 0, 0, false
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get(lngName), 64)
	if err != nil || !(-180 <= lng && lng <= 180) {
		return 0, 0, false
	}
	return lat, lng, true
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listLayers(w http.ResponseWriter, r *http.Request) {
	statuses := make([]*LayerStatus, 0, len(h.service.Layers()))
	for _, spec := range h.service.Layers() {
		status, err := h.service.Status(spec.Name)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		statuses = append(statuses, status)
	}
	h.writeJSON(w, r, http.StatusOK, statuses)
}

func (h *handler) layerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.PathValue("layer"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, status)
}

func (h *handler) selectLayer(w http.ResponseWriter, r *http.Request) {
	opacity := -1.0
	if s := r.URL.Query().Get("opacity"); s != "" {
		var err error
		opacity, err = strconv.ParseFloat(s, 64)
		if err != nil || !(0 <= opacity && opacity <= 1) {
			h.badRequest(w, r, "opacity must be between 0 and 1")
			return
		}
	}
	layerName := r.PathValue("layer")
	if err := h.service.Select(r.Context(), layerName, r.URL.Query().Get("parameter"), opacity); err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.service.Status(layerName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, status)
}

func (h *handler) clearLayer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Clear(r.PathValue("layer")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) overlayPNG(w http.ResponseWriter, r *http.Request) {
	overlay, err := h.service.Overlay(r.PathValue("layer"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(overlay.PNG)
}

type sampleResponse struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Available bool     `json:"available"`
	Value     *float64 `json:"value,omitempty"`
}

func (h *handler) sample(w http.ResponseWriter, r *http.Request) {
	lat, lng, ok := parseLatLng(r, "lat", "lng")
	if !ok {
		h.badRequest(w, r, "invalid lat or lng")
		return
	}
	response := sampleResponse{
		Lat: lat,
		Lng: lng,
	}
	switch value, err := h.service.Sample(r.PathValue("layer"), lat, lng); {
	case errors.Is(err, ErrUnavailable):
	case err != nil:
		h.writeError(w, r, err)
		return
	default:
		response.Available = true
		response.Value = &value
	}
	h.writeJSON(w, r, http.StatusOK, response)
}

type dischargeResponseBody struct {
	Lat              float64                    `json:"lat"`
	Lon              float64                    `json:"lon"`
	Chart            *ChartSeries               `json:"chart"`
	ReturnThresholds map[string]ReturnThreshold `json:"returnThresholds"`
}

func (h *handler) discharge(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := parseLatLng(r, "lat", "lon")
	if !ok {
		h.badRequest(w, r, "invalid lat or lon")
		return
	}
	chart, forecast, err := h.service.Discharge(r.Context(), lat, lon)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, dischargeResponseBody{
		Lat:              lat,
		Lon:              lon,
		Chart:            chart,
		ReturnThresholds: forecast.ReturnThresholds,
	})
}

func (h *handler) latestTime(w http.ResponseWriter, r *http.Request) {
	wmsLayer := r.URL.Query().Get("layer")
	if period := r.URL.Query().Get("period"); period != "" {
		returnPeriod, err := strconv.Atoi(period)
		if err != nil {
			h.badRequest(w, r, "invalid period")
			return
		}
		var ok bool
		if wmsLayer, ok = ReturnPeriodLayer(returnPeriod); !ok {
			h.badRequest(w, r, "unsupported return period")
			return
		}
	}
	if wmsLayer == "" {
		h.badRequest(w, r, "layer or period is required")
		return
	}
	latestTime, err := h.service.LatestTime(r.Context(), wmsLayer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"layer":      wmsLayer,
		"latestTime": latestTime,
		"getMapURL": h.service.WMSClient().GetMapURL(GetMapParams{
			Layer:  wmsLayer,
			Time:   latestTime,
			Bounds: Bounds{West: -180, South: -90, East: 180, North: 90},
			Width:  256,
			Height: 256,
		}),
	})
}

func (h *handler) geocode(w http.ResponseWriter, r *http.Request) {
	places, err := h.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if places == nil {
		places = []Place{}
	}
	h.writeJSON(w, r, http.StatusOK, places)
}
