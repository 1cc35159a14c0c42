// Package http contains the inbound HTTP surfaces: the bundle distribution
// endpoints and the constraint evaluation endpoints, served on separate
// listeners.
package http

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpgateway/control-plane/internal/metrics"
	"github.com/mcpgateway/control-plane/internal/service"
)

// Health statuses reported by the bundle server.
const (
	StatusInitializing = "initializing"
	StatusDegraded     = "degraded"
	StatusHealthy      = "healthy"
)

// BundleHealthResponse is the bundle server's /health body. Revision and
// BundleAgeSeconds are null until the first successful build, so monitors
// can tell "never built" from "age zero".
type BundleHealthResponse struct {
	Status                    string   `json:"status"`
	Revision                  *string  `json:"revision"`
	BundleAgeSeconds          *float64 `json:"bundle_age_seconds"`
	SSEConnected              bool     `json:"sse_connected"`
	LastSSEEventAt            *string  `json:"last_sse_event_at"`
	RebuildCount              uint64   `json:"rebuild_count"`
	RebuildErrorCount         uint64   `json:"rebuild_error_count"`
	StalenessThresholdSeconds float64  `json:"staleness_threshold_seconds"`
}

// BundleHandler serves the bundle artifact, its health endpoint, and the
// Prometheus metrics endpoint.
type BundleHandler struct {
	bundles    *service.BundleService
	bundleName string
	staleness  time.Duration
	registry   *prometheus.Registry
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewBundleHandler creates a BundleHandler serving the bundle under
// /bundles/<bundleName>/data.tar.gz.
func NewBundleHandler(
	bundles *service.BundleService,
	bundleName string,
	staleness time.Duration,
	registry *prometheus.Registry,
	logger *slog.Logger,
	m *metrics.Metrics,
) *BundleHandler {
	return &BundleHandler{
		bundles:    bundles,
		bundleName: bundleName,
		staleness:  staleness,
		registry:   registry,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Routes returns the bundle server's mux.
func (h *BundleHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /bundles/"+h.bundleName+"/data.tar.gz", h.handleBundle)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	return mux
}

// handleBundle serves the current archive with conditional-GET support.
// A matching If-None-Match gets 304 with the ETag and no body.
func (h *BundleHandler) handleBundle(w http.ResponseWriter, r *http.Request) {
	archive, ok := h.bundles.Current()
	if !ok {
		h.metrics.BundleRequests.WithLabelValues("503").Inc()
		http.Error(w, "Bundle not ready", http.StatusServiceUnavailable)
		return
	}

	if r.Header.Get("If-None-Match") == archive.ETag {
		h.metrics.BundleRequests.WithLabelValues("304").Inc()
		w.Header().Set("ETag", archive.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.metrics.BundleRequests.WithLabelValues("200").Inc()
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.Itoa(len(archive.Bytes)))
	w.Header().Set("ETag", archive.ETag)
	if _, err := w.Write(archive.Bytes); err != nil {
		h.logger.Warn("bundle write aborted", "error", err)
	}
}

// handleHealth reports the distribution state. Only "initializing" (no
// bundle built yet) is a 503. Degradation is judged by bundle age alone:
// a dead event stream is invisible here as long as the reconciler keeps
// the bundle fresh.
func (h *BundleHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.bundles.Status()

	resp := BundleHealthResponse{
		SSEConnected:              st.SSEConnected,
		RebuildCount:              st.RebuildCount,
		RebuildErrorCount:         st.RebuildErrorCount,
		StalenessThresholdSeconds: h.staleness.Seconds(),
	}
	if !st.LastEventAt.IsZero() {
		at := st.LastEventAt.UTC().Format("2006-01-02T15:04:05Z")
		resp.LastSSEEventAt = &at
	}

	code := http.StatusOK
	switch {
	case !st.Built:
		resp.Status = StatusInitializing
		code = http.StatusServiceUnavailable
	default:
		revision := st.Revision
		resp.Revision = &revision
		age := h.now().Sub(st.BuiltAt)
		rounded := math.Round(age.Seconds()*10) / 10
		resp.BundleAgeSeconds = &rounded
		if age > h.staleness {
			resp.Status = StatusDegraded
		} else {
			resp.Status = StatusHealthy
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("failed to encode health response", "error", err)
	}
}
