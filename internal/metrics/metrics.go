// Package metrics defines the Prometheus metrics shared by the control
// plane's services and HTTP surfaces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
// Pass to components that need to record metrics.
type Metrics struct {
	RebuildsTotal      prometheus.Counter
	RebuildErrorsTotal prometheus.Counter
	BundleRequests     *prometheus.CounterVec
	Evaluations        *prometheus.CounterVec
	Replays            *prometheus.CounterVec
	SSEReconnects      prometheus.Counter
	CachedServices     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RebuildsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Name:      "rebuilds_total",
				Help:      "Total successful bundle rebuilds",
			},
		),
		RebuildErrorsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Name:      "rebuild_errors_total",
				Help:      "Total failed bundle rebuild attempts",
			},
		),
		BundleRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Name:      "bundle_requests_total",
				Help:      "Bundle download requests by response status",
			},
			[]string{"status"}, // 200/304/503
		),
		Evaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Name:      "evaluations_total",
				Help:      "Constraint evaluations by decision and deciding source",
			},
			[]string{"decision", "source"}, // decision=allow/deny, source=constraint/authority
		),
		Replays: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Name:      "replays_total",
				Help:      "Replayed approvals by execution status",
			},
			[]string{"status"}, // completed/failed
		),
		SSEReconnects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Name:      "sse_reconnects_total",
				Help:      "Event stream reconnection attempts",
			},
		),
		CachedServices: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Name:      "cached_services",
				Help:      "Services present in the constraint cache snapshot",
			},
		),
	}
}
