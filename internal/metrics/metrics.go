// Package metrics exposes Prometheus instruments for the engine. Each engine
// owns its own registry so several can coexist in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "traffic"

// Rejection reasons for TracksRejected.
const (
	ReasonMalformed = "malformed"
	ReasonStale     = "stale"
	ReasonOverload  = "overload"
)

// Metrics holds every engine instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tracksIngested         *prometheus.CounterVec
	tracksRejected         *prometheus.CounterVec
	conformanceTransitions *prometheus.CounterVec
	leaseOperations        *prometheus.CounterVec
	alertsPublished        *prometheus.CounterVec
	remoteCallDuration     *prometheus.HistogramVec
	feedFlights            prometheus.Gauge
	activeLeases           prometheus.Gauge
	archiveDropped         prometheus.Counter
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tracksIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_ingested_total",
			Help:      "Track points accepted, by source",
		}, []string{"source"}),
		tracksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_rejected_total",
			Help:      "Raw records rejected, by reason",
		}, []string{"reason"}),
		conformanceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conformance_transitions_total",
			Help:      "Conformance state transitions, by target state",
		}, []string{"to"}),
		leaseOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_operations_total",
			Help:      "Remote lease operations, by operation and result",
		}, []string{"op", "result"}),
		alertsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_published_total",
			Help:      "Alerts raised, by kind",
		}, []string{"kind"}),
		remoteCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Latency of calls to the remote directory",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op"}),
		feedFlights: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_flights",
			Help:      "Flights in the most recent feed snapshot",
		}),
		activeLeases: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_leases",
			Help:      "Volumes currently holding a remote lease",
		}),
		archiveDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_dropped_total",
			Help:      "Track points dropped because the archive queue was full",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TrackIngested(source string) {
	if m != nil {
		m.tracksIngested.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) TrackRejected(reason string) {
	if m != nil {
		m.tracksRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ConformanceTransition(to string) {
	if m != nil {
		m.conformanceTransitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) LeaseOperation(op, result string) {
	if m != nil {
		m.leaseOperations.WithLabelValues(op, result).Inc()
	}
}

func (m *Metrics) AlertPublished(kind string) {
	if m != nil {
		m.alertsPublished.WithLabelValues(kind).Inc()
	}
}

// ObserveRemoteCall records the latency of one remote call started at start.
func (m *Metrics) ObserveRemoteCall(op string, start time.Time) {
	if m != nil {
		m.remoteCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) SetFeedFlights(n int) {
	if m != nil {
		m.feedFlights.Set(float64(n))
	}
}

func (m *Metrics) SetActiveLeases(n int) {
	if m != nil {
		m.activeLeases.Set(float64(n))
	}
}

func (m *Metrics) ArchiveDropped() {
	if m != nil {
		m.archiveDropped.Inc()
	}
}
