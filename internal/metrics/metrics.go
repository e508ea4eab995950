// Package metrics exposes Prometheus collectors for analysis streams and
// the speech cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/Cybrite/project-amobagan/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the Prometheus namespace for all relay metrics.
const Namespace = "amobagan"

// Metrics holds the relay collectors. It implements stream.Observer and
// speech.CacheObserver.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsFinished  *prometheus.CounterVec
	ChunksReceived    prometheus.Counter
	FirstChunkLatency prometheus.Histogram
	SessionDuration   *prometheus.HistogramVec
	OpenConnections   prometheus.Gauge
	ConnectionStates  *prometheus.CounterVec
	SpeechCache       *prometheus.CounterVec
	Consumptions      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "sessions_started_total",
			Help:      "Analysis requests transmitted.",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "sessions_finished_total",
			Help:      "Analysis sessions that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "chunks_received_total",
			Help:      "Partial-result frames reduced.",
		}),
		FirstChunkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "first_chunk_latency_seconds",
			Help:      "Time from request to first partial result.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "session_duration_seconds",
			Help:      "Time from request to terminal state, by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"outcome"}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "open_connections",
			Help:      "Upstream analysis connections currently open.",
		}),
		ConnectionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions, by new state.",
		}, []string{"state"}),
		SpeechCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "speech",
			Name:      "cache_lookups_total",
			Help:      "Speech cache lookups, by result.",
		}, []string{"result"}),
		Consumptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nutrition",
			Name:      "consumptions_total",
			Help:      "Mark-as-consumed requests, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.SessionsStarted,
		m.SessionsFinished,
		m.ChunksReceived,
		m.FirstChunkLatency,
		m.SessionDuration,
		m.OpenConnections,
		m.ConnectionStates,
		m.SpeechCache,
		m.Consumptions,
	)
	return m
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg for scraping.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func outcome(kind stream.Kind) string {
	if kind == 0 {
		return "complete"
	}
	return kind.String()
}

// SessionStarted implements stream.Observer.
func (m *Metrics) SessionStarted() { m.SessionsStarted.Inc() }

// ChunkReceived implements stream.Observer.
func (m *Metrics) ChunkReceived() { m.ChunksReceived.Inc() }

// FirstChunk implements stream.Observer.
func (m *Metrics) FirstChunk(latency time.Duration) {
	m.FirstChunkLatency.Observe(latency.Seconds())
}

// SessionFinished implements stream.Observer.
func (m *Metrics) SessionFinished(kind stream.Kind, elapsed time.Duration) {
	o := outcome(kind)
	m.SessionsFinished.WithLabelValues(o).Inc()
	m.SessionDuration.WithLabelValues(o).Observe(elapsed.Seconds())
}

// ConnectionStateChanged implements stream.Observer.
func (m *Metrics) ConnectionStateChanged(from, to stream.ConnState) {
	m.ConnectionStates.WithLabelValues(to.String()).Inc()
	switch {
	case to == stream.ConnOpen:
		m.OpenConnections.Inc()
	case from == stream.ConnOpen:
		m.OpenConnections.Dec()
	}
}

// CacheHit implements speech.CacheObserver.
func (m *Metrics) CacheHit() { m.SpeechCache.WithLabelValues("hit").Inc() }

// CacheMiss implements speech.CacheObserver.
func (m *Metrics) CacheMiss() { m.SpeechCache.WithLabelValues("miss").Inc() }

// ConsumptionRecorded counts a mark-as-consumed outcome.
func (m *Metrics) ConsumptionRecorded(result string) {
	m.Consumptions.WithLabelValues(result).Inc()
}
