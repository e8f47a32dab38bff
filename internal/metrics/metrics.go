// Package metrics holds the Prometheus collectors for one gemi service.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	downloadBytes    prometheus.Counter
	downloadAttempts *prometheus.CounterVec
	downloadProgress prometheus.Gauge
	retries          *prometheus.CounterVec
	healthQueries    *prometheus.CounterVec
	chatStreams      *prometheus.CounterVec
	errors           *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gemi_download_bytes_total",
			Help: "Bytes written to the model bundle.",
		}),
		downloadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gemi_download_attempts_total",
			Help: "File fetch attempts by outcome.",
		}, []string{"outcome"}),
		downloadProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gemi_download_progress",
			Help: "Fraction of the model bundle downloaded, 0 to 1.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gemi_retries_total",
			Help: "Retries scheduled by component.",
		}, []string{"component"}),
		healthQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gemi_health_queries_total",
			Help: "Health endpoint queries by result.",
		}, []string{"result"}),
		chatStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gemi_chat_streams_total",
			Help: "Chat streams by outcome.",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gemi_errors_total",
			Help: "Surfaced errors by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.downloadBytes,
		m.downloadAttempts,
		m.downloadProgress,
		m.retries,
		m.healthQueries,
		m.chatStreams,
		m.errors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AddDownloadBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}

func (m *Metrics) DownloadAttempt(outcome string) {
	if m == nil {
		return
	}
	m.downloadAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetDownloadProgress(p float64) {
	if m == nil {
		return
	}
	m.downloadProgress.Set(p)
}

func (m *Metrics) Retry(component string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(component).Inc()
}

func (m *Metrics) HealthQuery(result string) {
	if m == nil {
		return
	}
	m.healthQueries.WithLabelValues(result).Inc()
}

func (m *Metrics) ChatStream(outcome string) {
	if m == nil {
		return
	}
	m.chatStreams.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}
