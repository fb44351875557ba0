// Package metrics exposes pipeline, relay and prover counters on a private
// prometheus registry. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shieldpool"

type Metrics struct {
	registry *prometheus.Registry

	RelaySubmissions *prometheus.CounterVec
	RelayHealthy     *prometheus.GaugeVec
	ProofRequests    *prometheus.CounterVec
	ProofDuration    *prometheus.HistogramVec
	Steps            *prometheus.CounterVec
	StaleRoots       prometheus.Counter
	SyncedLeaves     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RelaySubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "submissions_total",
			Help:      "Relay submission attempts by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RelayHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "endpoint_healthy",
			Help:      "1 when the endpoint is considered healthy.",
		}, []string{"endpoint"}),
		ProofRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prover",
			Name:      "requests_total",
			Help:      "Proof requests by circuit and outcome.",
		}, []string{"circuit", "outcome"}),
		ProofDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "prover",
			Name:      "request_seconds",
			Help:      "Proof request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"circuit"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Pipeline steps by kind and outcome.",
		}, []string{"kind", "outcome"}),
		StaleRoots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "stale_roots_total",
			Help:      "Proofs rebuilt because the ledger root moved.",
		}),
		SyncedLeaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "synced_leaves_total",
			Help:      "Commitments appended to the Merkle mirror from the ledger.",
		}),
	}
	reg.MustRegister(
		m.RelaySubmissions, m.RelayHealthy,
		m.ProofRequests, m.ProofDuration,
		m.Steps, m.StaleRoots, m.SyncedLeaves,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RelayAttempt(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.RelaySubmissions.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) RelayHealth(endpoint string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.RelayHealthy.WithLabelValues(endpoint).Set(v)
}

func (m *Metrics) ProofRequest(circuit, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ProofRequests.WithLabelValues(circuit, outcome).Inc()
	m.ProofDuration.WithLabelValues(circuit).Observe(took.Seconds())
}

func (m *Metrics) Step(kind, outcome string) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) StaleRoot() {
	if m == nil {
		return
	}
	m.StaleRoots.Inc()
}

func (m *Metrics) LeavesSynced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncedLeaves.Add(float64(n))
}
