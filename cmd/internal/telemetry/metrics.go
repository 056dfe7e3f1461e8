// Package telemetry owns the kiosk's Prometheus collectors.
//
// Collectors live on a private registry so tests and the local /metrics
// endpoint see only sigpad series (plus Go/process collectors in production).
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sigpad"

// Metrics groups every collector the kiosk updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	ConnectionState *prometheus.GaugeVec
	Reconnects      prometheus.Counter
	Heartbeats      prometheus.Counter
	LivenessLost    prometheus.Counter
	MalformedFrames prometheus.Counter

	Transitions     *prometheus.CounterVec
	Submissions     *prometheus.CounterVec
	StaleResults    prometheus.Counter
	IdentityLookups *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
// withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		reg: reg,
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a close or dial failure.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "heartbeats_total",
			Help:      "Heartbeat frames received.",
		}),
		LivenessLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "liveness_lost_total",
			Help:      "Channels force-closed because the heartbeat deadline passed.",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be decoded and were ignored.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow state entries by target state.",
		}, []string{"to"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "submissions_total",
			Help:      "Signature submissions by outcome.",
		}, []string{"outcome"}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "stale_results_total",
			Help:      "Identity lookup results discarded because a newer subject was presented.",
		}),
		IdentityLookups: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "lookup_duration_seconds",
			Help:      "Identity lookup latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ConnectionState,
		m.Reconnects,
		m.Heartbeats,
		m.LivenessLost,
		m.MalformedFrames,
		m.Transitions,
		m.Submissions,
		m.StaleResults,
		m.IdentityLookups,
	)
	return m
}

// Registry exposes the underlying registry (tests use it with testutil).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SetConnectionState flips the state gauge so exactly one label reads 1.
func (m *Metrics) SetConnectionState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncReconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) IncHeartbeat() {
	if m != nil {
		m.Heartbeats.Inc()
	}
}

func (m *Metrics) IncLivenessLost() {
	if m != nil {
		m.LivenessLost.Inc()
	}
}

func (m *Metrics) IncMalformed() {
	if m != nil {
		m.MalformedFrames.Inc()
	}
}

func (m *Metrics) IncTransition(to string) {
	if m != nil {
		m.Transitions.WithLabelValues(to).Inc()
	}
}

// Submission outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

func (m *Metrics) IncSubmission(outcome string) {
	if m != nil {
		m.Submissions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncStale() {
	if m != nil {
		m.StaleResults.Inc()
	}
}

// ObserveLookup records one identity lookup of the given duration in seconds.
func (m *Metrics) ObserveLookup(outcome string, seconds float64) {
	if m != nil {
		m.IdentityLookups.WithLabelValues(outcome).Observe(seconds)
	}
}
