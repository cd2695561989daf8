// Package telemetry wires Prometheus collectors and the slog logger.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ceremony/internal/ceremony"
)

// Metrics implements ceremony.Observer with Prometheus collectors.
type Metrics struct {
	admissions      *prometheus.CounterVec
	announcements   *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	recomputeFailed prometheus.Counter
	streamClients   prometheus.Gauge
	retryJobs       *prometheus.CounterVec
}

var _ ceremony.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "admissions_total",
			Help:      "Queue admission attempts by outcome.",
		}, []string{"outcome"}),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "announcements_total",
			Help:      "Announcement pointer changes by kind.",
		}, []string{"kind"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "verification_events_total",
			Help:      "Ledger events by method and result.",
		}, []string{"method", "result"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ceremony",
			Name:      "gateway_call_seconds",
			Help:      "Verification gateway latency by method and outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"method", "outcome"}),
		recomputeFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "summary_recompute_failures_total",
			Help:      "Attendance summary recomputes that failed after a ledger append.",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ceremony",
			Name:      "announcement_stream_clients",
			Help:      "Connected announcement stream subscribers.",
		}),
		retryJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "recompute_jobs_total",
			Help:      "Recompute retry jobs handled by the worker, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.admissions, m.announcements, m.verifications, m.gatewayLatency,
		m.recomputeFailed, m.streamClients, m.retryJobs)
	return m
}

func (m *Metrics) Admission(outcome string) {
	m.admissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Announcement(kind string) {
	m.announcements.WithLabelValues(kind).Inc()
}

func (m *Metrics) GatewayCall(method ceremony.Method, outcome string, d time.Duration) {
	m.gatewayLatency.WithLabelValues(string(method), outcome).Observe(d.Seconds())
}

func (m *Metrics) Verification(method ceremony.Method, successful bool) {
	result := "failure"
	if successful {
		result = "success"
	}
	m.verifications.WithLabelValues(string(method), result).Inc()
}

func (m *Metrics) RecomputeFailed() {
	m.recomputeFailed.Inc()
}

// StreamClients tracks connected SSE subscribers.
func (m *Metrics) StreamClients(delta int) {
	m.streamClients.Add(float64(delta))
}

// RetryJob counts a processed recompute job.
func (m *Metrics) RetryJob(ok bool) {
	if ok {
		m.retryJobs.WithLabelValues("ok").Inc()
		return
	}
	m.retryJobs.WithLabelValues("error").Inc()
}
