package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pinstrap/pinstrap/pkg/engine"
)

// Metrics collects provisioning measurements. It implements
// engine.MetricsSink.
type Metrics struct {
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	bytesFetched  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinstrap_steps_executed_total",
				Help: "Provisioning steps by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pinstrap_step_duration_seconds",
				Help:    "Step action duration",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"step"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinstrap_runs_completed_total",
				Help: "Provisioning runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pinstrap_run_duration_seconds",
				Help:    "End-to-end run duration",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
			},
			[]string{"status"},
		),
		bytesFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pinstrap_artifact_bytes_fetched_total",
				Help: "Bytes of release artifacts downloaded",
			},
		),
	}

	registry.MustRegister(m.stepsExecuted, m.stepDuration, m.runsCompleted,
		m.runDuration, m.bytesFetched)
	return m
}

// RecordStep counts a step outcome and observes its action duration.
func (m *Metrics) RecordStep(id engine.StepID, outcome engine.Outcome, d time.Duration) {
	m.stepsExecuted.WithLabelValues(string(id), string(outcome)).Inc()
	if outcome != engine.OutcomeSkipped {
		m.stepDuration.WithLabelValues(string(id)).Observe(d.Seconds())
	}
}

// RecordRun counts a completed run and observes its duration.
func (m *Metrics) RecordRun(status string, d time.Duration) {
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// AddBytesFetched accumulates downloaded artifact bytes.
func (m *Metrics) AddBytesFetched(n int64) {
	m.bytesFetched.Add(float64(n))
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled. Provisioning runs
// are short-lived, so this is opt-in for operators who scrape them.
func (m *Metrics) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
}

var _ engine.MetricsSink = (*Metrics)(nil)
