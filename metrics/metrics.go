// Package metrics exposes prometheus collectors for pipeline steps, external tool
// invocations and background jobs, and a small HTTP server that serves them.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	stepOutcomesCounter   *prometheus.CounterVec
	stepDurationMetric    *prometheus.HistogramVec
	toolAttemptsCounter   *prometheus.CounterVec
	toolDurationMetric    *prometheus.HistogramVec
	toolRetriesCounter    *prometheus.CounterVec
	jobTransitionsCounter *prometheus.CounterVec
)

// Init registers the collectors on the default registry exactly once.
func Init() {
	initOnce.Do(func() {
		stepOutcomesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioning_step_outcomes_total",
				Help: "Pipeline step outcomes by pipeline, step and status.",
			},
			[]string{"pipeline", "step", "status"},
		)
		stepDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provisioning_step_duration_seconds",
				Help:    "Duration of executed (not skipped) pipeline steps.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"step"},
		)
		toolAttemptsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioning_tool_attempts_total",
				Help: "External tool candidate attempts by tool and result.",
			},
			[]string{"tool", "result"},
		)
		toolDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provisioning_tool_duration_seconds",
				Help:    "Wall clock duration of external tool candidates that ran.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		)
		toolRetriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioning_tool_retries_total",
				Help: "Retries of a candidate after a transient failure.",
			},
			[]string{"tool"},
		)
		jobTransitionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioning_job_transitions_total",
				Help: "Background job status transitions by kind and status.",
			},
			[]string{"kind", "status"},
		)

		prometheus.MustRegister(
			stepOutcomesCounter,
			stepDurationMetric,
			toolAttemptsCounter,
			toolDurationMetric,
			toolRetriesCounter,
			jobTransitionsCounter,
		)
	})
}

func IncStepOutcome(pipeline, step, status string) {
	Init()
	stepOutcomesCounter.WithLabelValues(pipeline, step, status).Inc()
}

func ObserveStepDuration(step string, d time.Duration) {
	Init()
	stepDurationMetric.WithLabelValues(step).Observe(d.Seconds())
}

func IncToolAttempt(tool, result string) {
	Init()
	toolAttemptsCounter.WithLabelValues(tool, result).Inc()
}

func ObserveToolDuration(tool string, d time.Duration) {
	Init()
	toolDurationMetric.WithLabelValues(tool).Observe(d.Seconds())
}

func IncToolRetry(tool string) {
	Init()
	toolRetriesCounter.WithLabelValues(tool).Inc()
}

func IncJobTransition(kind, status string) {
	Init()
	jobTransitionsCounter.WithLabelValues(kind, status).Inc()
}

// MetricsServer serves the default prometheus registry under /metrics. Collector
// names are fixed; namespace is only reported as a constant build_info label.
type MetricsServer struct {
	srv *http.Server
}

func New(namespace, addr string) (*MetricsServer, error) {
	Init()
	registerBuildInfo(namespace)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

var buildInfoOnce sync.Once

func registerBuildInfo(namespace string) {
	buildInfoOnce.Do(func() {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "provisioning_build_info",
			Help:        "Constant 1, labelled with the serving package.",
			ConstLabels: prometheus.Labels{"package": namespace},
		})
		g.Set(1)
		prometheus.MustRegister(g)
	})
}
