package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{60, 300, 1800, 3600, 14400, 86400, 259200, 604800} // seconds; approvals take hours to days
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Engine metrics
	InstanceStartsTotal      *prometheus.CounterVec
	StepActionsTotal         *prometheus.CounterVec
	InstanceCompletionsTotal *prometheus.CounterVec
	StepDurationSeconds      prometheus.Histogram

	// Sweeper metrics
	SweepRunsTotal        prometheus.Counter
	SweepOverdueTotal     prometheus.Counter
	SweepEscalationsTotal prometheus.Counter
	SweepConflictsTotal   prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvald_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_instance_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"entity_type"}),
		StepActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_step_actions_total",
			Help: "Total number of approver actions recorded.",
		}, []string{"action"}),
		InstanceCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_instance_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"final_status"}),
		StepDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvald_step_duration_seconds",
			Help:    "Time from step start to step completion in seconds.",
			Buckets: stepDurationBuckets,
		}),

		SweepRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvald_sweep_runs_total",
			Help: "Total number of SLA sweep runs.",
		}),
		SweepOverdueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvald_sweep_overdue_total",
			Help: "Total number of instances flagged overdue.",
		}),
		SweepEscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvald_sweep_escalations_total",
			Help: "Total number of step escalations fired.",
		}),
		SweepConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approvald_sweep_conflicts_total",
			Help: "Total number of sweep writes lost to a concurrent mutation.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstanceStartsTotal,
		m.StepActionsTotal,
		m.InstanceCompletionsTotal,
		m.StepDurationSeconds,
		m.SweepRunsTotal,
		m.SweepOverdueTotal,
		m.SweepEscalationsTotal,
		m.SweepConflictsTotal,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records request counts and durations per route pattern.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &metricsWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type metricsWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
