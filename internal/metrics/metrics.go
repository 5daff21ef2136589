// Package metrics exposes the Prometheus collectors for the pipeline engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipeline",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeline",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	// StageClaimed counts packages claimed for work by a stage worker.
	StageClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Subsystem: "stage",
		Name:      "claimed_total",
		Help:      "Total number of packages claimed by a stage worker.",
	}, []string{"stage"})

	// StageDuration records wall-clock time spent in a stage's work phase.
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeline",
		Subsystem: "stage",
		Name:      "duration_seconds",
		Help:      "Duration of a stage worker's work phase.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage", "outcome"})

	// CASConflicts counts commit-phase compare-and-set conflicts, i.e. the
	// Supervisor or a concurrent worker already moved the package on.
	CASConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Subsystem: "stage",
		Name:      "cas_conflicts_total",
		Help:      "Total number of compare-and-set conflicts on commit.",
	}, []string{"stage"})

	// StuckRecovered counts packages the Supervisor reset to a prior status.
	StuckRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Subsystem: "supervisor",
		Name:      "stuck_recovered_total",
		Help:      "Total number of packages recovered from a stuck in-flight status.",
	}, []string{"status"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		StageClaimed,
		StageDuration,
		CASConflicts,
		StuckRecovered,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordStageClaim records a stage worker claiming a package.
func RecordStageClaim(stage string) {
	StageClaimed.WithLabelValues(stage).Inc()
}

// RecordStageWork records the outcome and duration of a stage's work phase.
func RecordStageWork(stage, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	StageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// RecordCASConflict records a lost compare-and-set race on commit.
func RecordCASConflict(stage string) {
	CASConflicts.WithLabelValues(stage).Inc()
}

// RecordStuckRecovered records the Supervisor resetting a stuck package.
func RecordStuckRecovered(status string) {
	StuckRecovered.WithLabelValues(status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "requests":
		if len(parts) >= 2 {
			return "/requests/:id"
		}
	case "packages":
		if len(parts) >= 2 {
			return "/packages/:id"
		}
	case "publish":
		if len(parts) >= 2 {
			return "/publish/:id"
		}
	}
	return "/" + parts[0]
}
