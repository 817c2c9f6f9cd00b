package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_jobs_submitted_total",
			Help: "Total number of validation jobs accepted",
		},
		[]string{"priority"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_jobs_completed_total",
			Help: "Total number of validation jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_tasks_enqueued_total",
			Help: "Total number of worker tasks enqueued by source",
		},
		[]string{"source"},
	)
	TaskAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_task_attempts_total",
			Help: "Total worker task attempts by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "validation_task_duration_seconds",
			Help:    "Connector call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)
	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_task_retries_total",
			Help: "Total task retries scheduled by source",
		},
		[]string{"source"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limiter admissions and rejections by source and window",
		},
		[]string{"source", "decision"},
	)

	ReportsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_reports_total",
			Help: "Provider reports written by validation status",
		},
		[]string{"status"},
	)
	OverallConfidenceHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_report_overall_confidence",
			Help:    "Distribution of report overall confidence [0,1]",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
)

// InitMetrics registers all collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TaskAttemptsTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(RateLimitDecisions)
	prometheus.MustRegister(ReportsWrittenTotal)
	prometheus.MustRegister(OverallConfidenceHistogram)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

func RateLimitAdmitted(source string) {
	RateLimitDecisions.WithLabelValues(source, "admitted").Inc()
}

func RateLimitRejected(source, window string) {
	RateLimitDecisions.WithLabelValues(source, "rejected_"+window).Inc()
}

func TaskAttempt(source, outcome string, d time.Duration) {
	TaskAttemptsTotal.WithLabelValues(source, outcome).Inc()
	TaskDuration.WithLabelValues(source).Observe(d.Seconds())
}

func ReportWritten(status string, confidence float64) {
	ReportsWrittenTotal.WithLabelValues(status).Inc()
	if confidence >= 0 && confidence <= 1 {
		OverallConfidenceHistogram.Observe(confidence)
	}
}
