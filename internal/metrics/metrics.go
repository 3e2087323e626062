// Package metrics exposes Prometheus collectors for the approval service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "approvals"

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Workflow metrics
var (
	RequestsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Requests submitted per workflow.",
		},
		[]string{"workflow_id"},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Approver decisions by kind and channel.",
		},
		[]string{"decision", "channel"},
	)

	RequestsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Requests reaching a terminal status.",
		},
		[]string{"status"},
	)

	RequestLifetime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_lifetime_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   []float64{60, 600, 3600, 4 * 3600, 24 * 3600, 3 * 24 * 3600, 7 * 24 * 3600},
		},
		[]string{"status"},
	)

	TokensRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_rejected_total",
			Help:      "Approval link uses refused, by reason.",
		},
		[]string{"reason"},
	)

	EventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Outbound events handed to the queue.",
		},
		[]string{"kind", "status"},
	)
)

// Worker metrics
var (
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Worker tasks processed by type and status.",
		},
		[]string{"type", "status"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Reference cache lookups by class and result.",
		},
		[]string{"class", "result"},
	)

	TokensPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_purged_total",
			Help:      "Expired approval tokens deleted.",
		},
	)
)

// Recorder feeds workflow outcomes into the collectors above.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (*Recorder) RequestSubmitted(workflowID string) {
	RequestsSubmittedTotal.WithLabelValues(workflowID).Inc()
}

func (*Recorder) DecisionRecorded(decision string, viaToken bool) {
	channel := "session"
	if viaToken {
		channel = "token"
	}
	DecisionsTotal.WithLabelValues(decision, channel).Inc()
}

func (*Recorder) RequestFinished(status string, age time.Duration) {
	RequestsFinishedTotal.WithLabelValues(status).Inc()
	RequestLifetime.WithLabelValues(status).Observe(age.Seconds())
}

func (*Recorder) TokenRejected(reason string) {
	TokensRejectedTotal.WithLabelValues(reason).Inc()
}

func (*Recorder) EventsDispatched(kind string, n int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	EventsDispatchedTotal.WithLabelValues(kind, status).Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. route names the handler
// pattern so ids in paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
