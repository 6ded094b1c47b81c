// Package metrics exposes Prometheus instrumentation for the reminder
// engine and its HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dosemind_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dosemind_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	reconcilePasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dosemind_reconcile_passes_total",
			Help: "Reconciliation passes by outcome",
		},
		[]string{"outcome"},
	)

	reconcileCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dosemind_reconcile_commands_total",
			Help: "Schedule and cancel commands issued during reconciliation",
		},
		[]string{"op", "result"},
	)

	remindersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dosemind_reminders_fired_total",
			Help: "Reminder notifications dispatched by channel and status",
		},
		[]string{"channel", "status"},
	)

	stockAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dosemind_stock_alerts_total",
			Help: "Inventory alerts emitted by kind",
		},
		[]string{"kind"},
	)

	queueDrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dosemind_queue_drains_total",
			Help: "Offline queue drain attempts by outcome",
		},
		[]string{"outcome"},
	)

	queueActionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dosemind_queue_actions_processed_total",
			Help: "Queued actions processed during drain by kind and result",
		},
		[]string{"kind", "result"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dosemind_queue_depth",
			Help: "Pending actions remaining after the last drain",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordReconcilePass records one reconciliation pass: "converged", or
// "partial" when at least one medicine failed to converge.
func RecordReconcilePass(outcome string) {
	reconcilePasses.WithLabelValues(outcome).Inc()
}

// RecordReconcileCommand records a schedule or cancel command result.
func RecordReconcileCommand(op, result string) {
	reconcileCommands.WithLabelValues(op, result).Inc()
}

// RecordReminderFired records a dispatched reminder.
func RecordReminderFired(channel, status string) {
	remindersFired.WithLabelValues(channel, status).Inc()
}

// RecordStockAlert records an emitted inventory alert.
func RecordStockAlert(kind string) {
	stockAlerts.WithLabelValues(kind).Inc()
}

// RecordQueueDrain records a drain attempt: "drained", "offline", "error".
func RecordQueueDrain(outcome string) {
	queueDrains.WithLabelValues(outcome).Inc()
}

// RecordQueueAction records a processed queued action.
func RecordQueueAction(kind, result string) {
	queueActionsProcessed.WithLabelValues(kind, result).Inc()
}

// SetQueueDepth sets the remaining queue depth gauge.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
