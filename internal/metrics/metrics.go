// Package metrics registers the engine's Prometheus collectors and exposes
// small helpers so callers never touch label plumbing directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// emailsSent counts successful provider hand-offs.
	// Labels:
	// - path: "single", "batch", "broadcast" or "scheduled"
	emailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unosend",
			Subsystem: "delivery",
			Name:      "emails_sent_total",
			Help:      "Emails accepted by the active transport.",
		},
		[]string{"path"},
	)

	// emailsFailed counts provider hand-offs that returned an error.
	emailsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unosend",
			Subsystem: "delivery",
			Name:      "emails_failed_total",
			Help:      "Emails the active transport rejected or timed out on.",
		},
		[]string{"path"},
	)

	// providerSendSeconds observes transport latency.
	// Labels:
	// - transport: "ses" or "smtp"
	// - outcome:   "ok" or "error"
	providerSendSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "unosend",
			Subsystem: "provider",
			Name:      "send_seconds",
			Help:      "Duration of one provider send call.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport", "outcome"},
	)

	// deliveryEvents counts provider callbacks by outcome.
	// Labels:
	// - type:   "delivery", "bounce" or "complaint"
	// - result: "applied", "duplicate" or "unmatched"
	deliveryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unosend",
			Subsystem: "callbacks",
			Name:      "delivery_events_total",
			Help:      "Provider delivery notifications processed.",
		},
		[]string{"type", "result"},
	)

	broadcastBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unosend",
			Subsystem: "broadcast",
			Name:      "batches_total",
			Help:      "Broadcast batches completed.",
		},
	)

	// broadcastsFinished counts broadcasts reaching a terminal state.
	broadcastsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unosend",
			Subsystem: "broadcast",
			Name:      "finished_total",
			Help:      "Broadcasts that reached sent or failed.",
		},
		[]string{"status"},
	)

	// trackingEvents counts open and click hits.
	trackingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unosend",
			Subsystem: "tracking",
			Name:      "events_total",
			Help:      "Open and click tracking requests.",
		},
		[]string{"type"},
	)

	rateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unosend",
			Subsystem: "http",
			Name:      "rate_limit_exceeded_total",
			Help:      "Requests rejected by the per-organization rate limit.",
		},
	)
)

// IncEmailSent records a successful send on the given path.
func IncEmailSent(path string) {
	emailsSent.WithLabelValues(orUnknown(path)).Inc()
}

// IncEmailFailed records a failed send on the given path.
func IncEmailFailed(path string) {
	emailsFailed.WithLabelValues(orUnknown(path)).Inc()
}

// ObserveProviderSend records one transport call.
func ObserveProviderSend(transport string, ok bool, seconds float64) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	providerSendSeconds.WithLabelValues(orUnknown(transport), outcome).Observe(seconds)
}

// IncDeliveryEvent records a processed provider callback.
func IncDeliveryEvent(kind, result string) {
	deliveryEvents.WithLabelValues(orUnknown(kind), orUnknown(result)).Inc()
}

// IncBroadcastBatch records a completed batch.
func IncBroadcastBatch() {
	broadcastBatches.Inc()
}

// IncBroadcastFinished records a broadcast's terminal status.
func IncBroadcastFinished(status string) {
	broadcastsFinished.WithLabelValues(orUnknown(status)).Inc()
}

// IncTrackingEvent records an open or click hit.
func IncTrackingEvent(kind string) {
	trackingEvents.WithLabelValues(orUnknown(kind)).Inc()
}

// IncRateLimitExceeded records a 429.
func IncRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
