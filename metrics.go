package beacon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the batcher and heartbeat collectors of one client.
type Metrics struct {
	EventsEnqueued *prometheus.CounterVec
	EventsDropped  prometheus.Counter
	Flushes        *prometheus.CounterVec
	WriteFailures  *prometheus.CounterVec
	FlushDuration  *prometheus.HistogramVec

	PingsSent    prometheus.Counter
	PingsSkipped *prometheus.CounterVec
	PingFailures prometheus.Counter
}

const (
	ns = "beacon"

	LabelCategory   = "category"
	LabelReason     = "reason"
	LabelCollection = "collection"

	// flush reasons
	flushCapacity  = "capacity"
	flushScheduled = "scheduled"
	flushManual    = "manual"
	flushShutdown  = "shutdown"

	// ping skip reasons
	skipDisabled = "disabled"
	skipHidden   = "hidden"
	skipIdle     = "idle"
)

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		EventsEnqueued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "events_enqueued_total", Namespace: ns, Subsystem: "batcher",
			Help: "The number of events accepted into the batch queue.",
		}, []string{LabelCategory}),
		EventsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "events_dropped_total", Namespace: ns, Subsystem: "batcher",
			Help: "The number of events dropped because tracking was disabled or the batcher was closed.",
		}),
		Flushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flushes_total", Namespace: ns, Subsystem: "batcher",
			Help: "The number of non-empty batches delivered to the sink, by trigger.",
		}, []string{LabelReason}),
		WriteFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "write_failures_total", Namespace: ns, Subsystem: "batcher",
			Help: "The number of grouped inserts the sink rejected. Failed events are not retried.",
		}, []string{LabelCollection}),
		FlushDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name: "flush_duration_seconds", Namespace: ns, Subsystem: "batcher",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			Help:    "The time taken to deliver one batch.",
		}, []string{LabelReason}),

		PingsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pings_sent_total", Namespace: ns, Subsystem: "heartbeat",
			Help: "The number of presence pings written to the sink.",
		}),
		PingsSkipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pings_skipped_total", Namespace: ns, Subsystem: "heartbeat",
			Help: "The number of presence pings skipped, by reason (disabled, hidden, idle).",
		}, []string{LabelReason}),
		PingFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ping_failures_total", Namespace: ns, Subsystem: "heartbeat",
			Help: "The number of presence pings the sink rejected.",
		}),
	}
}
