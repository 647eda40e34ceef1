package beacon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

// BatcherConfig is the explicit configuration of a Batcher.
type BatcherConfig struct {
	Sink        Sink
	Collections Collections

	FlushInterval     time.Duration
	MaxQueueSize      int
	FinalFlushTimeout time.Duration

	Clock   quartz.Clock
	Logger  slog.Logger
	Enabled *atomic.Bool
	Metrics *Metrics
}

// Batcher queues visit and interaction records and writes them to the sink
// in grouped inserts. A flush happens synchronously when the queue reaches
// MaxQueueSize, or FlushInterval after the most recent enqueue (trailing
// debounce). Failed writes are logged and dropped, never requeued.
type Batcher struct {
	sink        Sink
	collections Collections
	interval    time.Duration
	maxSize     int
	finalFlush  time.Duration
	clock       quartz.Clock
	log         slog.Logger
	enabled     *atomic.Bool
	metrics     *Metrics

	// ctx is used for scheduled flushes.
	ctx context.Context

	mu    sync.Mutex
	queue *Queue
	timer *quartz.Timer
	// gen is bumped whenever the pending timer is replaced or cancelled. A
	// timer callback only flushes if its generation is still current.
	gen    uint64
	closed bool
}

// NewBatcher creates a Batcher. Scheduled flushes write with ctx.
func NewBatcher(ctx context.Context, cfg BatcherConfig) *Batcher {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Enabled == nil {
		cfg.Enabled = atomic.NewBool(true)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.FinalFlushTimeout <= 0 {
		cfg.FinalFlushTimeout = DefaultFinalFlushTimeout
	}
	return &Batcher{
		sink:        cfg.Sink,
		collections: cfg.Collections.withDefaults(),
		interval:    cfg.FlushInterval,
		maxSize:     cfg.MaxQueueSize,
		finalFlush:  cfg.FinalFlushTimeout,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		enabled:     cfg.Enabled,
		metrics:     cfg.Metrics,
		ctx:         ctx,
		queue:       NewQueue(),
	}
}

// Enqueue adds a record to the queue. It is a no-op when tracking is
// disabled or the batcher is closed.
func (b *Batcher) Enqueue(ctx context.Context, category Category, payload Record) {
	if !b.enabled.Load() {
		b.metrics.EventsDropped.Inc()
		b.log.Debug(ctx, "tracking disabled, dropping event", slog.F("category", category))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.metrics.EventsDropped.Inc()
		b.log.Debug(ctx, "batcher closed, dropping event", slog.F("category", category))
		return
	}
	n := b.queue.Enqueue(QueuedEvent{Category: category, Payload: payload})
	b.metrics.EventsEnqueued.WithLabelValues(string(category)).Inc()
	b.stopTimerLocked()

	if n >= b.maxSize {
		batch := b.queue.Drain()
		b.mu.Unlock()
		b.deliver(ctx, batch, flushCapacity)
		return
	}

	gen := b.gen
	b.timer = b.clock.AfterFunc(b.interval, func() {
		b.onTimer(gen)
	}, "batcher", "flush")
	b.mu.Unlock()
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.closed {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	// While disabled the queue is kept for a later flush.
	if !b.enabled.Load() || b.queue.IsEmpty() {
		b.mu.Unlock()
		return
	}
	batch := b.queue.Drain()
	b.mu.Unlock()

	b.deliver(b.ctx, batch, flushScheduled)
}

// Flush writes everything queued so far and cancels the pending timer. It is
// a no-op when tracking is disabled.
func (b *Batcher) Flush(ctx context.Context) {
	if !b.enabled.Load() {
		return
	}
	b.mu.Lock()
	b.stopTimerLocked()
	if b.queue.IsEmpty() {
		b.mu.Unlock()
		return
	}
	batch := b.queue.Drain()
	b.mu.Unlock()

	b.deliver(ctx, batch, flushManual)
}

// Close cancels the pending timer and performs a final flush bounded by
// FinalFlushTimeout. Later enqueues are dropped.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopTimerLocked()
	batch := b.queue.Drain()
	b.mu.Unlock()

	if !b.enabled.Load() {
		return
	}

	// We must create a new context here as the parent context may be done.
	ctx, cancel := context.WithTimeout(context.Background(), b.finalFlush)
	defer cancel()
	b.deliver(ctx, batch, flushShutdown)
}

// Len returns the number of queued events.
func (b *Batcher) Len() int {
	return b.queue.Len()
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

// deliver writes one grouped insert per non-empty category. Errors are
// logged and counted, never returned.
func (b *Batcher) deliver(ctx context.Context, batch []QueuedEvent, reason string) {
	if len(batch) == 0 {
		return
	}

	start := b.clock.Now()
	b.log.Debug(ctx, "flushing batch",
		slog.F("reason", reason),
		slog.F("count", len(batch)),
	)

	groups := make(map[Category][]Record, len(flushOrder))
	for _, ev := range batch {
		groups[ev.Category] = append(groups[ev.Category], ev.Payload)
	}

	for _, cat := range flushOrder {
		records := groups[cat]
		if len(records) == 0 {
			continue
		}
		collection := b.collections.forCategory(cat)
		if err := b.sink.InsertMany(ctx, collection, records); err != nil {
			b.log.Error(ctx, "failed to write batch",
				slog.F("collection", collection),
				slog.F("count", len(records)),
				slog.Error(err),
			)
			b.metrics.WriteFailures.WithLabelValues(collection).Inc()
		}
	}

	elapsed := b.clock.Since(start)
	b.metrics.Flushes.WithLabelValues(reason).Inc()
	b.metrics.FlushDuration.WithLabelValues(reason).Observe(elapsed.Seconds())
	b.log.Debug(ctx, "flush complete",
		slog.F("count", len(batch)),
		slog.F("elapsed", elapsed),
		slog.F("reason", reason),
	)
}
