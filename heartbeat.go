package beacon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/Tap30/beacon-go/adapters"
)

// HeartbeatConfig is the explicit configuration of a Heartbeat.
type HeartbeatConfig struct {
	Sink       Sink
	Beaconer   Beaconer
	Collection string
	Identity   *Identity
	Activity   *ActivityTracker

	PingInterval time.Duration

	Clock   quartz.Clock
	Logger  slog.Logger
	Enabled *atomic.Bool
	Metrics *Metrics
}

// Heartbeat upserts a presence record for this device every PingInterval
// while the user is active, and marks the device inactive on Stop.
type Heartbeat struct {
	sink       Sink
	beaconer   Beaconer
	collection string
	identity   *Identity
	activity   *ActivityTracker
	interval   time.Duration
	clock      quartz.Clock
	log        slog.Logger
	enabled    *atomic.Bool
	metrics    *Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	waiter  quartz.Waiter
	started bool
}

// NewHeartbeat creates a Heartbeat. Nothing is scheduled until
// StartLiveTracking.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Enabled == nil {
		cfg.Enabled = atomic.NewBool(true)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollections().Presence
	}
	if cfg.Activity == nil {
		cfg.Activity = NewActivityTracker(cfg.Clock.Now(), DefaultMinActivityGap)
	}
	if cfg.Beaconer == nil {
		cfg.Beaconer = beaconerFor(cfg.Sink)
	}
	return &Heartbeat{
		sink:       cfg.Sink,
		beaconer:   cfg.Beaconer,
		collection: cfg.Collection,
		identity:   cfg.Identity,
		activity:   cfg.Activity,
		interval:   cfg.PingInterval,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		enabled:    cfg.Enabled,
		metrics:    cfg.Metrics,
	}
}

// StartLiveTracking sends one ping immediately and then one every
// PingInterval. A previous schedule is cancelled first, so at most one is
// ever live. It does nothing while tracking is disabled.
//
// ctx only bounds the immediate ping. The schedule runs until Stop or the
// next StartLiveTracking.
func (h *Heartbeat) StartLiveTracking(ctx context.Context) {
	if !h.enabled.Load() {
		h.log.Debug(ctx, "tracking disabled, not starting heartbeat")
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	prevCancel, prevWaiter := h.cancel, h.waiter
	h.cancel = cancel
	h.started = true
	h.waiter = h.clock.TickerFunc(tickCtx, h.interval, func() error {
		h.sendPing(tickCtx)
		return nil
	}, "heartbeat", "ping")
	h.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		// The old ticker returns the cancellation error once it has stopped.
		_ = prevWaiter.Wait()
	}

	h.sendPing(ctx)
}

// Tracking reports whether a ping schedule is live.
func (h *Heartbeat) Tracking() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// Stop cancels the schedule and waits for it to wind down. If tracking had
// been started and is enabled, it then dispatches one beacon marking the
// device inactive, without waiting for delivery.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, waiter, started := h.cancel, h.waiter, h.started
	h.cancel = nil
	h.waiter = nil
	h.started = false
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = waiter.Wait()
	}
	if !started || !h.enabled.Load() {
		return
	}

	record := Record{
		"device_id": h.identity.DeviceID(),
		"is_active": false,
		"last_ping": adapters.FormatTime(h.clock.Now()),
	}
	if !h.beaconer.SendBeacon(h.collection, record, "device_id") {
		h.log.Warn(context.Background(), "failed to dispatch inactive beacon")
	}
}

func (h *Heartbeat) sendPing(ctx context.Context) {
	if !h.enabled.Load() {
		h.skip(ctx, skipDisabled)
		return
	}
	now := h.clock.Now()
	if reason := h.activity.skipReason(now); reason != "" {
		h.skip(ctx, reason)
		return
	}

	record := Record{
		"device_id": h.identity.DeviceID(),
		"is_active": true,
		"last_ping": adapters.FormatTime(now),
	}
	if name, ok := h.identity.UserName(); ok {
		record["user_name"] = name
	}
	if err := h.sink.Upsert(ctx, h.collection, record, "device_id"); err != nil {
		h.log.Warn(ctx, "failed to send presence ping", slog.Error(err))
		h.metrics.PingFailures.Inc()
		return
	}
	h.metrics.PingsSent.Inc()
}

func (h *Heartbeat) skip(ctx context.Context, reason string) {
	h.log.Debug(ctx, "skipping presence ping", slog.F("reason", reason))
	h.metrics.PingsSkipped.WithLabelValues(reason).Inc()
}

// beaconerFor uses the sink's own beacon support when it has one.
func beaconerFor(sink Sink) Beaconer {
	if b, ok := sink.(Beaconer); ok {
		return b
	}
	return &asyncBeaconer{sink: sink, timeout: adapters.DefaultBeaconTimeout}
}

// asyncBeaconer turns a plain Upsert into a fire-and-forget write.
type asyncBeaconer struct {
	sink    Sink
	timeout time.Duration
}

func (a *asyncBeaconer) SendBeacon(collection string, record Record, onConflict string) bool {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		_ = a.sink.Upsert(ctx, collection, record, onConflict)
	}()
	return true
}
