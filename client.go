package beacon

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"

	"github.com/Tap30/beacon-go/adapters"
)

// Client is the telemetry collector facade. It batches visits and
// interactions, runs the presence heartbeat, keeps the device identity and
// serves aggregate reports.
type Client struct {
	config   Config
	clock    quartz.Clock
	log      slog.Logger
	reg      prometheus.Registerer
	beaconer Beaconer

	enabled    *atomic.Bool
	metrics    *Metrics
	identity   *Identity
	properties *Properties
	activity   *ActivityTracker
	heartbeat  *Heartbeat
	reports    *Reports
	exitHook   *ExitHook

	mu          sync.RWMutex
	batcher     *Batcher
	cancel      context.CancelFunc
	initialized bool
}

// Option is a functional option for configuring a Client.
type Option func(c *Client)

// WithClock replaces the real clock, e.g. with a quartz mock in tests.
func WithClock(clock quartz.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithLogger replaces the default stderr logger.
func WithLogger(log slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithRegisterer registers the client's metrics with reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.reg = reg
	}
}

// WithBeaconer overrides how the teardown presence write is dispatched.
func WithBeaconer(b Beaconer) Option {
	return func(c *Client) {
		c.beaconer = b
	}
}

// NewClient validates config, fills in defaults and builds every component.
// Call Init before tracking.
func NewClient(config Config, opts ...Option) (*Client, error) {
	if config.Sink == nil {
		return nil, ErrSinkRequired
	}
	if config.Storage == nil {
		return nil, ErrStorageRequired
	}
	config = config.withDefaults()
	if err := config.Collections.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		clock:      quartz.NewReal(),
		log:        slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelWarn),
		properties: NewProperties(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reg == nil {
		c.reg = prometheus.NewRegistry()
	}

	enabled := true
	if config.Enabled != nil {
		enabled = *config.Enabled
	}
	c.enabled = atomic.NewBool(enabled)
	c.metrics = NewMetrics(c.reg)
	c.identity = NewIdentity(config.Storage, c.clock, c.log.Named("identity"))
	c.activity = NewActivityTracker(c.clock.Now(), config.MinActivityGap)
	c.heartbeat = NewHeartbeat(HeartbeatConfig{
		Sink:         config.Sink,
		Beaconer:     c.beaconer,
		Collection:   config.Collections.Presence,
		Identity:     c.identity,
		Activity:     c.activity,
		PingInterval: config.PingInterval,
		Clock:        c.clock,
		Logger:       c.log.Named("heartbeat"),
		Enabled:      c.enabled,
		Metrics:      c.metrics,
	})
	c.reports = NewReports(config.Sink, config.Collections, config.ActiveThreshold, c.clock, c.log.Named("reports"))
	c.exitHook = NewExitHook(c.log.Named("exit"))

	return c, nil
}

// Init starts the batcher and registers the teardown work on the exit hook.
// Calling it again is a no-op.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	if c.exitHook.Ran() {
		// Re-initialized after Dispose.
		c.exitHook = NewExitHook(c.log.Named("exit"))
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.batcher = NewBatcher(ctx, BatcherConfig{
		Sink:              c.config.Sink,
		Collections:       c.config.Collections,
		FlushInterval:     c.config.FlushInterval,
		MaxQueueSize:      c.config.MaxQueueSize,
		FinalFlushTimeout: c.config.FinalFlushTimeout,
		Clock:             c.clock,
		Logger:            c.log.Named("batcher"),
		Enabled:           c.enabled,
		Metrics:           c.metrics,
	})

	// Run in reverse: stop pinging, flush what is queued, then cancel.
	c.exitHook.Register("context", cancel)
	c.exitHook.Register("batcher", c.batcher.Close)
	c.exitHook.Register("heartbeat", c.heartbeat.Stop)

	// Materialize the device id so the first event does not pay for it.
	_ = c.identity.DeviceID()

	c.initialized = true
	c.log.Info(ctx, "client initialized successfully")
	return nil
}

func (c *Client) activeBatcher() (*Batcher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	return c.batcher, nil
}

// TrackVisit records a page view.
func (c *Client) TrackVisit(ctx context.Context, page string, props map[string]any) error {
	if !validName(page) {
		return ErrInvalidName
	}
	payload := Record{}
	for k, v := range props {
		payload[k] = v
	}
	payload["page"] = page
	return c.Track(ctx, CategoryVisit, payload)
}

// TrackInteraction records a user interaction of kind with target.
func (c *Client) TrackInteraction(ctx context.Context, kind, target string, props map[string]any) error {
	if !validName(kind) || !validName(target) {
		return ErrInvalidName
	}
	payload := Record{}
	for k, v := range props {
		payload[k] = v
	}
	payload["kind"] = kind
	payload["target"] = target
	return c.Track(ctx, CategoryInteraction, payload)
}

// Track enriches payload with the device identity, a timestamp and the
// global properties and queues it. Delivery errors are never returned.
func (c *Client) Track(ctx context.Context, category Category, payload Record) error {
	if !category.Valid() {
		return ErrInvalidCategory
	}
	b, err := c.activeBatcher()
	if err != nil {
		return err
	}

	record := payload.Clone()
	c.properties.MergeInto(record)
	record["device_id"] = c.identity.DeviceID()
	if name, ok := c.identity.UserName(); ok {
		record["user_name"] = name
	}
	field := "occurred_at"
	if category == CategoryVisit {
		field = "visited_at"
	}
	record[field] = c.timestamp(record[field])

	c.log.Debug(ctx, "tracking event", slog.F("category", category))
	b.Enqueue(ctx, category, record)
	return nil
}

// timestamp normalizes a caller-supplied time to TimeLayout, falling back
// to now for anything that is not a time.
func (c *Client) timestamp(v any) string {
	switch t := v.(type) {
	case time.Time:
		return adapters.FormatTime(t)
	case string:
		if parsed, err := adapters.ParseTime(t); err == nil {
			return adapters.FormatTime(parsed)
		}
	}
	return adapters.FormatTime(c.clock.Now())
}

// SetProperty sets a global property merged into every tracked record.
func (c *Client) SetProperty(key string, value any) error {
	return c.properties.Set(key, value)
}

// Properties returns a copy of the global properties.
func (c *Client) Properties() map[string]any {
	return c.properties.GetAll()
}

// RecordActivity marks user input now.
func (c *Client) RecordActivity() {
	c.activity.RecordInput(c.clock.Now())
}

// SetVisible records a visibility change now.
func (c *Client) SetVisible(visible bool) {
	c.activity.SetVisible(visible, c.clock.Now())
}

// Activity returns the activity tracker, e.g. to feed it a Signal channel
// with Run.
func (c *Client) Activity() *ActivityTracker {
	return c.activity
}

// StartLiveTracking starts (or restarts) the presence heartbeat.
func (c *Client) StartLiveTracking(ctx context.Context) {
	c.heartbeat.StartLiveTracking(ctx)
}

// StopLiveTracking stops the heartbeat and marks the device inactive.
func (c *Client) StopLiveTracking() {
	c.heartbeat.Stop()
}

// SetUserName stores the display name and registers the user with the
// sink. Registration failures are logged, not returned.
func (c *Client) SetUserName(ctx context.Context, name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	if err := c.identity.SetUserName(name); err != nil {
		return err
	}
	if !c.enabled.Load() {
		return nil
	}
	c.identity.Register(ctx, c.config.Sink, c.config.Collections.Users)
	return nil
}

// DeviceID returns the persisted device identifier.
func (c *Client) DeviceID() string {
	return c.identity.DeviceID()
}

// UserName returns the stored display name, if any.
func (c *Client) UserName() (string, bool) {
	return c.identity.UserName()
}

// SetEnabled flips the global enable flag. While disabled nothing is queued,
// pinged or written; identity persistence keeps working.
func (c *Client) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Enabled reports the global enable flag.
func (c *Client) Enabled() bool {
	return c.enabled.Load()
}

// Flush writes every queued event now.
func (c *Client) Flush(ctx context.Context) {
	b, err := c.activeBatcher()
	if err != nil {
		c.log.Warn(ctx, "flush called before initialization")
		return
	}
	c.log.Debug(ctx, "flushing events")
	b.Flush(ctx)
}

// Reports returns the aggregate queries over the sink.
func (c *Client) Reports() *Reports {
	return c.reports
}

// ExitHook returns the hook Dispose runs. Register extra teardown work on
// it, or call NotifyOnSignal to run it on SIGINT and SIGTERM.
func (c *Client) ExitHook() *ExitHook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exitHook
}

// Dispose runs the exit hook: it stops the heartbeat, performs a final
// flush and releases the client.
func (c *Client) Dispose() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		c.heartbeat.Stop()
		return
	}
	c.initialized = false
	hook := c.exitHook
	c.mu.Unlock()

	c.log.Info(context.Background(), "disposing client")
	hook.Run()
}
