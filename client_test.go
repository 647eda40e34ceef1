package beacon

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/Tap30/beacon-go/adapters"
)

func boolPtr(b bool) *bool {
	return &b
}

type clientFixture struct {
	client   *Client
	sink     *recordingSink
	store    *adapters.MemoryKeyValueStore
	beaconer *recordingBeaconer
	clock    *quartz.Mock
}

func createTestConfig(sink Sink, store KeyValueStore) Config {
	return Config{
		Sink:    sink,
		Storage: store,
	}
}

func newClientFixture(t *testing.T, mutate func(*Config)) *clientFixture {
	t.Helper()
	f := &clientFixture{
		sink:     newRecordingSink(),
		store:    adapters.NewMemoryKeyValueStore(),
		beaconer: &recordingBeaconer{},
		clock:    quartz.NewMock(t),
	}
	cfg := createTestConfig(f.sink, f.store)
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg,
		WithClock(f.clock),
		WithLogger(testLogger(t)),
		WithBeaconer(f.beaconer),
	)
	require.NoError(t, err)
	f.client = client
	t.Cleanup(client.Dispose)
	return f
}

func TestClient_ConfigValidation(t *testing.T) {
	t.Parallel()

	t.Run("should return error if Sink is missing", func(t *testing.T) {
		t.Parallel()
		_, err := NewClient(Config{Storage: adapters.NewMemoryKeyValueStore()})
		require.ErrorIs(t, err, ErrSinkRequired)
	})

	t.Run("should return error if Storage is missing", func(t *testing.T) {
		t.Parallel()
		_, err := NewClient(Config{Sink: adapters.NewMemorySink()})
		require.ErrorIs(t, err, ErrStorageRequired)
	})

	t.Run("should return error for an invalid collection name", func(t *testing.T) {
		t.Parallel()
		cfg := createTestConfig(adapters.NewMemorySink(), adapters.NewMemoryKeyValueStore())
		cfg.Collections.Visits = "page views"
		_, err := NewClient(cfg)
		require.Error(t, err)
	})
}

func TestClient_DefaultConfig(t *testing.T) {
	t.Parallel()

	client, err := NewClient(createTestConfig(adapters.NewMemorySink(), adapters.NewMemoryKeyValueStore()))
	require.NoError(t, err)

	cfg := client.config
	assert.Equal(t, DefaultFlushInterval, cfg.FlushInterval)
	assert.Equal(t, DefaultMaxQueueSize, cfg.MaxQueueSize)
	assert.Equal(t, DefaultFinalFlushTimeout, cfg.FinalFlushTimeout)
	assert.Equal(t, DefaultPingInterval, cfg.PingInterval)
	assert.Equal(t, DefaultMinActivityGap, cfg.MinActivityGap)
	assert.Equal(t, DefaultActiveThreshold, cfg.ActiveThreshold)
	assert.Equal(t, DefaultCollections(), cfg.Collections)
	assert.True(t, client.Enabled())

	// The memory sink can beacon on its own.
	assert.Same(t, cfg.Sink, client.heartbeat.beaconer)
}

func TestClient_InitializationValidation(t *testing.T) {
	t.Parallel()

	t.Run("should return error if Track called before Init", func(t *testing.T) {
		t.Parallel()
		f := newClientFixture(t, nil)
		err := f.client.TrackVisit(testContext(t), "/home", nil)
		require.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("should allow tracking after Init", func(t *testing.T) {
		t.Parallel()
		f := newClientFixture(t, nil)
		ctx := testContext(t)
		require.NoError(t, f.client.Init(ctx))
		require.NoError(t, f.client.Init(ctx), "init should be idempotent")
		require.NoError(t, f.client.TrackVisit(ctx, "/home", nil))
		assert.Equal(t, 1, f.client.batcher.Len())
	})

	t.Run("should reject tracking after Dispose", func(t *testing.T) {
		t.Parallel()
		f := newClientFixture(t, nil)
		ctx := testContext(t)
		require.NoError(t, f.client.Init(ctx))
		f.client.Dispose()
		require.ErrorIs(t, f.client.TrackVisit(ctx, "/home", nil), ErrNotInitialized)
	})
}

func TestClient_TrackValidation(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)
	ctx := testContext(t)
	require.NoError(t, f.client.Init(ctx))

	require.ErrorIs(t, f.client.TrackVisit(ctx, "", nil), ErrInvalidName)
	require.ErrorIs(t, f.client.TrackVisit(ctx, strings.Repeat("a", 256), nil), ErrInvalidName)
	require.ErrorIs(t, f.client.TrackInteraction(ctx, "click", "", nil), ErrInvalidName)
	require.ErrorIs(t, f.client.TrackInteraction(ctx, "", "buy", nil), ErrInvalidName)
	require.ErrorIs(t, f.client.Track(ctx, Category("purchase"), Record{}), ErrInvalidCategory)
	assert.Equal(t, 0, f.client.batcher.Len())
}

func TestClient_TrackEnrichesRecords(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)
	ctx := testContext(t)
	require.NoError(t, f.client.Init(ctx))

	require.NoError(t, f.client.SetProperty("app_version", "1.2.3"))
	require.NoError(t, f.client.SetProperty("page", "overridden by the visit"))
	require.NoError(t, f.client.SetUserName(ctx, "alice"))

	require.NoError(t, f.client.TrackVisit(ctx, "/home", map[string]any{"referrer": "/landing"}))
	require.NoError(t, f.client.TrackInteraction(ctx, "click", "buy", nil))
	f.client.Flush(ctx)

	calls := f.sink.insertCalls()
	require.Len(t, calls, 2)
	now := adapters.FormatTime(f.clock.Now())

	interaction := calls[0].records[0]
	assert.Equal(t, "interactions", calls[0].collection)
	assert.Equal(t, "click", interaction["kind"])
	assert.Equal(t, "buy", interaction["target"])
	assert.Equal(t, now, interaction["occurred_at"])
	assert.Equal(t, f.client.DeviceID(), interaction["device_id"])
	assert.Equal(t, "alice", interaction["user_name"])
	assert.Equal(t, "1.2.3", interaction["app_version"])

	visit := calls[1].records[0]
	assert.Equal(t, "visits", calls[1].collection)
	assert.Equal(t, "/home", visit["page"])
	assert.Equal(t, "/landing", visit["referrer"])
	assert.Equal(t, now, visit["visited_at"])
	assert.Equal(t, "1.2.3", visit["app_version"])
}

func TestClient_TrackNormalizesTimestamps(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)
	ctx := testContext(t)
	require.NoError(t, f.client.Init(ctx))

	earlier := f.clock.Now().Add(-time.Hour)
	local := time.FixedZone("UTC+3:30", 12600)
	now := adapters.FormatTime(f.clock.Now())

	require.NoError(t, f.client.TrackVisit(ctx, "/time", map[string]any{"visited_at": earlier.In(local)}))
	require.NoError(t, f.client.TrackVisit(ctx, "/string", map[string]any{"visited_at": adapters.FormatTime(earlier)}))
	require.NoError(t, f.client.TrackVisit(ctx, "/garbage", map[string]any{"visited_at": "yesterday"}))
	require.NoError(t, f.client.TrackInteraction(ctx, "click", "buy", map[string]any{"occurred_at": 42}))
	f.client.Flush(ctx)

	calls := f.sink.insertCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, now, calls[0].records[0]["occurred_at"])

	visits := calls[1].records
	require.Len(t, visits, 3)
	assert.Equal(t, adapters.FormatTime(earlier), visits[0]["visited_at"])
	assert.Equal(t, adapters.FormatTime(earlier), visits[1]["visited_at"])
	assert.Equal(t, now, visits[2]["visited_at"])
}

func TestClient_CapacityAndDebounce(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)
	ctx := testContext(t)
	require.NoError(t, f.client.Init(ctx))

	for i := 0; i < DefaultMaxQueueSize; i++ {
		require.NoError(t, f.client.TrackInteraction(ctx, "click", "buy", nil))
	}
	require.Len(t, f.sink.insertCalls(), 1)
	requireNoPendingTimers(t, f.clock.Peek)

	require.NoError(t, f.client.TrackVisit(ctx, "/home", nil))
	f.clock.Advance(DefaultFlushInterval).MustWait(ctx)
	require.Len(t, f.sink.insertCalls(), 2)
}

func TestClient_Properties(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)

	require.ErrorIs(t, f.client.SetProperty("", 1), ErrInvalidPropertyKey)
	require.ErrorIs(t, f.client.SetProperty(strings.Repeat("k", 256), 1), ErrInvalidPropertyKey)
	require.NoError(t, f.client.SetProperty("plan", "pro"))

	props := f.client.Properties()
	assert.Equal(t, map[string]any{"plan": "pro"}, props)

	props["plan"] = "free"
	assert.Equal(t, "pro", f.client.Properties()["plan"], "returned map must be a copy")
}

func TestClient_Disabled(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, func(c *Config) { c.Enabled = boolPtr(false) })
	ctx := testContext(t)
	require.NoError(t, f.client.Init(ctx))
	assert.False(t, f.client.Enabled())

	for i := 0; i < DefaultMaxQueueSize+2; i++ {
		require.NoError(t, f.client.TrackVisit(ctx, "/home", nil))
	}
	f.client.StartLiveTracking(ctx)
	f.client.Flush(ctx)
	require.NoError(t, f.client.SetUserName(ctx, "alice"))
	f.client.Dispose()

	assert.Equal(t, 0, f.sink.callCount())
	assert.Empty(t, f.beaconer.beacons())
	requireNoPendingTimers(t, f.clock.Peek)

	// Identity persistence keeps working while disabled.
	name, ok := f.client.UserName()
	assert.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.NotEmpty(t, f.client.DeviceID())
}

func TestClient_SetEnabled(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)
	ctx := testContext(t)
	require.NoError(t, f.client.Init(ctx))

	f.client.SetEnabled(false)
	require.NoError(t, f.client.TrackVisit(ctx, "/dropped", nil))
	f.client.SetEnabled(true)
	require.NoError(t, f.client.TrackVisit(ctx, "/kept", nil))
	f.client.Flush(ctx)

	calls := f.sink.insertCalls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].records, 1)
	assert.Equal(t, "/kept", calls[0].records[0]["page"])
}

func TestClient_SetUserName(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)
	ctx := testContext(t)

	require.ErrorIs(t, f.client.SetUserName(ctx, ""), ErrInvalidName)
	require.NoError(t, f.client.SetUserName(ctx, "alice"))

	name, ok := f.client.UserName()
	assert.True(t, ok)
	assert.Equal(t, "alice", name)

	rows := f.sink.inner.Rows("users")
	require.Len(t, rows, 1)
	assert.Equal(t, f.client.DeviceID(), rows[0]["device_id"])
	assert.Equal(t, "alice", rows[0]["user_name"])
}

func TestClient_ActivityGatesPings(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)
	ctx := testContext(t)

	f.client.SetVisible(false)
	f.client.StartLiveTracking(ctx)
	assert.Empty(t, f.sink.upsertCalls())
	assert.False(t, f.client.Activity().Snapshot().Visible)

	f.clock.Advance(15 * time.Second).MustWait(ctx)
	f.client.SetVisible(true)
	f.client.RecordActivity()
	f.clock.Advance(5 * time.Second).MustWait(ctx)
	assert.Len(t, f.sink.upsertCalls(), 1)

	f.client.StopLiveTracking()
	require.Len(t, f.beaconer.beacons(), 1)
}

func TestClient_Dispose(t *testing.T) {
	t.Parallel()

	t.Run("should flush, stop pinging and beacon once", func(t *testing.T) {
		t.Parallel()
		f := newClientFixture(t, nil)
		ctx := testContext(t)
		require.NoError(t, f.client.Init(ctx))

		f.client.StartLiveTracking(ctx)
		require.NoError(t, f.client.TrackVisit(ctx, "/home", nil))
		require.NoError(t, f.client.TrackInteraction(ctx, "click", "buy", nil))

		f.client.Dispose()

		assert.Len(t, f.sink.insertCalls(), 2)
		assert.False(t, f.client.heartbeat.Tracking())
		requireNoPendingTimers(t, f.clock.Peek)

		beacons := f.beaconer.beacons()
		require.Len(t, beacons, 1)
		assert.Equal(t, false, beacons[0].record["is_active"])
		assert.True(t, f.client.ExitHook().Ran())

		f.client.Dispose()
		assert.Len(t, f.beaconer.beacons(), 1)
	})

	t.Run("should work before initialization", func(t *testing.T) {
		t.Parallel()
		f := newClientFixture(t, nil)
		f.client.Dispose()
		f.client.Flush(testContext(t))
		assert.Equal(t, 0, f.sink.callCount())
	})

	t.Run("should run extra exit hooks first", func(t *testing.T) {
		t.Parallel()
		f := newClientFixture(t, nil)
		ctx := testContext(t)
		require.NoError(t, f.client.Init(ctx))
		require.NoError(t, f.client.TrackVisit(ctx, "/home", nil))

		var queuedAtExit int
		f.client.ExitHook().Register("custom", func() {
			queuedAtExit = f.client.batcher.Len()
		})
		f.client.Dispose()
		assert.Equal(t, 1, queuedAtExit)
		assert.Len(t, f.sink.insertCalls(), 1)
	})
}

func TestClient_Registerer(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewClient(createTestConfig(adapters.NewMemorySink(), adapters.NewMemoryKeyValueStore()), WithRegisterer(reg))
	require.NoError(t, err)

	// A second client on the same registry collides.
	require.Panics(t, func() {
		_, _ = NewClient(createTestConfig(adapters.NewMemorySink(), adapters.NewMemoryKeyValueStore()), WithRegisterer(reg))
	})

	// Private registries never collide.
	_, err = NewClient(createTestConfig(adapters.NewMemorySink(), adapters.NewMemoryKeyValueStore()))
	require.NoError(t, err)
	_, err = NewClient(createTestConfig(adapters.NewMemorySink(), adapters.NewMemoryKeyValueStore()))
	require.NoError(t, err)
}

func TestClient_Reports(t *testing.T) {
	t.Parallel()
	f := newClientFixture(t, nil)
	ctx := testContext(t)
	require.NoError(t, f.client.Init(ctx))

	f.client.StartLiveTracking(ctx)
	require.NoError(t, f.client.TrackInteraction(ctx, "click", "buy", nil))
	require.NoError(t, f.client.TrackVisit(ctx, "/home", nil))
	f.client.Flush(ctx)

	r := f.client.Reports()
	assert.Equal(t, 1, r.LiveUsersCount(ctx))
	assert.Equal(t, []Rank{{Key: "buy", Count: 1}}, r.Popularity(ctx, 5))
	assert.Equal(t, []Rank{{Key: "/home", Count: 1}}, r.PageViews(ctx, 5))
	assert.Equal(t, 1, r.HourlyCounts(ctx, f.clock.Now())[f.clock.Now().UTC().Hour()])
}
