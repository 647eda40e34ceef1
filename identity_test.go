package beacon

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"

	"github.com/Tap30/beacon-go/adapters"
)

func TestIdentity_DeviceID(t *testing.T) {
	t.Parallel()

	t.Run("should be stable", func(t *testing.T) {
		t.Parallel()
		id := NewIdentity(adapters.NewMemoryKeyValueStore(), nil, testLogger(t))
		first := id.DeviceID()
		require.NotEmpty(t, first)
		assert.Equal(t, first, id.DeviceID())
	})

	t.Run("should survive restarts", func(t *testing.T) {
		t.Parallel()
		fs := afero.NewMemMapFs()
		first := NewIdentity(adapters.NewFileKeyValueStore(fs, "beacon.json"), nil, testLogger(t)).DeviceID()
		second := NewIdentity(adapters.NewFileKeyValueStore(fs, "beacon.json"), nil, testLogger(t)).DeviceID()
		assert.Equal(t, first, second)
	})

	t.Run("should regenerate after the store is cleared", func(t *testing.T) {
		t.Parallel()
		store := adapters.NewMemoryKeyValueStore()
		id := NewIdentity(store, nil, testLogger(t))
		first := id.DeviceID()

		require.NoError(t, store.Clear())
		second := id.DeviceID()
		assert.NotEqual(t, first, second)
		assert.Equal(t, second, id.DeviceID())
	})

	t.Run("should still return an id when storage fails", func(t *testing.T) {
		t.Parallel()
		id := NewIdentity(failingStore{}, nil, testLogger(t))
		first := id.DeviceID()
		require.NotEmpty(t, first)
		assert.Equal(t, first, id.DeviceID())
	})
}

func TestIdentity_UserName(t *testing.T) {
	t.Parallel()

	id := NewIdentity(adapters.NewMemoryKeyValueStore(), nil, testLogger(t))
	_, ok := id.UserName()
	assert.False(t, ok)

	require.NoError(t, id.SetUserName("alice"))
	name, ok := id.UserName()
	assert.True(t, ok)
	assert.Equal(t, "alice", name)

	broken := NewIdentity(failingStore{}, nil, testLogger(t))
	require.Error(t, broken.SetUserName("bob"))
	_, ok = broken.UserName()
	assert.False(t, ok)
}

func TestIdentity_Register(t *testing.T) {
	t.Parallel()

	t.Run("should create the user when not found", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		clock := quartz.NewMock(t)
		sink := newRecordingSink()
		id := NewIdentity(adapters.NewMemoryKeyValueStore(), clock, testLogger(t))
		require.NoError(t, id.SetUserName("alice"))

		id.Register(ctx, sink, "users")

		calls := sink.upsertCalls()
		require.Len(t, calls, 1)
		rec := calls[0].record
		now := adapters.FormatTime(clock.Now())
		assert.Equal(t, "users", calls[0].collection)
		assert.Equal(t, "device_id", calls[0].onConflict)
		assert.Equal(t, id.DeviceID(), rec["device_id"])
		assert.Equal(t, "alice", rec["user_name"])
		assert.Equal(t, now, rec["created_at"])
		assert.Equal(t, now, rec["updated_at"])
	})

	t.Run("should keep created_at when found", func(t *testing.T) {
		t.Parallel()
		ctx := testContext(t)
		clock := quartz.NewMock(t)
		sink := newRecordingSink()
		id := NewIdentity(adapters.NewMemoryKeyValueStore(), clock, testLogger(t))

		require.NoError(t, id.SetUserName("alice"))
		id.Register(ctx, sink, "users")
		created := adapters.FormatTime(clock.Now())

		clock.Advance(time.Hour).MustWait(ctx)
		require.NoError(t, id.SetUserName("bob"))
		id.Register(ctx, sink, "users")

		got := sink.FetchOne(ctx, "users", adapters.Eq("device_id", id.DeviceID()))
		require.Equal(t, adapters.FetchFound, got.Status)
		assert.Equal(t, "bob", got.Record["user_name"])
		assert.Equal(t, created, got.Record["created_at"])
		assert.Equal(t, adapters.FormatTime(clock.Now()), got.Record["updated_at"])
		assert.Len(t, sink.inner.Rows("users"), 1)
	})

	t.Run("should write nothing when the lookup fails", func(t *testing.T) {
		t.Parallel()
		sink := newRecordingSink()
		sink.setErrors(nil, nil, xerrors.New("sink down"))
		id := NewIdentity(adapters.NewMemoryKeyValueStore(), nil, testLogger(t))

		id.Register(testContext(t), sink, "users")
		assert.Empty(t, sink.upsertCalls())
	})
}
