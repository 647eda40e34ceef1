package beacon

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/Tap30/beacon-go/adapters"
)

const (
	deviceIDKey = "device_id"
	userNameKey = "user_name"
)

// Identity persists the device identifier and the optional display name.
type Identity struct {
	store KeyValueStore
	clock quartz.Clock
	log   slog.Logger

	mu sync.Mutex
	// fallback is handed out while the store cannot be read, so the id
	// stays stable for the lifetime of the process.
	fallback string
}

// NewIdentity creates an Identity backed by store.
func NewIdentity(store KeyValueStore, clock quartz.Clock, log slog.Logger) *Identity {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Identity{store: store, clock: clock, log: log}
}

// DeviceID returns the persisted device id, generating and persisting a
// random one on first use. A storage failure is logged and the id is still
// returned.
func (i *Identity) DeviceID() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	id, ok, err := i.store.Get(deviceIDKey)
	if err != nil {
		i.log.Warn(context.Background(), "failed to read device id", slog.Error(err))
		if i.fallback != "" {
			return i.fallback
		}
	}
	if err == nil && ok && id != "" {
		return id
	}

	id = uuid.NewString()
	i.fallback = id
	if err := i.store.Set(deviceIDKey, id); err != nil {
		i.log.Warn(context.Background(), "failed to persist device id", slog.Error(err))
	}
	return id
}

// UserName returns the stored display name.
func (i *Identity) UserName() (string, bool) {
	name, ok, err := i.store.Get(userNameKey)
	if err != nil {
		i.log.Warn(context.Background(), "failed to read user name", slog.Error(err))
		return "", false
	}
	return name, ok && name != ""
}

// SetUserName stores the display name locally.
func (i *Identity) SetUserName(name string) error {
	if err := i.store.Set(userNameKey, name); err != nil {
		return xerrors.Errorf("persist user name: %w", err)
	}
	return nil
}

// Register upserts the user record for this device into collection. An
// existing record keeps its created_at. A failed lookup is logged and
// nothing is written.
func (i *Identity) Register(ctx context.Context, sink Sink, collection string) {
	id := i.DeviceID()
	name, _ := i.UserName()
	now := adapters.FormatTime(i.clock.Now())

	var record Record
	res := sink.FetchOne(ctx, collection, adapters.Eq("device_id", id))
	switch res.Status {
	case adapters.FetchFound:
		record = res.Record.Clone()
		if _, ok := record["created_at"]; !ok {
			record["created_at"] = now
		}
	case adapters.FetchNotFound:
		record = Record{"created_at": now}
	default:
		i.log.Warn(ctx, "failed to look up user", slog.F("device_id", id), slog.Error(res.Err))
		return
	}
	record["device_id"] = id
	record["user_name"] = name
	record["updated_at"] = now

	if err := sink.Upsert(ctx, collection, record, "device_id"); err != nil {
		i.log.Warn(ctx, "failed to register user", slog.F("device_id", id), slog.Error(err))
	}
}
