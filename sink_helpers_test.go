package beacon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/Tap30/beacon-go/adapters"
)

func testLogger(t *testing.T) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type insertCall struct {
	collection string
	records    []Record
}

type upsertCall struct {
	collection string
	record     Record
	onConflict string
}

// recordingSink stores rows in a MemorySink and records every call.
type recordingSink struct {
	inner *adapters.MemorySink

	mu        sync.Mutex
	inserts   []insertCall
	upserts   []upsertCall
	selects   []Query
	insertErr error
	upsertErr error
	selectErr error
}

var _ Sink = (*recordingSink)(nil)

func newRecordingSink() *recordingSink {
	return &recordingSink{inner: adapters.NewMemorySink()}
}

func (s *recordingSink) InsertMany(ctx context.Context, collection string, records []Record) error {
	s.mu.Lock()
	s.inserts = append(s.inserts, insertCall{collection: collection, records: records})
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.InsertMany(ctx, collection, records)
}

func (s *recordingSink) Upsert(ctx context.Context, collection string, record Record, onConflict string) error {
	s.mu.Lock()
	s.upserts = append(s.upserts, upsertCall{collection: collection, record: record.Clone(), onConflict: onConflict})
	err := s.upsertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Upsert(ctx, collection, record, onConflict)
}

func (s *recordingSink) Select(ctx context.Context, query Query) (QueryResult, error) {
	s.mu.Lock()
	s.selects = append(s.selects, query)
	err := s.selectErr
	s.mu.Unlock()
	if err != nil {
		return QueryResult{}, err
	}
	return s.inner.Select(ctx, query)
}

func (s *recordingSink) FetchOne(ctx context.Context, collection string, filters ...Filter) FetchResult {
	return adapters.FetchFromQuery(s.Select(ctx, Query{Collection: collection, Filters: filters, Limit: 1}))
}

func (s *recordingSink) insertCalls() []insertCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]insertCall(nil), s.inserts...)
}

func (s *recordingSink) upsertCalls() []upsertCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]upsertCall(nil), s.upserts...)
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts) + len(s.upserts) + len(s.selects)
}

func (s *recordingSink) setErrors(insert, upsert, sel error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr, s.upsertErr, s.selectErr = insert, upsert, sel
}

// recordingBeaconer captures beacons instead of sending them.
type recordingBeaconer struct {
	mu    sync.Mutex
	calls []upsertCall
}

func (b *recordingBeaconer) SendBeacon(collection string, record Record, onConflict string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, upsertCall{collection: collection, record: record.Clone(), onConflict: onConflict})
	return true
}

func (b *recordingBeaconer) beacons() []upsertCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]upsertCall(nil), b.calls...)
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(string) (string, bool, error) { return "", false, errStorageUnavailable }
func (failingStore) Set(string, string) error         { return errStorageUnavailable }
func (failingStore) Delete(string) error              { return errStorageUnavailable }
func (failingStore) Clear() error                     { return errStorageUnavailable }

var errStorageUnavailable = xerrors.New("storage unavailable")

func requireNoPendingTimers(t *testing.T, peek func() (time.Duration, bool)) {
	t.Helper()
	_, ok := peek()
	require.False(t, ok, "expected no pending timers")
}
