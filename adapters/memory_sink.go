package adapters

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/xerrors"
)

// MemorySink keeps every collection in process memory. It is meant for
// tests, demos and as a stand-in while no remote sink is configured.
type MemorySink struct {
	mu          sync.RWMutex
	collections map[string][]Record
}

var (
	_ Sink     = (*MemorySink)(nil)
	_ Beaconer = (*MemorySink)(nil)
)

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{collections: make(map[string][]Record)}
}

// InsertMany appends copies of records to collection.
func (m *MemorySink) InsertMany(_ context.Context, collection string, records []Record) error {
	if !IsValidIdentifier(collection) {
		return xerrors.Errorf("invalid collection name %q", collection)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.collections[collection] = append(m.collections[collection], r.Clone())
	}
	return nil
}

// Upsert replaces the first record whose onConflict value equals the new
// record's, or appends it.
func (m *MemorySink) Upsert(_ context.Context, collection string, record Record, onConflict string) error {
	if !IsValidIdentifier(collection) {
		return xerrors.Errorf("invalid collection name %q", collection)
	}
	key, ok := record[onConflict]
	if !ok {
		return xerrors.Errorf("record has no conflict field %q", onConflict)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.collections[collection]
	for i, existing := range rows {
		if v, ok := existing[onConflict]; ok && fmt.Sprint(v) == fmt.Sprint(key) {
			rows[i] = record.Clone()
			return nil
		}
	}
	m.collections[collection] = append(rows, record.Clone())
	return nil
}

// Select evaluates the query against the stored rows.
func (m *MemorySink) Select(_ context.Context, query Query) (QueryResult, error) {
	if err := query.Validate(); err != nil {
		return QueryResult{}, err
	}
	m.mu.RLock()
	var matched []Record
	for _, r := range m.collections[query.Collection] {
		if MatchAll(r, query.Filters) {
			matched = append(matched, r.Clone())
		}
	}
	m.mu.RUnlock()

	res := QueryResult{Count: len(matched)}
	if query.CountOnly {
		return res, nil
	}
	if query.OrderBy != "" {
		SortRecords(matched, query.OrderBy, query.Descending)
	}
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	res.Rows = matched
	return res, nil
}

// FetchOne returns the first row matching filters.
func (m *MemorySink) FetchOne(ctx context.Context, collection string, filters ...Filter) FetchResult {
	return FetchFromQuery(m.Select(ctx, Query{Collection: collection, Filters: filters, Limit: 1}))
}

// SendBeacon performs the upsert immediately; memory writes cannot outlive
// the process anyway.
func (m *MemorySink) SendBeacon(collection string, record Record, onConflict string) bool {
	return m.Upsert(context.Background(), collection, record, onConflict) == nil
}

// Rows returns a copy of the records stored in collection.
func (m *MemorySink) Rows(collection string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.collections[collection]))
	for _, r := range m.collections[collection] {
		out = append(out, r.Clone())
	}
	return out
}
