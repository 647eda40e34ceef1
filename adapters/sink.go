package adapters

import "context"

// Sink is the remote data store telemetry is written to and read back from.
// Implement this interface to plug in a custom backend.
type Sink interface {
	// InsertMany appends records to the named collection in one grouped
	// write.
	InsertMany(ctx context.Context, collection string, records []Record) error

	// Upsert writes a single record into the named collection, replacing
	// any existing record whose onConflict field has the same value.
	Upsert(ctx context.Context, collection string, record Record, onConflict string) error

	// Select runs a filtered, sorted and limited read. With
	// Query.CountOnly set only QueryResult.Count is populated.
	Select(ctx context.Context, query Query) (QueryResult, error)

	// FetchOne returns the first record matching every filter.
	FetchOne(ctx context.Context, collection string, filters ...Filter) FetchResult
}

// Beaconer dispatches a write without waiting for it. It is used at
// teardown, when the caller cannot afford to block and the process may exit
// before the write completes.
type Beaconer interface {
	// SendBeacon upserts record into collection on onConflict in the
	// background. It reports only whether the write was handed off; delivery
	// is never confirmed.
	SendBeacon(collection string, record Record, onConflict string) bool
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// Filter restricts a query to records whose Field compares to Value with Op.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Eq is shorthand for an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Gte is shorthand for a greater-or-equal filter.
func Gte(field string, value any) Filter {
	return Filter{Field: field, Op: OpGte, Value: value}
}

// Lt is shorthand for a strictly-less filter.
func Lt(field string, value any) Filter {
	return Filter{Field: field, Op: OpLt, Value: value}
}

// Query describes a read against a single collection.
type Query struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    string   `json:"order_by,omitempty"`
	Descending bool     `json:"descending,omitempty"`
	// Limit caps the number of rows returned. Zero means no limit.
	Limit     int  `json:"limit,omitempty"`
	CountOnly bool `json:"count_only,omitempty"`
}

// QueryResult is the answer to a Query. Count is the number of matching
// records before Limit is applied.
type QueryResult struct {
	Rows  []Record `json:"rows"`
	Count int      `json:"count"`
}
