package adapters

import (
	"cmp"
	"slices"
	"strings"

	"golang.org/x/xerrors"
)

// IsValidIdentifier checks if a string is a safe collection or field name
// (alphanumeric and underscore only).
func IsValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Validate checks that every name in the query is a safe identifier and
// every operator is known.
func (q Query) Validate() error {
	if !IsValidIdentifier(q.Collection) {
		return xerrors.Errorf("invalid collection name %q", q.Collection)
	}
	for _, f := range q.Filters {
		if !IsValidIdentifier(f.Field) {
			return xerrors.Errorf("invalid filter field %q", f.Field)
		}
		if !f.Op.Valid() {
			return xerrors.Errorf("invalid filter operator %q", f.Op)
		}
	}
	if q.OrderBy != "" && !IsValidIdentifier(q.OrderBy) {
		return xerrors.Errorf("invalid order field %q", q.OrderBy)
	}
	if q.Limit < 0 {
		return xerrors.Errorf("limit must not be negative, got %d", q.Limit)
	}
	return nil
}

// Match reports whether the record satisfies the filter. A missing field
// never matches. Values of different kinds only satisfy OpNeq.
func (f Filter) Match(r Record) bool {
	v, ok := r[f.Field]
	if !ok || v == nil {
		return false
	}
	c, ok := compareValues(v, f.Value)
	if !ok {
		return f.Op == OpNeq
	}
	switch f.Op {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// MatchAll reports whether the record satisfies every filter.
func MatchAll(r Record, filters []Filter) bool {
	for _, f := range filters {
		if !f.Match(r) {
			return false
		}
	}
	return true
}

// SortRecords orders rows in place by the value of field. Rows whose values
// cannot be compared keep their relative order.
func SortRecords(rows []Record, field string, descending bool) {
	slices.SortStableFunc(rows, func(a, b Record) int {
		c, ok := compareValues(a[field], b[field])
		if !ok {
			return 0
		}
		if descending {
			return -c
		}
		return c
	})
}

func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case av:
			return 1, true
		default:
			return -1, true
		}
	}
	af, ok := toFloat(a)
	if !ok {
		return 0, false
	}
	bf, ok := toFloat(b)
	if !ok {
		return 0, false
	}
	return cmp.Compare(af, bf), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
