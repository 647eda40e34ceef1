package adapters

import (
	"fmt"
	"time"
)

// Record is a single row exchanged with a sink. Values are kept JSON
// compatible: strings, bools, numbers, nil, nested maps and slices.
type Record map[string]any

// TimeLayout is the layout of every timestamp written into a Record. It is
// fixed width and always UTC, so lexical order matches chronological order
// and range filters work on plain string comparison.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value stored under key as a string, and whether it was
// present and a string.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Time returns the value stored under key parsed with TimeLayout.
func (r Record) Time(key string) (time.Time, bool) {
	s, ok := r.String(key)
	if !ok {
		return time.Time{}, false
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// HTTPError is returned by HTTPSink when the sink answers with a non-2xx
// status.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sink request failed with status %d", e.Status)
	}
	return fmt.Sprintf("sink request failed with status %d: %s", e.Status, e.Body)
}
