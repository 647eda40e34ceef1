package beacon

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/Tap30/beacon-go/adapters"
)

// Re-export adapter types for convenience
type (
	Record        = adapters.Record
	Sink          = adapters.Sink
	Beaconer      = adapters.Beaconer
	KeyValueStore = adapters.KeyValueStore
	Filter        = adapters.Filter
	Query         = adapters.Query
	QueryResult   = adapters.QueryResult
	FetchResult   = adapters.FetchResult
)

// Category decides which sink collection a queued event is written to.
type Category string

const (
	CategoryInteraction Category = "interaction"
	CategoryVisit       Category = "visit"
)

// flushOrder is the order in which a batch's categories are written.
var flushOrder = []Category{CategoryInteraction, CategoryVisit}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryInteraction || c == CategoryVisit
}

// QueuedEvent is a payload waiting in the batcher for the next flush.
type QueuedEvent struct {
	Category Category
	Payload  Record
}

const (
	DefaultFlushInterval     = 5 * time.Second
	DefaultMaxQueueSize      = 10
	DefaultFinalFlushTimeout = 5 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultMinActivityGap    = 10 * time.Second
	DefaultActiveThreshold   = 60 * time.Second
)

// Collections names the sink collection each kind of record goes to.
type Collections struct {
	Visits       string
	Interactions string
	Presence     string
	Users        string
}

// DefaultCollections returns the collection names used when Config leaves
// them empty.
func DefaultCollections() Collections {
	return Collections{
		Visits:       "visits",
		Interactions: "interactions",
		Presence:     "presence",
		Users:        "users",
	}
}

func (c Collections) withDefaults() Collections {
	d := DefaultCollections()
	if c.Visits == "" {
		c.Visits = d.Visits
	}
	if c.Interactions == "" {
		c.Interactions = d.Interactions
	}
	if c.Presence == "" {
		c.Presence = d.Presence
	}
	if c.Users == "" {
		c.Users = d.Users
	}
	return c
}

func (c Collections) validate() error {
	for _, name := range []string{c.Visits, c.Interactions, c.Presence, c.Users} {
		if !adapters.IsValidIdentifier(name) {
			return xerrors.Errorf("invalid collection name %q", name)
		}
	}
	return nil
}

func (c Collections) forCategory(cat Category) string {
	if cat == CategoryVisit {
		return c.Visits
	}
	return c.Interactions
}

// Config configures a Client. Zero values are replaced by the defaults
// above.
type Config struct {
	// Sink receives every record. Required.
	Sink Sink
	// Storage persists the device identifier and user name. Required.
	Storage KeyValueStore

	Collections Collections

	FlushInterval     time.Duration
	MaxQueueSize      int
	FinalFlushTimeout time.Duration

	PingInterval    time.Duration
	MinActivityGap  time.Duration
	ActiveThreshold time.Duration

	// Enabled is the initial state of the global enable flag. Nil means
	// enabled.
	Enabled *bool
}

func (c Config) withDefaults() Config {
	c.Collections = c.Collections.withDefaults()
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = DefaultFinalFlushTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MinActivityGap <= 0 {
		c.MinActivityGap = DefaultMinActivityGap
	}
	if c.ActiveThreshold <= 0 {
		c.ActiveThreshold = DefaultActiveThreshold
	}
	return c
}

var (
	ErrSinkRequired       = xerrors.New("sink is required")
	ErrStorageRequired    = xerrors.New("storage is required")
	ErrNotInitialized     = xerrors.New("client not initialized, call Init() before tracking events")
	ErrInvalidName        = xerrors.New("name must be between 1 and 255 characters")
	ErrInvalidCategory    = xerrors.New("unknown event category")
	ErrInvalidPropertyKey = xerrors.New("property key must be between 1 and 255 characters")
)

const maxNameLength = 255

func validName(s string) bool {
	return len(s) > 0 && len(s) <= maxNameLength
}
