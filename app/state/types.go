package state

import (
	"context"
	"log/slog"
	"time"
)

const (
	SchemaVersion = 1

	DefaultMaxItems    = 10000
	DefaultLockTimeout = 30 * time.Second
)

// Record is the persisted state of one externally-sourced item.
type Record struct {
	ItemID            string           `json:"-"`
	SourceType        string           `json:"source_type"`
	SourceName        string           `json:"source_name"`
	ActionsApplied    []string         `json:"actions_applied"`
	FreshnessCounters map[string]int64 `json:"freshness_counters,omitempty"`
	LastProcessed     time.Time        `json:"last_processed"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

// HasAction reports whether action was already recorded for the item.
func (r *Record) HasAction(action string) bool {
	for _, a := range r.ActionsApplied {
		if a == action {
			return true
		}
	}
	return false
}

// Delta is what a caller submits to Update. The store merges it into the
// current record; it never replaces the record wholesale.
type Delta struct {
	SourceType string
	SourceName string
	Actions    []string
	Counters   map[string]int64
	Metadata   map[string]any
}

// Container is the full persisted aggregate.
type Container struct {
	SchemaVersion int
	Checksum      string
	Items         map[string]*Record
}

func NewContainer() *Container {
	return &Container{
		SchemaVersion: SchemaVersion,
		Items:         make(map[string]*Record),
	}
}

func (c *Container) Len() int {
	return len(c.Items)
}

// Query narrows List results. Empty fields match everything.
type Query struct {
	SourceType string
	SourceName string
	Limit      int
}

type Stats struct {
	Total        int            `json:"total"`
	BySourceType map[string]int `json:"by_source_type"`
	BySourceName map[string]int `json:"by_source_name"`
}

// Store tracks which items have been processed. All writes go through
// Update's merge-inside-lock path, so several processes can share one
// backing resource without losing each other's records.
type Store interface {
	Load(ctx context.Context) (*Container, error)
	Get(ctx context.Context, itemID string) (*Record, error)
	IsProcessed(ctx context.Context, itemID string) (bool, error)
	MarkProcessed(ctx context.Context, itemID, sourceType, sourceName string, metadata map[string]any) error
	Update(ctx context.Context, deltas map[string]Delta) error
	CleanupOlderThan(ctx context.Context, retentionDays int) (int, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

type options struct {
	lockTimeout time.Duration
	maxItems    int
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*options)

// WithLockTimeout bounds how long Update and CleanupOlderThan wait for the
// exclusive lock before failing with ErrLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithMaxItems sets the eviction ceiling. Zero or negative disables eviction.
func WithMaxItems(n int) Option {
	return func(o *options) { o.maxItems = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func newOptions(opts []Option) options {
	o := options{
		lockTimeout: DefaultLockTimeout,
		maxItems:    DefaultMaxItems,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lockTimeout <= 0 {
		o.lockTimeout = DefaultLockTimeout
	}
	return o
}

func (o options) nowUTC() time.Time {
	return o.now().UTC()
}
