// Package existence provides a probabilistic pre-check of identifier
// uniqueness for the registration path.
//
// Each identifier kind has its own Bloom filter sized from an expected
// cardinality and target false-positive rate. A negative answer is
// authoritative (no false negatives); a positive answer only means the
// caller must still consult the system of record. Whenever the filters
// cannot answer soundly (before warm-up, after a failed warm-up, or when
// disabled) every query degrades to true, forcing the authoritative check
// rather than risking a duplicate.
package existence

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Kind names an identifier namespace with its own filter instance.
type Kind string

const (
	// KindUsername filters registration usernames.
	KindUsername Kind = "username"
	// KindEmail filters registration email addresses.
	KindEmail Kind = "email"
	// KindPhone filters registration phone numbers.
	KindPhone Kind = "phone"
)

var allKinds = []Kind{KindUsername, KindEmail, KindPhone}

// Source is the system-of-record collaborator WarmUp bulk-loads from.
type Source interface {
	Identifiers(ctx context.Context, kind Kind) ([]string, error)
}

// Config sizes the filters.
type Config struct {
	// ExpectedItems is the per-kind cardinality estimate used for sizing.
	ExpectedItems uint
	// FalsePositiveRate is the target false-positive bound (0 < rate < 1).
	FalsePositiveRate float64
}

// DefaultConfig sizes for a mid-size deployment with a 1% bound.
func DefaultConfig() Config {
	return Config{
		ExpectedItems:     1_000_000,
		FalsePositiveRate: 0.01,
	}
}

// KindStats is the observable state of one kind's filter.
type KindStats struct {
	Added           uint64
	ApproximateSize uint32
	Capacity        uint
}

// Stats is a point-in-time snapshot across all kinds.
type Stats struct {
	Available    bool
	Fallback     bool
	WarmedAt     time.Time
	WarmDuration time.Duration
	Kinds        map[Kind]KindStats
}

// Filter is the per-process existence filter set. Queries and inserts take a
// read lock; warm-up builds replacement filters off to the side and swaps
// them in under the write lock.
type Filter struct {
	mu       sync.RWMutex
	filters  map[Kind]*bloom.BloomFilter
	added    map[Kind]uint64
	config   Config
	ready    bool
	fallback bool
	warming  bool
	warmedAt time.Time
	warmTook time.Duration
}

// New creates an existence [Filter]. It answers true for everything until a
// warm-up succeeds.
func New(cfg Config) *Filter {
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = DefaultConfig().ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = DefaultConfig().FalsePositiveRate
	}

	f := &Filter{
		filters: make(map[Kind]*bloom.BloomFilter, len(allKinds)),
		added:   make(map[Kind]uint64, len(allKinds)),
		config:  cfg,
	}
	for _, kind := range allKinds {
		f.filters[kind] = bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate)
	}
	return f
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// MightExist reports whether the identifier may already be taken. False is
// authoritative; true requires the exact store check. Unready or degraded
// filters always answer true.
func (f *Filter) MightExist(kind Kind, value string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.ready || f.fallback {
		return true
	}
	filter, ok := f.filters[kind]
	if !ok {
		return true
	}
	return filter.TestString(normalize(value))
}

// Add inserts an identifier. Called on successful registration so the
// filter tracks the system of record between warm-ups.
func (f *Filter) Add(kind Kind, value string) {
	if value == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	filter, ok := f.filters[kind]
	if !ok {
		return
	}
	filter.AddString(normalize(value))
	f.added[kind]++
}

// AddUser inserts all identifiers of a newly registered user. Empty values
// are skipped.
func (f *Filter) AddUser(username, email, phone string) {
	f.Add(KindUsername, username)
	f.Add(KindEmail, email)
	f.Add(KindPhone, phone)
}

// WarmUp bulk-loads the filters from the system of record in the background
// and swaps them in atomically on success. It is idempotent: a warm-up
// already in flight makes the call a no-op. On load failure the filter
// enters fallback (always true) until the next successful warm-up.
func (f *Filter) WarmUp(ctx context.Context, source Source) {
	f.mu.Lock()
	if f.warming {
		f.mu.Unlock()
		return
	}
	f.warming = true
	f.mu.Unlock()

	go f.warm(ctx, source)
}

func (f *Filter) warm(ctx context.Context, source Source) {
	start := time.Now()

	fresh := make(map[Kind]*bloom.BloomFilter, len(allKinds))
	counts := make(map[Kind]uint64, len(allKinds))
	for _, kind := range allKinds {
		filter := bloom.NewWithEstimates(f.config.ExpectedItems, f.config.FalsePositiveRate)

		values, err := source.Identifiers(ctx, kind)
		if err != nil {
			f.mu.Lock()
			f.warming = false
			f.fallback = true
			f.mu.Unlock()
			return
		}
		for _, v := range values {
			if v == "" {
				continue
			}
			filter.AddString(normalize(v))
			counts[kind]++
		}
		fresh[kind] = filter
	}

	f.mu.Lock()
	f.filters = fresh
	f.added = counts
	f.ready = true
	f.fallback = false
	f.warming = false
	f.warmedAt = time.Now()
	f.warmTook = time.Since(start)
	f.mu.Unlock()
}

// IsAvailable reports whether the filters have been warmed and can give
// authoritative negatives.
func (f *Filter) IsAvailable() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ready && !f.fallback
}

// IsUsingFallback reports whether queries currently degrade to always-true.
func (f *Filter) IsUsingFallback() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.ready || f.fallback
}

// Snapshot returns the observable filter state.
func (f *Filter) Snapshot() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := Stats{
		Available:    f.ready && !f.fallback,
		Fallback:     !f.ready || f.fallback,
		WarmedAt:     f.warmedAt,
		WarmDuration: f.warmTook,
		Kinds:        make(map[Kind]KindStats, len(f.filters)),
	}
	for kind, filter := range f.filters {
		stats.Kinds[kind] = KindStats{
			Added:           f.added[kind],
			ApproximateSize: filter.ApproximatedSize(),
			Capacity:        f.config.ExpectedItems,
		}
	}
	return stats
}

// Reset discards all filter contents and returns to the unready state, where
// every query answers true until the next warm-up.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, kind := range allKinds {
		f.filters[kind] = bloom.NewWithEstimates(f.config.ExpectedItems, f.config.FalsePositiveRate)
		f.added[kind] = 0
	}
	f.ready = false
	f.fallback = false
	f.warmedAt = time.Time{}
	f.warmTook = 0
}
