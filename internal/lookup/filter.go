// Package lookup answers "definitely not stored" for point lookups without
// touching the database.
package lookup

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/Ashfaaq98/evilwatch/internal/metrics"
)

const (
	DefaultFalsePositiveRate = 0.01
	minCapacity              = 1024
)

// KeySource is the part of the store the filter is built from.
type KeySource interface {
	ForEachKey(ctx context.Context, fn func(typ indicator.Type, value string) error) error
	Fingerprint(ctx context.Context) (count, maxID int64, err error)
	MaxID(ctx context.Context) (int64, error)
}

// Filter is a bloom filter over the (type, value) pairs in the store. A
// negative answer is only trusted while no row newer than the last build
// exists, so writers in other processes never cause false misses.
type Filter struct {
	source KeySource
	rate   float64
	logger *log.Logger

	// buildMu serializes rebuilds.
	buildMu sync.Mutex

	mu    sync.RWMutex
	bf    *bloom.BloomFilter
	count int64
	maxID int64
}

// NewFilter returns an empty filter; it answers "maybe" until the first
// Refresh.
func NewFilter(source KeySource, logger *log.Logger) *Filter {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Filter{source: source, rate: DefaultFalsePositiveRate, logger: logger}
}

func key(typ indicator.Type, value string) string {
	return string(typ) + "\x00" + value
}

// MightContain reports whether (typ, value) may be stored. false means the
// caller can answer "no match" without a query.
func (f *Filter) MightContain(ctx context.Context, typ indicator.Type, value string) bool {
	f.mu.RLock()
	bf, builtMax := f.bf, f.maxID
	f.mu.RUnlock()

	if bf == nil || bf.TestString(key(typ, value)) {
		metrics.BloomChecks.WithLabelValues("maybe").Inc()
		return true
	}

	maxID, err := f.source.MaxID(ctx)
	if err != nil || maxID != builtMax {
		metrics.BloomChecks.WithLabelValues("maybe").Inc()
		return true
	}
	metrics.BloomChecks.WithLabelValues("negative").Inc()
	return false
}

// Refresh rebuilds the filter if the store changed since the last build.
func (f *Filter) Refresh(ctx context.Context) error {
	f.buildMu.Lock()
	defer f.buildMu.Unlock()

	count, maxID, err := f.source.Fingerprint(ctx)
	if err != nil {
		return err
	}

	f.mu.RLock()
	fresh := f.bf != nil && f.count == count && f.maxID == maxID
	f.mu.RUnlock()
	if fresh {
		return nil
	}
	return f.build(ctx, count, maxID)
}

// Rebuild unconditionally rebuilds the filter.
func (f *Filter) Rebuild(ctx context.Context) error {
	f.buildMu.Lock()
	defer f.buildMu.Unlock()

	count, maxID, err := f.source.Fingerprint(ctx)
	if err != nil {
		return err
	}
	return f.build(ctx, count, maxID)
}

func (f *Filter) build(ctx context.Context, count, maxID int64) error {
	start := time.Now()
	capacity := uint(count)
	if capacity < minCapacity {
		capacity = minCapacity
	}
	bf := bloom.NewWithEstimates(capacity, f.rate)

	var added int64
	err := f.source.ForEachKey(ctx, func(typ indicator.Type, value string) error {
		bf.AddString(key(typ, value))
		added++
		return nil
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.bf, f.count, f.maxID = bf, count, maxID
	f.mu.Unlock()

	f.logger.Printf("Lookup filter rebuilt with %d keys in %s", added, time.Since(start).Round(time.Millisecond))
	return nil
}

// Run refreshes the filter every interval until ctx is done.
func (f *Filter) Run(ctx context.Context, interval time.Duration) error {
	if err := f.Refresh(ctx); err != nil {
		f.logger.Printf("Lookup filter refresh failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				f.logger.Printf("Lookup filter refresh failed: %v", err)
			}
		}
	}
}
