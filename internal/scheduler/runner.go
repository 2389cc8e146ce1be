// Package scheduler runs ingestion: every feed in order, then compaction and
// a search index sync, either once or on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ashfaaq98/evilwatch/internal/bus"
	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/Ashfaaq98/evilwatch/internal/metrics"
	"github.com/Ashfaaq98/evilwatch/internal/search"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

const (
	DefaultBatchSize = 500
	publishTimeout   = 5 * time.Second
)

// Source yields candidate indicators for one feed.
type Source interface {
	Name() string
	Candidates(ctx context.Context) (iter.Seq[indicator.Indicator], error)
}

// Options configures a Runner.
type Options struct {
	// BatchSize is the number of indicators written per transaction.
	BatchSize int
	// LockPath names the cross-process run lock file. Empty limits
	// exclusion to this process.
	LockPath string
	Logger   *log.Logger
	// Debug logs every rejected row.
	Debug bool
	// AfterSync is called once the search index has been reconciled.
	AfterSync func(ctx context.Context)
}

// Runner performs ingestion runs.
type Runner struct {
	store *store.Store
	index search.Index
	bus   bus.Bus
	lock  *runLock
	opts  Options

	mu      sync.RWMutex
	sources []Source
	last    *bus.RunMessage
}

// NewRunner creates a runner over sources, run in the given order.
func NewRunner(st *store.Store, idx search.Index, b bus.Bus, sources []Source, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if b == nil {
		b = bus.NewNullBus(opts.Logger)
	}
	return &Runner{
		store:   st,
		index:   idx,
		bus:     b,
		lock:    newRunLock(opts.LockPath),
		opts:    opts,
		sources: sources,
	}
}

// SetSources replaces the feed table; the change applies from the next run.
func (r *Runner) SetSources(sources []Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = sources
}

// Sources returns the current feed table.
func (r *Runner) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Source(nil), r.sources...)
}

// LastRun returns the summary of the most recent completed run.
func (r *Runner) LastRun() (bus.RunMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return bus.RunMessage{}, false
	}
	return *r.last, true
}

// RunOnce performs one ingestion run. Cancelling ctx stops the run before
// the next feed starts; the closing compaction and index sync still run.
func (r *Runner) RunOnce(ctx context.Context) (bus.RunMessage, error) {
	if err := r.lock.tryLock(); err != nil {
		return bus.RunMessage{}, err
	}
	defer func() {
		if err := r.lock.unlock(); err != nil {
			r.opts.Logger.Printf("%v", err)
		}
	}()

	logger := r.opts.Logger
	run := bus.RunMessage{RunID: uuid.NewString(), StartedAt: time.Now()}
	logger.Printf("Starting ingestion run %s", run.RunID)

	// in-flight feeds and the closing steps are not interrupted
	detached := context.WithoutCancel(ctx)

	if removed, err := r.store.Compact(ctx); err != nil {
		logger.Printf("Compaction before ingestion failed: %v", err)
	} else {
		run.Compacted += removed
	}

	for _, src := range r.Sources() {
		if ctx.Err() != nil {
			logger.Printf("Run %s cancelled before feed %s", run.RunID, src.Name())
			break
		}
		run.Feeds = append(run.Feeds, r.runSource(detached, src))
	}

	removed, err := r.store.Compact(detached)
	if err != nil {
		logger.Printf("Compaction after ingestion failed: %v", err)
	} else {
		run.Compacted += removed
	}
	metrics.CompactedRows.Add(float64(run.Compacted))

	var runErr error
	if r.index != nil {
		report, err := r.index.Sync(detached, false)
		if err != nil {
			runErr = fmt.Errorf("search index sync: %w", err)
			run.Error = runErr.Error()
			logger.Printf("Search index sync failed: %v", err)
		} else {
			run.SyncMode = report.Mode
			run.Indexed = report.Entries
			metrics.IndexSyncs.WithLabelValues(report.Mode).Inc()
			metrics.IndexEntries.Set(float64(report.Entries))
			logger.Printf("Search index %s sync: +%d -%d, %d entries", report.Mode, report.Added, report.Removed, report.Entries)
		}
	}
	if r.opts.AfterSync != nil {
		r.opts.AfterSync(detached)
	}

	run.FinishedAt = time.Now()
	elapsed := run.FinishedAt.Sub(run.StartedAt)
	metrics.IngestRunDuration.Observe(elapsed.Seconds())
	outcome := "ok"
	if runErr != nil {
		outcome = "error"
	}
	metrics.IngestRuns.WithLabelValues(outcome).Inc()

	pubCtx, cancel := context.WithTimeout(detached, publishTimeout)
	if err := r.bus.PublishRun(pubCtx, run); err != nil {
		logger.Printf("Failed to publish run summary: %v", err)
	}
	cancel()

	r.mu.Lock()
	r.last = &run
	r.mu.Unlock()

	logger.Printf("Ingestion run %s finished in %s: %d new indicators, %d duplicates compacted",
		run.RunID, elapsed.Round(time.Millisecond), run.Inserted(), run.Compacted)
	return run, runErr
}

// runSource ingests one feed. Failures, including panics, are recorded in
// the result and never propagate.
func (r *Runner) runSource(ctx context.Context, src Source) (res bus.FeedResult) {
	name := src.Name()
	res.Name = name
	start := time.Now()
	logger := r.opts.Logger

	defer func() {
		if p := recover(); p != nil {
			res.Error = fmt.Sprintf("panic: %v", p)
			logger.Printf("Feed %s panicked: %v", name, p)
		}
		if res.Error != "" {
			metrics.FeedErrors.WithLabelValues(name).Inc()
		}
		res.DurationMS = time.Since(start).Milliseconds()
		metrics.FeedIndicators.WithLabelValues(name, "inserted").Add(float64(res.Inserted))
		metrics.FeedIndicators.WithLabelValues(name, "existing").Add(float64(res.Existing))
		metrics.FeedIndicators.WithLabelValues(name, "failed").Add(float64(res.Failed))
	}()

	seq, err := src.Candidates(ctx)
	if err != nil {
		res.Error = err.Error()
	}
	if seq == nil {
		return res
	}

	batch := make([]indicator.Indicator, 0, r.opts.BatchSize)
	flush := func() {
		r.writeBatch(ctx, name, batch, &res)
		batch = batch[:0]
	}
	for ind := range seq {
		res.Candidates++
		batch = append(batch, ind)
		if len(batch) == cap(batch) {
			flush()
		}
	}
	flush()

	logger.Printf("Feed %s: %d candidates, %d new, %d existing, %d failed",
		name, res.Candidates, res.Inserted, res.Existing, res.Failed)
	return res
}

// writeBatch stores batch in one transaction, falling back to row-by-row
// writes if the transaction cannot be committed.
func (r *Runner) writeBatch(ctx context.Context, feed string, batch []indicator.Indicator, res *bus.FeedResult) {
	if len(batch) == 0 {
		return
	}
	logger := r.opts.Logger
	onError := func(ind indicator.Indicator, err error) {
		if r.opts.Debug {
			logger.Printf("Feed %s: skipping %s %q: %v", feed, ind.Type, ind.Value, err)
		}
	}

	result, err := r.store.UpsertBatch(ctx, batch, onError)
	if err == nil {
		res.Inserted += int64(result.Inserted)
		res.Existing += int64(result.Existing)
		res.Failed += int64(result.Failed)
		return
	}

	logger.Printf("Feed %s: batch of %d not committed, retrying row by row: %v", feed, len(batch), err)
	for _, ind := range batch {
		inserted, err := r.store.Upsert(ctx, ind)
		switch {
		case err != nil:
			res.Failed++
			onError(ind, err)
		case inserted:
			res.Inserted++
		default:
			res.Existing++
		}
	}
}
