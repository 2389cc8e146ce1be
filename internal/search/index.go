// Package search maintains the derived full-text index over stored
// indicators. The index is never authoritative: it is reconciled against the
// store after every ingestion run and can be rebuilt from it at any time.
package search

import (
	"context"
	"fmt"
	"log"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

const (
	BackendFTS   = "fts"
	BackendBleve = "bleve"
)

// Index is a searchable projection of the indicator table.
type Index interface {
	// Sync reconciles the index with the store. full forces a rebuild.
	Sync(ctx context.Context, full bool) (store.SyncReport, error)
	// Search returns up to limit indicators matching term, best first.
	Search(ctx context.Context, term string, limit int) ([]indicator.Indicator, error)
	// Count returns the number of indexed entries.
	Count(ctx context.Context) (int64, error)
	// Backend names the implementation.
	Backend() string
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	// BlevePath is the directory holding bleve index generations. Empty
	// keeps the bleve index in memory.
	BlevePath string
	Logger    *log.Logger
}

// Open returns the configured index over st.
func Open(st *store.Store, opts Options) (Index, error) {
	switch opts.Backend {
	case "", BackendFTS:
		return NewFTSIndex(st), nil
	case BackendBleve:
		idx, err := OpenBleveIndex(st, opts.BlevePath, opts.Logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown search backend %q", opts.Backend)
	}
}

// FTSIndex is the SQLite-resident index.
type FTSIndex struct {
	store *store.Store
}

// NewFTSIndex wraps the store's search table.
func NewFTSIndex(st *store.Store) *FTSIndex {
	return &FTSIndex{store: st}
}

func (f *FTSIndex) Sync(ctx context.Context, full bool) (store.SyncReport, error) {
	return f.store.SyncSearchIndex(ctx, full)
}

func (f *FTSIndex) Search(ctx context.Context, term string, limit int) ([]indicator.Indicator, error) {
	return f.store.FullTextSearch(ctx, term, limit)
}

func (f *FTSIndex) Count(ctx context.Context) (int64, error) {
	return f.store.SearchIndexCount(ctx)
}

func (f *FTSIndex) Backend() string { return BackendFTS }

// Close is a no-op; the store owns the connection.
func (f *FTSIndex) Close() error { return nil }
