package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

const (
	currentFile = "CURRENT"
	lockFile    = "LOCK"
	pageSize    = 1000
)

// ErrIndexInUse is returned when another process has the index directory open.
var ErrIndexInUse = errors.New("search index is in use by another process")

// openConfig bounds the wait on a generation's bolt lock.
var openConfig = map[string]interface{}{"bolt_timeout": "2s"}

var documentFields = []string{"value", "category", "source", "severity", "notes"}

// document is the indexed projection of an indicator.
type document struct {
	Value    string `json:"value"`
	Category string `json:"category"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
	Notes    string `json:"notes"`
}

func toDocument(ind indicator.Indicator) document {
	return document{
		Value:    ind.Value,
		Category: ind.Category,
		Source:   ind.Source,
		Severity: string(ind.Severity),
		Notes:    ind.Notes,
	}
}

// BleveIndex keeps the search projection in a bleve index. Full rebuilds are
// written into a fresh generation and swapped in under the lock, so searches
// only ever see a complete index.
type BleveIndex struct {
	store  *store.Store
	dir    string
	logger *log.Logger

	// syncMu serializes Sync calls.
	syncMu sync.Mutex

	dirLock *flock.Flock

	mu        sync.RWMutex
	current   bleve.Index
	gen       string
	highWater int64
	closed    bool
}

// OpenBleveIndex opens the current generation under dir, or an empty one if
// none exists yet. An empty dir keeps the index in memory. Only one process
// may hold dir; others get ErrIndexInUse instead of waiting.
func OpenBleveIndex(st *store.Store, dir string, logger *log.Logger) (*BleveIndex, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	b := &BleveIndex{store: st, dir: dir, logger: logger}

	if dir == "" {
		idx, err := bleve.NewMemOnly(newIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		b.current = idx
		return b, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory %s: %w", dir, err)
	}
	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock index directory %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrIndexInUse, dir)
	}
	b.dirLock = lock

	if err := b.openCurrent(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return b, nil
}

func (b *BleveIndex) openCurrent() error {
	if raw, err := os.ReadFile(filepath.Join(b.dir, currentFile)); err == nil {
		gen := strings.TrimSpace(string(raw))
		idx, err := bleve.OpenUsing(filepath.Join(b.dir, gen), openConfig)
		if err == nil {
			b.current, b.gen = idx, gen
			return nil
		}
		if errors.Is(err, bolt.ErrTimeout) {
			return fmt.Errorf("%w: %s", ErrIndexInUse, gen)
		}
		b.logger.Printf("index generation %s unusable, starting empty: %v", gen, err)
	}

	idx, gen, err := b.newGeneration()
	if err != nil {
		return err
	}
	if err := b.writeCurrent(gen); err != nil {
		idx.Close()
		return err
	}
	b.current, b.gen = idx, gen
	return nil
}

func newIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	for _, f := range documentFields {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = standard.Name
		fm.Store = false
		doc.AddFieldMappingsAt(f, fm)
	}
	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

func (b *BleveIndex) newGeneration() (bleve.Index, string, error) {
	if b.dir == "" {
		idx, err := bleve.NewMemOnly(newIndexMapping())
		if err != nil {
			return nil, "", fmt.Errorf("failed to create in-memory index: %w", err)
		}
		return idx, "", nil
	}
	gen := "gen-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	idx, err := bleve.New(filepath.Join(b.dir, gen), newIndexMapping())
	if err != nil {
		return nil, "", fmt.Errorf("failed to create index generation %s: %w", gen, err)
	}
	return idx, gen, nil
}

func (b *BleveIndex) writeCurrent(gen string) error {
	tmp := filepath.Join(b.dir, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(gen+"\n"), 0644); err != nil {
		return fmt.Errorf("write index pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, currentFile)); err != nil {
		return fmt.Errorf("commit index pointer: %w", err)
	}
	return nil
}

// Sync indexes indicators above the high-water mark and rebuilds when the
// document count still disagrees with the store afterwards.
func (b *BleveIndex) Sync(ctx context.Context, full bool) (store.SyncReport, error) {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()

	start := time.Now()
	storeCount, maxID, err := b.store.Fingerprint(ctx)
	if err != nil {
		return store.SyncReport{}, err
	}
	docCount, err := b.Count(ctx)
	if err != nil {
		return store.SyncReport{}, err
	}

	b.mu.RLock()
	highWater := b.highWater
	b.mu.RUnlock()

	// A reopened index has no high-water mark; trust it only if it agrees
	// with the store on size and holds the newest row.
	if !full && highWater == 0 && docCount > 0 {
		if docCount == storeCount && b.hasDoc(maxID) {
			highWater = maxID
		} else {
			full = true
		}
	}

	if full || docCount == 0 {
		report, err := b.rebuild(ctx)
		report.Removed = docCount
		report.Duration = time.Since(start)
		return report, err
	}

	report := store.SyncReport{Mode: store.SyncIncremental}
	b.mu.RLock()
	idx := b.current
	b.mu.RUnlock()
	added, last, err := indexFrom(ctx, b.store, idx, highWater)
	if err != nil {
		return report, err
	}
	b.mu.Lock()
	b.highWater = last
	b.mu.Unlock()
	report.Added = added

	docCount, err = b.Count(ctx)
	if err != nil {
		return report, err
	}
	storeCount, err = b.store.CountIndicators(ctx)
	if err != nil {
		return report, err
	}
	if docCount != storeCount {
		b.logger.Printf("index holds %d documents for %d indicators, rebuilding", docCount, storeCount)
		rebuilt, err := b.rebuild(ctx)
		rebuilt.Removed = docCount
		rebuilt.Duration = time.Since(start)
		return rebuilt, err
	}

	report.Entries = docCount
	report.Duration = time.Since(start)
	return report, nil
}

func (b *BleveIndex) hasDoc(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, err := b.current.Document(strconv.FormatInt(id, 10))
	return err == nil && doc != nil
}

// rebuild indexes the whole store into a new generation and swaps it in.
func (b *BleveIndex) rebuild(ctx context.Context) (store.SyncReport, error) {
	report := store.SyncReport{Mode: store.SyncFull}

	idx, gen, err := b.newGeneration()
	if err != nil {
		return report, err
	}
	discard := func() {
		idx.Close()
		if gen != "" {
			os.RemoveAll(filepath.Join(b.dir, gen))
		}
	}

	added, last, err := indexFrom(ctx, b.store, idx, 0)
	if err != nil {
		discard()
		return report, err
	}
	if gen != "" {
		if err := b.writeCurrent(gen); err != nil {
			discard()
			return report, err
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		discard()
		return report, errors.New("index is closed")
	}
	old, oldGen := b.current, b.gen
	b.current, b.gen, b.highWater = idx, gen, last
	b.mu.Unlock()

	if err := old.Close(); err != nil {
		b.logger.Printf("close previous index generation: %v", err)
	}
	if oldGen != "" {
		if err := os.RemoveAll(filepath.Join(b.dir, oldGen)); err != nil {
			b.logger.Printf("remove previous index generation %s: %v", oldGen, err)
		}
	}

	report.Added = added
	report.Entries = added
	return report, nil
}

// indexFrom pages through indicators with id > afterID into idx and returns
// how many were indexed and the last id seen.
func indexFrom(ctx context.Context, st *store.Store, idx bleve.Index, afterID int64) (int64, int64, error) {
	var added int64
	last := afterID
	for {
		page, err := st.IndicatorsAfter(ctx, last, pageSize)
		if err != nil {
			return added, last, err
		}
		if len(page) == 0 {
			return added, last, nil
		}
		batch := idx.NewBatch()
		for _, ind := range page {
			if err := batch.Index(strconv.FormatInt(ind.ID, 10), toDocument(ind)); err != nil {
				return added, last, fmt.Errorf("failed to index indicator %d: %w", ind.ID, err)
			}
		}
		if err := idx.Batch(batch); err != nil {
			return added, last, fmt.Errorf("failed to execute batch: %w", err)
		}
		added += int64(len(page))
		last = page[len(page)-1].ID
	}
}

// Search runs term as a phrase against every indexed field.
func (b *BleveIndex) Search(ctx context.Context, term string, limit int) ([]indicator.Indicator, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	queries := make([]query.Query, 0, len(documentFields))
	for _, f := range documentFields {
		q := bleve.NewMatchPhraseQuery(term)
		q.SetField(f)
		queries = append(queries, q)
	}
	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), limit, 0, false)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, errors.New("index is closed")
	}
	res, err := b.current.SearchInContext(ctx, req)
	b.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	ids := make([]int64, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return b.store.GetByIDs(ctx, ids)
}

func (b *BleveIndex) Count(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, errors.New("index is closed")
	}
	n, err := b.current.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return int64(n), nil
}

func (b *BleveIndex) Backend() string { return BackendBleve }

func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.current.Close()
	if b.dirLock != nil {
		b.dirLock.Unlock()
	}
	return err
}
