package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ashfaaq98/evilwatch/internal/bus"
	"github.com/Ashfaaq98/evilwatch/internal/cvefeed"
	"github.com/Ashfaaq98/evilwatch/internal/enrich"
	"github.com/Ashfaaq98/evilwatch/internal/feeds"
	"github.com/Ashfaaq98/evilwatch/internal/scheduler"
	"github.com/Ashfaaq98/evilwatch/internal/search"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// newLogger returns a stderr logger with a bracketed component prefix.
func newLogger(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}

// getWorkingDir returns the current working directory.
func getWorkingDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// resolvePathRelativeToBase resolves a possibly relative path against a base directory.
func resolvePathRelativeToBase(base, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// app holds the components shared by the subcommands. Fields are filled on
// demand by the open* helpers and released by close.
type app struct {
	cfg    Config
	store  *store.Store
	index  search.Index
	bus    bus.Bus
	closer []io.Closer
}

func newApp() (*app, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg}, nil
}

func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	path := resolvePathRelativeToBase(getWorkingDir(), a.cfg.Database.Path)
	st, err := store.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = st
	a.closer = append(a.closer, st)
	return st, nil
}

// openIndex opens the configured search backend. The bleve directory
// defaults to a sibling of the database file.
func (a *app) openIndex() (search.Index, error) {
	if a.index != nil {
		return a.index, nil
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	blevePath := a.cfg.Search.BlevePath
	if blevePath == "" && a.cfg.Search.Backend == search.BackendBleve && st.Path() != ":memory:" {
		blevePath = strings.TrimSuffix(st.Path(), filepath.Ext(st.Path())) + ".bleve"
	}
	logger := newLogger("search")
	idx, err := search.Open(st, search.Options{
		Backend:   a.cfg.Search.Backend,
		BlevePath: resolvePathRelativeToBase(getWorkingDir(), blevePath),
		Logger:    logger,
	})
	if errors.Is(err, search.ErrIndexInUse) {
		// serve holds the bleve directory; the store's own index is always available
		logger.Printf("%v, using the %s backend", err, search.BackendFTS)
		idx, err = search.Open(st, search.Options{Backend: search.BackendFTS, Logger: logger})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}
	a.index = idx
	a.closer = append(a.closer, idx)
	return idx, nil
}

func (a *app) openBus() bus.Bus {
	if a.bus == nil {
		a.bus = bus.NewBus(a.cfg.Redis.URL, newLogger("bus"))
		a.closer = append(a.closer, a.bus)
	}
	return a.bus
}

// sources builds the feed adapters from a descriptor table.
func (a *app) sources(descs []feeds.Descriptor) ([]scheduler.Source, error) {
	fetcher := feeds.NewFetcher(feeds.FetcherOptions{
		Credentials: feeds.Credentials{
			UserID: a.cfg.Enrich.NeutrinoUser,
			APIKey: a.cfg.Enrich.NeutrinoKey,
		},
	})
	adapters, err := feeds.NewAdapters(descs, fetcher, newLogger("feeds"))
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.Source, len(adapters))
	for i, ad := range adapters {
		out[i] = ad
	}
	return out, nil
}

// runner wires the ingestion runner over the configured feeds.
func (a *app) runner(afterSync func(ctx context.Context)) (*scheduler.Runner, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	idx, err := a.openIndex()
	if err != nil {
		return nil, err
	}
	srcs, err := a.sources(a.cfg.Feeds)
	if err != nil {
		return nil, err
	}
	lockPath := a.cfg.Ingest.LockFile
	if lockPath == "" && st.Path() != ":memory:" {
		lockPath = st.Path() + ".lock"
	}
	opts := scheduler.Options{
		BatchSize: a.cfg.Ingest.BatchSize,
		LockPath:  resolvePathRelativeToBase(getWorkingDir(), lockPath),
		Logger:    newLogger("ingest"),
		Debug:     a.cfg.Log.Debug(),
		AfterSync: afterSync,
	}
	return scheduler.NewRunner(st, idx, a.openBus(), srcs, opts), nil
}

// enricher wires the fallback enrichment pipeline. The Redis cache tier is
// shared with the bus connection when Redis is reachable.
func (a *app) enricher() (*enrich.Enricher, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	opts := enrich.CacheOptions{
		Size:   a.cfg.Enrich.CacheSize,
		TTL:    a.cfg.Enrich.CacheTTL,
		Logger: newLogger("enrich"),
	}
	if rb, ok := a.openBus().(*bus.RedisBus); ok {
		opts.Redis = rb.Client()
	}
	cache, err := enrich.NewCacheManager(st, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize enrichment cache: %w", err)
	}
	providers := enrich.DefaultProviders(enrich.Config{
		Timeout:      a.cfg.Enrich.Timeout,
		GeoIPURL:     a.cfg.Enrich.GeoIPURL,
		NeutrinoURL:  a.cfg.Enrich.NeutrinoURL,
		NeutrinoUser: a.cfg.Enrich.NeutrinoUser,
		NeutrinoKey:  a.cfg.Enrich.NeutrinoKey,
		IPQSURL:      a.cfg.Enrich.IPQSURL,
		IPQSKey:      a.cfg.Enrich.IPQSKey,
		DNSResolver:  a.cfg.Enrich.DNSResolver,
		Whois:        a.cfg.Enrich.Whois,
	})
	return enrich.NewEnricher(st, cache, providers, a.cfg.Enrich.Timeout, newLogger("enrich")), nil
}

func (a *app) cves() *cvefeed.Reader {
	return cvefeed.NewReader(cvefeed.Options{
		URL:     a.cfg.RSS.URL,
		Limit:   a.cfg.RSS.Limit,
		Refresh: a.cfg.RSS.Refresh,
		Timeout: a.cfg.RSS.Timeout,
		Logger:  newLogger("cvefeed"),
	})
}

// close releases components in reverse open order.
func (a *app) close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i].Close()
	}
	a.closer = nil
}
