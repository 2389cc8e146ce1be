// Package enrich looks up values the store does not know about in external
// GeoIP, reputation, reverse DNS and WHOIS services. Results are cached but
// never written to the indicator table.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/Ashfaaq98/evilwatch/internal/metrics"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

const (
	DefaultTimeout = 5 * time.Second
	sourceNone     = "none"
)

// Details is the cacheable part of a fallback result.
type Details struct {
	Geo        map[string]interface{} `json:"geo"`
	Neutrino   map[string]interface{} `json:"neutrino"`
	RDNS       []string               `json:"rdns"`
	Whois      map[string]string      `json:"whois"`
	SourceUsed string                 `json:"source_used"`
}

// Result is the answer to a fallback lookup.
type Result struct {
	DBMatch indicator.Match `json:"db_match"`
	Details
	Cached bool `json:"cached"`
}

// Config selects and configures the default providers.
type Config struct {
	Timeout      time.Duration
	GeoIPURL     string
	NeutrinoURL  string
	NeutrinoUser string
	NeutrinoKey  string
	IPQSURL      string
	IPQSKey      string
	// DNSResolver is host:port; empty uses the system resolver.
	DNSResolver string
	Whois       bool
	HTTPClient  *http.Client
}

// Providers are the external services consulted on a miss. Nil entries are
// skipped.
type Providers struct {
	Geo GeoProvider
	// Reputation is tried in order until one returns data.
	Reputation []ReputationProvider
	PTR        PTRResolver
	Whois      WhoisProvider
}

// DefaultProviders builds the production providers from cfg.
func DefaultProviders(cfg Config) Providers {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	p := Providers{
		Geo: NewIPAPIProvider(cfg.GeoIPURL, client),
		Reputation: []ReputationProvider{
			NewNeutrinoProvider(cfg.NeutrinoURL, cfg.NeutrinoUser, cfg.NeutrinoKey, client),
			NewIPQSProvider(cfg.IPQSURL, cfg.IPQSKey, client),
		},
		PTR: NewDNSResolver(cfg.DNSResolver, cfg.Timeout),
	}
	if cfg.Whois {
		p.Whois = NewWhoisClient(cfg.Timeout)
	}
	return p
}

// Enricher answers fallback lookups.
type Enricher struct {
	store     *store.Store
	cache     *CacheManager
	providers Providers
	timeout   time.Duration
	logger    *log.Logger
}

func NewEnricher(st *store.Store, cache *CacheManager, providers Providers, timeout time.Duration, logger *log.Logger) *Enricher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Enricher{store: st, cache: cache, providers: providers, timeout: timeout, logger: logger}
}

// Cache returns the enricher's cache manager.
func (e *Enricher) Cache() *CacheManager {
	return e.cache
}

// Fallback checks value against the store as an IP and, on a miss, gathers
// external context for it. Provider failures leave their section empty.
func (e *Enricher) Fallback(ctx context.Context, value string) (Result, error) {
	found, err := e.store.QueryExact(ctx, indicator.TypeIP, value)
	switch {
	case err == nil:
		return Result{DBMatch: indicator.MatchOf(value, &found), Details: emptyDetails()}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, err
	}

	res := Result{DBMatch: indicator.MatchOf(value, nil)}
	if raw, ok := e.cacheGet(ctx, value); ok {
		var d Details
		if err := json.Unmarshal(raw, &d); err == nil {
			res.Details = d
			res.Cached = true
			return res, nil
		}
		e.logger.Printf("Discarding undecodable cache entry for %s", value)
	}

	res.Details = e.lookup(ctx, value)
	if raw, err := json.Marshal(res.Details); err == nil {
		if err := e.cachePut(ctx, value, raw); err != nil {
			e.logger.Printf("Failed to cache enrichment for %s: %v", value, err)
		}
	}
	return res, nil
}

func emptyDetails() Details {
	return Details{
		Geo:        map[string]interface{}{},
		Neutrino:   map[string]interface{}{},
		RDNS:       []string{},
		Whois:      map[string]string{},
		SourceUsed: sourceNone,
	}
}

// lookup consults every provider concurrently under one deadline.
func (e *Enricher) lookup(ctx context.Context, value string) Details {
	d := emptyDetails()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	isIP := net.ParseIP(value) != nil
	p := e.providers
	var g errgroup.Group

	if p.Geo != nil {
		g.Go(func() error {
			geo, err := p.Geo.Lookup(ctx, value)
			if err != nil {
				e.providerFailed("geoip", value, err)
				return nil
			}
			d.Geo = geo
			return nil
		})
	}
	if isIP && len(p.Reputation) > 0 {
		g.Go(func() error {
			for _, rp := range p.Reputation {
				data, err := rp.Lookup(ctx, value)
				if err != nil {
					if !errors.Is(err, ErrNotConfigured) {
						e.providerFailed(rp.Name(), value, err)
					}
					continue
				}
				if len(data) > 0 {
					d.Neutrino = data
					d.SourceUsed = rp.Name()
					return nil
				}
			}
			return nil
		})
	}
	if isIP && p.PTR != nil {
		g.Go(func() error {
			names, err := p.PTR.LookupPTR(ctx, value)
			if err != nil {
				e.providerFailed("rdns", value, err)
				return nil
			}
			if names != nil {
				d.RDNS = names
			}
			return nil
		})
	}
	if p.Whois != nil {
		g.Go(func() error {
			w, err := p.Whois.Lookup(ctx, value)
			if err != nil {
				e.providerFailed("whois", value, err)
				return nil
			}
			d.Whois = w
			return nil
		})
	}
	_ = g.Wait()
	return d
}

func (e *Enricher) providerFailed(provider, value string, err error) {
	metrics.EnrichProviderErrors.WithLabelValues(provider).Inc()
	e.logger.Printf("%s lookup for %s failed: %v", provider, value, err)
}

func (e *Enricher) cacheGet(ctx context.Context, key string) (json.RawMessage, bool) {
	if e.cache == nil {
		return nil, false
	}
	return e.cache.Get(ctx, key)
}

func (e *Enricher) cachePut(ctx context.Context, key string, raw json.RawMessage) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Put(ctx, key, raw)
}

// CachedReputation returns the cached reputation section for ip, or an empty
// object.
func (e *Enricher) CachedReputation(ctx context.Context, ip string) map[string]interface{} {
	raw, ok := e.cacheGet(ctx, ip)
	if !ok {
		return map[string]interface{}{}
	}
	var d Details
	if err := json.Unmarshal(raw, &d); err != nil || d.Neutrino == nil {
		return map[string]interface{}{}
	}
	return d.Neutrino
}

// LiveReputation queries the first reputation provider directly, bypassing
// the cache.
func (e *Enricher) LiveReputation(ctx context.Context, ip string) (map[string]interface{}, error) {
	if len(e.providers.Reputation) == 0 {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.providers.Reputation[0].Lookup(ctx, ip)
}

// SaveReputation stores data as the reputation section of ip's cache entry,
// keeping any other cached sections.
func (e *Enricher) SaveReputation(ctx context.Context, ip string, data map[string]interface{}) error {
	d := emptyDetails()
	if raw, ok := e.cacheGet(ctx, ip); ok {
		_ = json.Unmarshal(raw, &d)
	}
	d.Neutrino = data
	if len(data) > 0 && d.SourceUsed == sourceNone {
		d.SourceUsed = "neutrino"
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return e.cachePut(ctx, ip, raw)
}
