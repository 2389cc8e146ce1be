package feeds

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log"
	"time"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
)

// Adapter binds a descriptor to a fetcher and yields normalized indicators.
type Adapter struct {
	desc    Descriptor
	fetcher *Fetcher
	logger  *log.Logger
	now     func() time.Time
}

// NewAdapter creates an adapter for a defaulted, validated descriptor.
func NewAdapter(d Descriptor, f *Fetcher, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Adapter{desc: d, fetcher: f, logger: logger, now: time.Now}
}

// Name returns the feed name.
func (a *Adapter) Name() string { return a.desc.Name }

// Descriptor returns the adapter's feed descriptor.
func (a *Adapter) Descriptor() Descriptor { return a.desc }

// Candidates fetches the feed and returns a lazy sequence of indicators.
// The sequence is always usable: on failure it is empty and the error is
// returned for reporting only.
func (a *Adapter) Candidates(ctx context.Context) (iter.Seq[indicator.Indicator], error) {
	body, err := a.fetcher.Fetch(ctx, a.desc)
	if err != nil {
		a.logger.Printf("feed %s unavailable: %v", a.desc.Name, err)
		return empty, err
	}

	now := a.now()
	return func(yield func(indicator.Indicator) bool) {
		for raw := range ParseLines(body, a.desc.Rule()) {
			ind, ok := indicator.Normalize(raw, a.desc.Meta, now)
			if !ok {
				continue
			}
			if !yield(ind) {
				return
			}
		}
	}, nil
}

func empty(func(indicator.Indicator) bool) {}

// NewAdapters builds adapters for every enabled descriptor in order.
// Authenticated feeds are skipped when the fetcher has no credentials.
func NewAdapters(descs []Descriptor, f *Fetcher, logger *log.Logger) ([]*Adapter, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	seen := make(map[string]bool, len(descs))
	adapters := make([]*Adapter, 0, len(descs))
	for _, d := range descs {
		d = d.WithDefaults()
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate feed name %q", d.Name)
		}
		seen[d.Name] = true
		if d.Disabled {
			continue
		}
		if d.Auth == AuthForm && !f.HasCredentials() {
			logger.Printf("feed %s skipped: no credentials configured", d.Name)
			continue
		}
		adapters = append(adapters, NewAdapter(d, f, logger))
	}
	return adapters, nil
}
