// Package cvefeed keeps a short list of recent CVE advisories from an RSS or
// Atom feed for display next to lookup results.
package cvefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
)

const (
	DefaultURL     = "https://cvefeed.io/rssfeed/latest.xml"
	DefaultLimit   = 10
	DefaultRefresh = 15 * time.Minute
	DefaultTimeout = 10 * time.Second
)

// Item is one advisory.
type Item struct {
	Title     string     `json:"title"`
	Link      string     `json:"link"`
	Published *time.Time `json:"published,omitempty"`
}

// Options configures a Reader. Zero values take the defaults above.
type Options struct {
	URL        string
	Limit      int
	Refresh    time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Reader fetches the feed on demand and serves the cached list until it is
// older than Refresh. A failed refresh keeps serving the previous list.
type Reader struct {
	opts   Options
	parser *gofeed.Parser
	logger *log.Logger

	mu      sync.Mutex
	items   []Item
	fetched time.Time
}

func NewReader(opts Options) *Reader {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	parser := gofeed.NewParser()
	parser.UserAgent = "evilwatch/1.0"
	if opts.HTTPClient != nil {
		parser.Client = opts.HTTPClient
	}
	return &Reader{opts: opts, parser: parser, logger: logger}
}

// Recent returns up to Limit items in feed order.
func (r *Reader) Recent(ctx context.Context) ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.items != nil && time.Since(r.fetched) < r.opts.Refresh {
		return r.items, nil
	}

	items, err := r.fetch(ctx)
	if err != nil {
		if r.items != nil {
			r.logger.Printf("CVE feed refresh failed, serving list from %s: %v", r.fetched.Format(time.RFC3339), err)
			return r.items, nil
		}
		return nil, err
	}
	r.items, r.fetched = items, time.Now()
	return items, nil
}

func (r *Reader) fetch(ctx context.Context) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	feed, err := r.parser.ParseURLWithContext(r.opts.URL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			return nil, fmt.Errorf("CVE feed returned status %d", httpErr.StatusCode)
		}
		return nil, fmt.Errorf("failed to read CVE feed: %w", err)
	}

	items := make([]Item, 0, r.opts.Limit)
	for _, it := range feed.Items {
		if len(items) == r.opts.Limit {
			break
		}
		title := strings.TrimSpace(it.Title)
		if title == "" {
			continue
		}
		items = append(items, Item{Title: title, Link: strings.TrimSpace(it.Link), Published: it.PublishedParsed})
	}
	return items, nil
}
