package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrStatus is wrapped by fetch errors caused by a non-2xx response.
	ErrStatus = errors.New("unexpected http status")
	// ErrMissingCredentials is returned for authenticated feeds without credentials.
	ErrMissingCredentials = errors.New("feed credentials not configured")
)

// Credentials authenticate bulk downloads.
type Credentials struct {
	UserID string
	APIKey string
}

// Configured reports whether both parts are set.
func (c Credentials) Configured() bool {
	return c.UserID != "" && c.APIKey != ""
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// HTTPClient is used for all requests. If nil, a default client is used;
	// per-feed timeouts are applied through the request context.
	HTTPClient *http.Client
	// UserAgent header value. Defaults to "evilwatch/1.0".
	UserAgent string
	// MaxBodyBytes caps the body read per feed; defaults to 64 MiB.
	MaxBodyBytes int64
	Credentials  Credentials
}

// Fetcher downloads raw feed bodies.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	creds     Credentials
}

// NewFetcher constructs a Fetcher with defaults applied.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "evilwatch/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 * 1024 * 1024
	}
	return &Fetcher{
		client:    opts.HTTPClient,
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBodyBytes,
		creds:     opts.Credentials,
	}
}

// HasCredentials reports whether authenticated feeds can be fetched.
func (f *Fetcher) HasCredentials() bool {
	return f.creds.Configured()
}

// Fetch downloads the body of d within d.Timeout.
func (f *Fetcher) Fetch(ctx context.Context, d Descriptor) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	req, err := f.newRequest(ctx, d)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", d.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch %s: %w %d", d.Name, ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", d.Name, err)
	}
	return body, nil
}

func (f *Fetcher) newRequest(ctx context.Context, d Descriptor) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	if d.Method == http.MethodPost || d.Auth == AuthForm {
		form := url.Values{}
		for k, v := range d.Form {
			form.Set(k, v)
		}
		if d.Auth == AuthForm {
			if !f.creds.Configured() {
				return nil, fmt.Errorf("fetch %s: %w", d.Name, ErrMissingCredentials)
			}
			form.Set("user-id", f.creds.UserID)
			form.Set("api-key", f.creds.APIKey)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, d.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", d.Name, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}
