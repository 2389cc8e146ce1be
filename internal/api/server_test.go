package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/evilwatch/internal/bus"
	"github.com/Ashfaaq98/evilwatch/internal/cvefeed"
	"github.com/Ashfaaq98/evilwatch/internal/enrich"
	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/Ashfaaq98/evilwatch/internal/lookup"
	"github.com/Ashfaaq98/evilwatch/internal/scheduler"
	"github.com/Ashfaaq98/evilwatch/internal/search"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

type fakeReputation struct{}

func (fakeReputation) Name() string { return "neutrino" }

func (fakeReputation) Lookup(ctx context.Context, ip string) (map[string]interface{}, error) {
	return map[string]interface{}{"ip": ip, "is-listed": true}, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
}

func newTestEnv(t *testing.T, secret string, extra ...func(*Deps)) *testEnv {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "threats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	now := time.Now()
	seed := []indicator.Indicator{
		{Type: indicator.TypeIP, Value: "45.9.148.108", Category: "malware", Source: "abusech_feodo", Severity: indicator.SeverityHigh, Notes: "Feodo C2"},
		{Type: indicator.TypeIP, Value: "45.9.148.108", Category: "tor", Source: "tor_exit", Severity: indicator.SeverityMedium},
		{Type: indicator.TypeDomain, Value: "phish.example.net", Category: "phishing", Source: "openphish", Severity: indicator.SeverityHigh},
		{Type: indicator.TypeIP, Value: "185.220.101.1", Category: "tor", Source: "tor_exit", Severity: indicator.SeverityMedium},
	}
	for _, ind := range seed {
		ind.FirstSeen, ind.LastSeen = now, now
		_, err := st.Upsert(ctx, ind)
		require.NoError(t, err)
	}

	idx := search.NewFTSIndex(st)
	_, err = idx.Sync(ctx, false)
	require.NoError(t, err)

	filter := lookup.NewFilter(st, nil)
	require.NoError(t, filter.Refresh(ctx))

	cache, err := enrich.NewCacheManager(st, enrich.CacheOptions{})
	require.NoError(t, err)
	enricher := enrich.NewEnricher(st, cache, enrich.Providers{
		Reputation: []enrich.ReputationProvider{fakeReputation{}},
	}, time.Second, nil)

	deps := Deps{Store: st, Index: idx, Filter: filter, Enricher: enricher}
	for _, fn := range extra {
		fn(&deps)
	}
	s := NewServer(deps, Options{
		JWTSecret: secret,
		Logger:    log.New(io.Discard, "", 0),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st}
}

func (e *testEnv) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) post(t *testing.T, path, token, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t, "")

	for _, prefix := range []string{"", "/api"} {
		var hit checkResponse
		require.Equal(t, http.StatusOK, env.get(t, prefix+"/check?type=ip&value=45.9.148.108", &hit))
		assert.True(t, hit.Match.Match)
		assert.Equal(t, "abusech_feodo", hit.Source, "highest severity wins")
		assert.Equal(t, indicator.SeverityHigh, hit.Severity)
		assert.Empty(t, hit.Matches)
	}

	var miss checkResponse
	require.Equal(t, http.StatusOK, env.get(t, "/check?type=ip&value=203.0.113.99", &miss))
	assert.False(t, miss.Match.Match)
	assert.Equal(t, "203.0.113.99", miss.Value)

	// typed lookups do not cross types
	require.Equal(t, http.StatusOK, env.get(t, "/check?type=domain&value=45.9.148.108", &miss))
	assert.False(t, miss.Match.Match)

	var all checkResponse
	require.Equal(t, http.StatusOK, env.get(t, "/check?type=ip&value=45.9.148.108&all=true", &all))
	assert.True(t, all.Match.Match)
	assert.Len(t, all.Matches, 2)

	var errResp map[string]string
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/check?type=url&value=x", &errResp))
	assert.NotEmpty(t, errResp["error"])
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/check?type=ip", &errResp))
}

func TestCheckSeesRowsWrittenAfterFilterBuild(t *testing.T) {
	env := newTestEnv(t, "")
	now := time.Now()
	_, err := env.store.Upsert(context.Background(), indicator.Indicator{
		Type: indicator.TypeIP, Value: "198.51.100.77", Source: "late", Severity: indicator.SeverityLow,
		FirstSeen: now, LastSeen: now,
	})
	require.NoError(t, err)

	var hit checkResponse
	require.Equal(t, http.StatusOK, env.get(t, "/check?type=ip&value=198.51.100.77", &hit))
	assert.True(t, hit.Match.Match)
}

func TestListAndSearch(t *testing.T) {
	env := newTestEnv(t, "")

	var list []indicator.Match
	require.Equal(t, http.StatusOK, env.get(t, "/list?limit=2", &list))
	assert.Len(t, list, 2)

	require.Equal(t, http.StatusOK, env.get(t, "/list", &list))
	assert.Len(t, list, 4)

	var errResp map[string]string
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/list?limit=abc", &errResp))
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/list?limit=0", &errResp))

	var found []indicator.Match
	require.Equal(t, http.StatusOK, env.get(t, "/search?q=phish", &found))
	require.Len(t, found, 1)
	assert.Equal(t, "phish.example.net", found[0].Value)

	require.Equal(t, http.StatusOK, env.get(t, "/search?q=tor&limit=1", &found))
	assert.Len(t, found, 1)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/search", &errResp))

	var fts []indicator.Indicator
	require.Equal(t, http.StatusOK, env.get(t, "/api/fts?q=Feodo", &fts))
	require.Len(t, fts, 1)
	assert.Equal(t, "45.9.148.108", fts[0].Value)

	require.Equal(t, http.StatusOK, env.get(t, "/fts?q=nothing-like-this", &fts))
	assert.Empty(t, fts)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, "")

	var count map[string]int64
	require.Equal(t, http.StatusOK, env.get(t, "/stats/entries", &count))
	assert.Equal(t, int64(3), count["count"])

	var breakdown map[string]int64
	require.Equal(t, http.StatusOK, env.get(t, "/stats/type-breakdown", &breakdown))
	assert.Equal(t, map[string]int64{"malware": 1, "tor": 2, "phishing": 1}, breakdown)

	require.Equal(t, http.StatusOK, env.get(t, "/stats/source-breakdown", &breakdown))
	assert.Equal(t, int64(2), breakdown["tor_exit"])

	require.Equal(t, http.StatusOK, env.get(t, "/stats/searches", &count))
	assert.Zero(t, count["count"])

	for i := 1; i <= 3; i++ {
		require.Equal(t, http.StatusOK, env.post(t, "/api/stats/increment-search", "", "", &count))
		assert.Equal(t, int64(i), count["count"])
	}
	require.Equal(t, http.StatusOK, env.get(t, "/stats/searches", &count))
	assert.Equal(t, int64(3), count["count"])
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, secret)

	var errResp map[string]string
	assert.Equal(t, http.StatusUnauthorized, env.post(t, "/stats/increment-search", "", "", &errResp))
	assert.Equal(t, http.StatusUnauthorized, env.post(t, "/stats/increment-search", "garbage", "", &errResp))

	forged, err := IssueToken("other-secret", "cli", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.post(t, "/stats/increment-search", forged, "", &errResp))

	// a zero ttl issues a non-expiring token
	forever, err := IssueToken(secret, "cli", 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, env.post(t, "/stats/increment-search", forever, "", nil))

	token, err := IssueToken(secret, "cli", time.Hour)
	require.NoError(t, err)
	var count map[string]int64
	require.Equal(t, http.StatusOK, env.post(t, "/stats/increment-search", token, "", &count))
	assert.Equal(t, int64(2), count["count"])

	// reads stay open
	assert.Equal(t, http.StatusOK, env.get(t, "/stats/searches", &count))

	// the audit log is not
	assert.Equal(t, http.StatusUnauthorized, env.get(t, "/audit", &errResp))
	entries, err := env.store.GetAuditEntries(context.Background(), store.AuditSearchIncrement, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cli", entries[0].Actor)
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t, "")

	require.Equal(t, http.StatusOK, env.post(t, "/stats/increment-search", "", "", nil))
	require.Equal(t, http.StatusOK, env.post(t, "/neutrino/save", "", `{"ip":"192.0.2.9","data":{"a":1}}`, nil))

	var entries []store.AuditEntry
	require.Equal(t, http.StatusOK, env.get(t, "/audit", &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditReputationSave, entries[0].Action)
	assert.Equal(t, "192.0.2.9", entries[0].Target)
	assert.Equal(t, "anonymous", entries[0].Actor)
	assert.Equal(t, "127.0.0.1", entries[0].Remote)

	require.Equal(t, http.StatusOK, env.get(t, "/api/audit?action=search_increment&limit=5", &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditSearchIncrement, entries[0].Action)

	var errResp map[string]string
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/audit?limit=0", &errResp))
}

func TestIssueTokenNeedsSecret(t *testing.T) {
	_, err := IssueToken("", "cli", time.Hour)
	assert.Error(t, err)
}

func TestFallbackAndReputationRoutes(t *testing.T) {
	env := newTestEnv(t, "")

	var res enrich.Result
	require.Equal(t, http.StatusOK, env.get(t, "/fallback?value=45.9.148.108", &res))
	assert.True(t, res.DBMatch.Match)

	require.Equal(t, http.StatusOK, env.get(t, "/fallback?value=203.0.113.5", &res))
	assert.False(t, res.DBMatch.Match)
	assert.Equal(t, "neutrino", res.SourceUsed)
	assert.False(t, res.Cached)

	require.Equal(t, http.StatusOK, env.get(t, "/fallback?value=203.0.113.5", &res))
	assert.True(t, res.Cached)

	var cached map[string]interface{}
	require.Equal(t, http.StatusOK, env.get(t, "/neutrino/cache?ip=203.0.113.5", &cached))
	assert.Equal(t, true, cached["is-listed"])

	require.Equal(t, http.StatusOK, env.get(t, "/neutrino/cache?ip=192.0.2.200", &cached))
	assert.Empty(t, cached)

	var status map[string]string
	body := `{"ip":"192.0.2.200","data":{"is-listed":false,"list-count":0}}`
	require.Equal(t, http.StatusOK, env.post(t, "/neutrino/save", "", body, &status))
	assert.Equal(t, "saved", status["status"])
	require.Equal(t, http.StatusOK, env.get(t, "/neutrino/cache?ip=192.0.2.200", &cached))
	assert.Equal(t, false, cached["is-listed"])

	assert.Equal(t, http.StatusBadRequest, env.post(t, "/neutrino/save", "", `{"data":{}}`, &status))
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/neutrino/save", "", `not json`, &status))

	var live map[string]interface{}
	require.Equal(t, http.StatusOK, env.get(t, "/neutrino/live?ip=198.51.100.1", &live))
	assert.Equal(t, "198.51.100.1", live["ip"])
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/neutrino/live?ip=nope", &live))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "")

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, env.get(t, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "fts", health["search_backend"])

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "evilwatch_api_requests_total")
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, env.store.Close())

	var errResp map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, env.get(t, "/list", &errResp))
	assert.Equal(t, "threat store unavailable", errResp["error"])
	assert.Equal(t, http.StatusServiceUnavailable, env.get(t, "/stats/entries", &errResp))

	var health map[string]interface{}
	assert.Equal(t, http.StatusServiceUnavailable, env.get(t, "/healthz", &health))
}

func TestParseLimit(t *testing.T) {
	for _, tc := range []struct {
		query string
		want  int
		err   bool
	}{
		{"", 50, false},
		{"limit=5", 5, false},
		{fmt.Sprintf("limit=%d", maxLimit+10), maxLimit, false},
		{"limit=-1", 0, true},
		{"limit=x", 0, true},
	} {
		r := httptest.NewRequest(http.MethodGet, "/search?"+tc.query, nil)
		got, err := parseLimit(r, 50)
		if tc.err {
			assert.Error(t, err, tc.query)
			continue
		}
		require.NoError(t, err, tc.query)
		assert.Equal(t, tc.want, got, tc.query)
	}
}

func TestIngestRunQueuesOnScheduler(t *testing.T) {
	secret := "s3cret"
	env := newTestEnv(t, secret, func(d *Deps) {
		runner := scheduler.NewRunner(d.Store, d.Index, bus.NewNullBus(log.New(io.Discard, "", 0)), nil, scheduler.Options{})
		d.Scheduler = scheduler.NewScheduler(runner, time.Hour, nil)
	})
	token, err := IssueToken(secret, "cron", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, env.post(t, "/ingest/run", "", "", nil))

	var resp map[string]interface{}
	require.Equal(t, http.StatusAccepted, env.post(t, "/api/ingest/run", token, "", &resp))
	assert.Equal(t, true, resp["queued"])
	assert.Equal(t, "idle", resp["state"])

	// the scheduler loop is not draining, so the second request folds into the first
	require.Equal(t, http.StatusAccepted, env.post(t, "/ingest/run", token, "", &resp))
	assert.Equal(t, false, resp["queued"])

	entries, err := env.store.GetAuditEntries(context.Background(), store.AuditIngestTrigger, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cron", entries[0].Actor)
}

func TestIngestRunWithoutScheduler(t *testing.T) {
	env := newTestEnv(t, "")
	var resp map[string]string
	assert.Equal(t, http.StatusNotImplemented, env.post(t, "/ingest/run", "", "", &resp))
	assert.Contains(t, resp["error"], "scheduler")
}

func TestRecentCVEs(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>CVEs</title>`+
			`<item><title>CVE-2025-0001</title><link>https://cvefeed.io/vuln/detail/CVE-2025-0001</link></item>`+
			`<item><title>CVE-2025-0002</title><link>https://cvefeed.io/vuln/detail/CVE-2025-0002</link></item>`+
			`</channel></rss>`)
	}))
	defer feed.Close()

	env := newTestEnv(t, "", func(d *Deps) {
		d.CVEs = cvefeed.NewReader(cvefeed.Options{URL: feed.URL, Limit: 1})
	})
	var resp struct {
		Items []cvefeed.Item `json:"items"`
	}
	require.Equal(t, http.StatusOK, env.get(t, "/rss/cves", &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "CVE-2025-0001", resp.Items[0].Title)
	assert.Equal(t, "https://cvefeed.io/vuln/detail/CVE-2025-0001", resp.Items[0].Link)

	down := newTestEnv(t, "", func(d *Deps) {
		up.Store(false)
		d.CVEs = cvefeed.NewReader(cvefeed.Options{URL: feed.URL})
	})
	var errResp map[string]string
	assert.Equal(t, http.StatusBadGateway, down.get(t, "/api/rss/cves", &errResp))
	assert.Equal(t, http.StatusNotImplemented, newTestEnv(t, "").get(t, "/rss/cves", nil))
}
