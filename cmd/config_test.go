package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/evilwatch/internal/bus"
	"github.com/Ashfaaq98/evilwatch/internal/feeds"
	"github.com/Ashfaaq98/evilwatch/internal/indicator"
)

func newTestViper(t *testing.T, yamlConfig string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	if yamlConfig != "" {
		require.NoError(t, v.ReadConfig(strings.NewReader(yamlConfig)))
	}
	setDefaults(v)
	return v
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newTestViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "./data/threats.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.Interval)
	assert.Equal(t, 500, cfg.Ingest.BatchSize)
	assert.Equal(t, "fts", cfg.Search.Backend)
	assert.Equal(t, "127.0.0.1:8000", cfg.API.Bind)
	assert.Zero(t, cfg.Enrich.CacheTTL)
	assert.True(t, cfg.Enrich.Whois)
	assert.False(t, cfg.Log.Debug())
	assert.Equal(t, feeds.DefaultDescriptors(), cfg.Feeds)
	assert.Equal(t, "https://cvefeed.io/rssfeed/latest.xml", cfg.RSS.URL)
	assert.Equal(t, 10, cfg.RSS.Limit)
	assert.Equal(t, 15*time.Minute, cfg.RSS.Refresh)
}

func TestLoadConfigFeedsOverride(t *testing.T) {
	cfg, err := loadConfig(newTestViper(t, `
log:
  level: debug
ingest:
  interval: 30m
feeds:
  - name: local_ips
    url: http://127.0.0.1:9000/ips.txt
    category: scanner
    severity: low
    notes: Local scanners
  - name: local_domains
    url: http://127.0.0.1:9000/domains.csv
    type: domain
    delimiter: ","
    column: 1
    category: phishing
    severity: high
    timeout: 3s
`))
	require.NoError(t, err)

	assert.True(t, cfg.Log.Debug())
	assert.Equal(t, 30*time.Minute, cfg.Ingest.Interval)
	require.Len(t, cfg.Feeds, 2)

	ips := cfg.Feeds[0]
	assert.Equal(t, indicator.TypeIP, ips.Type)
	assert.Equal(t, "local_ips", ips.Source)
	assert.Equal(t, feeds.FormatPlain, ips.Format)
	assert.Equal(t, feeds.DefaultTimeout, ips.Timeout)

	domains := cfg.Feeds[1]
	assert.Equal(t, indicator.TypeDomain, domains.Type)
	assert.Equal(t, feeds.FormatDelimited, domains.Format)
	assert.Equal(t, 1, domains.Column)
	assert.Equal(t, 3*time.Second, domains.Timeout)
}

func TestLoadConfigRejectsBadFeed(t *testing.T) {
	_, err := loadConfig(newTestViper(t, `
feeds:
  - name: broken
    url: ftp://example.com/list
    category: x
    severity: high
`))
	assert.Error(t, err)

	_, err = loadConfig(newTestViper(t, `
feeds:
  - name: loud
    url: https://example.com/list
    category: x
    severity: critical
`))
	assert.Error(t, err)
}

func TestFeedsYAMLCanBeLoadedBack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFeeds(&buf, feeds.DefaultDescriptors(), "yaml"))

	back, err := loadFeeds(newTestViper(t, buf.String()))
	require.NoError(t, err)
	assert.Equal(t, feeds.DefaultDescriptors(), back)
}

func TestWriteFeedsTable(t *testing.T) {
	descs := feeds.DefaultDescriptors()
	descs[0].Disabled = true

	var buf bytes.Buffer
	require.NoError(t, writeFeeds(&buf, descs, "table"))
	out := buf.String()
	assert.Contains(t, out, "firehol_level1")
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "spamhaus_drop")

	assert.Error(t, writeFeeds(&buf, descs, "xml"))
}

func TestSelectFeeds(t *testing.T) {
	descs := feeds.DefaultDescriptors()

	got, err := selectFeeds(descs, []string{"tor_exit", "firehol_level1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "firehol_level1", got[0].Name, "table order is kept")
	assert.Equal(t, "tor_exit", got[1].Name)

	_, err = selectFeeds(descs, []string{"nope"})
	assert.Error(t, err)
}

func TestResolvePathRelativeToBase(t *testing.T) {
	assert.Equal(t, "/srv/data/threats.db", resolvePathRelativeToBase("/srv", "data/threats.db"))
	assert.Equal(t, "/abs/threats.db", resolvePathRelativeToBase("/srv", "/abs/threats.db"))
	assert.Equal(t, ":memory:", resolvePathRelativeToBase("/srv", ":memory:"))
	assert.Equal(t, "", resolvePathRelativeToBase("/srv", ""))
}

func TestPrintRunSummary(t *testing.T) {
	var buf bytes.Buffer
	printRunSummary(&buf, bus.RunMessage{})
	assert.Empty(t, buf.String())

	printRunSummary(&buf, bus.RunMessage{
		RunID: "run-1",
		Feeds: []bus.FeedResult{
			{Name: "tor_exit", Candidates: 3, Inserted: 2, Existing: 1, DurationMS: 120},
			{Name: "ciarmy", Error: "fetch ciarmy: unexpected http status: 503"},
		},
		Compacted: 1,
		SyncMode:  "incremental",
		Indexed:   2,
	})
	out := buf.String()
	assert.Contains(t, out, "tor_exit")
	assert.Contains(t, out, "503")
	assert.Contains(t, out, "Run run-1: 2 new indicators, 1 duplicates compacted, search index incremental sync (2 entries)")
}
