package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexCount(t *testing.T, s *Store) int64 {
	t.Helper()
	n, err := s.SearchIndexCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestSyncSearchIndexFirstRunIsFull(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := store.Upsert(ctx, ipIndicator(fmt.Sprintf("198.51.100.%d", i), "a", indicator.SeverityMedium))
		require.NoError(t, err)
	}

	report, err := store.SyncSearchIndex(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SyncFull, report.Mode)
	assert.Equal(t, int64(20), report.Entries)
	assert.Equal(t, int64(20), indexCount(t, store))
}

func TestSyncSearchIndexInterleaved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for round := 0; round < 4; round++ {
		for i := 0; i < 5; i++ {
			_, err := store.Upsert(ctx, ipIndicator(fmt.Sprintf("203.0.113.%d", round*10+i), "a", indicator.SeverityLow))
			require.NoError(t, err)
			// repeat observations must not grow the index
			_, err = store.Upsert(ctx, ipIndicator(fmt.Sprintf("203.0.113.%d", round*10+i), "a", indicator.SeverityLow))
			require.NoError(t, err)
		}
		report, err := store.SyncSearchIndex(ctx, false)
		require.NoError(t, err)
		if round > 0 {
			assert.Equal(t, SyncIncremental, report.Mode)
			assert.Equal(t, int64(5), report.Added)
		}
		assert.Equal(t, rowCount(t, store), indexCount(t, store))
	}
}

func TestSyncSearchIndexDropsCompactedRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Upsert(ctx, ipIndicator("1.1.1.1", "a", indicator.SeverityLow))
	require.NoError(t, err)
	_, err = store.SyncSearchIndex(ctx, false)
	require.NoError(t, err)

	seedLegacyDuplicates(t, store)
	_, err = store.SyncSearchIndex(ctx, false)
	require.NoError(t, err)
	require.Equal(t, rowCount(t, store), indexCount(t, store))

	removed, err := store.Compact(ctx)
	require.NoError(t, err)
	require.Positive(t, removed)
	assert.NotEqual(t, rowCount(t, store), indexCount(t, store))

	report, err := store.SyncSearchIndex(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, removed, report.Removed)
	assert.Equal(t, rowCount(t, store), indexCount(t, store))
}

func TestSyncSearchIndexForcedFull(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Upsert(ctx, ipIndicator("1.1.1.1", "a", indicator.SeverityLow))
	require.NoError(t, err)
	_, err = store.SyncSearchIndex(ctx, false)
	require.NoError(t, err)

	report, err := store.SyncSearchIndex(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, SyncFull, report.Mode)
	assert.Equal(t, int64(1), indexCount(t, store))
}

func TestFullTextSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	feodo := ipIndicator("45.9.148.108", "abusech_feodo", indicator.SeverityHigh)
	feodo.Notes = "Feodo C2"
	phish := ipIndicator("phish.example.net", "openphish", indicator.SeverityHigh)
	phish.Type = indicator.TypeDomain
	phish.Category = "phishing"
	for _, ind := range []indicator.Indicator{feodo, phish} {
		_, err := store.Upsert(ctx, ind)
		require.NoError(t, err)
	}

	hits, err := store.FullTextSearch(ctx, "Feodo", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "nothing is searchable before the index is synced")

	_, err = store.SyncSearchIndex(ctx, false)
	require.NoError(t, err)

	hits, err = store.FullTextSearch(ctx, "Feodo", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "45.9.148.108", hits[0].Value)

	hits, err = store.FullTextSearch(ctx, "45.9.148.108", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "abusech_feodo", hits[0].Source)

	hits, err = store.FullTextSearch(ctx, "phishing", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, indicator.TypeDomain, hits[0].Type)

	hits, err = store.FullTextSearch(ctx, `"unbalanced`, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.FullTextSearch(ctx, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
