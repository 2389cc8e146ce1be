package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedLegacyDuplicates simulates a database written before the uniqueness
// index existed.
func seedLegacyDuplicates(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.db.Exec(`DROP INDEX idx_indicators_unique`)
	require.NoError(t, err)

	rows := [][3]string{
		{"1.1.1.1", "malware", "feodo"},
		{"1.1.1.1", "malware", "feodo"},
		{"1.1.1.1", "malware", "feodo"},
		{"1.1.1.1", "tor", "tor_exit"},
		{"2.2.2.2", "", ""},
		{"2.2.2.2", "", ""},
	}
	for _, r := range rows {
		_, err := s.db.Exec(`INSERT INTO threat_indicators (type, value, category, source, severity)
			VALUES ('ip', ?, ?, ?, 'low')`, r[0], r[1], r[2])
		require.NoError(t, err)
	}
}

func TestCompactRemovesDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedLegacyDuplicates(t, store)
	require.Equal(t, int64(6), rowCount(t, store))

	var firstID int64
	require.NoError(t, store.db.QueryRow(`SELECT MIN(id) FROM threat_indicators WHERE value = '1.1.1.1' AND source = 'feodo'`).Scan(&firstID))

	removed, err := store.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.Equal(t, int64(3), rowCount(t, store))

	all, err := store.QueryAll(ctx, indicator.TypeIP, "1.1.1.1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	ids := []int64{all[0].ID, all[1].ID}
	assert.Contains(t, ids, firstID, "the earliest inserted row survives")

	// the unique index is back, so a direct duplicate now fails
	_, err = store.db.Exec(`INSERT INTO threat_indicators (type, value, category, source, severity)
		VALUES ('ip', '1.1.1.1', 'malware', 'feodo', 'low')`)
	assert.Error(t, err)
}

func TestCompactIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedLegacyDuplicates(t, store)

	_, err := store.Compact(ctx)
	require.NoError(t, err)
	after := rowCount(t, store)

	removed, err := store.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, after, rowCount(t, store))
}

func TestCompactOnCleanStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := store.Upsert(ctx, ipIndicator(fmt.Sprintf("192.0.2.%d", i), "a", indicator.SeverityLow))
		require.NoError(t, err)
	}
	removed, err := store.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, int64(10), rowCount(t, store))
}
