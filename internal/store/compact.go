package store

import (
	"context"
	"fmt"
)

// Compact collapses rows sharing a (type, value, category, source) tuple to
// the earliest-inserted one and makes sure the uniqueness and value indexes
// exist. It runs as one transaction and is idempotent; the number of removed
// rows is returned.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func(e error) (int64, error) {
		_ = tx.Rollback()
		return 0, e
	}

	// NULLs never compare equal inside a unique index.
	for _, stmt := range []string{
		`UPDATE threat_indicators SET category = '' WHERE category IS NULL`,
		`UPDATE threat_indicators SET source = '' WHERE source IS NULL`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return rollback(fmt.Errorf("normalize legacy rows: %w", err))
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM threat_indicators WHERE id NOT IN (
		SELECT MIN(id) FROM threat_indicators GROUP BY type, value, category, source
	)`)
	if err != nil {
		return rollback(fmt.Errorf("delete duplicate indicators: %w", err))
	}
	removed, _ := res.RowsAffected()

	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_indicators_unique
			ON threat_indicators(type, value, category, source)`,
		`CREATE INDEX IF NOT EXISTS idx_indicators_value ON threat_indicators(value)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return rollback(fmt.Errorf("create indicator index: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return removed, nil
}
