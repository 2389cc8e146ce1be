package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
)

const (
	SyncIncremental = "incremental"
	SyncFull        = "full"
)

// SyncReport describes one search index reconciliation.
type SyncReport struct {
	Mode     string        `json:"mode"`
	Removed  int64         `json:"removed"`
	Added    int64         `json:"added"`
	Entries  int64         `json:"entries"`
	Duration time.Duration `json:"duration"`
}

// setupSearchTable creates the derived search table. It is an FTS5 table
// when the linked SQLite supports it and a plain table with the same columns
// otherwise; FullTextSearch falls back to LIKE in the latter case.
func (s *Store) setupSearchTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS indicator_search USING fts5(
		value, category, source, severity, notes,
		tokenize = 'unicode61'
	)`)
	if err != nil {
		_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS indicator_search (
			value TEXT, category TEXT, source TEXT, severity TEXT, notes TEXT
		)`)
		if err != nil {
			return fmt.Errorf("failed to create search table: %w", err)
		}
	}

	var ddl string
	err = s.db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE name = 'indicator_search'`).Scan(&ddl)
	if err != nil {
		return fmt.Errorf("failed to inspect search table: %w", err)
	}
	s.fts = strings.Contains(strings.ToLower(ddl), "fts5")
	return nil
}

// FullTextEnabled reports whether the search table is backed by FTS5.
func (s *Store) FullTextEnabled() bool {
	return s.fts
}

// SyncSearchIndex reconciles the search table with threat_indicators inside
// one transaction, so readers see either the old or the new index. Entries
// for deleted indicators are dropped and missing ones added. A full rebuild
// happens when full is set, when the index is empty, or when counts still
// disagree after the incremental pass.
func (s *Store) SyncSearchIndex(ctx context.Context, full bool) (SyncReport, error) {
	start := time.Now()
	report := SyncReport{Mode: SyncIncremental}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func(e error) (SyncReport, error) {
		_ = tx.Rollback()
		return report, e
	}

	indexCount, err := countRows(ctx, tx, "indicator_search")
	if err != nil {
		return rollback(err)
	}

	if !full && indexCount > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM indicator_search
			WHERE rowid NOT IN (SELECT id FROM threat_indicators)`)
		if err != nil {
			return rollback(fmt.Errorf("drop orphaned search entries: %w", err))
		}
		report.Removed, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `INSERT INTO indicator_search (rowid, value, category, source, severity, notes)
			SELECT id, value, COALESCE(category, ''), COALESCE(source, ''), COALESCE(severity, ''), COALESCE(notes, '')
			FROM threat_indicators WHERE id NOT IN (SELECT rowid FROM indicator_search)`)
		if err != nil {
			return rollback(fmt.Errorf("add missing search entries: %w", err))
		}
		report.Added, _ = res.RowsAffected()
	}

	storeCount, err := countRows(ctx, tx, "threat_indicators")
	if err != nil {
		return rollback(err)
	}
	indexCount, err = countRows(ctx, tx, "indicator_search")
	if err != nil {
		return rollback(err)
	}

	if full || indexCount != storeCount {
		report.Mode = SyncFull
		if _, err := tx.ExecContext(ctx, `DELETE FROM indicator_search`); err != nil {
			return rollback(fmt.Errorf("clear search index: %w", err))
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO indicator_search (rowid, value, category, source, severity, notes)
			SELECT id, value, COALESCE(category, ''), COALESCE(source, ''), COALESCE(severity, ''), COALESCE(notes, '')
			FROM threat_indicators`)
		if err != nil {
			return rollback(fmt.Errorf("rebuild search index: %w", err))
		}
		report.Removed = indexCount
		report.Added, _ = res.RowsAffected()
		indexCount = storeCount
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("commit tx: %w", err)
	}
	report.Entries = indexCount
	report.Duration = time.Since(start)
	return report, nil
}

// SearchIndexCount returns the number of search entries.
func (s *Store) SearchIndexCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM indicator_search`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count search entries: %w", err)
	}
	return n, nil
}

// FullTextSearch matches term as a literal phrase against the search index,
// best match first. Without FTS5 it degrades to a substring match over the
// same columns.
func (s *Store) FullTextSearch(ctx context.Context, term string, limit int) ([]indicator.Indicator, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	cols := prefixed("i.", indicatorColumns)
	if s.fts {
		rows, err := s.db.QueryContext(ctx, `SELECT `+cols+`
			FROM indicator_search JOIN threat_indicators i ON i.id = indicator_search.rowid
			WHERE indicator_search MATCH ?
			ORDER BY rank
			LIMIT ?`, phrase(term), limit)
		if err == nil {
			defer rows.Close()
			return scanIndicators(rows)
		}
	}

	pattern := likePattern(term)
	rows, err := s.db.QueryContext(ctx, `SELECT `+cols+`
		FROM indicator_search f JOIN threat_indicators i ON i.id = f.rowid
		WHERE f.value LIKE ? ESCAPE '\' OR f.category LIKE ? ESCAPE '\'
		OR f.source LIKE ? ESCAPE '\' OR f.severity LIKE ? ESCAPE '\' OR f.notes LIKE ? ESCAPE '\'
		ORDER BY i.id
		LIMIT ?`, pattern, pattern, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	defer rows.Close()
	return scanIndicators(rows)
}

// phrase quotes term so FTS5 treats it as a phrase instead of query syntax.
func phrase(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countRows(ctx context.Context, q queryRower, table string) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
