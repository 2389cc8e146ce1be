package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store is the SQLite indicator database. A single *sql.DB pool is shared by
// the scheduler and API handlers; every statement holds a connection only for
// its own duration and concurrency is left to SQLite's WAL mode.
type Store struct {
	db   *sql.DB
	path string

	// fts is true when the search table is a real FTS5 table.
	fts bool
}

// Bucket is one row of a grouped count.
type Bucket struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

const indicatorColumns = `id, type, value, category, source, severity, notes, first_seen, last_seen`

// NewStore opens (creating if needed) the database at dbPath and migrates it.
func NewStore(dbPath string) (*Store, error) {
	memory := dbPath == ":memory:"
	if !memory {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	dsn := dbPath
	if !memory {
		dsn = sqliteDSN(dbPath)
	}
	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threat_indicators (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL CHECK(type IN ('ip', 'email', 'domain')),
			value TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			first_seen TEXT,
			last_seen TEXT,
			severity TEXT CHECK(severity IN ('low', 'medium', 'high', 'critical')),
			notes TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS enrichment_cache (
			ip TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	if err := s.setupSearchTable(ctx); err != nil {
		return err
	}
	if err := s.setupAuditTable(ctx); err != nil {
		return err
	}

	// Databases written by older builds have no uniqueness index and may
	// hold duplicates; compacting here makes the upsert conflict clause bite.
	if _, err := s.Compact(ctx); err != nil {
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Upsert inserts ind unless its (type, value, category, source) tuple already
// exists, in which case only last_seen is refreshed. It reports whether a new
// row was created. Duplicates are never an error.
func (s *Store) Upsert(ctx context.Context, ind indicator.Indicator) (bool, error) {
	return upsert(ctx, s.db, ind)
}

func upsert(ctx context.Context, ex execer, ind indicator.Indicator) (bool, error) {
	first := indicator.FormatDate(ind.FirstSeen)
	last := indicator.FormatDate(ind.LastSeen)
	if last == "" {
		last = first
	}

	res, err := ex.ExecContext(ctx, `INSERT INTO threat_indicators
		(type, value, category, source, severity, notes, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		string(ind.Type), ind.Value, ind.Category, ind.Source,
		string(ind.Severity), ind.Notes, nullIfEmpty(first), nullIfEmpty(last),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert indicator %s from %s: %w", ind.Value, ind.Source, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}

	if last == "" {
		return false, nil
	}
	_, err = ex.ExecContext(ctx, `UPDATE threat_indicators SET last_seen = ?
		WHERE type = ? AND value = ? AND category = ? AND source = ?
		AND (last_seen IS NULL OR last_seen < ?)`,
		last, string(ind.Type), ind.Value, ind.Category, ind.Source, last,
	)
	if err != nil {
		return false, fmt.Errorf("failed to refresh last_seen for %s from %s: %w", ind.Value, ind.Source, err)
	}
	return false, nil
}

// BatchResult counts the outcome of UpsertBatch.
type BatchResult struct {
	Inserted int
	Existing int
	Failed   int
}

// UpsertBatch upserts inds inside one transaction. Rows that fail are passed
// to onError (if set) and skipped. An error is returned only when the
// transaction itself cannot be opened or committed, in which case none of
// the batch is guaranteed to be stored.
func (s *Store) UpsertBatch(ctx context.Context, inds []indicator.Indicator, onError func(indicator.Indicator, error)) (BatchResult, error) {
	var result BatchResult
	if len(inds) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}

	for _, ind := range inds {
		inserted, err := upsert(ctx, tx, ind)
		switch {
		case err != nil:
			result.Failed++
			if onError != nil {
				onError(ind, err)
			}
		case inserted:
			result.Inserted++
		default:
			result.Existing++
		}
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return BatchResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}

// severityOrder sorts the most severe match first and breaks ties by
// insertion order.
const severityOrder = `CASE severity
	WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1
	ELSE 0 END DESC, id ASC`

// QueryExact returns the single best match for (typ, value): the most severe
// row, and among equals the earliest inserted. ErrNotFound if none.
func (s *Store) QueryExact(ctx context.Context, typ indicator.Type, value string) (indicator.Indicator, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+indicatorColumns+` FROM threat_indicators
		WHERE type = ? AND value = ? ORDER BY `+severityOrder+` LIMIT 1`, string(typ), value)
	ind, err := scanIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return indicator.Indicator{}, ErrNotFound
	}
	if err != nil {
		return indicator.Indicator{}, fmt.Errorf("failed to query indicator: %w", err)
	}
	return ind, nil
}

// QueryAll returns every row for (typ, value) in QueryExact order.
func (s *Store) QueryAll(ctx context.Context, typ indicator.Type, value string) ([]indicator.Indicator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+indicatorColumns+` FROM threat_indicators
		WHERE type = ? AND value = ? ORDER BY `+severityOrder, string(typ), value)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicators: %w", err)
	}
	defer rows.Close()
	return scanIndicators(rows)
}

// List returns up to limit indicators in insertion order.
func (s *Store) List(ctx context.Context, limit int) ([]indicator.Indicator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+indicatorColumns+` FROM threat_indicators
		ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list indicators: %w", err)
	}
	defer rows.Close()
	return scanIndicators(rows)
}

// Search is a substring match over value, category, source and notes.
func (s *Store) Search(ctx context.Context, term string, limit int) ([]indicator.Indicator, error) {
	pattern := likePattern(term)
	rows, err := s.db.QueryContext(ctx, `SELECT `+indicatorColumns+` FROM threat_indicators
		WHERE value LIKE ? ESCAPE '\' OR category LIKE ? ESCAPE '\'
		OR source LIKE ? ESCAPE '\' OR notes LIKE ? ESCAPE '\'
		ORDER BY id LIMIT ?`, pattern, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search indicators: %w", err)
	}
	defer rows.Close()
	return scanIndicators(rows)
}

// GetByIDs returns the indicators for ids in the given order; ids that no
// longer exist are skipped.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) ([]indicator.Indicator, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx, `SELECT `+indicatorColumns+` FROM threat_indicators
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load indicators by id: %w", err)
	}
	defer rows.Close()

	found, err := scanIndicators(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]indicator.Indicator, len(found))
	for _, ind := range found {
		byID[ind.ID] = ind
	}
	out := make([]indicator.Indicator, 0, len(found))
	for _, id := range ids {
		if ind, ok := byID[id]; ok {
			out = append(out, ind)
		}
	}
	return out, nil
}

// IndicatorsAfter pages through the table by id.
func (s *Store) IndicatorsAfter(ctx context.Context, afterID int64, limit int) ([]indicator.Indicator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+indicatorColumns+` FROM threat_indicators
		WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page indicators: %w", err)
	}
	defer rows.Close()
	return scanIndicators(rows)
}

// ForEachKey calls fn with the (type, value) of every stored indicator.
// fn must not use the store.
func (s *Store) ForEachKey(ctx context.Context, fn func(typ indicator.Type, value string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type, value FROM threat_indicators`)
	if err != nil {
		return fmt.Errorf("failed to read indicator keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, value string
		if err := rows.Scan(&typ, &value); err != nil {
			return fmt.Errorf("failed to scan indicator key: %w", err)
		}
		if err := fn(indicator.Type(typ), value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Fingerprint returns the row count and highest id; both change whenever
// rows are inserted or compacted away.
func (s *Store) Fingerprint(ctx context.Context) (count, maxID int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(id), 0) FROM threat_indicators`).Scan(&count, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fingerprint indicators: %w", err)
	}
	return count, maxID, nil
}

// MaxID returns the highest indicator id, or 0 for an empty table. New rows
// always raise it.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM threat_indicators`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read max id: %w", err)
	}
	return id, nil
}

// CountIndicators returns the number of stored rows.
func (s *Store) CountIndicators(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threat_indicators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count indicators: %w", err)
	}
	return n, nil
}

// CountDistinctValues returns the number of distinct indicator values.
func (s *Store) CountDistinctValues(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT value) FROM threat_indicators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count distinct values: %w", err)
	}
	return n, nil
}

// CategoryBreakdown counts rows per category, largest first.
func (s *Store) CategoryBreakdown(ctx context.Context) ([]Bucket, error) {
	return s.breakdown(ctx, "category")
}

// SourceBreakdown counts rows per source, largest first.
func (s *Store) SourceBreakdown(ctx context.Context) ([]Bucket, error) {
	return s.breakdown(ctx, "source")
}

func (s *Store) breakdown(ctx context.Context, column string) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(`+column+`, ''), COUNT(*) AS n
		FROM threat_indicators GROUP BY 1 ORDER BY n DESC, 1 ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to group by %s: %w", column, err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Name, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan %s bucket: %w", column, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIndicator(r rowScanner) (indicator.Indicator, error) {
	var (
		ind                               indicator.Indicator
		typ                               string
		category, source, severity, notes sql.NullString
		firstSeen, lastSeen               sql.NullString
	)
	if err := r.Scan(&ind.ID, &typ, &ind.Value, &category, &source, &severity, &notes, &firstSeen, &lastSeen); err != nil {
		return indicator.Indicator{}, err
	}
	ind.Type = indicator.Type(typ)
	ind.Category = category.String
	ind.Source = source.String
	ind.Severity = indicator.Severity(severity.String)
	ind.Notes = notes.String
	ind.FirstSeen = indicator.ParseDate(firstSeen.String)
	ind.LastSeen = indicator.ParseDate(lastSeen.String)
	return ind, nil
}

func scanIndicators(rows *sql.Rows) ([]indicator.Indicator, error) {
	var out []indicator.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan indicator: %w", err)
		}
		out = append(out, ind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indicator rows: %w", err)
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(term) + "%"
}

// busyTimeout bounds how long a statement waits on a locked database.
const busyTimeout = 30 * time.Second
