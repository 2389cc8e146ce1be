package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CachedEnrichment is a third-party lookup result kept outside the indicator
// table. Data is opaque JSON.
type CachedEnrichment struct {
	IP        string
	Data      []byte
	UpdatedAt time.Time
}

// GetEnrichment returns the cached enrichment for ip or ErrNotFound.
func (s *Store) GetEnrichment(ctx context.Context, ip string) (CachedEnrichment, error) {
	var (
		data      string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, updated_at FROM enrichment_cache WHERE ip = ?`, ip).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedEnrichment{}, ErrNotFound
	}
	if err != nil {
		return CachedEnrichment{}, fmt.Errorf("failed to read enrichment cache for %s: %w", ip, err)
	}
	return CachedEnrichment{IP: ip, Data: []byte(data), UpdatedAt: time.Unix(updatedAt, 0)}, nil
}

// PutEnrichment stores or replaces the cached enrichment for ip.
func (s *Store) PutEnrichment(ctx context.Context, ip string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO enrichment_cache (ip, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		ip, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write enrichment cache for %s: %w", ip, err)
	}
	return nil
}

// DeleteEnrichment removes the cached enrichment for ip, if any.
func (s *Store) DeleteEnrichment(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM enrichment_cache WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("failed to delete enrichment cache for %s: %w", ip, err)
	}
	return nil
}

// ClearEnrichments empties the enrichment cache and returns the number of
// entries removed.
func (s *Store) ClearEnrichments(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM enrichment_cache`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear enrichment cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
