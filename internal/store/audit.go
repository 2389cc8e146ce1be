package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Audit actions recorded by the API.
const (
	AuditReputationSave  = "reputation_save"
	AuditSearchIncrement = "search_increment"
	AuditIngestTrigger   = "ingest_trigger"
)

// AuditEntry records one mutating call against the store.
type AuditEntry struct {
	ID        int64                  `json:"id"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"` // token subject or "anonymous"
	Target    string                 `json:"target,omitempty"`
	Remote    string                 `json:"remote,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (s *Store) setupAuditTable(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			remote TEXT NOT NULL DEFAULT '',
			details TEXT,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute audit migration: %w", err)
		}
	}
	return nil
}

// AddAuditEntry appends entry to the audit log.
func (s *Store) AddAuditEntry(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Actor == "" {
		entry.Actor = "anonymous"
	}

	var details any
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_entries (action, actor, target, remote, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Action, entry.Actor, entry.Target, entry.Remote, details, entry.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// GetAuditEntries returns the newest entries first. An empty action matches
// every action.
func (s *Store) GetAuditEntries(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, action, actor, target, remote, details, timestamp FROM audit_entries`
	var args []any
	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry   AuditEntry
			details *string
			ts      int64
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.Target, &entry.Remote, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.Unix(0, ts)
		if details != nil {
			if err := json.Unmarshal([]byte(*details), &entry.Details); err != nil {
				entry.Details = map[string]interface{}{"raw": *details}
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
