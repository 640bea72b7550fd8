// Package store is the persistence layer: permission grants, the
// pending-action ledger, the append-only action log, and the handful of
// domain tables action handlers write into. SQLite via database/sql; all
// timestamps are stored as RFC3339Nano TEXT in UTC, with the empty string
// standing in for "not set".
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Pending-action lifecycle. A row leaves "pending" exactly once.
const (
	PendingStatusPending   = "pending"
	PendingStatusConfirmed = "confirmed"
	PendingStatusRejected  = "rejected"
	PendingStatusExpired   = "expired"
)

// Action-log lifecycle. Rows are never deleted.
const (
	LogStatusExecuting = "executing"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations. The connection pool is capped at one writer, matching SQLite's
// single-writer model.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS permission_grants(
			user_id TEXT NOT NULL,
			action_id TEXT NOT NULL,
			category TEXT NOT NULL,
			granted INTEGER NOT NULL,
			requires_confirmation INTEGER,
			daily_limit INTEGER,
			max_sats_per_action INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(user_id, action_id, category)
		);`,
		`CREATE TABLE IF NOT EXISTS pending_actions(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			action_id TEXT NOT NULL,
			category TEXT NOT NULL,
			parameters TEXT NOT NULL,
			description TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			status TEXT NOT NULL,
			rejection_reason TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			confirmed_at TEXT NOT NULL,
			rejected_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_actions_user_status
			ON pending_actions(user_id, status);`,
		`CREATE TABLE IF NOT EXISTS action_log(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			action_id TEXT NOT NULL,
			category TEXT NOT NULL,
			parameters TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL,
			error_message TEXT NOT NULL,
			sats_amount INTEGER,
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_user_action
			ON action_log(user_id, action_id, started_at);`,
		`CREATE TABLE IF NOT EXISTS products(
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			price_sats INTEGER NOT NULL,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages(
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sent_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS timeline_notes(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS payments(
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			amount_sats INTEGER NOT NULL,
			memo TEXT NOT NULL,
			sent_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS organizations(
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS organization_members(
			organization_id TEXT NOT NULL,
			member_id TEXT NOT NULL,
			role TEXT NOT NULL,
			added_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(organization_id, member_id)
		);`,
		`CREATE TABLE IF NOT EXISTS profile_settings(
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(user_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS context_notes(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			note TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// NewID returns a random prefixed id, e.g. "pa_94f1c0a2b3d4e5f6".
func NewID(prefix string) string {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		now := time.Now().UnixNano()
		return fmt.Sprintf("%s_%d", prefix, now)
	}
	return prefix + "_" + hex.EncodeToString(b[:])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339, raw)
	if err == nil {
		return t, nil
	}
	return time.Time{}, err
}
