package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/catnip/catbot/internal/catalog"
)

// LogEntry is one append-only audit row, one per execution attempt. Rows are
// created in the executing state the moment a handler is about to run and
// finalized exactly once to completed or failed. They are never deleted.
type LogEntry struct {
	ID             string
	UserID         string
	ActionID       string
	Category       catalog.Category
	Parameters     json.RawMessage
	Status         string
	Result         json.RawMessage
	ErrorMessage   string
	SatsAmount     *int64
	ConversationID string
	MessageID      string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// HistoryFilter narrows an ActionHistory query. Zero values mean "no filter";
// Limit is clamped by the caller.
type HistoryFilter struct {
	Limit    int
	ActionID string
	Status   string
}

// InsertLogEntry appends an audit row in the executing state.
func (s *Store) InsertLogEntry(ctx context.Context, e LogEntry) error {
	result := "{}"
	if len(e.Result) > 0 {
		result = string(e.Result)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_log(id, user_id, action_id, category, parameters, status, result,
			error_message, sats_amount, conversation_id, message_id, started_at, completed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')
	`, e.ID, e.UserID, e.ActionID, string(e.Category), string(e.Parameters), e.Status, result,
		e.ErrorMessage, nullableInt64(e.SatsAmount), e.ConversationID, e.MessageID, formatTime(e.StartedAt))
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// FinalizeLogEntry moves an executing row to its terminal status, recording
// the handler result or error message and the completion time.
func (s *Store) FinalizeLogEntry(ctx context.Context, id, status string, result json.RawMessage, errorMessage string, completedAt time.Time) error {
	resultStr := "{}"
	if len(result) > 0 {
		resultStr = string(result)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE action_log
		SET status = ?, result = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, status, resultStr, errorMessage, formatTime(completedAt), id, LogStatusExecuting)
	if err != nil {
		return fmt.Errorf("finalize log entry: %w", err)
	}
	return nil
}

// CountLogEntriesSince counts every execution attempt for (user, action)
// started at or after the cutoff. Daily-limit enforcement counts attempts,
// not successes, so a user cannot burn the limit probing failures for free.
func (s *Store) CountLogEntriesSince(ctx context.Context, userID, actionID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM action_log
		WHERE user_id = ? AND action_id = ? AND started_at >= ?
	`, userID, actionID, formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count log entries: %w", err)
	}
	return count, nil
}

// ActionHistory returns a user's audit rows newest first, optionally
// filtered by action id and status.
func (s *Store) ActionHistory(ctx context.Context, userID string, f HistoryFilter) ([]LogEntry, error) {
	query := `
		SELECT id, user_id, action_id, category, parameters, status, result,
			error_message, sats_amount, conversation_id, message_id, started_at, completed_at
		FROM action_log
		WHERE user_id = ?`
	args := []any{userID}
	if f.ActionID != "" {
		query += ` AND action_id = ?`
		args = append(args, f.ActionID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("action history: %w", err)
	}
	defer rows.Close()

	entries := make([]LogEntry, 0)
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action history: %w", err)
	}
	return entries, nil
}

func scanLogEntry(row rowScanner) (LogEntry, error) {
	var e LogEntry
	var category, parameters, result string
	var sats sql.NullInt64
	var startedAtRaw, completedAtRaw string

	if err := row.Scan(&e.ID, &e.UserID, &e.ActionID, &category, &parameters, &e.Status, &result,
		&e.ErrorMessage, &sats, &e.ConversationID, &e.MessageID, &startedAtRaw, &completedAtRaw); err != nil {
		return LogEntry{}, err
	}

	e.Category = catalog.Category(category)
	e.Parameters = json.RawMessage(parameters)
	e.Result = json.RawMessage(result)
	if sats.Valid {
		v := sats.Int64
		e.SatsAmount = &v
	}

	var err error
	if e.StartedAt, err = parseTime(startedAtRaw); err != nil {
		return LogEntry{}, fmt.Errorf("parse started_at: %w", err)
	}
	if e.CompletedAt, err = parseTime(completedAtRaw); err != nil {
		return LogEntry{}, fmt.Errorf("parse completed_at: %w", err)
	}
	return e, nil
}
