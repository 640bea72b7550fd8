package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/catnip/catbot/internal/catalog"
)

// ErrNotPending is returned by the conditional status transitions when the
// row has already left the pending state (or never existed for this user).
// Callers surface it as "not found or already processed" without
// distinguishing the two, so pending-action ids for other users are not
// discoverable.
var ErrNotPending = errors.New("pending action not found or already processed")

// PendingAction is one ledger entry awaiting human confirmation.
type PendingAction struct {
	ID              string
	UserID          string
	ActionID        string
	Category        catalog.Category
	Parameters      json.RawMessage
	Description     string
	ConversationID  string
	MessageID       string
	Status          string
	RejectionReason string
	ExpiresAt       time.Time
	CreatedAt       time.Time
	ConfirmedAt     time.Time
	RejectedAt      time.Time
}

// InsertPendingAction writes a new ledger row in the pending state.
func (s *Store) InsertPendingAction(ctx context.Context, pa PendingAction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_actions(id, user_id, action_id, category, parameters, description,
			conversation_id, message_id, status, rejection_reason, expires_at, created_at, confirmed_at, rejected_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, '', '')
	`, pa.ID, pa.UserID, pa.ActionID, string(pa.Category), string(pa.Parameters), pa.Description,
		pa.ConversationID, pa.MessageID, PendingStatusPending,
		formatTime(pa.ExpiresAt), formatTime(pa.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert pending action: %w", err)
	}
	return nil
}

// PendingAction fetches one ledger row scoped to its owner, regardless of
// status. The second return is false when no such row exists for this user.
func (s *Store) PendingAction(ctx context.Context, id, userID string) (PendingAction, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, action_id, category, parameters, description,
			conversation_id, message_id, status, rejection_reason, expires_at, created_at, confirmed_at, rejected_at
		FROM pending_actions
		WHERE id = ? AND user_id = ?
	`, id, userID)

	pa, err := scanPendingAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingAction{}, false, nil
	}
	if err != nil {
		return PendingAction{}, false, fmt.Errorf("get pending action: %w", err)
	}
	return pa, true, nil
}

// ConfirmPendingAction transitions pending to confirmed with a conditional
// update. Concurrent confirms race on the status predicate; the loser gets
// ErrNotPending.
func (s *Store) ConfirmPendingAction(ctx context.Context, id, userID string, now time.Time) error {
	return s.transitionPending(ctx, `
		UPDATE pending_actions
		SET status = ?, confirmed_at = ?
		WHERE id = ? AND user_id = ? AND status = ?
	`, PendingStatusConfirmed, formatTime(now), id, userID, PendingStatusPending)
}

// RejectPendingAction transitions pending to rejected, recording the reason.
func (s *Store) RejectPendingAction(ctx context.Context, id, userID, reason string, now time.Time) error {
	return s.transitionPending(ctx, `
		UPDATE pending_actions
		SET status = ?, rejection_reason = ?, rejected_at = ?
		WHERE id = ? AND user_id = ? AND status = ?
	`, PendingStatusRejected, reason, formatTime(now), id, userID, PendingStatusPending)
}

// ExpirePendingAction transitions pending to expired. Used when a confirm
// attempt arrives past the expiry cutoff.
func (s *Store) ExpirePendingAction(ctx context.Context, id, userID string) error {
	return s.transitionPending(ctx, `
		UPDATE pending_actions
		SET status = ?
		WHERE id = ? AND user_id = ? AND status = ?
	`, PendingStatusExpired, id, userID, PendingStatusPending)
}

func (s *Store) transitionPending(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition pending action: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition pending action: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

// ListPendingActions returns the user's pending rows that have not yet
// passed their expiry cutoff, newest first. Already-expired rows are
// filtered out here without being formally transitioned; the confirm path
// re-checks expiry itself.
func (s *Store) ListPendingActions(ctx context.Context, userID string, now time.Time) ([]PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action_id, category, parameters, description,
			conversation_id, message_id, status, rejection_reason, expires_at, created_at, confirmed_at, rejected_at
		FROM pending_actions
		WHERE user_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at DESC
	`, userID, PendingStatusPending, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	items := make([]PendingAction, 0)
	for rows.Next() {
		pa, err := scanPendingAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending action: %w", err)
		}
		items = append(items, pa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending actions: %w", err)
	}
	return items, nil
}

// ExpireStalePendingActions sweeps every pending row past its cutoff into
// the expired state and returns how many were transitioned. Lazy expiry at
// confirm time makes this a cleanliness pass, not a correctness requirement.
func (s *Store) ExpireStalePendingActions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?
		WHERE status = ? AND expires_at <= ?
	`, PendingStatusExpired, PendingStatusPending, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("expire stale pending actions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire stale pending actions: %w", err)
	}
	return affected, nil
}

func scanPendingAction(row rowScanner) (PendingAction, error) {
	var pa PendingAction
	var category string
	var parameters string
	var expiresAtRaw, createdAtRaw, confirmedAtRaw, rejectedAtRaw string

	if err := row.Scan(&pa.ID, &pa.UserID, &pa.ActionID, &category, &parameters, &pa.Description,
		&pa.ConversationID, &pa.MessageID, &pa.Status, &pa.RejectionReason,
		&expiresAtRaw, &createdAtRaw, &confirmedAtRaw, &rejectedAtRaw); err != nil {
		return PendingAction{}, err
	}

	pa.Category = catalog.Category(category)
	pa.Parameters = json.RawMessage(parameters)

	var err error
	if pa.ExpiresAt, err = parseTime(expiresAtRaw); err != nil {
		return PendingAction{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if pa.CreatedAt, err = parseTime(createdAtRaw); err != nil {
		return PendingAction{}, fmt.Errorf("parse created_at: %w", err)
	}
	if pa.ConfirmedAt, err = parseTime(confirmedAtRaw); err != nil {
		return PendingAction{}, fmt.Errorf("parse confirmed_at: %w", err)
	}
	if pa.RejectedAt, err = parseTime(rejectedAtRaw); err != nil {
		return PendingAction{}, fmt.Errorf("parse rejected_at: %w", err)
	}
	return pa, nil
}
