package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/catnip/catbot/internal/catalog"
)

// Grant is one stored permission decision. ActionID is either a specific
// action id or catalog.Wildcard for a category-wide grant. The three nullable
// fields distinguish "not set" from zero.
type Grant struct {
	UserID               string
	ActionID             string
	Category             catalog.Category
	Granted              bool
	RequiresConfirmation *bool
	DailyLimit           *int
	MaxSatsPerAction     *int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UpsertGrant writes the grant row for (user, action, category), replacing
// any existing row. At most one row per composite key ever exists.
func (s *Store) UpsertGrant(ctx context.Context, g Grant) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grants(user_id, action_id, category, granted, requires_confirmation, daily_limit, max_sats_per_action, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, action_id, category) DO UPDATE SET
			granted = excluded.granted,
			requires_confirmation = excluded.requires_confirmation,
			daily_limit = excluded.daily_limit,
			max_sats_per_action = excluded.max_sats_per_action,
			updated_at = excluded.updated_at
	`, g.UserID, g.ActionID, string(g.Category), boolToInt(g.Granted),
		nullableBool(g.RequiresConfirmation), nullableInt(g.DailyLimit), nullableInt64(g.MaxSatsPerAction),
		now, now)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

// GetGrant fetches one grant row. The second return is false when no row
// exists for the composite key.
func (s *Store) GetGrant(ctx context.Context, userID, actionID string, category catalog.Category) (Grant, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, action_id, category, granted, requires_confirmation, daily_limit, max_sats_per_action, created_at, updated_at
		FROM permission_grants
		WHERE user_id = ? AND action_id = ? AND category = ?
	`, userID, actionID, string(category))

	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, fmt.Errorf("get grant: %w", err)
	}
	return g, true, nil
}

// ListGrants returns every grant row for a user, category grants first.
func (s *Store) ListGrants(ctx context.Context, userID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, action_id, category, granted, requires_confirmation, daily_limit, max_sats_per_action, created_at, updated_at
		FROM permission_grants
		WHERE user_id = ?
		ORDER BY category, action_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	grants := make([]Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

// DenySpecificGrantsInCategory flips every specific-action grant the user
// holds in a category to denied. Used by category revocation so no stale
// specific grant survives a category-level lockdown.
func (s *Store) DenySpecificGrantsInCategory(ctx context.Context, userID string, category catalog.Category) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE permission_grants
		SET granted = 0, updated_at = ?
		WHERE user_id = ? AND category = ? AND action_id != ?
	`, formatTime(time.Now()), userID, string(category), catalog.Wildcard)
	if err != nil {
		return fmt.Errorf("deny specific grants: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (Grant, error) {
	var g Grant
	var category string
	var granted int
	var requiresConfirmation sql.NullInt64
	var dailyLimit sql.NullInt64
	var maxSats sql.NullInt64
	var createdAtRaw, updatedAtRaw string

	if err := row.Scan(&g.UserID, &g.ActionID, &category, &granted,
		&requiresConfirmation, &dailyLimit, &maxSats, &createdAtRaw, &updatedAtRaw); err != nil {
		return Grant{}, err
	}

	g.Category = catalog.Category(category)
	g.Granted = granted != 0
	if requiresConfirmation.Valid {
		v := requiresConfirmation.Int64 != 0
		g.RequiresConfirmation = &v
	}
	if dailyLimit.Valid {
		v := int(dailyLimit.Int64)
		g.DailyLimit = &v
	}
	if maxSats.Valid {
		v := maxSats.Int64
		g.MaxSatsPerAction = &v
	}

	var err error
	if g.CreatedAt, err = parseTime(createdAtRaw); err != nil {
		return Grant{}, fmt.Errorf("parse created_at: %w", err)
	}
	if g.UpdatedAt, err = parseTime(updatedAtRaw); err != nil {
		return Grant{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
