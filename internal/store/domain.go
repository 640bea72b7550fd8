package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Domain rows the action handlers write. These are deliberately minimal: the
// wider app owns the real product/message/wallet schemas; this service only
// needs enough of them for handlers to have an observable side effect.

type Product struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	PriceSats   int64
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Content     string
	SentBy      string
	CreatedAt   time.Time
}

type Payment struct {
	ID          string
	SenderID    string
	RecipientID string
	AmountSats  int64
	Memo        string
	SentBy      string
	CreatedAt   time.Time
}

type Organization struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	CreatedAt   time.Time
}

func (s *Store) InsertProduct(ctx context.Context, p Product) error {
	now := formatTime(p.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products(id, owner_id, name, description, price_sats, created_by, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.OwnerID, p.Name, p.Description, p.PriceSats, p.CreatedBy, now, now)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// UpdateProduct updates a product owned by the user. Reports ErrNoRows-style
// absence via the bool so handlers can distinguish "not yours" from failure.
func (s *Store) UpdateProduct(ctx context.Context, productID, ownerID, name, description string, priceSats int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = ?, description = ?, price_sats = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`, name, description, priceSats, formatTime(now), productID, ownerID)
	if err != nil {
		return false, fmt.Errorf("update product: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update product: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) ProductsByOwner(ctx context.Context, ownerID string) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, description, price_sats, created_by, created_at, updated_at
		FROM products WHERE owner_id = ? ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	items := make([]Product, 0)
	for rows.Next() {
		var p Product
		var createdAtRaw, updatedAtRaw string
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.PriceSats, &p.CreatedBy, &createdAtRaw, &updatedAtRaw); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAtRaw); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if p.UpdatedAt, err = parseTime(updatedAtRaw); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(id, sender_id, recipient_id, content, sent_by, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, m.ID, m.SenderID, m.RecipientID, m.Content, m.SentBy, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) MessagesBySender(ctx context.Context, senderID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, content, sent_by, created_at
		FROM messages WHERE sender_id = ? ORDER BY created_at DESC
	`, senderID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var m Message
		var createdAtRaw string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.SentBy, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAtRaw); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *Store) InsertTimelineNote(ctx context.Context, id, userID, content string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timeline_notes(id, user_id, content, created_at)
		VALUES(?, ?, ?, ?)
	`, id, userID, content, formatTime(now))
	if err != nil {
		return fmt.Errorf("insert timeline note: %w", err)
	}
	return nil
}

func (s *Store) InsertPayment(ctx context.Context, p Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments(id, sender_id, recipient_id, amount_sats, memo, sent_by, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.SenderID, p.RecipientID, p.AmountSats, p.Memo, p.SentBy, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *Store) PaymentsBySender(ctx context.Context, senderID string) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, amount_sats, memo, sent_by, created_at
		FROM payments WHERE sender_id = ? ORDER BY created_at DESC
	`, senderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	items := make([]Payment, 0)
	for rows.Next() {
		var p Payment
		var createdAtRaw string
		if err := rows.Scan(&p.ID, &p.SenderID, &p.RecipientID, &p.AmountSats, &p.Memo, &p.SentBy, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAtRaw); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *Store) InsertOrganization(ctx context.Context, o Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations(id, owner_id, name, description, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, o.ID, o.OwnerID, o.Name, o.Description, formatTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

// OrganizationOwner returns the owner of an organization, or false when the
// organization does not exist.
func (s *Store) OrganizationOwner(ctx context.Context, organizationID string) (string, bool, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id FROM organizations WHERE id = ?
	`, organizationID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get organization owner: %w", err)
	}
	return ownerID, true, nil
}

// InsertOrganizationMember adds a member. The duplicate return is true when
// the (organization, member) pair already exists.
func (s *Store) InsertOrganizationMember(ctx context.Context, organizationID, memberID, role, addedBy string, now time.Time) (duplicate bool, err error) {
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organization_members(organization_id, member_id, role, added_by, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, organizationID, memberID, role, addedBy, formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return true, nil
		}
		return false, fmt.Errorf("insert organization member: %w", err)
	}
	return false, nil
}

func (s *Store) UpsertProfileSetting(ctx context.Context, userID, key, value string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_settings(user_id, key, value, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, userID, key, value, formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert profile setting: %w", err)
	}
	return nil
}

// ProfileSetting returns the setting value, or false when unset.
func (s *Store) ProfileSetting(ctx context.Context, userID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM profile_settings WHERE user_id = ? AND key = ?
	`, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get profile setting: %w", err)
	}
	return value, true, nil
}

func (s *Store) InsertContextNote(ctx context.Context, id, userID, note string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_notes(id, user_id, note, created_at)
		VALUES(?, ?, ?, ?)
	`, id, userID, note, formatTime(now))
	if err != nil {
		return fmt.Errorf("insert context note: %w", err)
	}
	return nil
}

func (s *Store) ContextNotes(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT note FROM context_notes WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list context notes: %w", err)
	}
	defer rows.Close()

	notes := make([]string, 0)
	for rows.Next() {
		var note string
		if err := rows.Scan(&note); err != nil {
			return nil, fmt.Errorf("scan context note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT errors as formatted
	// strings; there is no exported sentinel to test against.
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
