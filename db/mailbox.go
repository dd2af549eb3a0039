package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Mailbox is a provisioned private mailbox record. Its existence routes
// all mail for the address through the private path regardless of
// whitelist churn.
type Mailbox struct {
	ID        int64
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetMailboxByAddress looks up a private mailbox by exact (normalized)
// address. Returns ErrMailboxNotFound when no record exists.
func (db *Database) GetMailboxByAddress(ctx context.Context, email string) (*Mailbox, error) {
	var mb Mailbox
	err := db.Pool.QueryRow(ctx, `
		SELECT id, email, created_at, updated_at
		FROM mailboxes
		WHERE email = $1
	`, email).Scan(&mb.ID, &mb.Email, &mb.CreatedAt, &mb.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to look up mailbox %s: %w", email, err)
	}
	return &mb, nil
}

// TouchMailbox refreshes the freshness timestamp of a private mailbox.
// Best-effort bookkeeping: callers log failures but do not roll back the
// message that triggered the touch.
func (db *Database) TouchMailbox(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `UPDATE mailboxes SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch mailbox %d: %w", id, err)
	}
	return nil
}
