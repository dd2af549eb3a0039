package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertMessageOptions describes one message record to persist. Exactly
// one of MailboxID and InboxID must be set; Subject and Content are
// expected to be coerced to "" by the caller when absent.
type InsertMessageOptions struct {
	Recipient   string
	Sender      string
	Subject     string
	Content     string
	HTML        string // stored as NULL when empty
	ContentHash string
	MailboxID   *int64
	InboxID     *uuid.UUID
}

// InsertMessage persists one inbound message and returns its id. The
// created_at timestamp is generated server side.
func (db *Database) InsertMessage(ctx context.Context, opts *InsertMessageOptions) (int64, error) {
	if (opts.MailboxID == nil) == (opts.InboxID == nil) {
		return 0, fmt.Errorf("message must reference exactly one owning mailbox")
	}

	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO messages (recipient, sender, subject, content, html, content_hash, mailbox_id, inbox_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		RETURNING id
	`, opts.Recipient, opts.Sender, opts.Subject, opts.Content, opts.HTML, opts.ContentHash,
		opts.MailboxID, opts.InboxID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message for %s: %w", opts.Recipient, err)
	}
	return id, nil
}
