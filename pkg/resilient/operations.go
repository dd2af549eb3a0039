package resilient

import (
	"context"

	"github.com/migadu/hato/db"
)

// GetWhitelistDomainsWithRetry scans the allowed-domain table.
func (rd *ResilientDatabase) GetWhitelistDomainsWithRetry(ctx context.Context) ([]string, error) {
	ctx, cancel := rd.withQueryTimeout(ctx)
	defer cancel()

	var domains []string
	err := rd.withConnRetry(ctx, func(d *db.Database) error {
		var opErr error
		domains, opErr = d.GetWhitelistDomains(ctx)
		return opErr
	})
	return domains, err
}

// GetMailboxByAddressWithRetry looks up a private mailbox record.
func (rd *ResilientDatabase) GetMailboxByAddressWithRetry(ctx context.Context, email string) (*db.Mailbox, error) {
	ctx, cancel := rd.withQueryTimeout(ctx)
	defer cancel()

	var mailbox *db.Mailbox
	err := rd.withConnRetry(ctx, func(d *db.Database) error {
		var opErr error
		mailbox, opErr = d.GetMailboxByAddress(ctx, email)
		return opErr
	})
	return mailbox, err
}

// TouchMailboxWithRetry refreshes a private mailbox's freshness timestamp.
func (rd *ResilientDatabase) TouchMailboxWithRetry(ctx context.Context, id int64) error {
	ctx, cancel := rd.withQueryTimeout(ctx)
	defer cancel()

	return rd.withConnRetry(ctx, func(d *db.Database) error {
		return d.TouchMailbox(ctx, id)
	})
}

// InsertMessageWithRetry persists one message record.
func (rd *ResilientDatabase) InsertMessageWithRetry(ctx context.Context, opts *db.InsertMessageOptions) (int64, error) {
	ctx, cancel := rd.withQueryTimeout(ctx)
	defer cancel()

	var id int64
	err := rd.withConnRetry(ctx, func(d *db.Database) error {
		var opErr error
		id, opErr = d.InsertMessage(ctx, opts)
		return opErr
	})
	return id, err
}

// ListenWhitelistEvents opens a change-event subscription on a live
// connection. A broken subscription is the caller's signal to resubscribe
// (the whitelist cache does so with backoff).
func (rd *ResilientDatabase) ListenWhitelistEvents(ctx context.Context) (*db.WhitelistListener, error) {
	d, err := rd.ensureLive(ctx)
	if err != nil {
		return nil, err
	}
	listener, err := d.ListenWhitelistEvents(ctx)
	if err != nil && db.IsConnectionError(err) {
		rd.markDisconnected(d)
	}
	return listener, err
}
