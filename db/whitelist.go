package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// whitelistChannel is the NOTIFY channel fed by the triggers in schema.sql.
const whitelistChannel = "whitelist_domain_events"

// WhitelistEvent is one incremental change to the allowed-domain table.
// Op is insert, update or delete; Domain carries the new value for
// insert/update and OldDomain the previous value for update/delete.
type WhitelistEvent struct {
	Op        string `json:"op"`
	Domain    string `json:"domain"`
	OldDomain string `json:"old_domain"`
}

// GetWhitelistDomains returns a full scan of the allowed-domain table.
func (db *Database) GetWhitelistDomains(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT domain FROM whitelist_domains`)
	if err != nil {
		return nil, fmt.Errorf("failed to query whitelist domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist domain: %w", err)
		}
		domains = append(domains, domain)
	}
	return domains, rows.Err()
}

// WhitelistListener holds a dedicated connection subscribed to whitelist
// change notifications. It must be closed when done; the connection is
// unusable for anything else while listening.
type WhitelistListener struct {
	conn *pgxpool.Conn
}

// ListenWhitelistEvents subscribes a dedicated connection to the whitelist
// notification channel. When it returns without error the subscription is
// active: every subsequent table mutation will be observed, so a full
// reload performed after this call misses no event.
func (db *Database) ListenWhitelistEvents(ctx context.Context) (*WhitelistListener, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+whitelistChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to LISTEN on %s: %w", whitelistChannel, err)
	}
	return &WhitelistListener{conn: conn}, nil
}

// Next blocks until the next whitelist change event arrives or ctx is
// done. A returned error means the subscription is broken and the caller
// must resubscribe.
func (l *WhitelistListener) Next(ctx context.Context) (WhitelistEvent, error) {
	var event WhitelistEvent
	notification, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return event, fmt.Errorf("whitelist subscription lost: %w", err)
	}
	if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
		return event, fmt.Errorf("malformed whitelist event payload %q: %w", notification.Payload, err)
	}
	return event, nil
}

// Close releases the listening connection back to the pool.
func (l *WhitelistListener) Close() {
	if l.conn != nil {
		l.conn.Release()
		l.conn = nil
	}
}
