// Package router decides where an accepted message is persisted. A
// recipient with a private mailbox record gets the message attached to
// that mailbox; any other whitelisted recipient gets an ephemeral inbox
// provisioned on first contact.
//
// Routing runs after SMTP acceptance, so its failures are invisible to
// the sender. They are logged and counted instead.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/migadu/hato/db"
	"github.com/migadu/hato/helpers"
	"github.com/migadu/hato/inboxes"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
)

// Admission answers whether a recipient's domain is whitelisted.
type Admission interface {
	IsAllowed(address string) bool
}

// MessageStore is the slice of the resilient primary store the engine
// needs.
type MessageStore interface {
	GetMailboxByAddressWithRetry(ctx context.Context, email string) (*db.Mailbox, error)
	TouchMailboxWithRetry(ctx context.Context, id int64) error
	InsertMessageWithRetry(ctx context.Context, opts *db.InsertMessageOptions) (int64, error)
}

// InboxProvisioner creates or returns the ephemeral inbox for an address.
type InboxProvisioner interface {
	GetOrCreate(ctx context.Context, address string) (*inboxes.EphemeralInbox, error)
}

// Pinger notifies an external liveness endpoint. Implementations must be
// safe to call concurrently and must never block message processing.
type Pinger interface {
	Ping(ctx context.Context)
}

// Archiver stores the raw message body keyed by its content hash. May be
// nil when archival is not configured.
type Archiver interface {
	Put(ctx context.Context, hash string, body io.Reader, size int64) error
}

type Engine struct {
	admission Admission
	store     MessageStore
	inboxes   InboxProvisioner
	beacon    Pinger
	archiver  Archiver

	// bg tracks the fire-and-forget tasks spawned after a successful
	// routing so Wait can drain them at shutdown.
	bg sync.WaitGroup
}

func NewEngine(admission Admission, store MessageStore, provisioner InboxProvisioner, beacon Pinger, archiver Archiver) *Engine {
	return &Engine{
		admission: admission,
		store:     store,
		inboxes:   provisioner,
		beacon:    beacon,
		archiver:  archiver,
	}
}

// Envelope carries one accepted message through routing. Sender and
// Recipient come from the SMTP envelope, not the message headers.
type Envelope struct {
	Sender    string
	Recipient string
	Raw       []byte
}

// Process parses, routes and persists one accepted message. The
// whitelist is consulted again here: the set may have changed since
// RCPT, and a recipient no longer whitelisted is dropped.
func (e *Engine) Process(ctx context.Context, env *Envelope) error {
	start := time.Now()
	defer func() {
		metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	}()

	recipient := helpers.NormalizeAddress(env.Recipient)
	if !e.admission.IsAllowed(recipient) {
		metrics.MessagesTotal.WithLabelValues("denied").Inc()
		logger.Warn("recipient no longer whitelisted, dropping message",
			"recipient", recipient, "sender", env.Sender)
		return nil
	}

	parsed, err := helpers.ParseMessage(bytes.NewReader(env.Raw))
	if err != nil {
		// An unparseable message is still stored; the envelope and the raw
		// archive keep it recoverable.
		logger.Warn("message parse failed, storing with empty content",
			"recipient", recipient, "error", err)
		parsed = &helpers.ParsedMessage{}
	}

	opts := &db.InsertMessageOptions{
		Recipient:   recipient,
		Sender:      helpers.NormalizeAddress(env.Sender),
		Subject:     parsed.Subject,
		Content:     parsed.Text,
		HTML:        parsed.HTML,
		ContentHash: helpers.HashContent(env.Raw),
	}

	result, err := e.route(ctx, recipient, opts)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		logger.Error("message routing failed", "recipient", recipient, "error", err)
		return err
	}
	metrics.MessagesTotal.WithLabelValues(result).Inc()

	// Archival and the beacon ping are fire and forget: a slow bucket or
	// endpoint must not hold the processing slot. The detached context
	// keeps them alive after the caller moves on.
	bgCtx := context.WithoutCancel(ctx)
	e.bg.Add(2)
	go func() {
		defer e.bg.Done()
		e.archive(bgCtx, opts.ContentHash, env.Raw)
	}()
	go func() {
		defer e.bg.Done()
		e.notify(bgCtx)
	}()
	return nil
}

// Wait blocks until the spawned archival and beacon tasks have finished.
// Called during shutdown, after the ingress drain.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// route persists the message against its owner and returns the routing
// result label.
func (e *Engine) route(ctx context.Context, recipient string, opts *db.InsertMessageOptions) (string, error) {
	mailbox, err := e.store.GetMailboxByAddressWithRetry(ctx, recipient)
	switch {
	case err == nil:
		opts.MailboxID = &mailbox.ID
		id, err := e.store.InsertMessageWithRetry(ctx, opts)
		if err != nil {
			return "", err
		}
		e.touch(ctx, mailbox)
		logger.Info("message stored in private mailbox",
			"recipient", recipient, "mailbox_id", mailbox.ID, "message_id", id)
		return "private", nil

	case errors.Is(err, db.ErrMailboxNotFound):
		// No private mailbox; take the ephemeral path.

	default:
		// The lookup failed for operational reasons. The recipient may
		// still own a private mailbox, but holding the message helps
		// nobody; provision an ephemeral inbox instead.
		logger.Error("private mailbox lookup failed, falling back to ephemeral inbox",
			"recipient", recipient, "error", err)
	}

	inbox, err := e.inboxes.GetOrCreate(ctx, recipient)
	if err != nil {
		return "", fmt.Errorf("failed to provision inbox for %s: %w", recipient, err)
	}

	inboxID := inbox.ID
	opts.InboxID = &inboxID
	id, err := e.store.InsertMessageWithRetry(ctx, opts)
	if err != nil {
		return "", err
	}
	logger.Info("message stored in ephemeral inbox",
		"recipient", recipient, "inbox_id", inboxID, "message_id", id)
	return "ephemeral", nil
}

// touch refreshes the mailbox freshness timestamp. Best effort; a failed
// touch never fails the delivery that triggered it.
func (e *Engine) touch(ctx context.Context, mailbox *db.Mailbox) {
	if err := e.store.TouchMailboxWithRetry(ctx, mailbox.ID); err != nil {
		logger.Warn("failed to touch mailbox", "mailbox_id", mailbox.ID, "error", err)
	}
}

// archive uploads the raw message when an archiver is configured. Best
// effort.
func (e *Engine) archive(ctx context.Context, hash string, raw []byte) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Put(ctx, hash, bytes.NewReader(raw), int64(len(raw))); err != nil {
		logger.Warn("failed to archive message", "hash", hash, "error", err)
	}
}

// notify fires the liveness beacon. Best effort.
func (e *Engine) notify(ctx context.Context) {
	if e.beacon == nil {
		return
	}
	e.beacon.Ping(ctx)
}
