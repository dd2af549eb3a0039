package db

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for primary store operations.
var (
	// ErrMailboxNotFound indicates that no private mailbox record exists
	// for the looked-up address.
	ErrMailboxNotFound = errors.New("mailbox not found")
)

// IsConnectionError reports whether an error indicates a broken or
// unavailable connection, as opposed to a statement-level failure such as
// a constraint violation. The resilient layer reconnects and retries a
// query exactly once when this returns true.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Context expiry is the caller's signal, not a connection fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
		switch pgErr.Code {
		// Class 08: Connection Exception
		case "08000", "08001", "08003", "08004", "08006", "08007", "08P01":
			return true
		// Class 53: Insufficient Resources (too many connections)
		case "53300":
			return true
		// Class 57: Operator Intervention (server shutdown)
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// pgx and the pool surface some connection failures only as text.
	msg := err.Error()
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"closed pool",
		"conn closed",
		"failed to connect",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}
