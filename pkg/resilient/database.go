// Package resilient wraps the db package with a resilient connection
// manager for the primary store.
//
// The manager is lazy: construction never touches the network, the first
// operation connects. Concurrent connect attempts are deduplicated with
// single-flight semantics, reconnects use exponential backoff, and an
// operation that fails with a connection-classified error is retried
// exactly once against a fresh connection. Statement-level failures such
// as constraint violations are surfaced immediately.
//
// State machine: Disconnected -> Connecting -> Connected. A
// connection-classified operation error transitions back to
// Disconnected and the next operation reconnects. A failed background
// probe marks the handle suspect instead; the next operation re-probes
// it before use and reconnects only if it is still dead.
package resilient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/migadu/hato/config"
	"github.com/migadu/hato/db"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
	"github.com/migadu/hato/pkg/retry"
)

type ResilientDatabase struct {
	cfg *config.DatabaseConfig

	mu       sync.RWMutex
	database *db.Database // nil while disconnected

	// suspect is set when the background probe casts doubt on the current
	// handle; the next operation re-probes before use and reconnects if
	// the handle is really dead.
	suspect atomic.Bool

	connectGroup   singleflight.Group
	connectBackoff retry.BackoffConfig

	// newDatabase and probe are swapped out in tests.
	newDatabase func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error)
	probe       func(ctx context.Context, d *db.Database) error
}

// New creates a lazily connecting manager. It does not touch the network;
// the first operation (or an explicit Connect) establishes the
// connection.
func New(cfg *config.DatabaseConfig) *ResilientDatabase {
	return &ResilientDatabase{
		cfg: cfg,
		connectBackoff: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      2,
		},
		newDatabase: db.NewDatabase,
		probe: func(ctx context.Context, d *db.Database) error {
			return d.Ping(ctx)
		},
	}
}

func (rd *ResilientDatabase) getDatabase() *db.Database {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.database
}

// markDisconnected drops the handle, but only if it is still the one that
// failed. A concurrent reconnect may already have installed a fresh
// handle, which must not be torn down.
func (rd *ResilientDatabase) markDisconnected(failed *db.Database) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.database == failed && rd.database != nil {
		rd.database.Close()
		rd.database = nil
	}
}

// Connect establishes the connection if there is none. Concurrent callers
// share a single in-flight attempt instead of dialing in parallel.
func (rd *ResilientDatabase) Connect(ctx context.Context) (*db.Database, error) {
	if d := rd.getDatabase(); d != nil {
		return d, nil
	}

	v, err, _ := rd.connectGroup.Do("connect", func() (interface{}, error) {
		// A winner of a previous race may have connected already.
		if d := rd.getDatabase(); d != nil {
			return d, nil
		}

		connectTimeout, err := rd.cfg.GetConnectTimeout()
		if err != nil {
			connectTimeout = 15 * time.Second
		}

		var database *db.Database
		err = retry.WithRetry(ctx, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()

			d, connErr := rd.newDatabase(attemptCtx, rd.cfg)
			if connErr != nil {
				metrics.DBConnectAttemptsTotal.WithLabelValues("failure").Inc()
				logger.Warn("database connection attempt failed", "error", connErr)
				return connErr
			}
			metrics.DBConnectAttemptsTotal.WithLabelValues("success").Inc()
			database = d
			return nil
		}, rd.connectBackoff)
		if err != nil {
			return nil, err
		}

		rd.mu.Lock()
		rd.database = database
		rd.mu.Unlock()
		rd.suspect.Store(false)
		logger.Info("database connected", "host", rd.cfg.Host, "name", rd.cfg.Name)
		return database, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*db.Database), nil
}

// ensureLive returns a connected handle, reconnecting when the manager is
// disconnected and re-probing when the current handle is suspect.
func (rd *ResilientDatabase) ensureLive(ctx context.Context) (*db.Database, error) {
	d := rd.getDatabase()
	if d == nil {
		return rd.Connect(ctx)
	}
	if rd.suspect.Load() {
		if err := rd.probe(ctx, d); err != nil {
			logger.Warn("liveness probe failed, reconnecting", "error", err)
			rd.markDisconnected(d)
			return rd.Connect(ctx)
		}
		rd.suspect.Store(false)
	}
	return d, nil
}

// withConnRetry runs fn against a live handle and retries it exactly once
// after reconnecting when the failure is connection-classified. Any other
// error is surfaced immediately. When the reconnect itself fails, the
// original operation error is surfaced.
func (rd *ResilientDatabase) withConnRetry(ctx context.Context, fn func(d *db.Database) error) error {
	d, err := rd.ensureLive(ctx)
	if err != nil {
		return err
	}

	opErr := fn(d)
	if opErr == nil || !db.IsConnectionError(opErr) {
		return opErr
	}

	logger.Warn("operation failed with connection error, reconnecting once", "error", opErr)
	metrics.DBQueryRetriesTotal.Inc()
	rd.markDisconnected(d)

	fresh, connErr := rd.Connect(ctx)
	if connErr != nil {
		return opErr
	}
	return fn(fresh)
}

// withQueryTimeout derives the per-operation context from the configured
// query timeout.
func (rd *ResilientDatabase) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout, err := rd.cfg.GetQueryTimeout()
	if err != nil {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Ping probes the primary store. A failure marks the handle suspect
// rather than tearing it down: the failed probe may be a blip, so the
// next operation re-probes and only then reconnects. The background
// health monitor calls this on a fixed interval.
func (rd *ResilientDatabase) Ping(ctx context.Context) error {
	d := rd.getDatabase()
	if d == nil {
		_, err := rd.Connect(ctx)
		return err
	}
	if err := rd.probe(ctx, d); err != nil {
		rd.suspect.Store(true)
		return err
	}
	rd.suspect.Store(false)
	return nil
}

// Close tears the connection down. The manager is not reusable afterwards
// except by reconnecting lazily.
func (rd *ResilientDatabase) Close() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.database != nil {
		rd.database.Close()
		rd.database = nil
	}
}
