// Package ingress implements the receive-only SMTP front end. Sessions
// admit recipients against the whitelist cache, accept message data
// under the ingestion limiter and hand accepted messages to the routing
// engine asynchronously. The sender sees the outcome of admission and
// admission only; processing failures after acceptance are internal.
package ingress

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/hato/config"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
	"github.com/migadu/hato/router"
)

// Admission answers whether a recipient is whitelisted.
type Admission interface {
	IsAllowed(address string) bool
}

// Processor routes one accepted message.
type Processor interface {
	Process(ctx context.Context, env *router.Envelope) error
}

type Backend struct {
	addr     string
	hostname string

	// appCtx is cancelled to trigger shutdown. procCtx is derived from it
	// but never cancelled: a message answered with 250 is a durability
	// promise, so admitted work keeps its store access during the drain
	// instead of failing on a dead context.
	appCtx  context.Context
	procCtx context.Context

	admission      Admission
	processor      Processor
	limiter        *Limiter
	server         *smtp.Server
	maxMessageSize int64
	debug          bool

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

func New(appCtx context.Context, cfg *config.IngestConfig, admission Admission, processor Processor) (*Backend, error) {
	if cfg.MaxInFlight <= 0 || cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("ingest limits must be positive")
	}

	backend := &Backend{
		addr:           cfg.Listen,
		hostname:       cfg.Hostname,
		appCtx:         appCtx,
		procCtx:        context.WithoutCancel(appCtx),
		admission:      admission,
		processor:      processor,
		limiter:        NewLimiter(cfg.MaxInFlight, cfg.Concurrency),
		maxMessageSize: cfg.MaxMessageSize,
		debug:          cfg.Debug,
	}

	s := smtp.NewServer(backend)
	s.Addr = cfg.Listen
	s.Domain = cfg.Hostname
	s.Network = "tcp"
	s.ReadTimeout = 2 * time.Minute
	s.WriteTimeout = 2 * time.Minute
	if cfg.Debug {
		s.Debug = os.Stdout
	}
	backend.server = s

	return backend, nil
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()

	remote := ""
	if addr := c.Conn().RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	logger.Debug("SMTP connection accepted", "remote", remote)

	return &Session{
		backend: b,
		conn:    c,
		remote:  remote,
	}, nil
}

// Start serves SMTP until the listener fails or the application context
// is cancelled. Fatal listener errors are sent on errChan.
func (b *Backend) Start(errChan chan error) {
	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create SMTP listener: %w", err)
		return
	}
	defer listener.Close()

	logger.Info("SMTP server listening", "addr", b.addr, "hostname", b.hostname)

	if err := b.server.Serve(listener); err != nil {
		if b.appCtx.Err() != nil {
			logger.Info("SMTP server stopped gracefully")
		} else {
			errChan <- fmt.Errorf("SMTP server error: %w", err)
		}
		return
	}
	logger.Info("SMTP server stopped gracefully")
}

// Close stops accepting connections. Admitted messages keep processing;
// call Drain to wait for them.
func (b *Backend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// Drain blocks until every admitted message has finished processing.
func (b *Backend) Drain() {
	b.limiter.Wait()
}

func (b *Backend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

func (b *Backend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

// sessionClosed is called by sessions on logout to keep counters honest.
func (b *Backend) sessionClosed() {
	b.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.Dec()
}
