// Package whitelist maintains an in-memory replica of the allowed-domain
// table, kept current through the primary store's change-event
// subscription. Admission checks never touch the store; they read the
// local set under a read lock.
//
// The cache fails closed: until the initial load succeeds the set is
// empty and every recipient is denied.
package whitelist

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/migadu/hato/db"
	"github.com/migadu/hato/helpers"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
	"github.com/migadu/hato/pkg/retry"
)

// EventListener is an open change-event subscription.
type EventListener interface {
	Next(ctx context.Context) (db.WhitelistEvent, error)
	Close()
}

// Subscriber is the slice of the resilient database the cache needs.
type Subscriber interface {
	GetWhitelistDomainsWithRetry(ctx context.Context) ([]string, error)
	ListenWhitelistEvents(ctx context.Context) (EventListener, error)
}

type Cache struct {
	subscriber Subscriber

	mu      sync.RWMutex
	domains map[string]struct{}

	resubscribeBackoff retry.BackoffConfig
}

func NewCache(subscriber Subscriber) *Cache {
	return &Cache{
		subscriber: subscriber,
		domains:    make(map[string]struct{}),
		resubscribeBackoff: retry.BackoffConfig{
			InitialInterval: 1 * time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
		},
	}
}

// IsAllowed reports whether the address's domain is whitelisted, either
// exactly or as a subdomain of an entry. An address without a domain part
// is always denied.
func (c *Cache) IsAllowed(address string) bool {
	domain := helpers.DomainOf(address)
	if domain == "" {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.domains[domain]; ok {
		return true
	}
	for entry := range c.domains {
		if strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}

// Size returns the number of cached entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.domains)
}

// Reload replaces the cached set with a full scan of the store. On
// failure the previous set is kept; callers decide whether to retry.
func (c *Cache) Reload(ctx context.Context) error {
	domains, err := c.subscriber.GetWhitelistDomainsWithRetry(ctx)
	if err != nil {
		return err
	}

	set := make(map[string]struct{}, len(domains))
	for _, domain := range domains {
		set[strings.ToLower(strings.TrimSpace(domain))] = struct{}{}
	}

	c.mu.Lock()
	c.domains = set
	c.mu.Unlock()

	metrics.WhitelistSize.Set(float64(len(set)))
	logger.Info("whitelist reloaded", "domains", len(set))
	return nil
}

func (c *Cache) apply(event db.WhitelistEvent) {
	c.mu.Lock()
	switch event.Op {
	case "insert":
		c.domains[strings.ToLower(event.Domain)] = struct{}{}
	case "update":
		delete(c.domains, strings.ToLower(event.OldDomain))
		c.domains[strings.ToLower(event.Domain)] = struct{}{}
	case "delete":
		delete(c.domains, strings.ToLower(event.OldDomain))
	default:
		logger.Warn("unknown whitelist event op", "op", event.Op)
	}
	size := len(c.domains)
	c.mu.Unlock()

	metrics.WhitelistEventsTotal.WithLabelValues(event.Op).Inc()
	metrics.WhitelistSize.Set(float64(size))
	logger.Debug("whitelist event applied",
		"op", event.Op, "domain", event.Domain, "old_domain", event.OldDomain, "size", size)
}

// Run drives the subscribe/reload/apply loop until ctx is cancelled.
// The subscription is opened before the full reload so no event between
// the two is lost. A broken subscription is resubscribed with backoff;
// the stale set keeps serving admission checks in the meantime.
func (c *Cache) Run(ctx context.Context) {
	backoff := c.resubscribeBackoff
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		listener, err := c.subscriber.ListenWhitelistEvents(ctx)
		if err != nil {
			logger.Warn("whitelist subscription failed", "error", err)
			attempt++
			if !sleepBackoff(ctx, backoff, attempt) {
				return
			}
			continue
		}

		if err := c.Reload(ctx); err != nil {
			logger.Error("whitelist reload failed", "error", err)
			listener.Close()
			attempt++
			if !sleepBackoff(ctx, backoff, attempt) {
				return
			}
			continue
		}
		attempt = 0

		err = c.consume(ctx, listener)
		listener.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warn("whitelist subscription lost, resubscribing", "error", err)
	}
}

func (c *Cache) consume(ctx context.Context, listener EventListener) error {
	for {
		event, err := listener.Next(ctx)
		if err != nil {
			return err
		}
		c.apply(event)
	}
}

func sleepBackoff(ctx context.Context, cfg retry.BackoffConfig, attempt int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(retry.ExponentialBackoff(cfg)(attempt)):
		return true
	}
}
