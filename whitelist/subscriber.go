package whitelist

import (
	"context"

	"github.com/migadu/hato/pkg/resilient"
)

// DatabaseSubscriber adapts the resilient primary store to the
// Subscriber interface.
type DatabaseSubscriber struct {
	DB *resilient.ResilientDatabase
}

func (s DatabaseSubscriber) GetWhitelistDomainsWithRetry(ctx context.Context) ([]string, error) {
	return s.DB.GetWhitelistDomainsWithRetry(ctx)
}

func (s DatabaseSubscriber) ListenWhitelistEvents(ctx context.Context) (EventListener, error) {
	listener, err := s.DB.ListenWhitelistEvents(ctx)
	if err != nil {
		return nil, err
	}
	return listener, nil
}
