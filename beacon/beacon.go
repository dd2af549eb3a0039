// Package beacon pings an external liveness endpoint after each routed
// message. The ping is best effort: failures are logged and counted,
// never surfaced to mail processing.
package beacon

import (
	"context"
	"net/http"
	"time"

	"github.com/migadu/hato/config"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
)

type Beacon struct {
	url    string
	client *http.Client
}

// New builds a beacon from configuration. An empty URL yields a no-op
// beacon; Ping on it does nothing.
func New(cfg *config.BeaconConfig) *Beacon {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		timeout = 5 * time.Second
	}
	return &Beacon{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a beacon endpoint is configured.
func (b *Beacon) Enabled() bool {
	return b.url != ""
}

// Ping issues one GET against the beacon endpoint. The response body is
// discarded; any status is acceptable but non-2xx is logged.
func (b *Beacon) Ping(ctx context.Context) {
	if !b.Enabled() {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		metrics.BeaconPingsTotal.WithLabelValues("failure").Inc()
		logger.Warn("beacon request could not be built", "url", b.url, "error", err)
		return
	}

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.BeaconPingsTotal.WithLabelValues("failure").Inc()
		logger.Warn("beacon ping failed", "url", b.url, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.BeaconPingsTotal.WithLabelValues("failure").Inc()
		logger.Warn("beacon returned non-success status", "url", b.url, "status", resp.StatusCode)
		return
	}
	metrics.BeaconPingsTotal.WithLabelValues("success").Inc()
}
