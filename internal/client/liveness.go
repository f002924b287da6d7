package client

import (
	"context"
	"time"
)

// Pinger sends a ping to a client and waits for the matching pong. Ping
// returns an error when no pong arrives before ctx is done.
type Pinger interface {
	Ping(ctx context.Context, c *Client) error
}

// LivenessConfig configures liveness probing of clients
type LivenessConfig struct {
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration
	// OnStale is called from the probe goroutine once a client failed to
	// answer a ping and its retry
	OnStale func(c *Client)
}

func (l LivenessConfig) enabledFor(c *Client) bool {
	return l.Pinger != nil && l.Interval > 0 && !c.Host && c.Capabilities.Ping
}

// probe pings the client every interval until ctx is cancelled. A missed
// pong is retried once before the client is reported stale.
func (r *Registry) probe(ctx context.Context, c *Client) {
	ticker := time.NewTicker(r.liveness.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.ping(ctx, c) == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug().Str("client_id", c.ID).Msg("Ping unanswered, retrying")

			err := r.ping(ctx, c)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}

			r.logger.Warn().
				Err(err).
				Str("client_id", c.ID).
				Str("app", c.AppSymbolicName).
				Dur("timeout", r.liveness.Timeout).
				Msg("Client did not answer ping - removing stale client")
			if r.liveness.OnStale != nil {
				r.liveness.OnStale(c)
			} else {
				r.Unregister(c)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) ping(ctx context.Context, c *Client) error {
	timeout := r.liveness.Timeout
	if timeout <= 0 {
		timeout = r.liveness.Interval
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.liveness.Pinger.Ping(pingCtx, c)
}
