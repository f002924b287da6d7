package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portico/internal/host"
	"portico/internal/manifest"
	"portico/internal/protocol"
)

// CapabilityTypeActivator is the capability type of application activators
const CapabilityTypeActivator = "activator"

// activators tracks the readiness topics the platform waits for at startup
type activators struct {
	mu      sync.Mutex
	pending map[string]string // readiness topic -> app
	done    chan struct{}
	subs    []*host.Subscription
	logger  zerolog.Logger
}

// readinessTopics returns the topics an activator capability declares in
// its readinessTopics property, which is a string or a list of strings
func readinessTopics(c *manifest.Capability) []string {
	switch v := c.Properties["readinessTopics"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		topics := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok && s != "" {
				topics = append(topics, s)
			}
		}
		return topics
	case []string:
		return v
	}
	return nil
}

// watchActivators subscribes the host to the readiness topics of every
// activator capability
func (p *Platform) watchActivators(ctx context.Context) (*activators, error) {
	a := &activators{
		pending: make(map[string]string),
		done:    make(chan struct{}),
		logger:  p.logger,
	}

	var caps []*manifest.Capability
	if err := p.broker.Query(ctx, func() {
		for _, c := range p.manifests.LookupCapabilities(manifest.Filter{Type: CapabilityTypeActivator}) {
			caps = append(caps, c.Clone())
		}
	}); err != nil {
		return nil, err
	}
	for _, c := range caps {
		for _, t := range readinessTopics(c) {
			a.pending[t] = c.AppSymbolicName()
		}
	}

	if len(a.pending) == 0 {
		close(a.done)
		return a, nil
	}

	for t := range a.pending {
		sub, err := p.host.Subscribe(ctx, t, a.ready(t))
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to readiness topic %s: %w", t, err)
		}
		a.subs = append(a.subs, sub)
	}
	return a, nil
}

func (a *activators) ready(t string) func(msg *protocol.TopicMessage) {
	return func(msg *protocol.TopicMessage) {
		a.mu.Lock()
		defer a.mu.Unlock()

		app, ok := a.pending[t]
		if !ok {
			return
		}
		delete(a.pending, t)
		a.logger.Info().Str("app", app).Str("topic", t).Msg("Activator ready")
		if len(a.pending) == 0 {
			close(a.done)
		}
	}
}

// wait blocks until every readiness topic received a message or timeout
// elapses
func (a *activators) wait(ctx context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.done:
	case <-ctx.Done():
	case <-timer.C:
		a.mu.Lock()
		for t, app := range a.pending {
			a.logger.Warn().
				Str("app", app).
				Str("topic", t).
				Dur("timeout", timeout).
				Msg("Activator did not signal readiness in time")
		}
		a.mu.Unlock()
	}
}

// release unsubscribes from the readiness topics
func (a *activators) release(ctx context.Context) {
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to unsubscribe from readiness topic")
		}
	}
	a.subs = nil
}
