// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker implements the message broker: the connect handshake,
// topic and intent dispatch, retained delivery and request correlation.
//
// A single goroutine owns every registry. Inbound events, liveness
// evictions and queries are queued into an unbounded inbox and executed
// one at a time.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portico/internal/client"
	"portico/internal/interceptor"
	"portico/internal/logger"
	"portico/internal/manifest"
	"portico/internal/protocol"
	"portico/internal/retained"
	"portico/internal/subscription"
)

// Runlevels gate inbound events during startup
const (
	RunlevelStopped  = 0
	RunlevelConnect  = 1 // connect handshakes are processed
	RunlevelDispatch = 2 // all channels are processed
)

// Event is an envelope received from a client channel
type Event struct {
	// Handle is the channel the envelope arrived on; replies are posted to it
	Handle client.Handle
	// Origin is the origin of the sender as reported by the transport
	Origin   string
	Envelope *protocol.Envelope
}

// Config configures the broker
type Config struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	// StartupQueueSize bounds the events buffered per runlevel gate
	StartupQueueSize int
	// DedupCacheSize bounds the message ids remembered per client
	DedupCacheSize      int
	DedupExpiration     time.Duration
	MessageInterceptors []interceptor.Interceptor[*protocol.TopicMessage]
	IntentInterceptors  []interceptor.Interceptor[*protocol.IntentMessage]
}

// NewDefaultConfig returns the default broker configuration
func NewDefaultConfig() Config {
	return Config{
		HeartbeatInterval: 60 * time.Second,
		PingTimeout:       10 * time.Second,
		StartupQueueSize:  1000,
		DedupCacheSize:    100,
		DedupExpiration:   10 * time.Minute,
	}
}

// Broker routes messages and intents between clients
type Broker struct {
	config Config

	apps       *manifest.ApplicationRegistry
	manifests  *manifest.Registry
	clients    *client.Registry
	topicSubs  *subscription.TopicRegistry
	intentSubs *subscription.IntentRegistry
	retained   *retained.Store
	dedup      *DedupCache

	messageChain *interceptor.Chain[*protocol.TopicMessage]
	intentChain  *interceptor.Chain[*protocol.IntentMessage]

	inbox    *inbox
	runlevel int
	gates    map[int][]Event

	pongs   map[string]chan struct{}
	pongsMu sync.Mutex

	stats Stats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	logger  zerolog.Logger
	mutex   sync.Mutex
}

// New creates a broker over the given application and manifest registries
func New(cfg Config, apps *manifest.ApplicationRegistry, manifests *manifest.Registry) *Broker {
	defaults := NewDefaultConfig()
	if cfg.StartupQueueSize <= 0 {
		cfg.StartupQueueSize = defaults.StartupQueueSize
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = defaults.DedupCacheSize
	}
	if cfg.DedupExpiration <= 0 {
		cfg.DedupExpiration = defaults.DedupExpiration
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		config:     cfg,
		apps:       apps,
		manifests:  manifests,
		topicSubs:  subscription.NewTopicRegistry(),
		intentSubs: subscription.NewIntentRegistry(),
		retained:   retained.NewStore(),
		dedup:      NewDedupCache(cfg.DedupCacheSize, cfg.DedupExpiration),
		inbox:      newInbox(),
		gates:      make(map[int][]Event),
		pongs:      make(map[string]chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.GetLogger("broker"),
	}
	b.stats.StartTime = time.Now()

	b.clients = client.NewRegistry(client.LivenessConfig{
		Pinger:   b,
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.PingTimeout,
		OnStale: func(c *client.Client) {
			b.enqueue(func() {
				b.stats.Evictions++
				b.clients.Unregister(c)
			})
		},
	})
	b.clients.OnUnregister(b.onClientUnregistered)

	manifests.OnChange(func(ch manifest.Change) {
		if ch.Kind == manifest.CapabilitiesChanged && len(ch.Removed) > 0 {
			b.retained.PurgeCapabilities(ch.Removed...)
		}
	})

	b.messageChain = interceptor.NewChain[*protocol.TopicMessage](
		interceptor.HandlerFunc[*protocol.TopicMessage](b.dispatchTopic),
		append([]interceptor.Interceptor[*protocol.TopicMessage]{
			interceptor.Logging[*protocol.TopicMessage](b.logger, func(m *protocol.TopicMessage) string { return m.Topic }),
		}, cfg.MessageInterceptors...)...,
	)
	b.intentChain = interceptor.NewChain[*protocol.IntentMessage](
		interceptor.HandlerFunc[*protocol.IntentMessage](b.dispatchIntent),
		append([]interceptor.Interceptor[*protocol.IntentMessage]{
			interceptor.Logging[*protocol.IntentMessage](b.logger, func(m *protocol.IntentMessage) string { return m.Intent.String() }),
		}, cfg.IntentInterceptors...)...,
	)
	return b
}

// Start runs the dispatch loop until Stop is called
func (b *Broker) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.started {
		return fmt.Errorf("broker already started")
	}
	b.started = true

	b.wg.Add(1)
	go b.loop()

	b.logger.Info().
		Dur("heartbeat", b.config.HeartbeatInterval).
		Dur("ping_timeout", b.config.PingTimeout).
		Msg("Broker started")
	return nil
}

// Stop terminates the dispatch loop and liveness probing
func (b *Broker) Stop() error {
	b.cancel()
	b.wg.Wait()
	b.clients.Close()
	b.dedup.Shutdown()
	b.logger.Info().Msg("Broker stopped")
	return nil
}

// Dispatch queues an inbound envelope. It is safe for concurrent use.
func (b *Broker) Dispatch(ev Event) {
	b.enqueue(func() { b.handleEvent(ev) })
}

// SetRunlevel raises or lowers the runlevel and releases gated events
func (b *Broker) SetRunlevel(level int) {
	b.enqueue(func() {
		b.runlevel = level
		b.logger.Info().Int("runlevel", level).Msg("Runlevel changed")
		for _, gate := range []int{RunlevelConnect, RunlevelDispatch} {
			if gate > level {
				continue
			}
			queued := b.gates[gate]
			delete(b.gates, gate)
			for _, ev := range queued {
				b.handleEvent(ev)
			}
		}
	})
}

// Query runs fn on the dispatch loop and waits for it to complete. Registry
// accessors must only be used from within fn.
func (b *Broker) Query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	b.enqueue(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return fmt.Errorf("broker stopped")
	}
}

// Clients returns the client registry
func (b *Broker) Clients() *client.Registry { return b.clients }

// Manifests returns the manifest registry
func (b *Broker) Manifests() *manifest.Registry { return b.manifests }

// Applications returns the application registry
func (b *Broker) Applications() *manifest.ApplicationRegistry { return b.apps }

// TopicSubscriptions returns the topic subscription registry
func (b *Broker) TopicSubscriptions() *subscription.TopicRegistry { return b.topicSubs }

// IntentSubscriptions returns the intent subscription registry
func (b *Broker) IntentSubscriptions() *subscription.IntentRegistry { return b.intentSubs }

// Retained returns the retained store
func (b *Broker) Retained() *retained.Store { return b.retained }

func (b *Broker) enqueue(fn func()) {
	b.inbox.push(fn)
}

func (b *Broker) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.inbox.notify:
			for _, fn := range b.inbox.drain() {
				if b.ctx.Err() != nil {
					return
				}
				b.safely(fn)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// safely runs a handler; a panic is logged and the loop continues
func (b *Broker) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.stats.Errors++
			b.logger.Error().
				Interface("panic", r).
				Msg("Unexpected error in broker handler")
		}
	}()
	fn()
}

// inbox is an unbounded FIFO of handlers; push never blocks, so handlers
// running on the loop may enqueue follow-up work
type inbox struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
