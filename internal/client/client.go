// Package client tracks the clients connected to the broker and probes
// their liveness.
package client

import (
	"errors"
	"sync"
	"time"

	"portico/internal/protocol"
)

// ErrStale is returned when posting to a client whose channel is gone
var ErrStale = errors.New("client channel is stale")

// Handle is the addressable channel a client is reached through. It must
// be comparable; the registry indexes clients by handle.
type Handle interface {
	// Post delivers an envelope to the client
	Post(env *protocol.Envelope) error
	// Closed reports whether the channel can no longer deliver
	Closed() bool
}

// Client is a connected client
type Client struct {
	ID              string
	AppSymbolicName string
	Origin          string
	Handle          Handle
	Version         string
	Capabilities    protocol.Capabilities
	// Host marks the broker's own in-process client, exempt from liveness probing
	Host        bool
	ConnectedAt time.Time

	mu        sync.Mutex
	disposers []func()
	disposed  bool
}

// Stale reports whether the client's channel is no longer usable
func (c *Client) Stale() bool {
	return c.Handle == nil || c.Handle.Closed()
}

// Post delivers an envelope to the client
func (c *Client) Post(env *protocol.Envelope) error {
	if c.Stale() {
		return ErrStale
	}
	return c.Handle.Post(env)
}

// OnDispose registers a function to run when the client is unregistered.
// Registered after disposal, fn runs immediately.
func (c *Client) OnDispose(fn func()) {
	c.mu.Lock()
	if !c.disposed {
		c.disposers = append(c.disposers, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Dispose releases the client's resources. Only the first call has an effect.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	fns := c.disposers
	c.disposers = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Info is a snapshot of a client for status reporting
type Info struct {
	ID              string    `json:"id"`
	AppSymbolicName string    `json:"appSymbolicName"`
	Origin          string    `json:"origin"`
	Version         string    `json:"version,omitempty"`
	Legacy          bool      `json:"legacy"`
	Host            bool      `json:"host"`
	Stale           bool      `json:"stale"`
	ConnectedAt     time.Time `json:"connectedAt"`
}

// Info returns a snapshot of the client
func (c *Client) Info() Info {
	return Info{
		ID:              c.ID,
		AppSymbolicName: c.AppSymbolicName,
		Origin:          c.Origin,
		Version:         c.Version,
		Legacy:          c.Capabilities.Legacy,
		Host:            c.Host,
		Stale:           c.Stale(),
		ConnectedAt:     c.ConnectedAt,
	}
}
