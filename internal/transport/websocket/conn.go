// Package websocket carries the broker's client channels over websocket
// connections: one connection per client, one JSON envelope per text frame.
package websocket

import (
	"errors"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"portico/internal/client"
	"portico/internal/protocol"
)

// ErrQueueFull is returned when a connection's outbound queue is exhausted
var ErrQueueFull = errors.New("outbound queue limit exceeded")

// Conn is a client channel backed by a websocket connection. It implements
// client.Handle.
type Conn struct {
	ws     *gws.Conn
	origin string
	remote string
	cfg    Config
	send   chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	logger zerolog.Logger
}

func newConn(ws *gws.Conn, origin, remote string, cfg Config, log zerolog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		origin: origin,
		remote: remote,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
		logger: log.With().Str("remote", remote).Str("origin", origin).Logger(),
	}
}

// Origin returns the origin the connection was opened from
func (c *Conn) Origin() string {
	return c.origin
}

// Post queues an envelope for delivery. It never blocks.
func (c *Conn) Post(env *protocol.Envelope) error {
	data, err := protocol.SerializeEnvelope(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return client.ErrStale
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Error().Int("queue_size", cap(c.send)).Msg("ws: outbound queue limit exceeded")
		return ErrQueueFull
	}
}

// Closed reports whether the connection is gone
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close terminates the connection
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.ws.Close()
}

func (c *Conn) readLoop(dispatch func(env *protocol.Envelope)) {
	defer c.Close()

	c.ws.SetReadLimit(c.cfg.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseAbnormalClosure,
				gws.CloseNormalClosure) {
				c.logger.Error().Err(err).Msg("ws: readLoop")
			}
			return
		}
		// any frame proves the peer is alive
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		env, err := protocol.DeserializeEnvelope(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("ws: dropping malformed envelope")
			continue
		}
		dispatch(env)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod())

	defer func() {
		ticker.Stop()
		// Break readLoop.
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(gws.TextMessage, data); err != nil {
				if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseAbnormalClosure,
					gws.CloseNormalClosure) {
					c.logger.Error().Err(err).Msg("ws: writeLoop")
				}
				return
			}
		case <-ticker.C:
			if err := c.write(gws.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ws: writeLoop ping")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(mt int, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(mt, data)
}
