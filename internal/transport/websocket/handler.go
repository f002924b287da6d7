package websocket

import (
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"portico/internal/broker"
	"portico/internal/client"
	"portico/internal/logger"
	"portico/internal/protocol"
)

// Config tunes websocket connections
type Config struct {
	// WriteWait is the time allowed to write a frame to the peer
	WriteWait time.Duration
	// PongWait is the time allowed to read the next frame from the peer
	PongWait time.Duration
	// ReadLimit is the maximum size of an inbound frame in bytes
	ReadLimit int64
	// SendQueueSize bounds the envelopes queued per connection
	SendQueueSize int
}

// NewDefaultConfig returns the default websocket configuration
func NewDefaultConfig() Config {
	return Config{
		WriteWait:     10 * time.Second,
		PongWait:      60 * time.Second,
		ReadLimit:     1 << 20,
		SendQueueSize: 256,
	}
}

// PingPeriod is the interval of transport-level pings. Must be less than PongWait.
func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// Dispatcher receives inbound envelopes and channel closures
type Dispatcher interface {
	Dispatch(ev broker.Event)
	HandleClosed(h client.Handle)
}

// Handler upgrades HTTP requests to client channels
type Handler struct {
	dispatcher Dispatcher
	cfg        Config
	upgrader   gws.Upgrader

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	logger zerolog.Logger
}

// NewHandler creates a websocket handler feeding the dispatcher
func NewHandler(d Dispatcher, cfg Config) *Handler {
	defaults := NewDefaultConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaults.ReadLimit
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaults.SendQueueSize
	}

	return &Handler{
		dispatcher: d,
		cfg:        cfg,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked per application during the connect handshake
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(map[*Conn]struct{}),
		logger: logger.GetLogger("websocket"),
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		h.logger.Warn().Str("method", r.Method).Msg("ws: Invalid HTTP method")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if _, ok := err.(gws.HandshakeError); ok {
		h.logger.Warn().Msg("ws: Not a websocket handshake")
		return
	} else if err != nil {
		h.logger.Error().Err(err).Msg("ws: failed to Upgrade")
		return
	}

	conn := newConn(ws, r.Header.Get("Origin"), r.RemoteAddr, h.cfg, h.logger)
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()

	h.logger.Info().
		Str("remote", conn.remote).
		Str("origin", conn.origin).
		Int("connections", count).
		Msg("ws: connection opened")

	go conn.writeLoop()
	go func() {
		conn.readLoop(func(env *protocol.Envelope) {
			h.dispatcher.Dispatch(broker.Event{Handle: conn, Origin: conn.origin, Envelope: env})
		})
		h.release(conn)
	}()
}

func (h *Handler) release(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.dispatcher.HandleClosed(conn)
	h.logger.Info().Str("remote", conn.remote).Msg("ws: connection closed")
}

// Count returns the number of open connections
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close terminates every open connection
func (h *Handler) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
