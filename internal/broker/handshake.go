package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"portico/internal/client"
	"portico/internal/protocol"
)

func requiredRunlevel(ch protocol.Channel) int {
	if ch == protocol.ChannelConnect {
		return RunlevelConnect
	}
	return RunlevelDispatch
}

func (b *Broker) handleEvent(ev Event) {
	if ev.Envelope == nil {
		return
	}
	if ev.Envelope.Transport != protocol.TransportClientToBroker {
		b.logger.Warn().
			Str("transport", ev.Envelope.Transport).
			Str("channel", string(ev.Envelope.Channel)).
			Str("origin", ev.Origin).
			Msg("Dropping envelope not addressed to the broker")
		return
	}
	if need := requiredRunlevel(ev.Envelope.Channel); b.runlevel < need && !b.fromHost(ev) {
		b.gate(need, ev)
		return
	}

	switch ev.Envelope.Channel {
	case protocol.ChannelConnect:
		b.handleConnect(ev)
	case protocol.ChannelDisconnect:
		b.handleDisconnect(ev)
	case protocol.ChannelPing:
		b.handlePing(ev)
	case protocol.ChannelPong:
		b.handlePong(ev)
	default:
		b.handleClientMessage(ev)
	}
}

// fromHost reports whether the event was sent by the in-process host
// client, which is not subject to runlevel gates
func (b *Broker) fromHost(ev Event) bool {
	c := b.clients.ByHandle(ev.Handle)
	return c != nil && c.Host
}

func (b *Broker) gate(level int, ev Event) {
	if len(b.gates[level]) >= b.config.StartupQueueSize {
		b.logger.Error().
			Str("channel", string(ev.Envelope.Channel)).
			Int("runlevel", b.runlevel).
			Int("queue_size", b.config.StartupQueueSize).
			Msg("Startup queue full - refusing event")
		b.refuse(ev, protocol.NewError(protocol.CodeOverloaded, "broker is starting up and its queue is full"))
		return
	}
	b.gates[level] = append(b.gates[level], ev)
}

// refuse answers an event that cannot be processed, addressed to the raw
// handle since the sender may not be registered
func (b *Broker) refuse(ev Event, err error) {
	if ev.Handle == nil || ev.Handle.Closed() {
		return
	}
	if ev.Envelope.Channel == protocol.ChannelConnect {
		b.postConnack(ev.Handle, protocol.ReturnCodeRejected, "", err.Error())
		return
	}
	var cmd protocol.Command
	if ev.Envelope.Decode(&cmd) != nil {
		return
	}
	if id := cmd.Headers.String(protocol.HeaderMessageID); id != "" {
		b.postTo(ev.Handle, protocol.ChannelMessage, protocol.BuildAck(id, err))
	}
}

func (b *Broker) handleConnect(ev Event) {
	var cmd protocol.Command
	if err := ev.Envelope.Decode(&cmd); err != nil {
		b.reject(ev, protocol.ReturnCodeBadRequest, "malformed connect message")
		return
	}

	appName := cmd.Headers.String(protocol.HeaderAppSymbolicName)
	if appName == "" {
		b.reject(ev, protocol.ReturnCodeBadRequest, "missing application symbolic name")
		return
	}
	app, ok := b.apps.Get(appName)
	if !ok {
		b.reject(ev, protocol.ReturnCodeRejected, fmt.Sprintf("application %q is not registered", appName))
		return
	}
	if !app.IsOriginAllowed(ev.Origin) {
		b.reject(ev, protocol.ReturnCodeBlocked, fmt.Sprintf("origin %q is not allowed for application %q", ev.Origin, appName))
		return
	}

	if existing := b.clients.ByHandle(ev.Handle); existing != nil &&
		existing.AppSymbolicName == appName && existing.Origin == ev.Origin {
		b.logger.Debug().Str("client_id", existing.ID).Msg("Duplicate connect - acknowledging registered client")
		b.postConnack(ev.Handle, protocol.ReturnCodeAccepted, existing.ID, "")
		return
	}

	version := cmd.Headers.String(protocol.HeaderVersion)
	c := &client.Client{
		ID:              uuid.NewString(),
		AppSymbolicName: appName,
		Origin:          ev.Origin,
		Handle:          ev.Handle,
		Version:         version,
		Capabilities:    protocol.ResolveCapabilities(version),
		ConnectedAt:     time.Now(),
	}
	b.releaseOnDispose(c)
	b.clients.Register(c)
	b.stats.Connects++

	b.postConnack(ev.Handle, protocol.ReturnCodeAccepted, c.ID, "")
	b.publishPresence(protocol.TopicClientConnected, c)
}

// releaseOnDispose closes the client's channel once the client is
// unregistered, unless another client has been registered on it
func (b *Broker) releaseOnDispose(c *client.Client) {
	closer, ok := c.Handle.(interface{ Close() })
	if !ok {
		return
	}
	h := c.Handle
	c.OnDispose(func() {
		if b.clients.ByHandle(h) != nil {
			return
		}
		b.logger.Debug().Str("client_id", c.ID).Msg("Closing channel of unregistered client")
		closer.Close()
	})
}

func (b *Broker) reject(ev Event, code protocol.ReturnCode, reason string) {
	b.stats.Rejects++
	b.logger.Warn().
		Str("origin", ev.Origin).
		Str("return_code", string(code)).
		Str("reason", reason).
		Msg("Connect refused")
	b.postConnack(ev.Handle, code, "", reason)
}

func (b *Broker) postConnack(h client.Handle, code protocol.ReturnCode, clientID, message string) {
	if h == nil {
		return
	}
	b.postTo(h, protocol.ChannelConnect, protocol.BuildConnack(code, clientID, message))
}

// ConnectHost registers the broker's in-process client for the given
// application. The host client bypasses the origin check and is exempt
// from liveness probing.
func (b *Broker) ConnectHost(ctx context.Context, h client.Handle, appSymbolicName string) (*client.Client, error) {
	var c *client.Client
	var err error
	qerr := b.Query(ctx, func() {
		if _, ok := b.apps.Get(appSymbolicName); !ok {
			err = fmt.Errorf("host application %q is not registered", appSymbolicName)
			return
		}
		c = &client.Client{
			ID:              uuid.NewString(),
			AppSymbolicName: appSymbolicName,
			Handle:          h,
			Version:         protocol.CurrentVersion,
			Capabilities:    protocol.ResolveCapabilities(protocol.CurrentVersion),
			Host:            true,
			ConnectedAt:     time.Now(),
		}
		b.clients.Register(c)
	})
	if qerr != nil {
		return nil, qerr
	}
	return c, err
}

func (b *Broker) handleDisconnect(ev Event) {
	c := b.clients.ByHandle(ev.Handle)
	if c == nil {
		return
	}
	b.logger.Debug().Str("client_id", c.ID).Msg("Client disconnecting")
	b.clients.Unregister(c)
}

// HandleClosed unregisters the client of a channel that went away. It is
// safe for concurrent use.
func (b *Broker) HandleClosed(h client.Handle) {
	b.enqueue(func() {
		if c := b.clients.ByHandle(h); c != nil {
			b.clients.Unregister(c)
		}
	})
}

func (b *Broker) onClientUnregistered(c *client.Client) {
	b.topicSubs.RemoveClient(c)
	b.intentSubs.RemoveClient(c)
	b.dedup.ClearClient(c.ID)

	b.pongsMu.Lock()
	if ch, ok := b.pongs[c.ID]; ok {
		delete(b.pongs, c.ID)
		close(ch)
	}
	b.pongsMu.Unlock()

	if !c.Host {
		b.publishPresence(protocol.TopicClientDisconnected, c)
	}
}

func (b *Broker) publishPresence(t string, c *client.Client) {
	presence := protocol.ClientPresence{ClientID: c.ID, AppSymbolicName: c.AppSymbolicName}
	b.enqueue(func() {
		msg, err := protocol.BuildReply(t, protocol.StatusOK, presence)
		if err != nil {
			return
		}
		b.fanOutTopic(msg)
	})
}

func (b *Broker) handlePing(ev Event) {
	var cmd protocol.Command
	if ev.Envelope.Decode(&cmd) != nil || ev.Handle == nil {
		return
	}
	pong := &protocol.Command{Headers: protocol.Headers{
		protocol.HeaderMessageID: cmd.Headers.String(protocol.HeaderMessageID),
	}}
	b.postTo(ev.Handle, protocol.ChannelPong, pong)
}

func (b *Broker) handlePong(ev Event) {
	c := b.clients.ByHandle(ev.Handle)
	if c == nil {
		return
	}
	b.pongsMu.Lock()
	ch, ok := b.pongs[c.ID]
	if ok {
		delete(b.pongs, c.ID)
	}
	b.pongsMu.Unlock()
	if ok {
		close(ch)
	}
}

// Ping implements client.Pinger. It posts a ping and waits for the next
// pong of the client.
func (b *Broker) Ping(ctx context.Context, c *client.Client) error {
	ch := make(chan struct{})
	b.pongsMu.Lock()
	b.pongs[c.ID] = ch
	b.pongsMu.Unlock()

	env, err := protocol.NewEnvelope(protocol.ChannelPing, protocol.BuildPing())
	if err == nil {
		err = c.Post(env)
	}
	if err != nil {
		b.dropPong(c.ID, ch)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.dropPong(c.ID, ch)
		return ctx.Err()
	}
}

func (b *Broker) dropPong(clientID string, ch chan struct{}) {
	b.pongsMu.Lock()
	defer b.pongsMu.Unlock()
	if b.pongs[clientID] == ch {
		delete(b.pongs, clientID)
	}
}

func (b *Broker) postTo(h client.Handle, ch protocol.Channel, msg any) {
	if h.Closed() {
		return
	}
	env, err := protocol.NewEnvelope(ch, msg)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode envelope")
		return
	}
	if err := h.Post(env); err != nil {
		b.logger.Warn().Err(err).Str("channel", string(ch)).Msg("Failed to post to channel")
	}
}
