// Package host implements the broker's own in-process client and the
// platform services it serves on the $platform topics.
//
// Deliveries to the host client arrive on the broker's dispatch loop and
// handlers run there synchronously. A handler may publish and reply, which
// only queue work, but must not call the blocking methods of Client.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"portico/internal/broker"
	"portico/internal/client"
	"portico/internal/logger"
	"portico/internal/protocol"
)

// ErrClosed is returned by a host client that has been closed
var ErrClosed = errors.New("host client closed")

const replyTopicPrefix = "portico/host/replies/"

// TopicHandler handles a message delivered to a host subscription
type TopicHandler func(msg *protocol.TopicMessage)

// IntentHandler handles an intent delivered to a host subscription
type IntentHandler func(msg *protocol.IntentMessage)

// Client is the host application's connection to the broker
type Client struct {
	broker          *broker.Broker
	appSymbolicName string
	registered      *client.Client

	mu             sync.Mutex
	acks           map[string]chan error
	topicHandlers  map[string]TopicHandler
	intentHandlers map[string]IntentHandler

	closed atomic.Bool
	logger zerolog.Logger
}

// NewClient creates a host client for the given application. It must be
// connected before use.
func NewClient(b *broker.Broker, appSymbolicName string) *Client {
	return &Client{
		broker:          b,
		appSymbolicName: appSymbolicName,
		acks:            make(map[string]chan error),
		topicHandlers:   make(map[string]TopicHandler),
		intentHandlers:  make(map[string]IntentHandler),
		logger:          logger.GetLogger("host"),
	}
}

// Connect registers the host client with the broker
func (c *Client) Connect(ctx context.Context) error {
	registered, err := c.broker.ConnectHost(ctx, c, c.appSymbolicName)
	if err != nil {
		return fmt.Errorf("failed to connect host client: %w", err)
	}
	c.registered = registered
	c.logger.Info().
		Str("client_id", registered.ID).
		Str("app", c.appSymbolicName).
		Msg("Host client connected")
	return nil
}

// ID returns the broker-assigned client id
func (c *Client) ID() string {
	if c.registered == nil {
		return ""
	}
	return c.registered.ID
}

// AppSymbolicName returns the host application's symbolic name
func (c *Client) AppSymbolicName() string {
	return c.appSymbolicName
}

// Post implements client.Handle. It is called on the dispatch loop.
func (c *Client) Post(env *protocol.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}

	switch env.Channel {
	case protocol.ChannelMessage:
		var msg protocol.TopicMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if c.resolveAck(&msg) {
			return nil
		}
		c.mu.Lock()
		handler := c.topicHandlers[msg.Headers.String(protocol.HeaderSubscriberID)]
		c.mu.Unlock()
		if handler != nil {
			handler(&msg)
		}
	case protocol.ChannelIntent:
		var msg protocol.IntentMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		c.mu.Lock()
		handler := c.intentHandlers[msg.Headers.String(protocol.HeaderSubscriberID)]
		c.mu.Unlock()
		if handler != nil {
			handler(&msg)
		}
	}
	return nil
}

// Closed implements client.Handle
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// Close disconnects the host client
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.broker.HandleClosed(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.acks {
		ch <- ErrClosed
		delete(c.acks, id)
	}
}

func (c *Client) resolveAck(msg *protocol.TopicMessage) bool {
	c.mu.Lock()
	ch, ok := c.acks[msg.Topic]
	if ok {
		delete(c.acks, msg.Topic)
	}
	c.mu.Unlock()
	if ok {
		ch <- protocol.AckError(msg)
	}
	return ok
}

// send queues a message and returns the channel its acknowledgment arrives on
func (c *Client) send(ch protocol.Channel, headers protocol.Headers, msg any, awaitAck bool) (chan error, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := headers.String(protocol.HeaderMessageID)
	if id == "" {
		id = protocol.GenerateMessageID()
		headers[protocol.HeaderMessageID] = id
	}

	env, err := protocol.NewClientEnvelope(ch, msg)
	if err != nil {
		return nil, err
	}

	var ack chan error
	if awaitAck {
		ack = make(chan error, 1)
		c.mu.Lock()
		c.acks[id] = ack
		c.mu.Unlock()
	}
	c.broker.Dispatch(broker.Event{Handle: c, Envelope: env})
	return ack, nil
}

func (c *Client) await(ctx context.Context, headers protocol.Headers, ack chan error) error {
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.acks, headers.String(protocol.HeaderMessageID))
		c.mu.Unlock()
		return ctx.Err()
	}
}

func ensureHeaders(h protocol.Headers) protocol.Headers {
	if h == nil {
		return protocol.Headers{}
	}
	return h
}

// PublishAsync queues a message without waiting for its acknowledgment.
// It is safe to call from a handler.
func (c *Client) PublishAsync(msg *protocol.TopicMessage) error {
	msg.Headers = ensureHeaders(msg.Headers)
	_, err := c.send(protocol.ChannelMessage, msg.Headers, msg, false)
	return err
}

// Publish sends a message and waits for its acknowledgment
func (c *Client) Publish(ctx context.Context, msg *protocol.TopicMessage) error {
	msg.Headers = ensureHeaders(msg.Headers)
	ack, err := c.send(protocol.ChannelMessage, msg.Headers, msg, true)
	if err != nil {
		return err
	}
	return c.await(ctx, msg.Headers, ack)
}

// Issue sends an intent and waits for its acknowledgment
func (c *Client) Issue(ctx context.Context, msg *protocol.IntentMessage) error {
	msg.Headers = ensureHeaders(msg.Headers)
	ack, err := c.send(protocol.ChannelIntent, msg.Headers, msg, true)
	if err != nil {
		return err
	}
	return c.await(ctx, msg.Headers, ack)
}

// Reply answers a request delivered to a handler. It is safe to call from
// a handler.
func (c *Client) Reply(request protocol.Headers, status int, body any) error {
	replyTo := request.String(protocol.HeaderReplyTo)
	if replyTo == "" {
		return fmt.Errorf("message is not a request")
	}
	reply, err := protocol.BuildReply(replyTo, status, body)
	if err != nil {
		return err
	}
	return c.PublishAsync(reply)
}

// Subscription is a host subscription to a topic or to intents
type Subscription struct {
	host         *Client
	subscriberID string
	channel      protocol.Channel
}

// SubscriberID returns the id the subscription is registered under
func (s *Subscription) SubscriberID() string {
	return s.subscriberID
}

// Unsubscribe removes the subscription
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.host.mu.Lock()
	delete(s.host.topicHandlers, s.subscriberID)
	delete(s.host.intentHandlers, s.subscriberID)
	s.host.mu.Unlock()

	headers := protocol.Headers{protocol.HeaderSubscriberID: s.subscriberID}
	ack, err := s.host.send(s.channel, headers, &protocol.Command{Headers: headers}, true)
	if err != nil {
		return err
	}
	return s.host.await(ctx, headers, ack)
}

// Subscribe subscribes fn to a topic pattern. Retained messages are
// delivered to fn once the subscription is acknowledged.
func (c *Client) Subscribe(ctx context.Context, pattern string, fn TopicHandler) (*Subscription, error) {
	id := uuid.NewString()
	c.mu.Lock()
	c.topicHandlers[id] = fn
	c.mu.Unlock()

	headers := protocol.Headers{protocol.HeaderSubscriberID: id}
	if err := c.subscribe(ctx, protocol.ChannelTopicSubscribe, headers,
		&protocol.TopicSubscribeCommand{Headers: headers, Topic: pattern}); err != nil {
		c.mu.Lock()
		delete(c.topicHandlers, id)
		c.mu.Unlock()
		return nil, err
	}
	return &Subscription{host: c, subscriberID: id, channel: protocol.ChannelTopicUnsubscribe}, nil
}

// SubscribeIntents subscribes fn to the intents addressed to the host
// application's capabilities
func (c *Client) SubscribeIntents(ctx context.Context, selector *protocol.IntentSelector, fn IntentHandler) (*Subscription, error) {
	id := uuid.NewString()
	c.mu.Lock()
	c.intentHandlers[id] = fn
	c.mu.Unlock()

	headers := protocol.Headers{protocol.HeaderSubscriberID: id}
	if err := c.subscribe(ctx, protocol.ChannelIntentSubscribe, headers,
		&protocol.IntentSubscribeCommand{Headers: headers, Selector: selector}); err != nil {
		c.mu.Lock()
		delete(c.intentHandlers, id)
		c.mu.Unlock()
		return nil, err
	}
	return &Subscription{host: c, subscriberID: id, channel: protocol.ChannelIntentUnsubscribe}, nil
}

func (c *Client) subscribe(ctx context.Context, ch protocol.Channel, headers protocol.Headers, cmd any) error {
	ack, err := c.send(ch, headers, cmd, true)
	if err != nil {
		return err
	}
	return c.await(ctx, headers, ack)
}

// Request publishes a request and waits for its first reply
func (c *Client) Request(ctx context.Context, msg *protocol.TopicMessage) (*protocol.TopicMessage, error) {
	msg.Headers = ensureHeaders(msg.Headers)
	return c.request(ctx, msg.Headers, func() (chan error, error) {
		return c.send(protocol.ChannelMessage, msg.Headers, msg, true)
	})
}

// RequestIntent issues an intent request and waits for its first reply
func (c *Client) RequestIntent(ctx context.Context, msg *protocol.IntentMessage) (*protocol.TopicMessage, error) {
	msg.Headers = ensureHeaders(msg.Headers)
	return c.request(ctx, msg.Headers, func() (chan error, error) {
		return c.send(protocol.ChannelIntent, msg.Headers, msg, true)
	})
}

func (c *Client) request(ctx context.Context, headers protocol.Headers, send func() (chan error, error)) (*protocol.TopicMessage, error) {
	id := uuid.NewString()
	replies := make(chan *protocol.TopicMessage, 1)
	c.mu.Lock()
	c.topicHandlers[id] = func(msg *protocol.TopicMessage) {
		select {
		case replies <- msg:
		default:
		}
	}
	c.mu.Unlock()

	sub := &Subscription{host: c, subscriberID: id, channel: protocol.ChannelTopicUnsubscribe}
	defer func() {
		if c.closed.Load() {
			return
		}
		c.mu.Lock()
		delete(c.topicHandlers, id)
		c.mu.Unlock()
		unsubscribe := protocol.Headers{protocol.HeaderSubscriberID: sub.subscriberID}
		_, _ = c.send(sub.channel, unsubscribe, &protocol.Command{Headers: unsubscribe}, false)
	}()

	headers[protocol.HeaderReplyTo] = replyTopicPrefix + id
	headers[protocol.HeaderSubscriberID] = id
	ack, err := send()
	if err != nil {
		return nil, err
	}
	if err := c.await(ctx, headers, ack); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
