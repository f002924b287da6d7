package broker

import (
	"context"
	"encoding/json"
	"errors"

	"portico/internal/client"
	"portico/internal/manifest"
	"portico/internal/protocol"
	"portico/internal/qualifier"
	"portico/internal/subscription"
	"portico/internal/topic"
)

func (b *Broker) handleClientMessage(ev Event) {
	c := b.clients.ByHandle(ev.Handle)
	if c == nil {
		b.logger.Warn().
			Str("channel", string(ev.Envelope.Channel)).
			Str("origin", ev.Origin).
			Msg("Message from unconnected channel")
		b.refuse(ev, protocol.NewError(protocol.CodeBadRequest, "client is not connected"))
		return
	}

	var cmd protocol.Command
	if err := ev.Envelope.Decode(&cmd); err != nil {
		b.refuse(ev, protocol.WrapError(protocol.CodeBadRequest, err))
		return
	}
	messageID := cmd.Headers.String(protocol.HeaderMessageID)

	if ev.Origin != c.Origin {
		b.ack(c, messageID, protocol.NewError(protocol.CodeOriginMismatch,
			"message origin %q does not match the origin of client %s", ev.Origin, c.ID))
		return
	}
	if id := cmd.Headers.String(protocol.HeaderClientID); id != "" && id != c.ID {
		b.ack(c, messageID, protocol.NewError(protocol.CodeOriginMismatch,
			"client id %q does not match the sending channel", id))
		return
	}

	if record, seen := b.dedup.Check(c.ID, messageID); seen {
		b.logger.Debug().Str("client_id", c.ID).Str("message_id", messageID).Msg("Retransmitted message - acknowledging again")
		b.ack(c, messageID, record.Err)
		return
	}

	var after func()
	var err error
	switch ev.Envelope.Channel {
	case protocol.ChannelMessage:
		err = b.handlePublish(c, ev.Envelope)
	case protocol.ChannelIntent:
		err = b.handleIntent(c, ev.Envelope)
	case protocol.ChannelTopicSubscribe:
		after, err = b.handleTopicSubscribe(c, ev.Envelope)
	case protocol.ChannelTopicUnsubscribe:
		err = b.handleTopicUnsubscribe(c, cmd.Headers)
	case protocol.ChannelIntentSubscribe:
		after, err = b.handleIntentSubscribe(c, ev.Envelope)
	case protocol.ChannelIntentUnsubscribe:
		err = b.handleIntentUnsubscribe(c, cmd.Headers)
	default:
		err = protocol.NewError(protocol.CodeBadRequest, "unsupported channel %q", ev.Envelope.Channel)
	}

	b.dedup.Store(c.ID, messageID, err)
	b.ack(c, messageID, err)
	if err == nil && after != nil {
		after()
	}
}

// ack sends the delivery acknowledgment for a message to its sender
func (b *Broker) ack(c *client.Client, messageID string, err error) {
	if err != nil {
		b.stats.ErrorAcks++
		me := protocol.AsMessagingError(err)
		event := b.logger.Debug()
		if me.Code == protocol.CodeInternal {
			event = b.logger.Error()
		}
		event.
			Str("client_id", c.ID).
			Str("message_id", messageID).
			Str("code", string(me.Code)).
			Msg(me.Message)
	}
	if messageID == "" {
		return
	}
	env, encErr := protocol.NewEnvelope(protocol.ChannelMessage, protocol.BuildAck(messageID, err))
	if encErr != nil {
		return
	}
	if postErr := c.Post(env); postErr != nil {
		b.logger.Debug().Err(postErr).Str("client_id", c.ID).Msg("Acknowledgment not delivered")
	}
}

// stamp overwrites the identity headers with the registered values
func stamp(h protocol.Headers, c *client.Client) protocol.Headers {
	if h == nil {
		h = protocol.Headers{}
	}
	h[protocol.HeaderClientID] = c.ID
	h[protocol.HeaderAppSymbolicName] = c.AppSymbolicName
	return h
}

// subscriberID returns the subscriber id of a subscribe or request message.
// Clients predating the subscriber-id header are identified by message id.
func subscriberID(c *client.Client, h protocol.Headers) (string, error) {
	if id := h.String(protocol.HeaderSubscriberID); id != "" {
		return id, nil
	}
	if !c.Capabilities.SubscriberIDHeader {
		if id := h.String(protocol.HeaderMessageID); id != "" {
			return id, nil
		}
	}
	return "", protocol.NewError(protocol.CodeMissingSubscriberID, "missing %s header", protocol.HeaderSubscriberID)
}

// subscribeReplies registers the requestor for replies to its request and
// strips the subscriber id before the request is forwarded
func (b *Broker) subscribeReplies(c *client.Client, h protocol.Headers) (*subscription.TopicSubscription, error) {
	id, err := subscriberID(c, h)
	if err != nil {
		return nil, err
	}
	sub, err := subscription.NewTopicSubscription(h.String(protocol.HeaderReplyTo), id, c)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeIllegalTopic, err)
	}
	if err := b.topicSubs.Register(sub); err != nil {
		return nil, protocol.WrapError(protocol.CodeBadRequest, err)
	}
	delete(h, protocol.HeaderSubscriberID)
	return sub, nil
}

func (b *Broker) dropReplies(sub *subscription.TopicSubscription) {
	if sub != nil {
		b.topicSubs.Unregister(subscription.Filter{SubscriberID: sub.SubscriberID(), ClientID: sub.Client().ID})
	}
}

func (b *Broker) handlePublish(c *client.Client, env *protocol.Envelope) error {
	var msg protocol.TopicMessage
	if err := env.Decode(&msg); err != nil {
		return protocol.WrapError(protocol.CodeBadRequest, err)
	}
	msg.Headers = stamp(msg.Headers, c)
	msg.Params = nil
	b.stats.Messages++

	if err := topic.ValidateExact(msg.Topic); err != nil {
		return protocol.WrapError(protocol.CodeIllegalTopic, err)
	}
	msg.Topic = topic.Normalize(msg.Topic)

	if msg.Topic == protocol.TopicSubscriberCount {
		return b.handleSubscriberCount(c, &msg)
	}

	if msg.Retain && !protocol.HasBody(msg.Body) && !msg.IsRequest() {
		b.retained.ClearTopic(msg.Topic)
		return nil
	}

	var replies *subscription.TopicSubscription
	if msg.IsRequest() {
		sub, err := b.subscribeReplies(c, msg.Headers)
		if err != nil {
			return err
		}
		replies = sub
	}

	if err := b.messageChain.Handle(b.ctx, &msg); err != nil {
		b.dropReplies(replies)
		return interceptorError(err)
	}

	if msg.Retain {
		entry := b.retained.PutTopic(&msg)
		if replies != nil {
			replies.OnUnsubscribe(func() { b.retained.Topics.Remove(entry) })
		}
	}
	return nil
}

// dispatchTopic is the terminal handler of the message chain
func (b *Broker) dispatchTopic(_ context.Context, msg *protocol.TopicMessage) error {
	matches, err := b.topicSubs.Resolve(msg.Topic)
	if err != nil {
		return protocol.WrapError(protocol.CodeIllegalTopic, err)
	}
	if len(matches) == 0 && msg.IsRequest() && !msg.Retain {
		return protocol.NewError(protocol.CodeNoSubscriber, "no subscriber for request on topic %q", msg.Topic)
	}
	for _, m := range matches {
		b.deliverTopic(m.Subscription, msg, m.Params)
	}
	return nil
}

// fanOutTopic delivers a broker-originated message without interceptors
func (b *Broker) fanOutTopic(msg *protocol.TopicMessage) {
	if err := b.dispatchTopic(b.ctx, msg); err != nil {
		b.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("Broker message not dispatched")
	}
}

func (b *Broker) deliverTopic(sub *subscription.TopicSubscription, msg *protocol.TopicMessage, params map[string]string) {
	delivery := *msg
	delivery.Params = params
	delivery.Headers = msg.Headers.Clone()
	delivery.Headers[protocol.HeaderSubscriberID] = sub.SubscriberID()
	b.post(sub.Client(), protocol.ChannelMessage, &delivery)
}

func (b *Broker) post(c *client.Client, ch protocol.Channel, msg any) {
	env, err := protocol.NewEnvelope(ch, msg)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode delivery")
		return
	}
	if err := c.Post(env); err != nil {
		b.stats.DeliveryFailures++
		event := b.logger.Error()
		if errors.Is(err, client.ErrStale) {
			event = b.logger.Warn()
		}
		event.Err(err).Str("client_id", c.ID).Str("app", c.AppSymbolicName).Msg("Delivery failed")
		return
	}
	b.stats.Deliveries++
}

func (b *Broker) handleIntent(c *client.Client, env *protocol.Envelope) error {
	var msg protocol.IntentMessage
	if err := env.Decode(&msg); err != nil {
		return protocol.WrapError(protocol.CodeBadRequest, err)
	}
	msg.Headers = stamp(msg.Headers, c)
	msg.Capability = nil
	b.stats.Intents++

	if msg.Intent.Type == "" {
		return protocol.NewError(protocol.CodeBadRequest, "intent type is required")
	}
	if err := qualifier.Validate(msg.Intent.Qualifier, qualifier.Options{Exact: true}); err != nil {
		return protocol.WrapError(protocol.CodeIllegalQualifier, err)
	}

	permitted, err := b.manifests.HasIntention(msg.Intent, c.AppSymbolicName)
	if err != nil {
		return protocol.WrapError(protocol.CodeIllegalQualifier, err)
	}
	if !permitted {
		return protocol.NewError(protocol.CodeNotQualified,
			"application %q has not declared an intention for %s", c.AppSymbolicName, msg.Intent)
	}

	capabilities, err := b.manifests.ResolveCapabilitiesByIntent(msg.Intent, c.AppSymbolicName)
	if err != nil {
		return protocol.WrapError(protocol.CodeIllegalQualifier, err)
	}

	if msg.Retain && !protocol.HasBody(msg.Body) && !msg.IsRequest() {
		for _, capability := range capabilities {
			b.retained.Intents.Clear(capability.ID())
		}
		return nil
	}
	if len(capabilities) == 0 {
		return protocol.NewError(protocol.CodeNullProvider, "no application provides a capability for %s", msg.Intent)
	}

	var replies *subscription.TopicSubscription
	if msg.IsRequest() {
		sub, err := b.subscribeReplies(c, msg.Headers)
		if err != nil {
			return err
		}
		replies = sub
	}

	for _, capability := range capabilities {
		if err := b.dispatchToCapability(&msg, capability, replies); err != nil {
			b.dropReplies(replies)
			return err
		}
	}
	return nil
}

func (b *Broker) dispatchToCapability(msg *protocol.IntentMessage, capability *manifest.Capability, replies *subscription.TopicSubscription) error {
	params, err := manifest.ValidateParams(capability, msg.Intent.Params)
	if err != nil {
		return protocol.WrapError(protocol.CodeIllegalParams, err)
	}

	delivery := *msg
	delivery.Headers = msg.Headers.Clone()
	delivery.Intent.Params = params
	delivery.Capability = capability.Clone()

	if err := b.intentChain.Handle(b.ctx, &delivery); err != nil {
		return interceptorError(err)
	}

	if delivery.Retain {
		entry := b.retained.PutIntent(capability.ID(), &delivery)
		if replies != nil {
			replies.OnUnsubscribe(func() { b.retained.Intents.Remove(entry) })
		}
	}
	return nil
}

// dispatchIntent is the terminal handler of the intent chain
func (b *Broker) dispatchIntent(_ context.Context, msg *protocol.IntentMessage) error {
	provider := msg.Capability.AppSymbolicName()
	subs := b.intentSubs.Resolve(msg.Intent, provider)
	if len(subs) == 0 && msg.IsRequest() && !msg.Retain {
		return protocol.NewError(protocol.CodeNoSubscriber,
			"application %q is not listening for intent %s", provider, msg.Intent)
	}
	for _, sub := range subs {
		b.deliverIntent(sub, msg)
	}
	return nil
}

func (b *Broker) deliverIntent(sub *subscription.IntentSubscription, msg *protocol.IntentMessage) {
	delivery := *msg
	delivery.Headers = msg.Headers.Clone()
	delivery.Headers[protocol.HeaderSubscriberID] = sub.SubscriberID()
	b.post(sub.Client(), protocol.ChannelIntent, &delivery)
}

func (b *Broker) handleTopicSubscribe(c *client.Client, env *protocol.Envelope) (func(), error) {
	var cmd protocol.TopicSubscribeCommand
	if err := env.Decode(&cmd); err != nil {
		return nil, protocol.WrapError(protocol.CodeBadRequest, err)
	}
	id := cmd.Headers.String(protocol.HeaderSubscriberID)
	if id == "" {
		return nil, protocol.NewError(protocol.CodeMissingSubscriberID, "missing %s header", protocol.HeaderSubscriberID)
	}
	sub, err := subscription.NewTopicSubscription(cmd.Topic, id, c)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeIllegalTopic, err)
	}
	if err := b.topicSubs.Register(sub); err != nil {
		return nil, protocol.WrapError(protocol.CodeBadRequest, err)
	}

	return func() { b.replayTopics(sub) }, nil
}

// replayTopics delivers the retained messages matching a new subscription
func (b *Broker) replayTopics(sub *subscription.TopicSubscription) {
	matches, err := b.retained.MatchTopics(sub.Topic)
	if err != nil {
		return
	}
	for _, m := range matches {
		if _, ok := b.topicSubs.BySubscriberID(sub.SubscriberID()); !ok {
			return
		}
		b.deliverTopic(sub, m.Entry.Message, m.Params)
	}
}

func (b *Broker) handleIntentSubscribe(c *client.Client, env *protocol.Envelope) (func(), error) {
	var cmd protocol.IntentSubscribeCommand
	if err := env.Decode(&cmd); err != nil {
		return nil, protocol.WrapError(protocol.CodeBadRequest, err)
	}
	id, err := subscriberID(c, cmd.Headers)
	if err != nil {
		return nil, err
	}
	selector := protocol.IntentSelector{}
	if cmd.Selector != nil {
		selector = *cmd.Selector
	}
	sub, err := subscription.NewIntentSubscription(selector.Type, selector.Qualifier, id, c)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeIllegalQualifier, err)
	}
	if err := b.intentSubs.Register(sub); err != nil {
		return nil, protocol.WrapError(protocol.CodeBadRequest, err)
	}

	return func() { b.replayIntents(sub) }, nil
}

// replayIntents delivers the retained intents addressed to capabilities of
// the subscriber's application that match the subscription
func (b *Broker) replayIntents(sub *subscription.IntentSubscription) {
	for _, entry := range b.retained.Intents.All() {
		capability := b.manifests.Capability(entry.Key)
		if capability == nil || capability.AppSymbolicName() != sub.Client().AppSymbolicName {
			continue
		}
		if !sub.Matches(entry.Message.Intent) {
			continue
		}
		if _, ok := b.intentSubs.BySubscriberID(sub.SubscriberID()); !ok {
			return
		}
		b.deliverIntent(sub, entry.Message)
	}
}

func (b *Broker) handleTopicUnsubscribe(c *client.Client, h protocol.Headers) error {
	id := h.String(protocol.HeaderSubscriberID)
	if id == "" {
		return protocol.NewError(protocol.CodeMissingSubscriberID, "missing %s header", protocol.HeaderSubscriberID)
	}
	b.topicSubs.Unregister(subscription.Filter{SubscriberID: id, ClientID: c.ID})
	return nil
}

func (b *Broker) handleIntentUnsubscribe(c *client.Client, h protocol.Headers) error {
	id, err := subscriberID(c, h)
	if err != nil {
		return err
	}
	b.intentSubs.Unregister(subscription.Filter{SubscriberID: id, ClientID: c.ID})
	return nil
}

// handleSubscriberCount streams the subscriber count of a topic to the
// requestor until it stops listening for replies
func (b *Broker) handleSubscriberCount(c *client.Client, msg *protocol.TopicMessage) error {
	if !msg.IsRequest() {
		return protocol.NewError(protocol.CodeBadRequest, "subscriber count must be requested with a reply topic")
	}
	var req protocol.SubscriberCountRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return protocol.WrapError(protocol.CodeBadRequest, err)
	}
	if err := topic.ValidateExact(req.Topic); err != nil {
		return protocol.WrapError(protocol.CodeIllegalTopic, err)
	}

	replies, err := b.subscribeReplies(c, msg.Headers)
	if err != nil {
		return err
	}
	replyTo := msg.Headers.String(protocol.HeaderReplyTo)

	cancel, err := b.topicSubs.ObserveSubscriberCount(req.Topic, func(count int) {
		b.enqueue(func() {
			select {
			case <-replies.Done():
				return
			default:
			}
			reply, err := protocol.BuildReply(replyTo, protocol.StatusOK, count)
			if err != nil {
				return
			}
			b.fanOutTopic(reply)
		})
	})
	if err != nil {
		b.dropReplies(replies)
		return protocol.WrapError(protocol.CodeIllegalTopic, err)
	}
	replies.OnUnsubscribe(cancel)
	return nil
}

func interceptorError(err error) error {
	var me *protocol.MessagingError
	if errors.As(err, &me) {
		return err
	}
	return protocol.WrapError(protocol.CodeInterceptorRejected, err)
}
