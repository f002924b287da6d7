package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"portico/internal/broker"
	"portico/internal/logger"
	"portico/internal/manifest"
	"portico/internal/protocol"
	"portico/internal/subscription"
)

// ManifestService lets clients manage the capabilities and intentions of
// their own application at runtime. Its handlers run on the dispatch loop
// and use the registries directly.
type ManifestService struct {
	host      *Client
	manifests *manifest.Registry
	topics    *subscription.TopicRegistry
	subs      []*Subscription
	logger    zerolog.Logger
}

// NewManifestService creates the service; Install subscribes it
func NewManifestService(h *Client, b *broker.Broker) *ManifestService {
	return &ManifestService{
		host:      h,
		manifests: b.Manifests(),
		topics:    b.TopicSubscriptions(),
		logger:    logger.GetLogger("manifest-service"),
	}
}

// Install subscribes the service to the platform topics
func (s *ManifestService) Install(ctx context.Context) error {
	handlers := map[string]TopicHandler{
		protocol.TopicRegisterCapability:     s.registerCapability,
		protocol.TopicUnregisterCapabilities: s.unregisterCapabilities,
		protocol.TopicRegisterIntention:      s.registerIntention,
		protocol.TopicUnregisterIntentions:   s.unregisterIntentions,
		protocol.TopicLookupCapabilities:     s.lookupCapabilities,
		protocol.TopicLookupIntentions:       s.lookupIntentions,
	}
	for t, fn := range handlers {
		sub, err := s.host.Subscribe(ctx, t, s.requestsOnly(t, fn))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", t, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Debug().Int("topics", len(s.subs)).Msg("Manifest service installed")
	return nil
}

// Uninstall removes the service's subscriptions
func (s *ManifestService) Uninstall(ctx context.Context) error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}

func (s *ManifestService) requestsOnly(t string, fn TopicHandler) TopicHandler {
	return func(msg *protocol.TopicMessage) {
		if !msg.IsRequest() {
			s.logger.Warn().
				Str("topic", t).
				Str("app", msg.Headers.String(protocol.HeaderAppSymbolicName)).
				Msg("Ignoring platform message without reply topic")
			return
		}
		fn(msg)
	}
}

func (s *ManifestService) reply(msg *protocol.TopicMessage, status int, body any) {
	if err := s.host.Reply(msg.Headers, status, body); err != nil {
		s.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to reply")
	}
}

func (s *ManifestService) fail(msg *protocol.TopicMessage, err error) {
	s.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("Platform request failed")
	s.reply(msg, protocol.StatusBadRequest, err.Error())
}

func decodeFilter(msg *protocol.TopicMessage) (manifest.Filter, error) {
	var filter manifest.Filter
	if !protocol.HasBody(msg.Body) {
		return filter, nil
	}
	if err := json.Unmarshal(msg.Body, &filter); err != nil {
		return filter, fmt.Errorf("malformed filter: %w", err)
	}
	return filter, nil
}

func requestor(msg *protocol.TopicMessage) string {
	return msg.Headers.String(protocol.HeaderAppSymbolicName)
}

func (s *ManifestService) registerCapability(msg *protocol.TopicMessage) {
	var capability manifest.Capability
	if err := json.Unmarshal(msg.Body, &capability); err != nil {
		s.fail(msg, fmt.Errorf("%w: %v", manifest.ErrIllegalCapability, err))
		return
	}
	id, err := s.manifests.RegisterCapability(capability, requestor(msg))
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.reply(msg, protocol.StatusOK, id)
}

func (s *ManifestService) unregisterCapabilities(msg *protocol.TopicMessage) {
	filter, err := decodeFilter(msg)
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.manifests.UnregisterCapabilities(requestor(msg), filter)
	s.reply(msg, protocol.StatusOK, nil)
}

func (s *ManifestService) registerIntention(msg *protocol.TopicMessage) {
	var intention manifest.Intention
	if err := json.Unmarshal(msg.Body, &intention); err != nil {
		s.fail(msg, fmt.Errorf("%w: %v", manifest.ErrIllegalIntention, err))
		return
	}
	id, err := s.manifests.RegisterIntention(intention, requestor(msg))
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.reply(msg, protocol.StatusOK, id)
}

func (s *ManifestService) unregisterIntentions(msg *protocol.TopicMessage) {
	filter, err := decodeFilter(msg)
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.manifests.UnregisterIntentions(requestor(msg), filter)
	s.reply(msg, protocol.StatusOK, nil)
}

func (s *ManifestService) lookupCapabilities(msg *protocol.TopicMessage) {
	filter, err := decodeFilter(msg)
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.stream(msg, manifest.CapabilitiesChanged, func() any {
		if found := s.manifests.LookupCapabilities(filter); found != nil {
			return found
		}
		return []*manifest.Capability{}
	})
}

func (s *ManifestService) lookupIntentions(msg *protocol.TopicMessage) {
	filter, err := decodeFilter(msg)
	if err != nil {
		s.fail(msg, err)
		return
	}
	s.stream(msg, manifest.IntentionsChanged, func() any {
		if found := s.manifests.LookupIntentions(filter); found != nil {
			return found
		}
		return []*manifest.Intention{}
	})
}

// stream replies with the lookup result now and after every change of the
// given kind, until nobody listens on the reply topic anymore
func (s *ManifestService) stream(msg *protocol.TopicMessage, kind manifest.ChangeKind, lookup func() any) {
	replyTo := msg.Headers.String(protocol.HeaderReplyTo)
	s.reply(msg, protocol.StatusOK, lookup())

	stopChanges := s.manifests.OnChange(func(ch manifest.Change) {
		if ch.Kind == kind {
			s.reply(msg, protocol.StatusOK, lookup())
		}
	})

	var stopObserving func()
	done := false
	stop := func() {
		if done {
			return
		}
		done = true
		stopChanges()
		if stopObserving != nil {
			stopObserving()
		}
		s.logger.Debug().Str("reply_to", replyTo).Msg("Lookup stream ended")
	}

	cancel, err := s.topics.ObserveSubscriberCount(replyTo, func(count int) {
		if count == 0 {
			stop()
		}
	})
	if err != nil {
		stop()
		return
	}
	stopObserving = cancel
	if done {
		cancel()
	}
}
