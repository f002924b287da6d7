package subscription

import (
	"fmt"

	"portico/internal/client"
	"portico/internal/topic"
)

const maxPermutedSegments = 16

// TopicSubscription subscribes a client to a topic pattern
type TopicSubscription struct {
	*Base
	Topic   string
	matcher *topic.Matcher
}

// NewTopicSubscription validates the pattern and creates a subscription
func NewTopicSubscription(pattern, subscriberID string, c *client.Client) (*TopicSubscription, error) {
	m, err := topic.NewMatcher(pattern)
	if err != nil {
		return nil, err
	}
	return &TopicSubscription{Base: newBase(subscriberID, c), Topic: pattern, matcher: m}, nil
}

// Match tests a concrete topic against the subscription's pattern
func (s *TopicSubscription) Match(t string) (topic.Result, error) {
	return s.matcher.Match(t)
}

// TopicMatch is a subscription resolved for a published topic
type TopicMatch struct {
	Subscription *TopicSubscription
	Params       map[string]string
}

type countObserver struct {
	topic string
	count int
	fn    func(int)
}

// TopicRegistry indexes topic subscriptions by pattern shape
type TopicRegistry struct {
	*Registry[*TopicSubscription]

	byShape   map[string]map[string]*TopicSubscription
	observers map[int]*countObserver
	nextObs   int
}

// NewTopicRegistry creates an empty topic subscription registry
func NewTopicRegistry() *TopicRegistry {
	r := &TopicRegistry{
		Registry:  NewRegistry[*TopicSubscription](),
		byShape:   make(map[string]map[string]*TopicSubscription),
		observers: make(map[int]*countObserver),
	}
	r.OnRegister(func(s *TopicSubscription) {
		index(r.byShape, topic.Shape(s.Topic), s)
		r.recount(s)
	})
	r.OnUnregister(func(s *TopicSubscription) {
		unindex(r.byShape, topic.Shape(s.Topic), s.SubscriberID())
		r.recount(s)
	})
	return r
}

// Resolve returns every subscription whose pattern matches the topic,
// each exactly once, in registration order
func (r *TopicRegistry) Resolve(t string) ([]TopicMatch, error) {
	if err := topic.ValidateExact(t); err != nil {
		return nil, err
	}

	var subs []*TopicSubscription
	for _, shape := range r.shapes(t) {
		for _, s := range r.byShape[shape] {
			subs = append(subs, s)
		}
	}
	sortBySeq(subs)

	out := make([]TopicMatch, 0, len(subs))
	for _, s := range subs {
		res, err := s.Match(t)
		if err != nil {
			return nil, err
		}
		if res.Matches {
			out = append(out, TopicMatch{Subscription: s, Params: res.Params})
		}
	}
	return out, nil
}

// shapes returns the indexed shapes that can match t. Short topics probe
// their permutations; long ones scan the index, which never holds more
// than one entry per distinct pattern shape.
func (r *TopicRegistry) shapes(t string) []string {
	n := topic.SegmentCount(t)
	if n <= maxPermutedSegments && 1<<n <= len(r.byShape) {
		return topic.Permutations(t)
	}
	out := make([]string, 0, len(r.byShape))
	for shape := range r.byShape {
		if topic.Covers(shape, t) {
			out = append(out, shape)
		}
	}
	return out
}

// SubscriberCount returns the number of subscriptions matching an exact topic
func (r *TopicRegistry) SubscriberCount(t string) (int, error) {
	matches, err := r.Resolve(t)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// ObserveSubscriberCount calls fn with the current subscriber count of an
// exact topic and again whenever it changes. The returned function stops
// the observation.
func (r *TopicRegistry) ObserveSubscriberCount(t string, fn func(count int)) (func(), error) {
	if !topic.IsExact(t) {
		return nil, fmt.Errorf("%w: cannot observe subscriber count of wildcard topic %q", topic.ErrIllegalTopic, t)
	}
	count, err := r.SubscriberCount(t)
	if err != nil {
		return nil, err
	}

	id := r.nextObs
	r.nextObs++
	r.observers[id] = &countObserver{topic: t, count: count, fn: fn}
	fn(count)
	return func() { delete(r.observers, id) }, nil
}

func (r *TopicRegistry) recount(changed *TopicSubscription) {
	for _, o := range r.observers {
		res, err := changed.Match(o.topic)
		if err != nil || !res.Matches {
			continue
		}
		count, err := r.SubscriberCount(o.topic)
		if err != nil || count == o.count {
			continue
		}
		o.count = count
		o.fn(count)
	}
}
