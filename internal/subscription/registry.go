// Package subscription indexes the topic and intent subscriptions of
// connected clients.
//
// Registries are not safe for concurrent use; they are owned by the
// broker's dispatch loop.
package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"portico/internal/client"
)

// ErrSubscriberIDInUse is returned when a subscriber id is registered by
// another client
var ErrSubscriberIDInUse = errors.New("subscriber id in use by another client")

// Entry is implemented by every subscription kind through an embedded Base
type Entry interface {
	SubscriberID() string
	Client() *client.Client
	base() *Base
}

// Base carries the fields common to all subscriptions
type Base struct {
	subscriberID string
	client       *client.Client
	seq          uint64

	mu        sync.Mutex
	done      chan struct{}
	callbacks []func()
}

func newBase(subscriberID string, c *client.Client) *Base {
	return &Base{subscriberID: subscriberID, client: c, done: make(chan struct{})}
}

// SubscriberID returns the id the subscriber chose for this subscription
func (b *Base) SubscriberID() string { return b.subscriberID }

// Client returns the subscribing client
func (b *Base) Client() *client.Client { return b.client }

// Done is closed once the subscription is unsubscribed
func (b *Base) Done() <-chan struct{} { return b.done }

// OnUnsubscribe registers fn to run when the subscription is removed.
// If it is already removed, fn runs immediately.
func (b *Base) OnUnsubscribe(fn func()) {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		fn()
		return
	default:
	}
	b.callbacks = append(b.callbacks, fn)
	b.mu.Unlock()
}

func (b *Base) base() *Base { return b }

func (b *Base) unsubscribed() {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return
	default:
	}
	close(b.done)
	fns := b.callbacks
	b.callbacks = nil
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Filter selects subscriptions to remove. Set fields are ANDed.
type Filter struct {
	SubscriberID string
	ClientID     string
}

func (f Filter) matches(e Entry) bool {
	if f.SubscriberID != "" && f.SubscriberID != e.SubscriberID() {
		return false
	}
	if f.ClientID != "" && f.ClientID != e.Client().ID {
		return false
	}
	return true
}

// Registry is the base registry shared by topic and intent subscriptions
type Registry[S Entry] struct {
	bySubscriber map[string]S
	byClient     map[string]map[string]S
	byApp        map[string]map[string]S
	seq          uint64

	onRegister   map[int]func(S)
	onUnregister map[int]func(S)
	nextListener int
}

// NewRegistry creates an empty registry
func NewRegistry[S Entry]() *Registry[S] {
	return &Registry[S]{
		bySubscriber: make(map[string]S),
		byClient:     make(map[string]map[string]S),
		byApp:        make(map[string]map[string]S),
		onRegister:   make(map[int]func(S)),
		onUnregister: make(map[int]func(S)),
	}
}

// Register adds a subscription. A subscription the same client already
// registered under the subscriber id is removed first; a subscriber id held
// by another client is refused with ErrSubscriberIDInUse.
func (r *Registry[S]) Register(s S) error {
	if old, ok := r.bySubscriber[s.SubscriberID()]; ok {
		if old.Client().ID != s.Client().ID {
			return fmt.Errorf("%w: %s", ErrSubscriberIDInUse, s.SubscriberID())
		}
		r.remove(old)
	}

	r.seq++
	s.base().seq = r.seq
	r.bySubscriber[s.SubscriberID()] = s
	index(r.byClient, s.Client().ID, s)
	index(r.byApp, s.Client().AppSymbolicName, s)

	for _, fn := range r.listeners(r.onRegister) {
		fn(s)
	}
	return nil
}

// Unregister removes all subscriptions matching the filter and returns them
func (r *Registry[S]) Unregister(f Filter) []S {
	var candidates []S
	switch {
	case f.SubscriberID != "":
		if s, ok := r.bySubscriber[f.SubscriberID]; ok {
			candidates = append(candidates, s)
		}
	case f.ClientID != "":
		for _, s := range r.byClient[f.ClientID] {
			candidates = append(candidates, s)
		}
	default:
		candidates = r.All()
	}

	var removed []S
	for _, s := range candidates {
		if f.matches(s) {
			r.remove(s)
			removed = append(removed, s)
		}
	}
	sortBySeq(removed)
	return removed
}

func (r *Registry[S]) remove(s S) {
	delete(r.bySubscriber, s.SubscriberID())
	unindex(r.byClient, s.Client().ID, s.SubscriberID())
	unindex(r.byApp, s.Client().AppSymbolicName, s.SubscriberID())

	for _, fn := range r.listeners(r.onUnregister) {
		fn(s)
	}
	s.base().unsubscribed()
}

// BySubscriberID returns the subscription with the given subscriber id
func (r *Registry[S]) BySubscriberID(id string) (S, bool) {
	s, ok := r.bySubscriber[id]
	return s, ok
}

// ByClient returns the subscriptions of a client in registration order
func (r *Registry[S]) ByClient(clientID string) []S {
	return values(r.byClient[clientID])
}

// ByApplication returns the subscriptions of all clients of an application
func (r *Registry[S]) ByApplication(appSymbolicName string) []S {
	return values(r.byApp[appSymbolicName])
}

// All returns every subscription in registration order
func (r *Registry[S]) All() []S {
	return values(r.bySubscriber)
}

// Count returns the number of subscriptions
func (r *Registry[S]) Count() int {
	return len(r.bySubscriber)
}

// OnRegister adds a registration listener; the returned function removes it
func (r *Registry[S]) OnRegister(fn func(S)) func() {
	return r.listen(r.onRegister, fn)
}

// OnUnregister adds an unregistration listener; the returned function removes it
func (r *Registry[S]) OnUnregister(fn func(S)) func() {
	return r.listen(r.onUnregister, fn)
}

// RemoveClient removes every subscription of the client
func (r *Registry[S]) RemoveClient(c *client.Client) []S {
	return r.Unregister(Filter{ClientID: c.ID})
}

func (r *Registry[S]) listen(m map[int]func(S), fn func(S)) func() {
	id := r.nextListener
	r.nextListener++
	m[id] = fn
	return func() { delete(m, id) }
}

func (r *Registry[S]) listeners(m map[int]func(S)) []func(S) {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(S), len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

func index[S Entry](m map[string]map[string]S, key string, s S) {
	inner, ok := m[key]
	if !ok {
		inner = make(map[string]S)
		m[key] = inner
	}
	inner[s.SubscriberID()] = s
}

func unindex[S Entry](m map[string]map[string]S, key, subscriberID string) {
	inner, ok := m[key]
	if !ok {
		return
	}
	delete(inner, subscriberID)
	if len(inner) == 0 {
		delete(m, key)
	}
}

func values[S Entry](m map[string]S) []S {
	out := make([]S, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sortBySeq(out)
	return out
}

func sortBySeq[S Entry](s []S) {
	sort.Slice(s, func(i, j int) bool { return s[i].base().seq < s[j].base().seq })
}
