// Package retained keeps the last retained message per topic and the
// last retained intent per capability, for delivery to late subscribers.
package retained

import (
	"sort"

	"portico/internal/protocol"
	"portico/internal/topic"
)

// Entry is a retained message together with its key
type Entry[M any] struct {
	Key     string
	Message M
	// Request entries accumulate and live until the requestor stops
	// listening for replies
	Request bool
	seq     uint64
}

// Map stores retained entries by key. Each key holds at most one
// non-request entry and any number of request entries.
type Map[M any] struct {
	entries map[string][]*Entry[M]
	seq     uint64
}

// NewMap creates an empty retained map
func NewMap[M any]() *Map[M] {
	return &Map[M]{entries: make(map[string][]*Entry[M])}
}

// Put stores a retained message. A non-request message replaces the
// previous non-request message of the key.
func (m *Map[M]) Put(key string, msg M, request bool) *Entry[M] {
	if !request {
		m.Clear(key)
	}
	m.seq++
	e := &Entry[M]{Key: key, Message: msg, Request: request, seq: m.seq}
	m.entries[key] = append(m.entries[key], e)
	return e
}

// Remove deletes a single entry; removing an absent entry is a no-op
func (m *Map[M]) Remove(e *Entry[M]) {
	list := m.entries[e.Key]
	for i, x := range list {
		if x == e {
			m.set(e.Key, append(list[:i:i], list[i+1:]...))
			return
		}
	}
}

// Clear removes the non-request entry of a key, leaving retained requests
func (m *Map[M]) Clear(key string) bool {
	list := m.entries[key]
	kept := make([]*Entry[M], 0, len(list))
	for _, e := range list {
		if e.Request {
			kept = append(kept, e)
		}
	}
	m.set(key, kept)
	return len(kept) != len(list)
}

// Purge removes every entry of the given keys
func (m *Map[M]) Purge(keys ...string) {
	for _, k := range keys {
		delete(m.entries, k)
	}
}

// Get returns the entries of a key, oldest first
func (m *Map[M]) Get(key string) []*Entry[M] {
	return append([]*Entry[M](nil), m.entries[key]...)
}

// All returns every entry, oldest first
func (m *Map[M]) All() []*Entry[M] {
	var out []*Entry[M]
	for _, list := range m.entries {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of entries
func (m *Map[M]) Len() int {
	n := 0
	for _, list := range m.entries {
		n += len(list)
	}
	return n
}

func (m *Map[M]) set(key string, list []*Entry[M]) {
	if len(list) == 0 {
		delete(m.entries, key)
		return
	}
	m.entries[key] = list
}

// Store holds retained topic messages and retained intents
type Store struct {
	// Topics is keyed by normalized topic
	Topics *Map[*protocol.TopicMessage]
	// Intents is keyed by resolved capability id
	Intents *Map[*protocol.IntentMessage]
}

// NewStore creates an empty retained store
func NewStore() *Store {
	return &Store{
		Topics:  NewMap[*protocol.TopicMessage](),
		Intents: NewMap[*protocol.IntentMessage](),
	}
}

// PutTopic retains a topic message
func (s *Store) PutTopic(msg *protocol.TopicMessage) *Entry[*protocol.TopicMessage] {
	return s.Topics.Put(topic.Normalize(msg.Topic), msg, msg.IsRequest())
}

// ClearTopic removes the retained message of a topic
func (s *Store) ClearTopic(t string) bool {
	return s.Topics.Clear(topic.Normalize(t))
}

// PutIntent retains an intent for the capability it was resolved to
func (s *Store) PutIntent(capabilityID string, msg *protocol.IntentMessage) *Entry[*protocol.IntentMessage] {
	return s.Intents.Put(capabilityID, msg, msg.IsRequest())
}

// PurgeCapabilities removes the retained intents of unregistered capabilities
func (s *Store) PurgeCapabilities(ids ...string) {
	s.Intents.Purge(ids...)
}

// TopicMatch is a retained message matching a subscription pattern
type TopicMatch struct {
	Entry  *Entry[*protocol.TopicMessage]
	Params map[string]string
}

// MatchTopics returns the retained messages whose topic matches the pattern
func (s *Store) MatchTopics(pattern string) ([]TopicMatch, error) {
	m, err := topic.NewMatcher(pattern)
	if err != nil {
		return nil, err
	}
	var out []TopicMatch
	for _, e := range s.Topics.All() {
		res, err := m.Match(e.Key)
		if err != nil || !res.Matches {
			continue
		}
		out = append(out, TopicMatch{Entry: e, Params: res.Params})
	}
	return out, nil
}

// Stats reports the number of retained entries
func (s *Store) Stats() (topics, intents int) {
	return s.Topics.Len(), s.Intents.Len()
}
