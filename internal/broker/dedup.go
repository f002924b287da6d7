package broker

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AckRecord is the outcome of a processed message, replayed when the
// client retransmits it
type AckRecord struct {
	MessageID string
	Err       error
	Timestamp time.Time
}

// DedupCache remembers recently processed message ids per client so that
// retransmitted messages are acknowledged without being dispatched twice
type DedupCache struct {
	clientCaches map[string]*lru.Cache[string, *AckRecord]
	mutex        sync.RWMutex
	maxSize      int
	expiration   time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewDedupCache creates a dedup cache holding up to maxSize ids per client
func NewDedupCache(maxSize int, expiration time.Duration) *DedupCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if expiration <= 0 {
		expiration = 10 * time.Minute
	}

	dc := &DedupCache{
		clientCaches: make(map[string]*lru.Cache[string, *AckRecord]),
		maxSize:      maxSize,
		expiration:   expiration,
		stop:         make(chan struct{}),
	}

	go dc.cleanupExpired()

	return dc
}

func (dc *DedupCache) clientCache(clientID string) *lru.Cache[string, *AckRecord] {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	cache, exists := dc.clientCaches[clientID]
	if !exists {
		cache, _ = lru.New[string, *AckRecord](dc.maxSize)
		dc.clientCaches[clientID] = cache
	}
	return cache
}

// Check reports whether the message was already processed for the client
// and returns its record
func (dc *DedupCache) Check(clientID, messageID string) (*AckRecord, bool) {
	if messageID == "" {
		return nil, false
	}

	dc.mutex.RLock()
	cache, exists := dc.clientCaches[clientID]
	dc.mutex.RUnlock()
	if !exists {
		return nil, false
	}

	record, found := cache.Get(messageID)
	if !found {
		return nil, false
	}
	if time.Since(record.Timestamp) > dc.expiration {
		cache.Remove(messageID)
		return nil, false
	}
	return record, true
}

// Store records the outcome of a processed message
func (dc *DedupCache) Store(clientID, messageID string, err error) {
	if messageID == "" {
		return
	}
	dc.clientCache(clientID).Add(messageID, &AckRecord{
		MessageID: messageID,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// ClearClient forgets all message ids of a client
func (dc *DedupCache) ClearClient(clientID string) {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	if cache, exists := dc.clientCaches[clientID]; exists {
		cache.Purge()
		delete(dc.clientCaches, clientID)
	}
}

// Len returns the number of message ids remembered for a client
func (dc *DedupCache) Len(clientID string) int {
	dc.mutex.RLock()
	cache, exists := dc.clientCaches[clientID]
	dc.mutex.RUnlock()

	if !exists {
		return 0
	}
	return cache.Len()
}

// GetStats returns cache statistics
func (dc *DedupCache) GetStats() map[string]interface{} {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()

	total := 0
	for _, cache := range dc.clientCaches {
		total += cache.Len()
	}

	return map[string]interface{}{
		"total_clients":     len(dc.clientCaches),
		"total_message_ids": total,
		"max_size":          dc.maxSize,
		"expiration":        dc.expiration.String(),
	}
}

func (dc *DedupCache) cleanupExpired() {
	ticker := time.NewTicker(dc.expiration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			dc.performCleanup()
		case <-dc.stop:
			return
		}
	}
}

func (dc *DedupCache) performCleanup() {
	dc.mutex.RLock()
	caches := make(map[string]*lru.Cache[string, *AckRecord], len(dc.clientCaches))
	for clientID, cache := range dc.clientCaches {
		caches[clientID] = cache
	}
	dc.mutex.RUnlock()

	now := time.Now()
	for clientID, cache := range caches {
		for _, id := range cache.Keys() {
			if record, found := cache.Peek(id); found && now.Sub(record.Timestamp) > dc.expiration {
				cache.Remove(id)
			}
		}

		if cache.Len() == 0 {
			dc.mutex.Lock()
			if dc.clientCaches[clientID] == cache {
				delete(dc.clientCaches, clientID)
			}
			dc.mutex.Unlock()
		}
	}
}

// Shutdown stops the cleanup routine and clears all caches
func (dc *DedupCache) Shutdown() {
	dc.stopOnce.Do(func() { close(dc.stop) })

	dc.mutex.Lock()
	defer dc.mutex.Unlock()
	for _, cache := range dc.clientCaches {
		cache.Purge()
	}
	dc.clientCaches = make(map[string]*lru.Cache[string, *AckRecord])
}
