package broker

import (
	"context"
	"time"
)

// Stats reports broker counters and registry sizes
type Stats struct {
	StartTime           time.Time `json:"start_time"`
	Uptime              string    `json:"uptime"`
	Runlevel            int       `json:"runlevel"`
	Clients             int       `json:"clients"`
	TopicSubscriptions  int       `json:"topic_subscriptions"`
	IntentSubscriptions int       `json:"intent_subscriptions"`
	RetainedMessages    int       `json:"retained_messages"`
	RetainedIntents     int       `json:"retained_intents"`
	Connects            int64     `json:"connects"`
	Rejects             int64     `json:"rejects"`
	Messages            int64     `json:"messages"`
	Intents             int64     `json:"intents"`
	Deliveries          int64     `json:"deliveries"`
	DeliveryFailures    int64     `json:"delivery_failures"`
	ErrorAcks           int64     `json:"error_acks"`
	Evictions           int64     `json:"evictions"`
	Errors              int64     `json:"errors"`
	Queued              int       `json:"queued"`
}

// Stats returns a snapshot of the broker counters
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := b.Query(ctx, func() {
		s = b.stats
		s.Uptime = time.Since(s.StartTime).Round(time.Second).String()
		s.Runlevel = b.runlevel
		s.Clients = b.clients.Count()
		s.TopicSubscriptions = b.topicSubs.Count()
		s.IntentSubscriptions = b.intentSubs.Count()
		s.RetainedMessages, s.RetainedIntents = b.retained.Stats()
		for _, queued := range b.gates {
			s.Queued += len(queued)
		}
		s.Queued += b.inbox.len()
	})
	return s, err
}
