package subscription

import (
	"portico/internal/client"
	"portico/internal/manifest"
	"portico/internal/qualifier"
)

// IntentSubscription subscribes a client to the intents addressed to its
// application's capabilities
type IntentSubscription struct {
	*Base
	// Type restricts the subscription to one intent type; empty means any
	Type string
	// Qualifier is a pattern the intent's qualifier must match; nil means any
	Qualifier qualifier.Qualifier
}

// NewIntentSubscription validates the selector and creates a subscription
func NewIntentSubscription(typ string, q qualifier.Qualifier, subscriberID string, c *client.Client) (*IntentSubscription, error) {
	if err := qualifier.Validate(q, qualifier.Options{Exact: false}); err != nil {
		return nil, err
	}
	return &IntentSubscription{
		Base:      newBase(subscriberID, c),
		Type:      typ,
		Qualifier: qualifier.Normalize(q),
	}, nil
}

// Matches reports whether the intent satisfies the subscription's selector
func (s *IntentSubscription) Matches(intent manifest.Intent) bool {
	if s.Type != "" && s.Type != intent.Type {
		return false
	}
	return s.Qualifier == nil || qualifier.Matches(s.Qualifier, intent.Qualifier)
}

// IntentRegistry indexes intent subscriptions
type IntentRegistry struct {
	*Registry[*IntentSubscription]
}

// NewIntentRegistry creates an empty intent subscription registry
func NewIntentRegistry() *IntentRegistry {
	return &IntentRegistry{Registry: NewRegistry[*IntentSubscription]()}
}

// Resolve returns the subscriptions of the provider application whose
// selector matches the intent. No authorization is performed.
func (r *IntentRegistry) Resolve(intent manifest.Intent, providerApp string) []*IntentSubscription {
	var out []*IntentSubscription
	for _, s := range r.ByApplication(providerApp) {
		if s.Matches(intent) {
			out = append(out, s)
		}
	}
	return out
}
