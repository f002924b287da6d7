package manifest

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"portico/internal/logger"
	"portico/internal/qualifier"
)

// ChangeKind tells listeners which part of the registry changed
type ChangeKind int

const (
	CapabilitiesChanged ChangeKind = iota
	IntentionsChanged
)

// Change describes a registry mutation
type Change struct {
	Kind            ChangeKind
	AppSymbolicName string
	// Added and Removed hold the ids of the affected entries
	Added   []string
	Removed []string
}

// Registry stores the capabilities and intentions of all applications.
//
// Registry is not safe for concurrent use; it is owned by the broker's
// dispatch loop.
type Registry struct {
	capabilities []*Capability
	intentions   []*Intention

	listeners map[int]func(Change)
	nextID    int
	log       zerolog.Logger
}

// NewRegistry creates an empty manifest registry
func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[int]func(Change)),
		log:       logger.GetLogger("manifest"),
	}
}

// OnChange registers a listener invoked after every mutation. The returned
// function removes the listener.
func (r *Registry) OnChange(fn func(Change)) func() {
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() { delete(r.listeners, id) }
}

func (r *Registry) emit(c Change) {
	for _, fn := range r.listeners {
		fn(c)
	}
}

// RegisterCapability validates and stores a capability of the given
// application and returns its generated id
func (r *Registry) RegisterCapability(c Capability, appSymbolicName string) (string, error) {
	if c.Type == "" {
		return "", fmt.Errorf("%w: type is required", ErrIllegalCapability)
	}
	if err := qualifier.ValidateCapability(c.Qualifier); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIllegalCapability, err)
	}
	if err := validateParamDefinitions(c.Params); err != nil {
		return "", err
	}

	stored := c.Clone()
	stored.Qualifier = qualifier.Normalize(stored.Qualifier)
	stored.Metadata = &Metadata{ID: uuid.NewString(), AppSymbolicName: appSymbolicName}
	r.capabilities = append(r.capabilities, stored)

	r.log.Debug().
		Str("app", appSymbolicName).
		Str("type", c.Type).
		Str("qualifier", stored.Qualifier.String()).
		Str("id", stored.Metadata.ID).
		Msg("Capability registered")

	r.emit(Change{Kind: CapabilitiesChanged, AppSymbolicName: appSymbolicName, Added: []string{stored.Metadata.ID}})
	return stored.Metadata.ID, nil
}

// UnregisterCapabilities removes the capabilities of appSymbolicName that
// match the filter and returns them. A filter naming a different
// application removes nothing.
func (r *Registry) UnregisterCapabilities(appSymbolicName string, filter Filter) []*Capability {
	if filter.AppSymbolicName != "" && filter.AppSymbolicName != appSymbolicName {
		return nil
	}
	filter.AppSymbolicName = appSymbolicName

	var removed []*Capability
	var ids []string
	kept := r.capabilities[:0]
	for _, c := range r.capabilities {
		if filter.matches(c.ID(), c.Type, c.Qualifier, c.AppSymbolicName()) {
			removed = append(removed, c)
			ids = append(ids, c.ID())
			continue
		}
		kept = append(kept, c)
	}
	r.capabilities = kept

	if len(removed) > 0 {
		r.emit(Change{Kind: CapabilitiesChanged, AppSymbolicName: appSymbolicName, Removed: ids})
	}
	return removed
}

// RegisterIntention validates and stores an intention of the given
// application and returns its generated id
func (r *Registry) RegisterIntention(i Intention, appSymbolicName string) (string, error) {
	if i.Type == "" {
		return "", fmt.Errorf("%w: type is required", ErrIllegalIntention)
	}
	if err := qualifier.Validate(i.Qualifier, qualifier.Options{Exact: false}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIllegalIntention, err)
	}

	stored := &Intention{
		Type:      i.Type,
		Qualifier: qualifier.Normalize(i.Qualifier),
		Metadata:  &Metadata{ID: uuid.NewString(), AppSymbolicName: appSymbolicName},
	}
	r.intentions = append(r.intentions, stored)

	r.log.Debug().
		Str("app", appSymbolicName).
		Str("type", i.Type).
		Str("qualifier", stored.Qualifier.String()).
		Msg("Intention registered")

	r.emit(Change{Kind: IntentionsChanged, AppSymbolicName: appSymbolicName, Added: []string{stored.Metadata.ID}})
	return stored.Metadata.ID, nil
}

// UnregisterIntentions removes the intentions of appSymbolicName that match
// the filter and returns them
func (r *Registry) UnregisterIntentions(appSymbolicName string, filter Filter) []*Intention {
	if filter.AppSymbolicName != "" && filter.AppSymbolicName != appSymbolicName {
		return nil
	}
	filter.AppSymbolicName = appSymbolicName

	var removed []*Intention
	var ids []string
	kept := r.intentions[:0]
	for _, i := range r.intentions {
		if filter.matches(i.ID(), i.Type, i.Qualifier, i.AppSymbolicName()) {
			removed = append(removed, i)
			ids = append(ids, i.ID())
			continue
		}
		kept = append(kept, i)
	}
	r.intentions = kept

	if len(removed) > 0 {
		r.emit(Change{Kind: IntentionsChanged, AppSymbolicName: appSymbolicName, Removed: ids})
	}
	return removed
}

// HasIntention reports whether the application may issue the intent,
// either through a declared intention or because it provides a matching
// capability itself
func (r *Registry) HasIntention(intent Intent, appSymbolicName string) (bool, error) {
	if err := validateIntent(intent); err != nil {
		return false, err
	}

	for _, i := range r.intentions {
		if i.AppSymbolicName() == appSymbolicName && i.Type == intent.Type && qualifier.Matches(i.Qualifier, intent.Qualifier) {
			return true, nil
		}
	}
	for _, c := range r.capabilities {
		if c.AppSymbolicName() == appSymbolicName && c.Type == intent.Type && qualifier.Matches(c.Qualifier, intent.Qualifier) {
			return true, nil
		}
	}
	return false, nil
}

// ResolveCapabilitiesByIntent returns the capabilities that fulfil the
// intent and are visible to the requesting application: its own
// capabilities, and public capabilities of other applications
func (r *Registry) ResolveCapabilitiesByIntent(intent Intent, appSymbolicName string) ([]*Capability, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	var out []*Capability
	var permitted *bool
	for _, c := range r.capabilities {
		if c.Type != intent.Type || !qualifier.Matches(c.Qualifier, intent.Qualifier) {
			continue
		}
		if c.AppSymbolicName() == appSymbolicName {
			out = append(out, c)
			continue
		}
		if c.IsPrivate() {
			continue
		}
		if permitted == nil {
			ok, _ := r.HasIntention(intent, appSymbolicName)
			permitted = &ok
		}
		if *permitted {
			out = append(out, c)
		}
	}
	return out, nil
}

// LookupCapabilities returns all capabilities matching the filter
func (r *Registry) LookupCapabilities(filter Filter) []*Capability {
	var out []*Capability
	for _, c := range r.capabilities {
		if filter.matches(c.ID(), c.Type, c.Qualifier, c.AppSymbolicName()) {
			out = append(out, c)
		}
	}
	return out
}

// LookupIntentions returns all intentions matching the filter
func (r *Registry) LookupIntentions(filter Filter) []*Intention {
	var out []*Intention
	for _, i := range r.intentions {
		if filter.matches(i.ID(), i.Type, i.Qualifier, i.AppSymbolicName()) {
			out = append(out, i)
		}
	}
	return out
}

// Capability returns the capability with the given id, or nil
func (r *Registry) Capability(id string) *Capability {
	for _, c := range r.capabilities {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

func validateIntent(intent Intent) error {
	if intent.Type == "" {
		return fmt.Errorf("%w: type is required", ErrIllegalIntent)
	}
	if err := qualifier.Validate(intent.Qualifier, qualifier.Options{Exact: true}); err != nil {
		return fmt.Errorf("%w: %w", ErrIllegalIntent, err)
	}
	return nil
}
