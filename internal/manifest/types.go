// Package manifest holds the applications known to the platform and the
// capabilities and intentions they declare, and resolves which
// capabilities fulfil an intent.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	"portico/internal/qualifier"
)

var (
	ErrIllegalCapability = errors.New("illegal capability")
	ErrIllegalIntention  = errors.New("illegal intention")
	ErrIllegalParams     = errors.New("illegal params")
	ErrIllegalIntent     = errors.New("illegal intent")
	ErrIllegalManifest   = errors.New("illegal manifest")
)

// Metadata is assigned by the registry when a capability or intention is registered
type Metadata struct {
	ID              string `json:"id"`
	AppSymbolicName string `json:"appSymbolicName"`
}

// Capability is a behavior an application offers to other applications
type Capability struct {
	Type      string              `json:"type"`
	Qualifier qualifier.Qualifier `json:"qualifier,omitempty"`
	// Private defaults to true when omitted
	Private     *bool             `json:"private,omitempty"`
	Params      []ParamDefinition `json:"params,omitempty"`
	Properties  map[string]any    `json:"properties,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    *Metadata         `json:"metadata,omitempty"`
}

// IsPrivate reports whether only the owning application may use the capability
func (c *Capability) IsPrivate() bool {
	return c.Private == nil || *c.Private
}

// Param returns the parameter definition with the given name, or nil
func (c *Capability) Param(name string) *ParamDefinition {
	for i := range c.Params {
		if c.Params[i].Name == name {
			return &c.Params[i]
		}
	}
	return nil
}

// Clone returns a copy that shares no maps or slices with c
func (c *Capability) Clone() *Capability {
	out := *c
	out.Qualifier = c.Qualifier.Clone()
	out.Params = append([]ParamDefinition(nil), c.Params...)
	if c.Properties != nil {
		out.Properties = make(map[string]any, len(c.Properties))
		for k, v := range c.Properties {
			out.Properties[k] = v
		}
	}
	if c.Metadata != nil {
		md := *c.Metadata
		out.Metadata = &md
	}
	if c.Private != nil {
		p := *c.Private
		out.Private = &p
	}
	return &out
}

// ID returns the registry-assigned id, or "" before registration
func (c *Capability) ID() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata.ID
}

// AppSymbolicName returns the owning application, or "" before registration
func (c *Capability) AppSymbolicName() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata.AppSymbolicName
}

// ParamDefinition declares a parameter an intent may pass to a capability
type ParamDefinition struct {
	Name string `json:"name"`
	// Required must be set explicitly to true or false
	Required    *bool        `json:"required,omitempty"`
	Description string       `json:"description,omitempty"`
	Deprecated  *Deprecation `json:"deprecated,omitempty"`
}

// IsRequired reports whether the parameter must be passed
func (p *ParamDefinition) IsRequired() bool {
	return p.Required != nil && *p.Required
}

// Deprecation marks a parameter as deprecated, optionally naming its substitute
type Deprecation struct {
	Message    string `json:"message,omitempty"`
	UseInstead string `json:"useInstead,omitempty"`
}

// UnmarshalJSON accepts either a boolean or an object
func (d *Deprecation) UnmarshalJSON(data []byte) error {
	var flag bool
	if err := json.Unmarshal(data, &flag); err == nil {
		if !flag {
			return fmt.Errorf("%w: deprecated must be true or an object", ErrIllegalCapability)
		}
		*d = Deprecation{}
		return nil
	}

	type plain Deprecation
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = Deprecation(p)
	return nil
}

// Intention is an application's declared permission to use capabilities
// of a type whose qualifier matches the intention's qualifier pattern
type Intention struct {
	Type      string              `json:"type"`
	Qualifier qualifier.Qualifier `json:"qualifier,omitempty"`
	Metadata  *Metadata           `json:"metadata,omitempty"`
}

// ID returns the registry-assigned id, or "" before registration
func (i *Intention) ID() string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata.ID
}

// AppSymbolicName returns the owning application, or "" before registration
func (i *Intention) AppSymbolicName() string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata.AppSymbolicName
}

// Intent addresses capabilities by type and exact qualifier
type Intent struct {
	Type      string              `json:"type"`
	Qualifier qualifier.Qualifier `json:"qualifier,omitempty"`
	Params    map[string]any      `json:"params,omitempty"`
}

func (i Intent) String() string {
	return fmt.Sprintf("%s%s", i.Type, i.Qualifier)
}

// Manifest is the document an application publishes to declare itself
type Manifest struct {
	Name         string       `json:"name"`
	BaseURL      string       `json:"baseUrl,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Intentions   []Intention  `json:"intentions,omitempty"`
}

// Filter selects capabilities or intentions. Set fields are ANDed; a nil
// Qualifier places no constraint on qualifiers.
type Filter struct {
	ID              string              `json:"id,omitempty"`
	Type            string              `json:"type,omitempty"`
	Qualifier       qualifier.Qualifier `json:"qualifier,omitempty"`
	AppSymbolicName string              `json:"appSymbolicName,omitempty"`
}

func (f Filter) matches(id, typ string, q qualifier.Qualifier, app string) bool {
	if f.ID != "" && f.ID != id {
		return false
	}
	if f.Type != "" && f.Type != typ {
		return false
	}
	if f.AppSymbolicName != "" && f.AppSymbolicName != app {
		return false
	}
	if f.Qualifier != nil && !qualifier.Matches(f.Qualifier, q) {
		return false
	}
	return true
}
