package manifest

import (
	"fmt"

	"portico/internal/logger"
)

func validateParamDefinitions(params []ParamDefinition) error {
	declared := make(map[string]*ParamDefinition, len(params))
	for i := range params {
		p := &params[i]
		if p.Name == "" {
			return fmt.Errorf("%w: parameter name is required", ErrIllegalCapability)
		}
		if _, dup := declared[p.Name]; dup {
			return fmt.Errorf("%w: parameter %q declared twice", ErrIllegalCapability, p.Name)
		}
		if p.Required == nil {
			return fmt.Errorf("%w: parameter %q must be explicitly marked as required or optional", ErrIllegalCapability, p.Name)
		}
		declared[p.Name] = p
	}

	for _, p := range declared {
		if p.Deprecated == nil {
			continue
		}
		substitute := p.Deprecated.UseInstead
		if substitute == "" {
			if p.IsRequired() {
				return fmt.Errorf("%w: required parameter %q must not be deprecated without a substitute", ErrIllegalCapability, p.Name)
			}
			continue
		}
		target, ok := declared[substitute]
		if !ok || substitute == p.Name {
			return fmt.Errorf("%w: deprecated parameter %q names unknown substitute %q", ErrIllegalCapability, p.Name, substitute)
		}
		if target.Deprecated != nil {
			return fmt.Errorf("%w: substitute %q of parameter %q is itself deprecated", ErrIllegalCapability, substitute, p.Name)
		}
	}
	return nil
}

// ValidateParams checks the params passed with an intent against the
// capability's declared parameters and returns the params with deprecated
// names moved to their substitutes.
func ValidateParams(c *Capability, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	for name, value := range params {
		def := c.Param(name)
		if def == nil {
			return nil, fmt.Errorf("%w: parameter %q is not supported by capability %s", ErrIllegalParams, name, c.Type)
		}
		if def.Deprecated == nil {
			continue
		}

		log := logger.GetLogger("manifest")
		log.Warn().
			Str("capability", c.ID()).
			Str("param", name).
			Str("use_instead", def.Deprecated.UseInstead).
			Str("hint", def.Deprecated.Message).
			Msg("Deprecated intent parameter passed")

		if def.Deprecated.UseInstead != "" {
			if _, set := out[def.Deprecated.UseInstead]; !set {
				out[def.Deprecated.UseInstead] = value
			}
			delete(out, name)
		}
	}

	for i := range c.Params {
		def := &c.Params[i]
		if !def.IsRequired() {
			continue
		}
		name := def.Name
		if def.Deprecated != nil && def.Deprecated.UseInstead != "" {
			name = def.Deprecated.UseInstead
		}
		if _, ok := out[name]; !ok {
			return nil, fmt.Errorf("%w: required parameter %q is missing for capability %s", ErrIllegalParams, name, c.Type)
		}
	}
	return out, nil
}
