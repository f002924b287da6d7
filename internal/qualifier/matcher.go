package qualifier

import "fmt"

// Matcher tests concrete qualifiers against a pattern
type Matcher struct {
	pattern Qualifier
	anyMore bool
}

// NewMatcher creates a matcher for the given pattern. A nil pattern
// matches only empty qualifiers.
func NewMatcher(pattern Qualifier) *Matcher {
	return &Matcher{pattern: pattern, anyMore: pattern.HasAnyMore()}
}

// Matches reports whether q satisfies the pattern.
//
// Every pattern key is evaluated: an exact value requires equality, "*"
// requires presence, "?" always passes. Keys of q that the pattern does
// not name are only tolerated when the pattern holds the any-more entry.
func (m *Matcher) Matches(q Qualifier) bool {
	for key, want := range m.pattern {
		if key == AnyMoreKey && m.anyMore {
			continue
		}
		got, present := q[key]
		switch want {
		case Wildcard:
			if !present || got == nil {
				return false
			}
		case Optional:
		default:
			if !present || !equalValues(want, got) {
				return false
			}
		}
	}

	if m.anyMore {
		return true
	}
	for key := range q {
		if _, ok := m.pattern[key]; !ok {
			return false
		}
	}
	return true
}

// Matches is a shorthand for NewMatcher(pattern).Matches(q)
func Matches(pattern, q Qualifier) bool {
	return NewMatcher(pattern).Matches(q)
}

// Options controls Validate
type Options struct {
	// Exact forbids wildcard tokens; set on the publish and registration side
	Exact bool
}

// Validate checks keys and values of a qualifier. A nil qualifier is valid.
func Validate(q Qualifier, opts Options) error {
	for key, value := range q {
		if key == "" {
			return fmt.Errorf("%w: empty key in %s", ErrIllegalQualifier, q)
		}
		if value == nil {
			return fmt.Errorf("%w: key %q has no value", ErrIllegalQualifier, key)
		}
		if s, ok := value.(string); ok && s == "" {
			return fmt.Errorf("%w: key %q has an empty value", ErrIllegalQualifier, key)
		}
		if !isScalar(value) {
			return fmt.Errorf("%w: key %q has non-scalar value of type %T", ErrIllegalQualifier, key, value)
		}
		if key == AnyMoreKey && value != Wildcard {
			return fmt.Errorf("%w: key %q must map to %q", ErrIllegalQualifier, AnyMoreKey, Wildcard)
		}
		if opts.Exact && (key == AnyMoreKey || value == Wildcard || value == Optional) {
			return fmt.Errorf("%w: wildcards not allowed in exact qualifier %s", ErrIllegalQualifier, q)
		}
	}
	return nil
}

// ValidateCapability checks a qualifier declared by a capability. Such a
// qualifier may use "*" and "?" values but never the any-more entry.
func ValidateCapability(q Qualifier) error {
	if err := Validate(q, Options{Exact: false}); err != nil {
		return err
	}
	if _, ok := q[AnyMoreKey]; ok {
		return fmt.Errorf("%w: capability qualifier must not contain the any-more wildcard", ErrIllegalQualifier)
	}
	return nil
}
