// Package qualifier implements key/value qualifiers that discriminate
// capabilities, intentions and intents, and the wildcard matching rules
// between a concrete qualifier and a qualifier pattern.
package qualifier

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// Wildcard as a value requires the key to be present with any value
	Wildcard = "*"
	// Optional as a value matches whether the key is present or absent
	Optional = "?"
	// AnyMoreKey mapped to Wildcard permits any additional keys
	AnyMoreKey = "*"
)

// ErrIllegalQualifier is returned when a qualifier fails validation
var ErrIllegalQualifier = errors.New("illegal qualifier")

// Qualifier maps keys to scalar values (string, number or boolean)
type Qualifier map[string]any

// Any returns the pattern that matches every qualifier
func Any() Qualifier {
	return Qualifier{AnyMoreKey: Wildcard}
}

// HasAnyMore reports whether the qualifier contains the any-more wildcard entry
func (q Qualifier) HasAnyMore() bool {
	v, ok := q[AnyMoreKey]
	return ok && v == Wildcard
}

// IsExact reports whether the qualifier contains no wildcard tokens
func (q Qualifier) IsExact() bool {
	for k, v := range q {
		if k == AnyMoreKey || v == Wildcard || v == Optional {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy; nil stays nil
func (q Qualifier) Clone() Qualifier {
	if q == nil {
		return nil
	}
	out := make(Qualifier, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// String renders the qualifier with sorted keys, for logs and error messages
func (q Qualifier) String() string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, q[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Normalize converts integer kinds to float64 so that qualifiers decoded
// from YAML compare equal to those decoded from JSON.
func Normalize(q Qualifier) Qualifier {
	if q == nil {
		return nil
	}
	out := make(Qualifier, len(q))
	for k, v := range q {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

func isScalar(v any) bool {
	switch normalizeValue(v).(type) {
	case string, float64, bool:
		return true
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}
