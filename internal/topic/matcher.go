// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package topic matches hierarchical, slash-delimited topics against
// subscription patterns containing named wildcard segments (":name").
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator delimits topic segments
	Separator = "/"
	// WildcardMarker prefixes a named wildcard segment, e.g. "person/:id"
	WildcardMarker = ":"
	// AnySegment is the generic wildcard used to index subscriptions by shape
	AnySegment = "*"
	// MaxSegments is the largest number of segments a topic may have
	MaxSegments = 32
)

// ErrIllegalTopic is returned for empty or malformed topics
var ErrIllegalTopic = errors.New("illegal topic")

// Result is the outcome of matching a candidate topic against a pattern
type Result struct {
	Matches bool
	// Params maps wildcard names to the literal segment values they captured
	Params map[string]string
}

// Matcher matches concrete topics against a subscription pattern
type Matcher struct {
	pattern  string
	segments []string
	wildcard bool
}

// NewMatcher compiles a subscription pattern
func NewMatcher(pattern string) (*Matcher, error) {
	segments, err := split(pattern)
	if err != nil {
		return nil, err
	}

	m := &Matcher{pattern: pattern, segments: segments}
	for _, s := range segments {
		if IsWildcardSegment(s) {
			m.wildcard = true
			break
		}
	}
	return m, nil
}

// Pattern returns the pattern this matcher was built with
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Match tests a concrete topic. The candidate must not contain wildcard segments.
func (m *Matcher) Match(candidate string) (Result, error) {
	segments, err := split(candidate)
	if err != nil {
		return Result{}, err
	}
	for _, s := range segments {
		if IsWildcardSegment(s) {
			return Result{}, fmt.Errorf("%w: wildcard segment %q not allowed in %q", ErrIllegalTopic, s, candidate)
		}
	}

	if !m.wildcard {
		if strings.Join(segments, Separator) != strings.Join(m.segments, Separator) {
			return Result{}, nil
		}
		return Result{Matches: true, Params: map[string]string{}}, nil
	}

	if len(segments) != len(m.segments) {
		return Result{}, nil
	}

	params := make(map[string]string)
	for i, p := range m.segments {
		if IsWildcardSegment(p) {
			params[p[len(WildcardMarker):]] = segments[i]
			continue
		}
		if p != segments[i] {
			return Result{}, nil
		}
	}
	return Result{Matches: true, Params: params}, nil
}

// IsWildcardSegment reports whether a segment is a named wildcard
func IsWildcardSegment(segment string) bool {
	return strings.HasPrefix(segment, WildcardMarker) && len(segment) > len(WildcardMarker)
}

// IsExact reports whether a topic contains no wildcard segments
func IsExact(topic string) bool {
	for _, s := range strings.Split(topic, Separator) {
		if IsWildcardSegment(s) {
			return false
		}
	}
	return true
}

// ValidateExact validates a topic used on the publish side
func ValidateExact(topic string) error {
	if _, err := split(topic); err != nil {
		return err
	}
	if !IsExact(topic) {
		return fmt.Errorf("%w: wildcard segments not allowed in %q", ErrIllegalTopic, topic)
	}
	return nil
}

// ValidatePattern validates a topic used on the subscribe side
func ValidatePattern(pattern string) error {
	_, err := split(pattern)
	return err
}

func split(topic string) ([]string, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic must not be empty", ErrIllegalTopic)
	}
	segments := strings.Split(strings.Trim(topic, Separator), Separator)
	if len(segments) > MaxSegments {
		return nil, fmt.Errorf("%w: %d segments exceed the limit of %d", ErrIllegalTopic, len(segments), MaxSegments)
	}
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrIllegalTopic, topic)
		}
	}
	return segments, nil
}
