package topic

import "strings"

// Normalize strips leading and trailing separators so that equivalent
// topics index identically.
func Normalize(topic string) string {
	return strings.Trim(topic, Separator)
}

// Shape replaces every named wildcard segment of a pattern with AnySegment.
// Subscriptions are indexed by shape so a publish only has to probe the
// permutations of its own topic.
func Shape(pattern string) string {
	segments := strings.Split(Normalize(pattern), Separator)
	for i, s := range segments {
		if IsWildcardSegment(s) {
			segments[i] = AnySegment
		}
	}
	return strings.Join(segments, Separator)
}

// SegmentCount returns the number of segments of a normalized topic
func SegmentCount(topic string) int {
	return strings.Count(Normalize(topic), Separator) + 1
}

// Covers reports whether a shape, as returned by Shape, can match the
// concrete topic
func Covers(shape, topic string) bool {
	shapeSegments := strings.Split(shape, Separator)
	segments := strings.Split(Normalize(topic), Separator)
	if len(shapeSegments) != len(segments) {
		return false
	}
	for i, s := range shapeSegments {
		if s != AnySegment && s != segments[i] {
			return false
		}
	}
	return true
}

// Permutations returns all 2^n shapes of a concrete topic, where each of the
// n segments is either kept literally or replaced by AnySegment. Callers
// must bound n; see SegmentCount.
func Permutations(topic string) []string {
	segments := strings.Split(Normalize(topic), Separator)
	n := len(segments)

	out := make([]string, 0, 1<<n)
	buf := make([]string, n)
	for mask := 0; mask < 1<<n; mask++ {
		for i, s := range segments {
			if mask&(1<<i) != 0 {
				buf[i] = AnySegment
			} else {
				buf[i] = s
			}
		}
		out = append(out, strings.Join(buf, Separator))
	}
	return out
}
