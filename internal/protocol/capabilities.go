package protocol

import (
	masterminds "github.com/Masterminds/semver/v3"
)

// CurrentVersion is the protocol version spoken by this broker
const CurrentVersion = "1.0.0"

var legacyBelow = masterminds.MustParse("1.0.0")

// Capabilities is the set of protocol features a connected client supports.
// It is resolved once at connect time so dispatch never compares versions.
type Capabilities struct {
	Version string
	// Legacy clients predate the heartbeat and the subscriber-id header
	Legacy bool
	// Ping reports whether the client answers liveness probes
	Ping bool
	// SubscriberIDHeader reports whether intent subscriptions carry an
	// explicit subscriber id; otherwise the message id is used
	SubscriberIDHeader bool
}

// ResolveCapabilities derives the capability set from a protocol-version
// header value. Absent or unparsable versions are treated as legacy.
func ResolveCapabilities(version string) Capabilities {
	caps := Capabilities{Version: version}
	if version == "" {
		caps.Legacy = true
		return caps
	}

	v, err := masterminds.NewVersion(version)
	if err != nil || v.LessThan(legacyBelow) {
		caps.Legacy = true
		return caps
	}

	caps.Ping = true
	caps.SubscriberIDHeader = true
	return caps
}
