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

package protocol

import (
	"encoding/json"
	"fmt"

	"portico/internal/manifest"
	"portico/internal/qualifier"
)

// Transport directions
const (
	TransportClientToBroker = "client-to-broker"
	TransportBrokerToClient = "broker-to-client"
)

// Channel identifies the kind of message carried by an envelope
type Channel string

const (
	ChannelConnect           Channel = "client-connect"
	ChannelDisconnect        Channel = "client-disconnect"
	ChannelMessage           Channel = "message"
	ChannelIntent            Channel = "intent"
	ChannelTopicSubscribe    Channel = "topic-subscribe"
	ChannelTopicUnsubscribe  Channel = "topic-unsubscribe"
	ChannelIntentSubscribe   Channel = "intent-subscribe"
	ChannelIntentUnsubscribe Channel = "intent-unsubscribe"
	ChannelPing              Channel = "ping"
	ChannelPong              Channel = "pong"
)

// Header names
const (
	HeaderMessageID       = "message-id"
	HeaderClientID        = "client-id"
	HeaderAppSymbolicName = "app-symbolic-name"
	HeaderReplyTo         = "reply-to"
	HeaderStatus          = "status"
	HeaderVersion         = "protocol-version"
	HeaderSubscriberID    = "subscriber-id"
)

// Status codes carried in the status header
const (
	StatusOK         = 200
	StatusTerminal   = 250
	StatusBadRequest = 400
	StatusNotFound   = 404
	StatusError      = 500
)

// Platform topics served by the broker and the host
const (
	TopicSubscriberCount        = "$platform/subscriber-count"
	TopicRegisterCapability     = "$platform/capabilities/register"
	TopicUnregisterCapabilities = "$platform/capabilities/unregister"
	TopicRegisterIntention      = "$platform/intentions/register"
	TopicUnregisterIntentions   = "$platform/intentions/unregister"
	TopicLookupCapabilities     = "$platform/capabilities/lookup"
	TopicLookupIntentions       = "$platform/intentions/lookup"
	TopicClientConnected        = "$platform/clients/connected"
	TopicClientDisconnected     = "$platform/clients/disconnected"
	readinessTopicPrefix        = "$platform/readiness/"
)

// ReadinessTopic returns the topic an application's activator publishes to when ready
func ReadinessTopic(appSymbolicName string) string {
	return readinessTopicPrefix + appSymbolicName
}

// ReturnCode is the outcome of a connect handshake
type ReturnCode string

const (
	ReturnCodeAccepted   ReturnCode = "accepted"
	ReturnCodeRejected   ReturnCode = "rejected"
	ReturnCodeBlocked    ReturnCode = "blocked"
	ReturnCodeBadRequest ReturnCode = "badrequest"
)

// Envelope wraps every message exchanged over a client channel
type Envelope struct {
	Transport string          `json:"transport"`
	Channel   Channel         `json:"channel"`
	Message   json.RawMessage `json:"message"`
}

// Headers is the string-keyed header map of a message
type Headers map[string]any

// String returns a header as string, or "" when absent or not a string
func (h Headers) String(key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

// Status returns the status header, or 0 when absent
func (h Headers) Status() int {
	switch v := h[HeaderStatus].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Clone returns a shallow copy of the headers
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Command is a message that consists of headers only
type Command struct {
	Headers Headers `json:"headers"`
}

// ConnackMessage answers a connect handshake
type ConnackMessage struct {
	Headers    Headers    `json:"headers"`
	ReturnCode ReturnCode `json:"returnCode"`
	ClientID   string     `json:"clientId,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// TopicMessage is a message published to a topic
type TopicMessage struct {
	Topic string `json:"topic"`
	// Params holds the values captured by the wildcard segments of the
	// receiving subscription; set on delivery only
	Params  map[string]string `json:"params,omitempty"`
	Headers Headers           `json:"headers"`
	Retain  bool              `json:"retain,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// IntentMessage is an intent dispatched to the providers of matching capabilities
type IntentMessage struct {
	Intent manifest.Intent `json:"intent"`
	// Capability is the resolved capability; set on delivery only
	Capability *manifest.Capability `json:"capability,omitempty"`
	Headers    Headers              `json:"headers"`
	Retain     bool                 `json:"retain,omitempty"`
	Body       json.RawMessage      `json:"body,omitempty"`
}

// TopicSubscribeCommand subscribes to a topic pattern
type TopicSubscribeCommand struct {
	Headers Headers `json:"headers"`
	Topic   string  `json:"topic"`
}

// IntentSelector narrows the intents an intent subscription receives
type IntentSelector struct {
	Type      string              `json:"type,omitempty"`
	Qualifier qualifier.Qualifier `json:"qualifier,omitempty"`
}

// IntentSubscribeCommand subscribes to intents
type IntentSubscribeCommand struct {
	Headers  Headers         `json:"headers"`
	Selector *IntentSelector `json:"selector,omitempty"`
}

// SubscriberCountRequest is the body of a request on TopicSubscriberCount
type SubscriberCountRequest struct {
	Topic string `json:"topic"`
}

// ClientPresence is published on the client connected/disconnected topics
type ClientPresence struct {
	ClientID        string `json:"clientId"`
	AppSymbolicName string `json:"appSymbolicName"`
}

// IsRequest reports whether the message expects replies
func (m *TopicMessage) IsRequest() bool {
	return m.Headers.String(HeaderReplyTo) != ""
}

// IsRequest reports whether the intent expects replies
func (m *IntentMessage) IsRequest() bool {
	return m.Headers.String(HeaderReplyTo) != ""
}

// HasBody reports whether the message carries a payload
func HasBody(body json.RawMessage) bool {
	return len(body) > 0 && string(body) != "null"
}

// String describes an envelope for logs
func (e *Envelope) String() string {
	return fmt.Sprintf("%s[%s]", e.Channel, e.Transport)
}
