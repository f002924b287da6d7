package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewEnvelope encodes msg into a broker-to-client envelope on the given channel
func NewEnvelope(channel Channel, msg any) (*Envelope, error) {
	return newEnvelope(TransportBrokerToClient, channel, msg)
}

// NewClientEnvelope encodes msg into a client-to-broker envelope on the given channel
func NewClientEnvelope(channel Channel, msg any) (*Envelope, error) {
	return newEnvelope(TransportClientToBroker, channel, msg)
}

func newEnvelope(transport string, channel Channel, msg any) (*Envelope, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", channel, err)
	}
	return &Envelope{Transport: transport, Channel: channel, Message: raw}, nil
}

// Decode unmarshals the envelope's message into v
func (e *Envelope) Decode(v any) error {
	if len(e.Message) == 0 {
		return fmt.Errorf("envelope on channel %s has no message", e.Channel)
	}
	if err := json.Unmarshal(e.Message, v); err != nil {
		return fmt.Errorf("failed to deserialize %s message: %w", e.Channel, err)
	}
	return nil
}

// SerializeEnvelope serializes an envelope to JSON bytes
func SerializeEnvelope(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DeserializeEnvelope deserializes JSON bytes to an Envelope and validates it
func DeserializeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope: %w", err)
	}
	if err := ValidateEnvelope(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ValidateEnvelope checks the transport direction and channel of an envelope
func ValidateEnvelope(e *Envelope) error {
	if e.Transport != TransportClientToBroker && e.Transport != TransportBrokerToClient {
		return fmt.Errorf("invalid transport: %q", e.Transport)
	}
	if !IsValidChannel(e.Channel) {
		return fmt.Errorf("invalid channel: %q", e.Channel)
	}
	return nil
}

// IsValidChannel checks if a channel is known
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelConnect, ChannelDisconnect, ChannelMessage, ChannelIntent,
		ChannelTopicSubscribe, ChannelTopicUnsubscribe,
		ChannelIntentSubscribe, ChannelIntentUnsubscribe,
		ChannelPing, ChannelPong:
		return true
	default:
		return false
	}
}

// GenerateMessageID generates a unique message ID
func GenerateMessageID() string {
	return uuid.NewString()
}

// ErrorBody is the body of a failed delivery acknowledgment
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// BuildAck creates the delivery acknowledgment for messageID. A nil err
// acknowledges success.
func BuildAck(messageID string, err error) *TopicMessage {
	ack := &TopicMessage{
		Topic: messageID,
		Headers: Headers{
			HeaderMessageID: GenerateMessageID(),
			HeaderStatus:    StatusOK,
		},
	}
	if err == nil {
		return ack
	}

	ack.Headers[HeaderStatus] = StatusError
	me := AsMessagingError(err)
	ack.Body, _ = json.Marshal(ErrorBody{Code: me.Code, Message: me.Message})
	return ack
}

// BuildConnack creates the answer to a connect handshake
func BuildConnack(code ReturnCode, clientID, message string) *ConnackMessage {
	return &ConnackMessage{
		Headers:    Headers{HeaderMessageID: GenerateMessageID()},
		ReturnCode: code,
		ClientID:   clientID,
		Message:    message,
	}
}

// BuildReply creates a message addressed to the reply topic of a request
func BuildReply(replyTo string, status int, body any) (*TopicMessage, error) {
	msg := &TopicMessage{
		Topic: replyTo,
		Headers: Headers{
			HeaderMessageID: GenerateMessageID(),
			HeaderStatus:    status,
		},
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reply: %w", err)
		}
		msg.Body = raw
	}
	return msg, nil
}

// BuildPing creates a liveness probe
func BuildPing() *Command {
	return &Command{Headers: Headers{HeaderMessageID: GenerateMessageID()}}
}

// AckError extracts the error carried by a delivery acknowledgment, or nil on success
func AckError(ack *TopicMessage) error {
	if ack.Headers.Status() != StatusError {
		return nil
	}
	var body ErrorBody
	if err := json.Unmarshal(ack.Body, &body); err != nil {
		return NewError(CodeInternal, "malformed error acknowledgment")
	}
	return NewError(body.Code, body.Message)
}
