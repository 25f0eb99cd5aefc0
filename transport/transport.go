// Package transport defines the connection collaborator injected into user
// actors, plus the JSON wire payloads exchanged with clients. Implementations
// live in subpackages; tests inject fakes.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Standard close codes, matching RFC 6455.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseUnsupportedData = 1003
	CloseMessageTooBig   = 1009
	CloseInternalErr     = 1011
)

// Permanent send failures. Messages failing with one of these are not queued
// for replay; everything else is treated as transient.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

// Recoverable reports whether a failed send may succeed on a later attempt.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrMalformedPayload) && !errors.Is(err, ErrPayloadTooLarge)
}

// Conn is one live bidirectional connection to a user's client.
// Implementations must be safe for concurrent Send calls.
type Conn interface {
	// Id identifies this connection; a user reconnecting gets a new id.
	Id() string

	// Send writes one text payload to the peer.
	Send(payload []byte) error

	// Close terminates the connection with a close code and reason.
	Close(code int, reason string) error
}

// Frame is the outbound JSON payload envelope.
type Frame struct {
	Type              string          `json:"type"`
	BroadcastId       string          `json:"broadcastId,omitempty"`
	Message           json.RawMessage `json:"message,omitempty"`
	ActiveConnections int             `json:"activeConnections,omitempty"`
	Channel           string          `json:"channel,omitempty"`
	Timestamp         int64           `json:"timestamp"`
}

// Frame types.
const (
	FrameBroadcast    = "broadcast"
	FrameHeartbeat    = "heartbeat"
	FramePong         = "pong"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
)

// BroadcastFrame encodes a broadcast delivery payload.
func BroadcastFrame(broadcastId string, message json.RawMessage) ([]byte, error) {
	return marshalFrame(Frame{
		Type:        FrameBroadcast,
		BroadcastId: broadcastId,
		Message:     message,
	})
}

// HeartbeatFrame encodes a heartbeat payload.
func HeartbeatFrame(activeConnections int) ([]byte, error) {
	return marshalFrame(Frame{
		Type:              FrameHeartbeat,
		ActiveConnections: activeConnections,
	})
}

// PongFrame encodes the reply to a client ping.
func PongFrame() ([]byte, error) {
	return marshalFrame(Frame{Type: FramePong})
}

// SubscribedFrame encodes the acknowledgement of a channel subscription.
func SubscribedFrame(channel string) ([]byte, error) {
	return marshalFrame(Frame{Type: FrameSubscribed, Channel: channel})
}

// UnsubscribedFrame encodes the acknowledgement of a channel unsubscription.
func UnsubscribedFrame(channel string) ([]byte, error) {
	return marshalFrame(Frame{Type: FrameUnsubscribed, Channel: channel})
}

func marshalFrame(f Frame) ([]byte, error) {
	f.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", f.Type, err)
	}
	return data, nil
}

// ControlFrame is an inbound structured frame from the client.
type ControlFrame struct {
	Type        string `json:"type"`
	BroadcastId string `json:"broadcastId,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

// Inbound control frame types.
const (
	ControlPing        = "ping"
	ControlAck         = "ack"
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
)

// ParseControlFrame decodes an inbound control frame.
func ParseControlFrame(data []byte) (*ControlFrame, error) {
	var f ControlFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return &f, nil
}
