package fleet

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of envelope exchanged with a player.
type MessageType string

const (
	MessageStatus          MessageType = "status"
	MessageAck             MessageType = "ack"
	MessageHeartbeatPing   MessageType = "heartbeat-ping"
	MessageHeartbeatPong   MessageType = "heartbeat-pong"
	MessageError           MessageType = "error"
	MessagePairingRequest  MessageType = "pairing-request"
	MessagePairingResponse MessageType = "pairing-response"
	MessageCommand         MessageType = "command"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageStatus, MessageAck, MessageHeartbeatPing, MessageHeartbeatPong,
		MessageError, MessagePairingRequest, MessagePairingResponse, MessageCommand:
		return true
	}
	return false
}

// Envelope is the message frame exchanged in both directions.
// DeviceID stays empty on frames from a connection that has not paired yet.
type Envelope struct {
	MessageID string         `json:"messageId"`
	Type      MessageType    `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"deviceId,omitempty"`
}

// DecodeEnvelope parses an inbound frame. Unknown but non-empty types pass
// through; the handler warns and ignores them so that older servers stay
// compatible with newer clients.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}
