// ABOUTME: JSON envelope exchanged between fleet-gateway and agents over the duplex channel
// ABOUTME: Defines frame types, event subtypes, and payload helpers

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types sent by agents.
const (
	TypeSync        = "sync"
	TypeResponse    = "response"
	TypeError       = "error"
	TypeServerEvent = "serverEvent"
)

// Frame types sent by the gateway.
const (
	TypeConnected = "connected"
	TypeStart     = "start"
	TypeStop      = "stop"
)

// Event subtypes carried by serverEvent frames.
const (
	EventFailureDetected = "failure-detected"
	EventRestartResult   = "restart-result"
)

// ErrEmptyType is returned when a frame has no type field.
var ErrEmptyType = errors.New("frame type is required")

// Frame is the envelope for every message on an agent connection.
type Frame struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ConnectedPayload acknowledges a successful handshake.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// ServerEvent is the payload of a serverEvent frame.
type ServerEvent struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	EventID  string `json:"eventId,omitempty"`
	Success  *bool  `json:"success,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// InstanceCommand is the payload of start/stop frames.
type InstanceCommand struct {
	Instance string `json:"instance"`
}

// Decode parses a raw frame. It rejects frames without a type.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return nil, ErrEmptyType
	}
	return &f, nil
}

// New builds a frame with the payload marshaled to JSON. A nil payload is omitted.
func New(frameType string, payload any) (*Frame, error) {
	f := &Frame{Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", frameType, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Encode marshals the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// SyncNames extracts the running instance names from a sync payload.
// A missing or null payload means nothing is running.
func (f *Frame) SyncNames() ([]string, error) {
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(f.Payload, &names); err != nil {
		return nil, fmt.Errorf("decoding sync payload: %w", err)
	}
	return names, nil
}

// ServerEvent extracts the event payload of a serverEvent frame.
func (f *Frame) ServerEvent() (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding server event: %w", err)
	}
	if ev.Event == "" {
		return nil, errors.New("server event subtype is required")
	}
	return &ev, nil
}

// InstanceCommand extracts the target of a start/stop frame.
func (f *Frame) InstanceCommand() (*InstanceCommand, error) {
	var cmd InstanceCommand
	if err := json.Unmarshal(f.Payload, &cmd); err != nil {
		return nil, fmt.Errorf("decoding %s command: %w", f.Type, err)
	}
	if cmd.Instance == "" {
		return nil, errors.New("command instance is required")
	}
	return &cmd, nil
}
