// Package wire defines the message vocabulary shared by the relay server and
// the operator client.
//
// Every frame on the socket is a single JSON-encoded Message. The Type field
// discriminates the payload carried in Data; Status and SessionID are
// envelope-level and only populated where the protocol calls for them.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type discriminants.
const (
	TypeAuth             = "auth"
	TypeAuthResult       = "auth_result"
	TypeAssistantExecute = "assistant_execute"
	TypeAssistantOutput  = "assistant_output"
	TypeAssistantError   = "assistant_error"
	TypeGitOperation     = "git_operation"
	TypeGitResponse      = "git_response"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeError            = "error"
)

// Envelope status values used on responses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Assistant output status values.
const (
	OutputRunning   = "running"
	OutputCompleted = "completed"
)

// Message is the wire envelope. It is immutable once constructed; the Data
// field is decoded into a typed payload at the receiving boundary.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Status    string          `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
}

// New constructs a Message of the given type with the payload marshaled into
// Data. A nil payload leaves Data empty.
func New(msgType string, payload any) (Message, error) {
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Encode serializes the message for transmission.
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return raw, nil
}

// Decode parses a raw frame into a Message. It fails only for structurally
// unparsable frames or a missing type discriminant; unknown types decode fine
// so the caller can apply the forward-compatibility policy.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	return msg, nil
}

// DecodeData unmarshals the kind-specific payload into out.
func (m Message) DecodeData(out any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}
