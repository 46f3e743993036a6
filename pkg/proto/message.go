// Package proto defines the message envelope and agent state types shared
// by the dispatcher, agents, and supervisor.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MsgKind identifies how a message should be dispatched by the receiving
// agent. The built-in kinds cover the coordination protocol; applications may
// define their own kinds and register handlers for them.
type MsgKind string

const (
	KindTask        MsgKind = "task"         // Work assignment for an agent
	KindStatus      MsgKind = "status"       // Status report from an agent
	KindHelpRequest MsgKind = "help_request" // Agent asking peers for assistance
	KindDataShare   MsgKind = "data_share"   // Notification that shared context was published
	KindShutdown    MsgKind = "shutdown"     // Tells the receiving agent to stop its loop
)

// BroadcastTarget is the reserved recipient meaning "every registered agent
// except the sender".
const BroadcastTarget = "*"

// Common payload keys used by the built-in message kinds.
const (
	KeyProblem  = "problem"
	KeyStoreKey = "store_key"
	KeyJob      = "job"
	KeyState    = "state"
	KeyReason   = "reason"
)

// Message is the envelope routed by the dispatcher. A message is immutable
// once sent: the dispatcher clones it for every recipient and no component
// mutates a delivered message.
type Message struct {
	ID               string            `json:"id"`
	Kind             MsgKind           `json:"kind"`
	FromAgent        string            `json:"from_agent"`
	ToAgent          string            `json:"to_agent"`
	Timestamp        time.Time         `json:"timestamp"`
	Priority         int               `json:"priority,omitempty"`
	RequiresResponse bool              `json:"requires_response,omitempty"`
	Payload          map[string]any    `json:"payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ParentMsgID      string            `json:"parent_msg_id,omitempty"`
}

// NewMessage creates a message envelope with a fresh ID and timestamp.
func NewMessage(kind MsgKind, fromAgent, toAgent string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
		Metadata:  make(map[string]string),
	}
}

// NewBroadcast creates a message addressed to every agent except the sender.
func NewBroadcast(kind MsgKind, fromAgent string) *Message {
	return NewMessage(kind, fromAgent, BroadcastTarget)
}

// IsBroadcast reports whether the message targets all agents.
func (m *Message) IsBroadcast() bool {
	return m.ToAgent == BroadcastTarget
}

func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

func (m *Message) SetPayload(key string, value any) {
	if m.Payload == nil {
		m.Payload = make(map[string]any)
	}
	m.Payload[key] = value
}

func (m *Message) GetPayload(key string) (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	val, exists := m.Payload[key]
	return val, exists
}

// GetPayloadString extracts a payload value as a string.
func (m *Message) GetPayloadString(key string) (string, bool) {
	if val, exists := m.GetPayload(key); exists {
		if s, ok := val.(string); ok {
			return s, true
		}
	}
	return "", false
}

func (m *Message) SetMetadata(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

func (m *Message) GetMetadata(key string) (string, bool) {
	if m.Metadata == nil {
		return "", false
	}
	val, exists := m.Metadata[key]
	return val, exists
}

// Clone returns a deep copy of the message. The dispatcher clones on every
// delivery so that no two agents share payload maps.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:               m.ID,
		Kind:             m.Kind,
		FromAgent:        m.FromAgent,
		ToAgent:          m.ToAgent,
		Timestamp:        m.Timestamp,
		Priority:         m.Priority,
		RequiresResponse: m.RequiresResponse,
		ParentMsgID:      m.ParentMsgID,
	}

	if m.Payload != nil {
		clone.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			clone.Payload[k] = v
		}
	}

	if m.Metadata != nil {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}

	return clone
}

// Validate checks that the envelope carries everything the dispatcher needs
// to route it.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if m.Kind == "" {
		return fmt.Errorf("message kind is required")
	}
	if m.FromAgent == "" {
		return fmt.Errorf("from_agent is required")
	}
	if m.ToAgent == "" {
		return fmt.Errorf("to_agent is required")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// ParseMsgKind normalizes a string into a MsgKind. Built-in kinds are
// canonicalized to lowercase; unrecognized non-empty kinds pass through
// untouched so applications can route their own message types.
func ParseMsgKind(s string) (MsgKind, error) {
	if s == "" {
		return "", fmt.Errorf("message kind cannot be empty")
	}

	switch MsgKind(strings.ToLower(s)) {
	case KindTask:
		return KindTask, nil
	case KindStatus:
		return KindStatus, nil
	case KindHelpRequest:
		return KindHelpRequest, nil
	case KindDataShare:
		return KindDataShare, nil
	case KindShutdown:
		return KindShutdown, nil
	default:
		return MsgKind(s), nil
	}
}

// String returns the string representation of MsgKind.
func (k MsgKind) String() string {
	return string(k)
}
