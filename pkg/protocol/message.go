// Package protocol defines the self-describing wire format exchanged
// between channel adapter clients and the gateway. Messages are JSON
// records with a type discriminator; every public field survives a
// ToWire/FromWire round trip.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType discriminates gateway wire records.
type MessageType string

const (
	TypeChat             MessageType = "chat"
	TypeResponse         MessageType = "response"
	TypeApprovalRequest  MessageType = "approval_request"
	TypeApprovalResponse MessageType = "approval_response"
	TypeCommand          MessageType = "command"
	TypeEvent            MessageType = "event"
	TypeStatus           MessageType = "status"
	TypeError            MessageType = "error"
)

// EventType enumerates the closed set of event names carried in
// event messages under Data["event"].
type EventType string

const (
	EventTaskComplete      EventType = "task_complete"
	EventTaskError         EventType = "task_error"
	EventStepProgress      EventType = "step_progress"
	EventNotification      EventType = "notification"
	EventGoalStarted       EventType = "goal_started"
	EventGoalCheckpoint    EventType = "goal_checkpoint_complete"
	EventGoalCompleted     EventType = "goal_completed"
	EventGoalFailed        EventType = "goal_failed"
	EventGoalPaused        EventType = "goal_paused"
	EventGoalResumed       EventType = "goal_resumed"
	EventAgentSpawned      EventType = "agent_spawned"
	EventAgentCompleted    EventType = "agent_completed"
	EventAgentFailed       EventType = "agent_failed"
	EventAgentRedirected   EventType = "agent_redirected"
	EventAgentStopped      EventType = "agent_stopped"
	EventMindWakeup        EventType = "mind_wakeup"
	EventMindAction        EventType = "mind_action"
	EventMindSleep         EventType = "mind_sleep"
	EventMindPaused        EventType = "mind_paused"
	EventMindResumed       EventType = "mind_resumed"
	EventMindRevenue       EventType = "mind_revenue"
	EventMindError         EventType = "mind_error"
	EventScheduledResult   EventType = "scheduled_result"
	EventApprovalResolved  EventType = "approval_resolved"
	EventIdentityEvolution EventType = "identity_evolution"
)

// Message is one gateway wire record. ID is fresh on each outbound
// message and echoed back on approval_response.
type Message struct {
	Type      MessageType    `json:"type"`
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates a message of the given type with a fresh id.
func New(t MessageType) *Message {
	return &Message{Type: t, ID: uuid.NewString(), Data: map[string]any{}}
}

// NewEvent creates an event message carrying the given event type.
func NewEvent(event EventType, data map[string]any) *Message {
	m := New(TypeEvent)
	if data != nil {
		m.Data = data
	}
	m.Data["event"] = string(event)
	return m
}

// NewError creates an error message with a human-readable detail and
// an optional id of the message it replies to.
func NewError(detail, replyTo string) *Message {
	m := New(TypeError)
	m.Data["detail"] = detail
	if replyTo != "" {
		m.Data["reply_to"] = replyTo
	}
	return m
}

// Event returns the event type carried by an event message.
func (m *Message) Event() (EventType, bool) {
	if m.Type != TypeEvent || m.Data == nil {
		return "", false
	}
	ev, ok := m.Data["event"].(string)
	return EventType(ev), ok
}

// String reads a string field from Data, returning "" when absent.
func (m *Message) String(key string) string {
	if m.Data == nil {
		return ""
	}
	s, _ := m.Data[key].(string)
	return s
}

// Bool reads a boolean field from Data.
func (m *Message) Bool(key string) bool {
	if m.Data == nil {
		return false
	}
	b, _ := m.Data[key].(bool)
	return b
}

// ToWire serializes the message for transport.
func (m *Message) ToWire() ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return json.Marshal(m)
}

// FromWire parses a wire record, rejecting unknown or missing types.
func FromWire(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse wire message: %w", err)
	}
	switch m.Type {
	case TypeChat, TypeResponse, TypeApprovalRequest, TypeApprovalResponse,
		TypeCommand, TypeEvent, TypeStatus, TypeError:
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	return &m, nil
}
