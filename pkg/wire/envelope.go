package wire

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// AgentEventKind discriminates the tagged union carried inside a progress
// envelope and streamed to channels.
type AgentEventKind string

const (
	EventTextDelta   AgentEventKind = "text-delta"
	EventToolCall    AgentEventKind = "tool-call"
	EventToolResult  AgentEventKind = "tool-result"
	EventStateChange AgentEventKind = "state-change"
	EventError       AgentEventKind = "error"
	EventDone        AgentEventKind = "done"
)

// AgentEvent is the tagged-union payload of a progress envelope / stream
// event. Only the fields relevant to Kind are populated.
type AgentEvent struct {
	Kind AgentEventKind `json:"kind"`

	// text-delta
	Delta string `json:"delta,omitempty"`

	// tool-call
	ToolCallID string              `json:"toolCallId,omitempty"`
	ToolName   string              `json:"toolName,omitempty"`
	ToolArgs   jsoniter.RawMessage `json:"toolArgs,omitempty"`

	// tool-result
	ToolResult jsoniter.RawMessage `json:"toolResult,omitempty"`

	// state-change
	State string `json:"state,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Envelope is the progress envelope shipped between daemon and gateway for
// every intra-task event: {eventId, sequence, taskId, conversationId,
// createdAt, model?, event}.
type Envelope struct {
	EventID        string     `json:"eventId"`
	Sequence       uint64     `json:"sequence"`
	TaskID         string     `json:"taskId"`
	ConversationID string     `json:"conversationId"`
	CreatedAt      time.Time  `json:"createdAt"`
	Model          string     `json:"model,omitempty"`
	Event          AgentEvent `json:"event"`
}

// NewEnvelope builds a progress envelope for taskID, using taskID as the
// conversation id per spec (conversationId == taskId).
func NewEnvelope(eventID, taskID string, sequence uint64, event AgentEvent) Envelope {
	return Envelope{
		EventID:        eventID,
		Sequence:       sequence,
		TaskID:         taskID,
		ConversationID: taskID,
		CreatedAt:      time.Now().UTC(),
		Event:          event,
	}
}

// PromoteLegacy wraps a legacy un-enveloped payload with sequence=0 and
// synthesized identity fields, for backward compatibility only.
func PromoteLegacy(eventID, taskID string, event AgentEvent) Envelope {
	return Envelope{
		EventID:        eventID,
		Sequence:       0,
		TaskID:         taskID,
		ConversationID: taskID,
		CreatedAt:      time.Now().UTC(),
		Event:          event,
	}
}

// System event severity levels.
const (
	SystemLevelInfo  = "info"
	SystemLevelWarn  = "warn"
	SystemLevelError = "error"
)

// SystemEvent is a gateway-side operational log entry, stored in the
// bounded system-event ring and surfaced via GET /api/events.
type SystemEvent struct {
	At        time.Time      `json:"at"`
	Category  string         `json:"category"`
	Component string         `json:"component"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	NodeID    string         `json:"nodeId,omitempty"`
	NodeName  string         `json:"nodeName,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewSystemEvent builds a system event stamped with the current time.
func NewSystemEvent(component, level, message string) SystemEvent {
	return SystemEvent{
		At:        time.Now().UTC(),
		Category:  "system",
		Component: component,
		Level:     level,
		Message:   message,
	}
}
