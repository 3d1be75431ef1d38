// Package runner defines the JSON event protocol spoken by the agent runner
// subprocess and the parser that converts its stdout into typed events.
package runner

import (
	"encoding/json"
	"fmt"
	"time"
)

// Canonical event types carried on the session bus. Events originate from
// the runner subprocess, the execution environment, or the session
// coordinator; all share the same envelope.
const (
	EventBlockStart         = "block:start"
	EventBlockDelta         = "block:delta"
	EventBlockUpdate        = "block:update"
	EventBlockComplete      = "block:complete"
	EventMetadataUpdate     = "metadata:update"
	EventTranscriptChanged  = "transcript:changed"
	EventTranscriptWritten  = "transcript:written"
	EventFileCreated        = "file:created"
	EventFileModified       = "file:modified"
	EventFileDeleted        = "file:deleted"
	EventSubagentDiscovered = "subagent:discovered"
	EventSubagentCompleted  = "subagent:completed"
	EventOptionsUpdate      = "options:update"
	EventStatusChanged      = "status:changed"
	EventError              = "error"
	EventLog                = "log"
	EventScriptOutput       = "script-output"
)

// ConversationMain is the context.conversationId value for the main thread.
const ConversationMain = "main"

// EventContext carries routing metadata alongside an event payload. The
// execution environment fills in SessionID before bus emission.
type EventContext struct {
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Source         string `json:"source,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Event is the uniform envelope for everything that flows over a session
// bus. Payload stays raw JSON end-to-end so unknown event types pass through
// the broadcast path transparently.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Context EventContext    `json:"context,omitempty"`
}

// NewEvent builds an event with the given payload, which must be JSON
// encodable.
func NewEvent(eventType string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return &Event{
		Type:    eventType,
		Payload: data,
		Context: EventContext{Timestamp: time.Now().UTC().Format(time.RFC3339Nano)},
	}, nil
}

// MustEvent is NewEvent for payload types that cannot fail to encode.
func MustEvent(eventType string, payload any) *Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}
