// Package opencode provides types for the OpenCode session export format:
// a single JSON document holding every message with its typed parts.
package opencode

import "encoding/json"

// Part types inside a message.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeTool       = "tool"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
	PartTypeRetry      = "retry"
	PartTypeAgent      = "agent"
	PartTypeSubtask    = "subtask"
	PartTypeFile       = "file"
	PartTypeSnapshot   = "snapshot"
	PartTypePatch      = "patch"
	PartTypeCompaction = "compaction"
)

// Tool state statuses.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolTask is the tool name used for nested subagent invocations.
const ToolTask = "task"

// Export is the root of an OpenCode session export document.
type Export struct {
	Messages []Message `json:"messages"`
}

// Message pairs message info with its ordered parts.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// MessageInfo carries message-level metadata.
type MessageInfo struct {
	ID         string       `json:"id"`
	Role       string       `json:"role"`
	SessionID  string       `json:"sessionID,omitempty"`
	ModelID    string       `json:"modelID,omitempty"`
	ProviderID string       `json:"providerID,omitempty"`
	Time       *MessageTime `json:"time,omitempty"`
	Error      *MessageErr  `json:"error,omitempty"`
}

// MessageTime holds creation/completion timestamps in epoch milliseconds.
type MessageTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// MessageErr is an error attached to a message.
type MessageErr struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// Part is a single typed part of a message.
type Part struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	// For text and reasoning parts
	Text string `json:"text,omitempty"`

	// For tool parts
	CallID string     `json:"callID,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	// For retry parts
	Error *MessageErr `json:"error,omitempty"`

	// For agent/subtask parts
	Name   string `json:"name,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// ToolState describes the lifecycle of a tool invocation.
type ToolState struct {
	Status   string         `json:"status"`
	Input    map[string]any `json:"input,omitempty"`
	Output   string         `json:"output,omitempty"`
	Title    string         `json:"title,omitempty"`
	Error    string         `json:"error,omitempty"`
	Time     *ToolTime      `json:"time,omitempty"`
	Metadata *ToolMetadata  `json:"metadata,omitempty"`
}

// ToolTime holds start/end timestamps in epoch milliseconds.
type ToolTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// ToolMetadata carries tool-specific extras. Task tool invocations embed the
// nested subagent session ID and a summary of its messages.
type ToolMetadata struct {
	SessionID string          `json:"sessionId,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
}

// SummaryMessages decodes the nested subagent summary as messages.
func (m *ToolMetadata) SummaryMessages() ([]Message, error) {
	if len(m.Summary) == 0 {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal(m.Summary, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Terminal reports whether a tool state permits no further transitions.
func (s *ToolState) Terminal() bool {
	return s != nil && (s.Status == ToolStatusCompleted || s.Status == ToolStatusError)
}
