// Package claudecode provides types for the Claude Code SDK transcript
// format: line-delimited JSON records, one conversation thread per blob.
package claudecode

import "encoding/json"

// Record types found in a transcript.
const (
	RecordTypeUser      = "user"
	RecordTypeAssistant = "assistant"
	RecordTypeSystem    = "system"
	RecordTypeResult    = "result"
)

// System record subtypes.
const (
	SubtypeInit            = "init"
	SubtypeStatus          = "status"
	SubtypeHookResponse    = "hook_response"
	SubtypeCompactBoundary = "compact_boundary"
)

// Content part types inside user/assistant messages.
const (
	PartTypeText       = "text"
	PartTypeThinking   = "thinking"
	PartTypeToolUse    = "tool_use"
	PartTypeToolResult = "tool_result"
)

// Subagent completion statuses recorded on parent tool results.
const (
	SubagentStatusCompleted = "completed"
	SubagentStatusFailed    = "failed"
)

// Record is one line of a Claude Code transcript. The record type determines
// which fields are populated.
type Record struct {
	Type      string `json:"type"`
	UUID      string `json:"uuid,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// For user and assistant records
	Message *Message `json:"message,omitempty"`

	// Subagent metadata attached to user records that carry the results of a
	// Task tool invocation.
	Subagent *SubagentInfo `json:"subagent,omitempty"`

	// For system records
	Subtype string   `json:"subtype,omitempty"`
	Model   string   `json:"model,omitempty"`
	Tools   []string `json:"tools,omitempty"`

	// For result records
	IsError    bool    `json:"is_error,omitempty"`
	Result     string  `json:"result,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// Message holds the role and content of a user or assistant record. Content
// is either a plain string or an array of content parts.
type Message struct {
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// TextContent returns the content as a plain string, or "" if the content is
// a part array.
func (m *Message) TextContent() (string, bool) {
	if len(m.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Parts returns the content as a part array, or nil if the content is a
// plain string.
func (m *Message) Parts() ([]ContentPart, bool) {
	if len(m.Content) == 0 {
		return nil, false
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return nil, false
	}
	return parts, true
}

// ContentPart is a single item in a message content array.
type ContentPart struct {
	Type string `json:"type"`

	// For text parts
	Text string `json:"text,omitempty"`

	// For thinking parts
	Thinking string `json:"thinking,omitempty"`

	// For tool_use parts
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result parts. Content is either a string or an array of
	// nested text parts.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result part's content into a single string by
// concatenating its text parts.
func (p *ContentPart) ResultText() string {
	if len(p.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Content, &s); err == nil {
		return s
	}
	var nested []ContentPart
	if err := json.Unmarshal(p.Content, &nested); err != nil {
		return ""
	}
	out := ""
	for _, n := range nested {
		if n.Type == PartTypeText {
			out += n.Text
		}
	}
	return out
}

// SubagentInfo describes the subagent a user record's tool results belong to.
type SubagentInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}
