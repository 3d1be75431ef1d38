package runner

import (
	"encoding/json"

	"github.com/agentdeck/agentdeck/internal/conversation"
)

// BlockStartPayload opens a new block; the block content may still be empty.
type BlockStartPayload struct {
	Block conversation.Block `json:"block"`
}

// BlockDeltaPayload appends text to an open text or thinking block.
type BlockDeltaPayload struct {
	BlockID string `json:"blockId"`
	Delta   string `json:"delta"`
}

// BlockUpdatePayload overlays partial block fields onto an open block.
// Updates is kept raw so only the fields present in the JSON are applied.
type BlockUpdatePayload struct {
	BlockID string          `json:"blockId"`
	Updates json.RawMessage `json:"updates"`
}

// BlockCompletePayload finalizes a block with its terminal contents.
type BlockCompletePayload struct {
	BlockID string             `json:"blockId"`
	Block   conversation.Block `json:"block"`
}

// UsageStats is token accounting reported by the runner.
type UsageStats struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CacheRead    int64 `json:"cacheRead,omitempty"`
	CacheWrite   int64 `json:"cacheWrite,omitempty"`
	Thinking     int64 `json:"thinking,omitempty"`
	Total        int64 `json:"total"`
}

// MetadataUpdatePayload reports usage and cost at turn boundaries.
type MetadataUpdatePayload struct {
	Usage   UsageStats `json:"usage"`
	CostUSD float64    `json:"costUSD,omitempty"`
	Model   string     `json:"model,omitempty"`
}

// TranscriptChangedPayload carries the canonical transcript envelope string
// read after a query completes.
type TranscriptChangedPayload struct {
	Content string `json:"content"`
}

// FilePayload carries a created or modified workspace file with its content.
type FilePayload struct {
	File conversation.WorkspaceFile `json:"file"`
}

// FileDeletedPayload identifies a removed workspace file.
type FileDeletedPayload struct {
	Path string `json:"path"`
}

// SubagentRef identifies a subagent thread.
type SubagentRef struct {
	ID string `json:"id"`
}

// SubagentDiscoveredPayload announces a new subagent thread.
type SubagentDiscoveredPayload struct {
	Subagent SubagentRef `json:"subagent"`
}

// SubagentCompletedPayload reports a subagent thread reaching a terminal
// status.
type SubagentCompletedPayload struct {
	SubagentID string                  `json:"subagentId"`
	Status     conversation.ToolStatus `json:"status"`
}

// ErrorPayload reports a recoverable or fatal error on the bus.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// LogPayload is a structured log line from the runner. Consumed by the
// stream parser and forwarded to the server log, never yielded downstream.
type LogPayload struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ScriptOutputPayload is the terminal event of the runner helper scripts.
type ScriptOutputPayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}
