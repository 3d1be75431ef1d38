// Package conversation defines the architecture-independent block model that
// every agent transcript is converted into, together with the canonical
// transcript envelope used at persistence boundaries.
package conversation

import "time"

// BlockType identifies the variant of a conversation block.
type BlockType string

const (
	BlockTypeUserMessage   BlockType = "user_message"
	BlockTypeAssistantText BlockType = "assistant_text"
	BlockTypeToolUse       BlockType = "tool_use"
	BlockTypeToolResult    BlockType = "tool_result"
	BlockTypeThinking      BlockType = "thinking"
	BlockTypeSystem        BlockType = "system"
	BlockTypeSubagent      BlockType = "subagent"
	BlockTypeError         BlockType = "error"
)

// ToolStatus is the lifecycle state of a tool_use or subagent block.
// Once a block reaches a terminal status (success/error) it must not be
// mutated further.
type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusRunning ToolStatus = "running"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// IsTerminal reports whether the status permits no further mutations.
func (s ToolStatus) IsTerminal() bool {
	return s == ToolStatusSuccess || s == ToolStatusError
}

// SystemSubtype classifies system blocks.
type SystemSubtype string

const (
	SystemSubtypeSessionStart SystemSubtype = "session_start"
	SystemSubtypeSessionEnd   SystemSubtype = "session_end"
	SystemSubtypeError        SystemSubtype = "error"
	SystemSubtypeStatus       SystemSubtype = "status"
	SystemSubtypeHookResponse SystemSubtype = "hook_response"
	SystemSubtypeAuthStatus   SystemSubtype = "auth_status"
	SystemSubtypeLog          SystemSubtype = "log"
)

// Block is the atomic unit of conversational content. The Type field
// determines which variant fields are populated; unused fields are omitted
// from the JSON encoding.
type Block struct {
	ID        string    `json:"id"`
	Type      BlockType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// user_message, assistant_text, thinking
	Content string `json:"content,omitempty"`

	// assistant_text
	Model string `json:"model,omitempty"`

	// thinking
	Summary string `json:"summary,omitempty"`

	// tool_use
	ToolName    string         `json:"toolName,omitempty"`
	ToolUseID   string         `json:"toolUseId,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Status      ToolStatus     `json:"status,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Description string         `json:"description,omitempty"`

	// tool_result
	Output     string `json:"output,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	DurationMs *int64 `json:"durationMs,omitempty"`

	// system
	Subtype  SystemSubtype  `json:"subtype,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// subagent
	SubagentID string `json:"subagentId,omitempty"`
	Name       string `json:"name,omitempty"`

	// error
	Code string `json:"code,omitempty"`
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	out := *b
	if b.Input != nil {
		out.Input = cloneMap(b.Input)
	}
	if b.Metadata != nil {
		out.Metadata = cloneMap(b.Metadata)
	}
	if b.DurationMs != nil {
		d := *b.DurationMs
		out.DurationMs = &d
	}
	return &out
}

// CloneBlocks deep-copies a slice of blocks.
func CloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i := range blocks {
		out[i] = *blocks[i].Clone()
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneMap(val)
		case []any:
			out[k] = cloneSlice(val)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			out[i] = cloneMap(val)
		case []any:
			out[i] = cloneSlice(val)
		default:
			out[i] = v
		}
	}
	return out
}

// SubagentThread is a sibling conversation referenced by a subagent block on
// the main thread. Subagent threads do not nest.
type SubagentThread struct {
	ID     string  `json:"id"`
	Blocks []Block `json:"blocks"`
}

// ParseResult is the output of a transcript parse: the main thread plus any
// subagent threads.
type ParseResult struct {
	Blocks    []Block          `json:"blocks"`
	Subagents []SubagentThread `json:"subagents"`
}

// Clone deep-copies the parse result.
func (r *ParseResult) Clone() *ParseResult {
	if r == nil {
		return nil
	}
	out := &ParseResult{
		Blocks:    CloneBlocks(r.Blocks),
		Subagents: make([]SubagentThread, len(r.Subagents)),
	}
	for i, sub := range r.Subagents {
		out.Subagents[i] = SubagentThread{ID: sub.ID, Blocks: CloneBlocks(sub.Blocks)}
	}
	return out
}

// WorkspaceFile is a file in the session workspace. Paths are relative and
// POSIX-separated. A nil Content means the file was deleted or unreadable.
type WorkspaceFile struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
}

// CloneWorkspaceFiles deep-copies a slice of workspace files.
func CloneWorkspaceFiles(files []WorkspaceFile) []WorkspaceFile {
	if files == nil {
		return nil
	}
	out := make([]WorkspaceFile, len(files))
	for i, f := range files {
		out[i] = WorkspaceFile{Path: f.Path}
		if f.Content != nil {
			content := *f.Content
			out[i].Content = &content
		}
	}
	return out
}
