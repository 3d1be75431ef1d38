package runner

import "github.com/agentdeck/agentdeck/internal/conversation"

// Runner subcommands. Each is invoked as
// <runtime> app/runner.js <subcommand> with a single JSON document on stdin.
const (
	SubcommandLoadAgentProfile      = "load-agent-profile"
	SubcommandLoadSessionTranscript = "load-session-transcript"
	SubcommandExecuteQuery          = "execute-query"
	SubcommandReadSessionTranscript = "read-session-transcript"
)

// LoadAgentProfileInput is the stdin document for load-agent-profile.
type LoadAgentProfileInput struct {
	BaseWorkspacePath string                    `json:"baseWorkspacePath"`
	AgentProfile      any                       `json:"agentProfile"`
	ArchitectureType  conversation.Architecture `json:"architectureType"`
}

// LoadSessionTranscriptInput is the stdin document for load-session-transcript.
type LoadSessionTranscriptInput struct {
	BaseWorkspacePath string                    `json:"baseWorkspacePath"`
	SessionTranscript string                    `json:"sessionTranscript"`
	SessionID         string                    `json:"sessionId"`
	ArchitectureType  conversation.Architecture `json:"architectureType"`
}

// ExecuteQueryInput is the stdin document for execute-query.
type ExecuteQueryInput struct {
	Prompt            string                    `json:"prompt"`
	Architecture      conversation.Architecture `json:"architecture"`
	SessionID         string                    `json:"sessionId"`
	BaseWorkspacePath string                    `json:"baseWorkspacePath"`
	Model             string                    `json:"model,omitempty"`
}

// ReadSessionTranscriptInput is the stdin document for read-session-transcript.
type ReadSessionTranscriptInput struct {
	BaseWorkspacePath string                    `json:"baseWorkspacePath"`
	SessionID         string                    `json:"sessionId"`
	Architecture      conversation.Architecture `json:"architecture"`
}
