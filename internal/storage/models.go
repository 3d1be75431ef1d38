// Package storage defines the persistence adapter for sessions and agent
// profiles. Implementations are asynchronous-safe CRUD stores; callers treat
// every call as fallible.
package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/agentdeck/agentdeck/internal/conversation"
)

// ErrNotFound is returned when a session or agent profile does not exist.
var ErrNotFound = errors.New("not found")

// SessionRecord is the persisted session row. Derived blocks and runtime
// state are never persisted; blocks are recomputed from the raw transcript.
type SessionRecord struct {
	ID             string                    `json:"sessionId"`
	Architecture   conversation.Architecture `json:"architecture"`
	AgentProfileID string                    `json:"agentProfileId"`
	Name           string                    `json:"name,omitempty"`
	Options        json.RawMessage           `json:"sessionOptions,omitempty"`
	Metadata       json.RawMessage           `json:"metadata,omitempty"`
	CreatedAt      time.Time                 `json:"createdAt"`
	LastActivity   *time.Time                `json:"lastActivity,omitempty"`
}

// SessionSnapshot is the full persisted state of one session.
type SessionSnapshot struct {
	SessionRecord
	RawTranscript  string                       `json:"rawTranscript,omitempty"`
	WorkspaceFiles []conversation.WorkspaceFile `json:"workspaceFiles"`
}

// SessionUpdate is a partial update of a session record; nil fields are left
// untouched.
type SessionUpdate struct {
	Name         *string
	Options      json.RawMessage
	Metadata     json.RawMessage
	LastActivity *time.Time
}

// AgentProfile is a persisted agent profile. Manifest is the complete profile
// document handed to the runner's load-agent-profile helper.
type AgentProfile struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Architecture conversation.Architecture `json:"architecture"`
	Description  string                    `json:"description,omitempty"`
	Manifest     json.RawMessage           `json:"manifest"`
}
