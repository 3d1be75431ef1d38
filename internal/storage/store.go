package storage

import (
	"context"

	"github.com/agentdeck/agentdeck/internal/conversation"
)

// Store is the persistence adapter contract. All calls may fail; the session
// layer logs and reconciles via periodic full syncs rather than retrying.
type Store interface {
	// ListAllSessions returns every persisted session record.
	ListAllSessions(ctx context.Context) ([]SessionRecord, error)

	// LoadSession returns the full snapshot for one session, or ErrNotFound.
	LoadSession(ctx context.Context, id string) (*SessionSnapshot, error)

	// CreateSessionRecord persists a new session record.
	CreateSessionRecord(ctx context.Context, record SessionRecord) error

	// UpdateSessionRecord applies a partial update, or ErrNotFound.
	UpdateSessionRecord(ctx context.Context, id string, update SessionUpdate) error

	// SaveTranscript stores the canonical transcript envelope string.
	SaveTranscript(ctx context.Context, sessionID, rawEnvelope string) error

	// SaveWorkspaceFile upserts one workspace file. A nil content removes it.
	SaveWorkspaceFile(ctx context.Context, sessionID string, file conversation.WorkspaceFile) error

	// DeleteSessionFile removes one workspace file; missing files are not an
	// error.
	DeleteSessionFile(ctx context.Context, sessionID, path string) error

	// ListAgentProfiles returns every known agent profile.
	ListAgentProfiles(ctx context.Context) ([]AgentProfile, error)

	// LoadAgentProfile returns one agent profile, or ErrNotFound.
	LoadAgentProfile(ctx context.Context, id string) (*AgentProfile, error)

	// SaveAgentProfile upserts an agent profile.
	SaveAgentProfile(ctx context.Context, profile AgentProfile) error

	// Close releases the store's resources.
	Close() error
}
