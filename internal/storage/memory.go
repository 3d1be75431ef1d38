package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/agentdeck/agentdeck/internal/conversation"
)

// MemoryStore is an in-memory Store used in tests and as a fallback when no
// database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionSnapshot
	profiles map[string]AgentProfile
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionSnapshot),
		profiles: make(map[string]AgentProfile),
	}
}

func (s *MemoryStore) ListAllSessions(ctx context.Context) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]SessionRecord, 0, len(s.sessions))
	for _, snapshot := range s.sessions {
		records = append(records, snapshot.SessionRecord)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (s *MemoryStore) LoadSession(ctx context.Context, id string) (*SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(snapshot), nil
}

func (s *MemoryStore) CreateSessionRecord(ctx context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[record.ID] = &SessionSnapshot{SessionRecord: record}
	return nil
}

func (s *MemoryStore) UpdateSessionRecord(ctx context.Context, id string, update SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if update.Name != nil {
		snapshot.Name = *update.Name
	}
	if update.Options != nil {
		snapshot.Options = update.Options
	}
	if update.Metadata != nil {
		snapshot.Metadata = update.Metadata
	}
	if update.LastActivity != nil {
		snapshot.LastActivity = update.LastActivity
	}
	return nil
}

func (s *MemoryStore) SaveTranscript(ctx context.Context, sessionID, rawEnvelope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	snapshot.RawTranscript = rawEnvelope
	return nil
}

func (s *MemoryStore) SaveWorkspaceFile(ctx context.Context, sessionID string, file conversation.WorkspaceFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if file.Content == nil {
		snapshot.WorkspaceFiles = removeFile(snapshot.WorkspaceFiles, file.Path)
		return nil
	}
	for i, existing := range snapshot.WorkspaceFiles {
		if existing.Path == file.Path {
			snapshot.WorkspaceFiles[i] = file
			return nil
		}
	}
	snapshot.WorkspaceFiles = append(snapshot.WorkspaceFiles, file)
	return nil
}

func (s *MemoryStore) DeleteSessionFile(ctx context.Context, sessionID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	snapshot.WorkspaceFiles = removeFile(snapshot.WorkspaceFiles, path)
	return nil
}

func (s *MemoryStore) ListAgentProfiles(ctx context.Context) ([]AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles := make([]AgentProfile, 0, len(s.profiles))
	for _, profile := range s.profiles {
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

func (s *MemoryStore) LoadAgentProfile(ctx context.Context, id string) (*AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &profile, nil
}

func (s *MemoryStore) SaveAgentProfile(ctx context.Context, profile AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[profile.ID] = profile
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func removeFile(files []conversation.WorkspaceFile, path string) []conversation.WorkspaceFile {
	out := files[:0]
	for _, f := range files {
		if f.Path != path {
			out = append(out, f)
		}
	}
	return out
}

func copySnapshot(snapshot *SessionSnapshot) *SessionSnapshot {
	out := &SessionSnapshot{
		SessionRecord: snapshot.SessionRecord,
		RawTranscript: snapshot.RawTranscript,
	}
	for _, f := range snapshot.WorkspaceFiles {
		file := conversation.WorkspaceFile{Path: f.Path}
		if f.Content != nil {
			content := *f.Content
			file.Content = &content
		}
		out.WorkspaceFiles = append(out.WorkspaceFiles, file)
	}
	return out
}
