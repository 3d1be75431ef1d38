package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "agentdeck.db"),
	})
	require.NoError(t, err)

	store, err := New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestStore_SessionRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateSessionRecord(ctx, storage.SessionRecord{
		ID:             "s1",
		Architecture:   conversation.ArchitectureOpenCode,
		AgentProfileID: "p1",
		Name:           "demo",
		Options:        json.RawMessage(`{"model":"gpt-5"}`),
		CreatedAt:      created,
	}))

	snapshot, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", snapshot.ID)
	assert.Equal(t, conversation.ArchitectureOpenCode, snapshot.Architecture)
	assert.Equal(t, "p1", snapshot.AgentProfileID)
	assert.Equal(t, "demo", snapshot.Name)
	assert.JSONEq(t, `{"model":"gpt-5"}`, string(snapshot.Options))
	assert.True(t, snapshot.CreatedAt.Equal(created))
	assert.Nil(t, snapshot.LastActivity)
	assert.Empty(t, snapshot.RawTranscript)
}

func TestStore_LoadMissingSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadSession(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_UpdateSessionRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSessionRecord(ctx, storage.SessionRecord{ID: "s1", CreatedAt: time.Now()}))

	activity := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateSessionRecord(ctx, "s1", storage.SessionUpdate{
		Name:         strPtr("renamed"),
		Options:      json.RawMessage(`{"model":"haiku"}`),
		LastActivity: &activity,
	}))

	snapshot, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", snapshot.Name)
	assert.JSONEq(t, `{"model":"haiku"}`, string(snapshot.Options))
	require.NotNil(t, snapshot.LastActivity)
	assert.True(t, snapshot.LastActivity.Equal(activity))

	err = store.UpdateSessionRecord(ctx, "missing", storage.SessionUpdate{Name: strPtr("x")})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// An empty update is a no-op, not an error.
	require.NoError(t, store.UpdateSessionRecord(ctx, "s1", storage.SessionUpdate{}))
}

func TestStore_Transcript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSessionRecord(ctx, storage.SessionRecord{ID: "s1", CreatedAt: time.Now()}))

	envelope := `{"main":"{\"messages\":[]}","subagents":[]}`
	require.NoError(t, store.SaveTranscript(ctx, "s1", envelope))

	snapshot, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, envelope, snapshot.RawTranscript)

	err = store.SaveTranscript(ctx, "missing", envelope)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_WorkspaceFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSessionRecord(ctx, storage.SessionRecord{ID: "s1", CreatedAt: time.Now()}))

	require.NoError(t, store.SaveWorkspaceFile(ctx, "s1", conversation.WorkspaceFile{Path: "main.go", Content: strPtr("v1")}))
	require.NoError(t, store.SaveWorkspaceFile(ctx, "s1", conversation.WorkspaceFile{Path: "main.go", Content: strPtr("v2")}))
	require.NoError(t, store.SaveWorkspaceFile(ctx, "s1", conversation.WorkspaceFile{Path: "go.mod", Content: strPtr("module x")}))

	snapshot, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, snapshot.WorkspaceFiles, 2)
	assert.Equal(t, "go.mod", snapshot.WorkspaceFiles[0].Path)
	assert.Equal(t, "v2", *snapshot.WorkspaceFiles[1].Content)

	require.NoError(t, store.DeleteSessionFile(ctx, "s1", "main.go"))
	require.NoError(t, store.DeleteSessionFile(ctx, "s1", "main.go"), "deleting a missing file is not an error")

	snapshot, err = store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, snapshot.WorkspaceFiles, 1)
}

func TestStore_AgentProfiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	profile := storage.AgentProfile{
		ID:           "p1",
		Name:         "General",
		Architecture: conversation.ArchitectureClaude,
		Description:  "default profile",
		Manifest:     json.RawMessage(`{"skills":["read"]}`),
	}
	require.NoError(t, store.SaveAgentProfile(ctx, profile))

	// Upsert replaces the manifest.
	profile.Manifest = json.RawMessage(`{"skills":["read","write"]}`)
	require.NoError(t, store.SaveAgentProfile(ctx, profile))

	loaded, err := store.LoadAgentProfile(ctx, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"skills":["read","write"]}`, string(loaded.Manifest))

	profiles, err := store.ListAgentProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
}

func TestStore_ListAllSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateSessionRecord(ctx, storage.SessionRecord{ID: "old", CreatedAt: base}))
	require.NoError(t, store.CreateSessionRecord(ctx, storage.SessionRecord{ID: "new", CreatedAt: base.Add(time.Hour)}))

	records, err := store.ListAllSessions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0].ID)
}
