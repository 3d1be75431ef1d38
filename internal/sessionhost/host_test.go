package sessionhost

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/storage"
)

const testProfileID = "profile-default"

const hostRunnerScript = `#!/bin/sh
cat > /dev/null
case "$1" in
load-agent-profile)
  printf '%s\n' '{"type":"script-output","payload":{"success":true}}'
  ;;
load-session-transcript)
  printf '%s\n' '{"type":"script-output","payload":{"success":true}}'
  ;;
execute-query)
  printf '%s\n' '{"type":"block:start","payload":{"block":{"id":"T1","type":"assistant_text","content":"Hi"}}}'
  printf '%s\n' '{"type":"block:complete","payload":{"blockId":"T1","block":{"id":"T1","type":"assistant_text","content":"Hi"}}}'
  ;;
read-session-transcript)
  printf '%s\n' '{"type":"script-output","payload":{"success":true,"data":"{\"main\":\"\"}"}}'
  ;;
esac
`

type nopHub struct{}

func (nopHub) Broadcast(roomKey, eventName string, event any) {}

type subjectCollector struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *subjectCollector) handler(ctx context.Context, event *bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *subjectCollector) waitFor(t *testing.T, count int) []*bus.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.events)
		c.mu.Unlock()
		if n >= count {
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]*bus.Event(nil), c.events...)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", count)
	return nil
}

func newTestHost(t *testing.T) (*Host, *storage.MemoryStore, *bus.MemoryEventBus) {
	t.Helper()

	bundleDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "runner.js"), []byte(hostRunnerScript), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "package.json"), []byte(`{"name":"runner"}`), 0o644))

	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveAgentProfile(context.Background(), storage.AgentProfile{
		ID:           testProfileID,
		Name:         "General Purpose",
		Architecture: conversation.ArchitectureClaude,
		Manifest:     json.RawMessage(`{}`),
	}))

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	cfg := &config.Config{
		Runner: config.RunnerConfig{
			Runtime:         "sh",
			BundleDir:       bundleDir,
			SessionBasePath: t.TempDir(),
		},
		Session: config.SessionConfig{SyncInterval: 3600, HealthInterval: 3600},
	}

	host := New(cfg, store, nopHub{}, eventBus, logger.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = host.Close(ctx)
	})
	return host, store, eventBus
}

func createTestSession(t *testing.T, host *Host) *session.AgentSession {
	t.Helper()
	s, err := host.CreateSession(context.Background(), session.CreateArgs{
		AgentProfileID: testProfileID,
		Architecture:   conversation.ArchitectureClaude,
		Name:           "host test",
	})
	require.NoError(t, err)
	return s
}

func TestHost_CreateAndGet(t *testing.T) {
	host, _, eventBus := newTestHost(t)

	changed := &subjectCollector{}
	_, err := eventBus.Subscribe(events.SessionsChanged, changed.handler)
	require.NoError(t, err)

	s := createTestSession(t, host)

	got, ok := host.GetSession(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	published := changed.waitFor(t, 1)
	assert.Equal(t, "created", published[0].Data["reason"])
	assert.Equal(t, s.ID(), published[0].Data["sessionId"])
}

func TestHost_LoadSessionIdempotent(t *testing.T) {
	host, store, _ := newTestHost(t)

	s := createTestSession(t, host)

	loaded, err := host.LoadSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Same(t, s, loaded)

	// A persisted but unloaded session gets restored once.
	require.NoError(t, host.UnloadSession(context.Background(), s.ID()))
	_, err = store.LoadSession(context.Background(), s.ID())
	require.NoError(t, err, "unload keeps the persisted snapshot")

	first, err := host.LoadSession(context.Background(), s.ID())
	require.NoError(t, err)
	second, err := host.LoadSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestHost_LoadSessionUnknown(t *testing.T) {
	host, _, _ := newTestHost(t)

	_, err := host.LoadSession(context.Background(), "nope")
	var notFound *session.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestHost_UnloadSession(t *testing.T) {
	host, _, eventBus := newTestHost(t)

	changed := &subjectCollector{}
	_, err := eventBus.Subscribe(events.SessionsChanged, changed.handler)
	require.NoError(t, err)

	s := createTestSession(t, host)
	require.NoError(t, host.UnloadSession(context.Background(), s.ID()))

	_, ok := host.GetSession(s.ID())
	assert.False(t, ok)

	published := changed.waitFor(t, 2)
	assert.Equal(t, "unloaded", published[1].Data["reason"])

	// Unloading an unknown session is an error; unloading an already
	// unloaded one is not.
	var notFound *session.NotFoundError
	require.ErrorAs(t, host.UnloadSession(context.Background(), "nope"), &notFound)
	require.NoError(t, host.UnloadSession(context.Background(), s.ID()))
}

func TestHost_ListAllSessionsMergesRuntime(t *testing.T) {
	host, _, _ := newTestHost(t)

	loaded := createTestSession(t, host)
	unloaded := createTestSession(t, host)
	require.NoError(t, host.UnloadSession(context.Background(), unloaded.ID()))

	summaries, err := host.ListAllSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[string]SessionSummary{}
	for _, s := range summaries {
		byID[s.ID] = s
	}
	assert.True(t, byID[loaded.ID()].Runtime.IsLoaded)
	assert.False(t, byID[unloaded.ID()].Runtime.IsLoaded)
}

func TestHost_SendMessagePublishesStatus(t *testing.T) {
	host, _, eventBus := newTestHost(t)

	s := createTestSession(t, host)

	status := &subjectCollector{}
	_, err := eventBus.Subscribe(events.BuildSessionStatusSubject(s.ID()), status.handler)
	require.NoError(t, err)

	require.NoError(t, host.SendMessage(context.Background(), s.ID(), "hello"))

	published := status.waitFor(t, 1)
	assert.Equal(t, s.ID(), published[0].Data["sessionId"])
	assert.NotNil(t, published[0].Data["runtime"])
}

func TestHost_UpdateOptionsLoadsOnDemand(t *testing.T) {
	host, _, _ := newTestHost(t)

	s := createTestSession(t, host)
	require.NoError(t, host.UnloadSession(context.Background(), s.ID()))

	require.NoError(t, host.UpdateSessionOptions(context.Background(), s.ID(), json.RawMessage(`{"model":"haiku"}`)))

	reloaded, ok := host.GetSession(s.ID())
	require.True(t, ok)
	assert.JSONEq(t, `{"model":"haiku"}`, string(reloaded.GetPersistedListData().Options))
}

func TestHost_TerminateEnvironmentRequiresLoadedSession(t *testing.T) {
	host, _, _ := newTestHost(t)

	s := createTestSession(t, host)
	require.NoError(t, host.SendMessage(context.Background(), s.ID(), "hello"))
	require.NoError(t, host.TerminateEnvironment(context.Background(), s.ID()))

	var notFound *session.NotFoundError
	require.ErrorAs(t, host.TerminateEnvironment(context.Background(), "nope"), &notFound)
}

func TestHost_CloseDestroysLoadedSessions(t *testing.T) {
	host, _, _ := newTestHost(t)

	s := createTestSession(t, host)
	require.NoError(t, host.Close(context.Background()))

	_, ok := host.GetSession(s.ID())
	assert.False(t, ok)

	_, err := host.LoadSession(context.Background(), s.ID())
	require.Error(t, err)

	assert.ErrorIs(t, s.SendMessage(context.Background(), "late"), session.ErrSessionDestroyed)
}
