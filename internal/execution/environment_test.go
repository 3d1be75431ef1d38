package execution

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/environment"
	"github.com/agentdeck/agentdeck/internal/runner"
)

// busRecorder captures emitted events in order.
type busRecorder struct {
	mu     sync.Mutex
	events []*runner.Event
}

func (r *busRecorder) Emit(ev *runner.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *busRecorder) snapshot() []*runner.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*runner.Event(nil), r.events...)
}

func (r *busRecorder) types() []string {
	var types []string
	for _, ev := range r.snapshot() {
		types = append(types, ev.Type)
	}
	return types
}

// defaultRunnerScript is a stand-in runner whose first argument selects the
// subcommand, mirroring the real bundle's stdio protocol.
const defaultRunnerScript = `#!/bin/sh
cat > /dev/null
case "$1" in
load-agent-profile)
  printf '%s\n' '{"type":"script-output","payload":{"success":true}}'
  ;;
load-session-transcript)
  printf '%s\n' '{"type":"script-output","payload":{"success":true}}'
  ;;
execute-query)
  printf '%s\n' '{"type":"block:start","payload":{"block":{"id":"T1","type":"assistant_text","content":""}}}'
  printf '%s\n' '{"type":"block:delta","payload":{"blockId":"T1","delta":"Hi"}}'
  printf '%s\n' '{"type":"log","payload":{"level":"info","message":"working"}}'
  printf '%s\n' '{"type":"block:complete","payload":{"blockId":"T1","block":{"id":"T1","type":"assistant_text","content":"Hi"}}}'
  ;;
read-session-transcript)
  printf '%s\n' '{"type":"script-output","payload":{"success":true,"data":"{\"main\":\"{}\"}"}}'
  ;;
esac
`

func writeBundle(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runner.js"), []byte(script), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"runner"}`), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "adapter"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "adapter", "index.js"), []byte("// adapter"), 0o644))
	return dir
}

func newTestEnvironment(t *testing.T, script string, arch conversation.Architecture) (*Environment, *busRecorder, string) {
	t.Helper()
	root := t.TempDir()
	log := logger.Default()

	primitive, err := environment.NewLocalPrimitive(root, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = primitive.Terminate(context.Background()) })

	rec := &busRecorder{}
	env, err := New(context.Background(), primitive, Options{
		SessionID:         "sess-1",
		Architecture:      arch,
		Runtime:           "sh",
		BundleDir:         writeBundle(t, script),
		BaseWorkspacePath: filepath.Join(root, "workspace"),
	}, rec, log)
	require.NoError(t, err)
	return env, rec, root
}

func TestNew_InstallsRunnerAssets(t *testing.T) {
	_, _, root := newTestEnvironment(t, defaultRunnerScript, conversation.ArchitectureClaude)

	_, err := os.Stat(filepath.Join(root, "app", "runner.js"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "app", "package.json"))
	require.NoError(t, err)

	// The adapter bundle only ships for the part-based architecture.
	_, err = os.Stat(filepath.Join(root, "app", "adapter", "index.js"))
	assert.True(t, os.IsNotExist(err))
}

func TestNew_InstallsAdapterForOpenCode(t *testing.T) {
	_, _, root := newTestEnvironment(t, defaultRunnerScript, conversation.ArchitectureOpenCode)

	_, err := os.Stat(filepath.Join(root, "app", "adapter", "index.js"))
	require.NoError(t, err)
}

func TestPrepareSession_WritesWorkspaceAndLoadsProfile(t *testing.T) {
	env, rec, root := newTestEnvironment(t, defaultRunnerScript, conversation.ArchitectureClaude)

	err := env.PrepareSession(context.Background(), PrepareInput{
		WorkspaceFiles: []environment.FileContent{{Path: "main.go", Content: "package main"}},
		AgentProfile:   map[string]any{"id": "p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, env.Status())

	data, err := os.ReadFile(filepath.Join(root, "workspace", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))

	// No transcript restore, so nothing was announced.
	assert.Empty(t, rec.snapshot())
}

func TestPrepareSession_RestoresTranscript(t *testing.T) {
	env, rec, _ := newTestEnvironment(t, defaultRunnerScript, conversation.ArchitectureClaude)

	err := env.PrepareSession(context.Background(), PrepareInput{
		AgentProfile: map[string]any{"id": "p1"},
		Transcript:   `{"main":"{}"}`,
	})
	require.NoError(t, err)

	require.Len(t, rec.snapshot(), 1)
	assert.Equal(t, runner.EventTranscriptWritten, rec.snapshot()[0].Type)
	assert.Equal(t, "sess-1", rec.snapshot()[0].Context.SessionID)
}

func TestPrepareSession_ProfileFailure(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
printf '%s\n' '{"type":"script-output","payload":{"success":false,"error":"bad profile"}}'
`
	env, _, _ := newTestEnvironment(t, script, conversation.ArchitectureClaude)

	err := env.PrepareSession(context.Background(), PrepareInput{AgentProfile: map[string]any{}})
	require.Error(t, err)

	var runErr *RunnerExecutionError
	require.ErrorAs(t, err, &runErr)
	assert.Contains(t, runErr.Error(), "bad profile")
}

func TestPrepareSession_NonZeroExit(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
exit 2
`
	env, _, _ := newTestEnvironment(t, script, conversation.ArchitectureClaude)

	err := env.PrepareSession(context.Background(), PrepareInput{AgentProfile: map[string]any{}})
	var runErr *RunnerExecutionError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, 2, runErr.ExitCode)
}

func TestExecuteQuery_StreamsEventsAndReadsTranscript(t *testing.T) {
	env, rec, _ := newTestEnvironment(t, defaultRunnerScript, conversation.ArchitectureClaude)

	err := env.ExecuteQuery(context.Background(), "Say hi")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, env.Status())

	// The log event is consumed by the parser and never reaches the bus.
	assert.Equal(t, []string{
		runner.EventBlockStart,
		runner.EventBlockDelta,
		runner.EventBlockComplete,
		runner.EventTranscriptChanged,
	}, rec.types())

	for _, ev := range rec.snapshot() {
		assert.Equal(t, "sess-1", ev.Context.SessionID)
	}

	var payload runner.TranscriptChangedPayload
	last := rec.snapshot()[len(rec.snapshot())-1]
	require.NoError(t, last.DecodePayload(&payload))
	assert.Equal(t, `{"main":"{}"}`, payload.Content)
}

func TestExecuteQuery_TranscriptReadFailureEmitsError(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
case "$1" in
execute-query)
  printf '%s\n' '{"type":"block:start","payload":{"block":{"id":"T1","type":"assistant_text"}}}'
  ;;
read-session-transcript)
  printf '%s\n' '{"type":"script-output","payload":{"success":false,"error":"gone"}}'
  ;;
esac
`
	env, rec, _ := newTestEnvironment(t, script, conversation.ArchitectureClaude)

	err := env.ExecuteQuery(context.Background(), "hi")
	require.NoError(t, err, "a failed transcript read must not fail the query")

	types := rec.types()
	require.Len(t, types, 2)
	assert.Equal(t, runner.EventError, types[1])

	var payload runner.ErrorPayload
	require.NoError(t, rec.snapshot()[1].DecodePayload(&payload))
	assert.Equal(t, CodeTranscriptFetchFailed, payload.Code)
}

func TestExecuteQuery_RunnerExitFailure(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
case "$1" in
execute-query)
  exit 1
  ;;
read-session-transcript)
  printf '%s\n' '{"type":"script-output","payload":{"success":true}}'
  ;;
esac
`
	env, _, _ := newTestEnvironment(t, script, conversation.ArchitectureClaude)

	err := env.ExecuteQuery(context.Background(), "hi")
	var runErr *RunnerExecutionError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, StatusError, env.Status())
}

func TestExecuteQuery_SkipsMalformedLines(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
case "$1" in
execute-query)
  printf '%s\n' 'not json at all'
  printf '%s\n' '{"type":"block:start","payload":{"block":{"id":"T1","type":"assistant_text"}}}'
  ;;
read-session-transcript)
  printf '%s\n' '{"type":"script-output","payload":{"success":true,"data":"{\"main\":\"\"}"}}'
  ;;
esac
`
	env, rec, _ := newTestEnvironment(t, script, conversation.ArchitectureClaude)

	require.NoError(t, env.ExecuteQuery(context.Background(), "hi"))
	assert.Contains(t, rec.types(), runner.EventBlockStart)
}

func TestWatcher_EmitsFileEvents(t *testing.T) {
	env, rec, root := newTestEnvironment(t, defaultRunnerScript, conversation.ArchitectureClaude)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workspace"), 0o755))
	require.NoError(t, env.StartWatcher())

	require.NoError(t, os.WriteFile(filepath.Join(root, "workspace", "new.txt"), []byte("content"), 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range rec.snapshot() {
			if ev.Type == runner.EventFileCreated {
				var payload runner.FilePayload
				require.NoError(t, ev.DecodePayload(&payload))
				assert.Equal(t, "new.txt", payload.File.Path)
				require.NotNil(t, payload.File.Content)
				assert.Equal(t, "content", *payload.File.Content)
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no file:created event observed, got %v", rec.types())
}

func TestListWorkspaceFiles_SkipsDotPrefixed(t *testing.T) {
	env, _, root := newTestEnvironment(t, defaultRunnerScript, conversation.ArchitectureClaude)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workspace", ".claude"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workspace", ".claude", "settings.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "workspace", "app.go"), []byte("package app"), 0o644))

	files, err := env.ListWorkspaceFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "app.go", files[0].Path)
	require.NotNil(t, files[0].Content)
	assert.Equal(t, "package app", *files[0].Content)
}

func TestCleanup_FailsSubsequentOperations(t *testing.T) {
	env, _, _ := newTestEnvironment(t, defaultRunnerScript, conversation.ArchitectureClaude)

	require.NoError(t, env.Cleanup(context.Background()))
	assert.Equal(t, StatusTerminated, env.Status())
	assert.False(t, env.Healthy())

	err := env.ExecuteQuery(context.Background(), "hi")
	require.Error(t, err)
}
