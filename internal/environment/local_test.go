package environment

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func newTestPrimitive(t *testing.T) *LocalPrimitive {
	t.Helper()
	p, err := NewLocalPrimitive(t.TempDir(), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Terminate(context.Background()) })
	return p
}

func TestLocalPrimitive_WriteAndReadFile(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()

	require.NoError(t, p.WriteFile(ctx, "workspace/nested/file.txt", "hello"))

	content, err := p.ReadFile(ctx, "workspace/nested/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestLocalPrimitive_ReadMissingFile(t *testing.T) {
	p := newTestPrimitive(t)

	_, err := p.ReadFile(context.Background(), "does/not/exist.txt")
	assert.Error(t, err)
}

func TestLocalPrimitive_RejectsPathEscape(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()

	_, err := p.ReadFile(ctx, "../outside.txt")
	assert.Error(t, err)

	err = p.WriteFile(ctx, "../../etc/passwd", "nope")
	assert.Error(t, err)
}

func TestLocalPrimitive_WriteFilesPartialSuccess(t *testing.T) {
	p := newTestPrimitive(t)

	result := p.WriteFiles(context.Background(), []FileContent{
		{Path: "a.txt", Content: "a"},
		{Path: "../escape.txt", Content: "x"},
		{Path: "b.txt", Content: "b"},
	})

	assert.Equal(t, []string{"a.txt", "b.txt"}, result.Success)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "../escape.txt", result.Failed[0].Path)
}

func TestLocalPrimitive_ListFiles(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()

	require.NoError(t, p.WriteFile(ctx, "workspace/a.go", "package a"))
	require.NoError(t, p.WriteFile(ctx, "workspace/sub/b.go", "package b"))
	require.NoError(t, p.WriteFile(ctx, "workspace/readme.md", "# hi"))

	all, err := p.ListFiles(ctx, "workspace", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "sub/b.go", "readme.md"}, all)

	goFiles, err := p.ListFiles(ctx, "workspace", "*.go")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "sub/b.go"}, goFiles)
}

func TestLocalPrimitive_ExecCapturesOutputAndExitCode(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()

	proc, err := p.Exec(ctx, []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, ExecOptions{})
	require.NoError(t, err)

	stdout, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	stderr, err := io.ReadAll(proc.Stderr())
	require.NoError(t, err)

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "out\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))
}

func TestLocalPrimitive_ExecOutputSurvivesFastExit(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()

	// The subprocess exits long before the caller starts reading. Reaping
	// must wait for Wait/Kill, or the pipe is torn down with data unread.
	proc, err := p.Exec(ctx, []string{"sh", "-c",
		`printf '%s\n' '{"type":"script-output","payload":{"success":true}}'`}, ExecOptions{})
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"script-output\",\"payload\":{\"success\":true}}\n", string(out))

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestLocalPrimitive_ExecStdin(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()

	proc, err := p.Exec(ctx, []string{"cat"}, ExecOptions{})
	require.NoError(t, err)

	_, err = proc.Stdin().Write([]byte("roundtrip"))
	require.NoError(t, err)
	require.NoError(t, proc.Stdin().Close())

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)

	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "roundtrip", string(out))
}

func TestLocalPrimitive_ExecUsesCwd(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()
	require.NoError(t, p.CreateDirectory(ctx, "workspace"))

	proc, err := p.Exec(ctx, []string{"pwd"}, ExecOptions{Cwd: "workspace"})
	require.NoError(t, err)

	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	_, err = proc.Wait(ctx)
	require.NoError(t, err)

	// Resolve symlinks so macOS /tmp vs /private/tmp both pass.
	want, err := filepath.EvalSymlinks(filepath.Join(p.Root(), "workspace"))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(string(out[:len(out)-1]))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLocalPrimitive_TerminateFailsFutureOperations(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()

	require.NoError(t, p.Terminate(ctx))
	require.NoError(t, p.Terminate(ctx), "terminate must be idempotent")

	assert.False(t, p.IsRunning())
	require.NotNil(t, p.Poll())
	assert.Equal(t, 0, *p.Poll())

	_, err := p.ReadFile(ctx, "x.txt")
	assert.ErrorIs(t, err, ErrTerminated)
	err = p.WriteFile(ctx, "x.txt", "y")
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = p.Exec(ctx, []string{"true"}, ExecOptions{})
	assert.ErrorIs(t, err, ErrTerminated)
	err = p.Watch("workspace", func(WatchEvent) {}, WatchOptions{})
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestLocalPrimitive_TerminateKillsSubprocesses(t *testing.T) {
	p := newTestPrimitive(t)
	ctx := context.Background()

	proc, err := p.Exec(ctx, []string{"sleep", "60"}, ExecOptions{})
	require.NoError(t, err)

	require.NoError(t, p.Terminate(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	code, err := proc.Wait(waitCtx)
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
}

func TestLocalPrimitive_PollWhileRunning(t *testing.T) {
	p := newTestPrimitive(t)

	assert.True(t, p.IsRunning())
	assert.Nil(t, p.Poll())
}

func TestLocalPrimitive_RootCreated(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sessions", "abc")
	p, err := NewLocalPrimitive(root, logger.Default())
	require.NoError(t, err)
	defer p.Terminate(context.Background())

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
