// Package environment provides the primitive that abstracts one isolated
// session workspace: process execution, file I/O, and file watching over a
// single workspace root.
package environment

import (
	"context"
	"errors"
	"io"
)

// ErrTerminated is returned by every operation on a terminated primitive.
var ErrTerminated = errors.New("environment primitive is terminated")

// Standard subdirectories of a session root.
const (
	DirApp       = "app"
	DirWorkspace = "workspace"
	DirMCPs      = "mcps"
)

// ExecOptions configures a subprocess launch.
type ExecOptions struct {
	// Cwd is the working directory, relative to the session root. Empty
	// means the session root itself.
	Cwd string

	// Env is extra environment variables in KEY=VALUE form.
	Env []string
}

// Process is a running subprocess inside the environment. Stdout and stderr
// are lazy single-reader streams; they must be fully released before Wait
// resolves.
type Process interface {
	// Stdout returns the subprocess standard output stream.
	Stdout() io.Reader

	// Stderr returns the subprocess standard error stream.
	Stderr() io.Reader

	// Stdin returns the subprocess standard input. Closing it signals EOF to
	// the subprocess.
	Stdin() io.WriteCloser

	// Wait blocks until the subprocess exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Kill forcibly terminates the subprocess.
	Kill() error
}

// FileContent is one entry of a batch write.
type FileContent struct {
	Path    string
	Content string
}

// FileWriteFailure reports a single failed entry of a batch write.
type FileWriteFailure struct {
	Path string
	Err  error
}

// BatchWriteResult is the partial-success outcome of WriteFiles: every file
// is attempted, failures are reported rather than raised.
type BatchWriteResult struct {
	Success []string
	Failed  []FileWriteFailure
}

// WatchKind classifies a filesystem change.
type WatchKind string

const (
	WatchCreate WatchKind = "create"
	WatchModify WatchKind = "modify"
	WatchDelete WatchKind = "delete"
)

// WatchEvent is one filesystem change under a watched path. Path is relative
// to the watched directory, POSIX-separated. Content carries the file's
// current content for creates and modifies when it could be read.
type WatchEvent struct {
	Kind    WatchKind
	Path    string
	Content *string
}

// WatchCallback receives filesystem change events.
type WatchCallback func(WatchEvent)

// WatchOptions configures a watch.
type WatchOptions struct {
	// IgnorePatterns lists path segments to skip, e.g. ".git" or
	// "node_modules". A path is ignored when any of its segments matches.
	IgnorePatterns []string
}

// Primitive abstracts one isolated workspace root. All paths are relative to
// the session root. After Terminate every operation fails fast with
// ErrTerminated; Terminate itself is idempotent.
type Primitive interface {
	Exec(ctx context.Context, argv []string, opts ExecOptions) (Process, error)

	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	WriteFiles(ctx context.Context, files []FileContent) BatchWriteResult
	CreateDirectory(ctx context.Context, path string) error
	ListFiles(ctx context.Context, dir, glob string) ([]string, error)

	IsRunning() bool
	Poll() *int
	Terminate(ctx context.Context) error

	Watch(path string, callback WatchCallback, opts WatchOptions) error
}
