// Package execution owns one environment primitive per session and drives the
// agent runner inside it: preparing the session, executing queries, reading
// transcripts, and watching workspace files. Everything observable comes out
// as events on the session bus.
package execution

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/environment"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/tracing"
)

// runnerScript is the runner entrypoint inside the session's app directory.
const runnerScript = "app/runner.js"

// defaultIgnorePatterns lists path segments excluded from workspace watching:
// version control, agent config, and dependency or build output directories.
var defaultIgnorePatterns = []string{
	".git", ".hg", ".svn",
	".claude", ".opencode",
	"node_modules", ".venv", "__pycache__",
	"dist", "build", ".next", "target",
}

// Status is the execution environment lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusCreated       Status = "created"
	StatusReady         Status = "ready"
	StatusQuerying      Status = "querying"
	StatusTerminated    Status = "terminated"
	StatusError         Status = "error"
)

// Emitter receives events destined for the session bus.
type Emitter interface {
	Emit(event *runner.Event)
}

// Options configures an execution environment.
type Options struct {
	SessionID    string
	Architecture conversation.Architecture

	// Runtime is the command that executes the runner bundle, e.g. "node".
	Runtime string

	// BundleDir is the host directory holding the runner bundle assets.
	BundleDir string

	// BaseWorkspacePath is the workspace path from the runner's point of
	// view: an absolute host path for local primitives, the in-container
	// mount path for docker primitives.
	BaseWorkspacePath string

	// Model optionally pins the model for query execution.
	Model string
}

// PrepareInput is everything needed to make a session workspace ready for
// query execution.
type PrepareInput struct {
	WorkspaceFiles []environment.FileContent
	AgentProfile   any
	Transcript     string
}

// Environment wraps one primitive for the session's lifetime.
type Environment struct {
	primitive environment.Primitive
	opts      Options
	emitter   Emitter
	logger    *logger.Logger

	mu     sync.Mutex
	status Status
}

// New wraps the primitive and installs the runner assets into app/.
func New(ctx context.Context, primitive environment.Primitive, opts Options, emitter Emitter, log *logger.Logger) (*Environment, error) {
	e := &Environment{
		primitive: primitive,
		opts:      opts,
		emitter:   emitter,
		logger:    log.WithComponent("execution").WithSessionID(opts.SessionID),
		status:    StatusUninitialized,
	}

	if err := e.installAssets(ctx); err != nil {
		e.setStatus(StatusError)
		return nil, err
	}

	e.setStatus(StatusCreated)
	return e, nil
}

// Status returns the current lifecycle state.
func (e *Environment) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Environment) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// PrepareSession readies the workspace: writes workspace files, loads the
// agent profile, and restores a prior transcript if one exists. Idempotent.
func (e *Environment) PrepareSession(ctx context.Context, input PrepareInput) error {
	for _, dir := range []string{environment.DirWorkspace, environment.DirMCPs} {
		if err := e.primitive.CreateDirectory(ctx, dir); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	if len(input.WorkspaceFiles) > 0 {
		prefixed := make([]environment.FileContent, len(input.WorkspaceFiles))
		for i, f := range input.WorkspaceFiles {
			prefixed[i] = environment.FileContent{
				Path:    environment.DirWorkspace + "/" + f.Path,
				Content: f.Content,
			}
		}
		result := e.primitive.WriteFiles(ctx, prefixed)
		for _, failure := range result.Failed {
			e.logger.Warn("failed to write workspace file",
				zap.String("path", failure.Path), zap.Error(failure.Err))
		}
	}

	out, err := e.runHelper(ctx, runner.SubcommandLoadAgentProfile, runner.LoadAgentProfileInput{
		BaseWorkspacePath: e.opts.BaseWorkspacePath,
		AgentProfile:      input.AgentProfile,
		ArchitectureType:  e.opts.Architecture,
	})
	if err != nil {
		return err
	}
	if !out.Success {
		return &RunnerExecutionError{Subcommand: runner.SubcommandLoadAgentProfile, Message: out.Error}
	}

	if input.Transcript != "" {
		out, err := e.runHelper(ctx, runner.SubcommandLoadSessionTranscript, runner.LoadSessionTranscriptInput{
			BaseWorkspacePath: e.opts.BaseWorkspacePath,
			SessionTranscript: input.Transcript,
			SessionID:         e.opts.SessionID,
			ArchitectureType:  e.opts.Architecture,
		})
		if err != nil {
			return err
		}
		if !out.Success {
			return &RunnerExecutionError{Subcommand: runner.SubcommandLoadSessionTranscript, Message: out.Error}
		}
		e.emit(runner.MustEvent(runner.EventTranscriptWritten, struct{}{}))
	}

	e.setStatus(StatusReady)
	return nil
}

// ExecuteQuery runs one agent turn. Every event the runner emits is enriched
// with the session id and forwarded to the bus; when the stream ends the
// current transcript is read and announced via transcript:changed.
func (e *Environment) ExecuteQuery(ctx context.Context, prompt string) error {
	tracer := tracing.Tracer("agentdeck/execution")
	ctx, span := tracer.Start(ctx, "execution.ExecuteQuery")
	span.SetAttributes(
		attribute.String("session.id", e.opts.SessionID),
		attribute.String("session.architecture", string(e.opts.Architecture)),
	)
	defer span.End()

	e.setStatus(StatusQuerying)

	queryErr := e.runQuery(ctx, prompt)

	// The transcript read happens whether or not the query succeeded; a
	// partially completed turn may still have advanced the transcript.
	content, readErr := e.ReadTranscript(ctx)
	if readErr != nil {
		e.logger.Warn("post-query transcript read failed", zap.Error(readErr))
		e.emitError(readErr.Error(), CodeTranscriptFetchFailed)
	} else if content != "" {
		e.emit(runner.MustEvent(runner.EventTranscriptChanged, runner.TranscriptChangedPayload{Content: content}))
	}

	if queryErr != nil {
		e.setStatus(StatusError)
		return queryErr
	}
	e.setStatus(StatusReady)
	return nil
}

func (e *Environment) runQuery(ctx context.Context, prompt string) error {
	input := runner.ExecuteQueryInput{
		Prompt:            prompt,
		Architecture:      e.opts.Architecture,
		SessionID:         e.opts.SessionID,
		BaseWorkspacePath: e.opts.BaseWorkspacePath,
		Model:             e.opts.Model,
	}

	proc, err := e.spawn(ctx, runner.SubcommandExecuteQuery, input)
	if err != nil {
		return err
	}

	go e.drainStderr(proc.Stderr())

	parser := runner.NewStreamParser(proc.Stdout(), e.logger)
	for {
		ev, parseErr := parser.Next()
		if parseErr == io.EOF {
			break
		}
		if parseErr != nil {
			e.logger.Warn("runner stream read failed", zap.Error(parseErr))
			break
		}
		e.emit(ev)
	}

	code, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		return fmt.Errorf("failed to wait for runner: %w", waitErr)
	}
	if code != 0 {
		return &RunnerExecutionError{Subcommand: runner.SubcommandExecuteQuery, ExitCode: code}
	}
	return nil
}

// ReadTranscript asks the runner for the session's current transcript. An
// absent transcript yields an empty string.
func (e *Environment) ReadTranscript(ctx context.Context) (string, error) {
	out, err := e.runHelper(ctx, runner.SubcommandReadSessionTranscript, runner.ReadSessionTranscriptInput{
		BaseWorkspacePath: e.opts.BaseWorkspacePath,
		SessionID:         e.opts.SessionID,
		Architecture:      e.opts.Architecture,
	})
	if err != nil {
		return "", &TranscriptReadError{Err: err}
	}
	if !out.Success {
		return "", &TranscriptReadError{Err: errors.New(out.Error)}
	}
	if len(out.Data) == 0 || string(out.Data) == "null" {
		return "", nil
	}

	var content string
	if err := json.Unmarshal(out.Data, &content); err != nil {
		return "", &TranscriptReadError{Err: fmt.Errorf("unexpected transcript data: %w", err)}
	}
	return content, nil
}

// StartWatcher begins workspace file watching. Each filesystem change becomes
// a file event on the bus; creates and modifies whose content could not be
// read are suppressed.
func (e *Environment) StartWatcher() error {
	return e.primitive.Watch(environment.DirWorkspace, e.handleWatchEvent, environment.WatchOptions{
		IgnorePatterns: defaultIgnorePatterns,
	})
}

func (e *Environment) handleWatchEvent(event environment.WatchEvent) {
	switch event.Kind {
	case environment.WatchCreate, environment.WatchModify:
		if event.Content == nil {
			e.logger.Debug("suppressing unreadable file change", zap.String("path", event.Path))
			return
		}
		eventType := runner.EventFileCreated
		if event.Kind == environment.WatchModify {
			eventType = runner.EventFileModified
		}
		e.emit(runner.MustEvent(eventType, runner.FilePayload{
			File: conversation.WorkspaceFile{Path: event.Path, Content: event.Content},
		}))

	case environment.WatchDelete:
		e.emit(runner.MustEvent(runner.EventFileDeleted, runner.FileDeletedPayload{Path: event.Path}))
	}
}

// ListWorkspaceFiles enumerates everything under workspace/, skipping
// dot-prefixed top-level segments. Contents are attached best-effort.
func (e *Environment) ListWorkspaceFiles(ctx context.Context) ([]conversation.WorkspaceFile, error) {
	paths, err := e.primitive.ListFiles(ctx, environment.DirWorkspace, "")
	if err != nil {
		return nil, err
	}

	var files []conversation.WorkspaceFile
	for _, path := range paths {
		if top, _, _ := strings.Cut(path, "/"); strings.HasPrefix(top, ".") {
			continue
		}
		file := conversation.WorkspaceFile{Path: path}
		if content, readErr := e.primitive.ReadFile(ctx, environment.DirWorkspace+"/"+path); readErr == nil {
			file.Content = &content
		} else {
			e.logger.Debug("could not read workspace file", zap.String("path", path), zap.Error(readErr))
		}
		files = append(files, file)
	}
	return files, nil
}

// Healthy reports whether the underlying primitive is still alive.
func (e *Environment) Healthy() bool {
	return e.primitive.IsRunning()
}

// Cleanup terminates the primitive. All subsequent operations fail.
func (e *Environment) Cleanup(ctx context.Context) error {
	e.setStatus(StatusTerminated)
	return e.primitive.Terminate(ctx)
}

// spawn starts the runner with a subcommand and feeds the input document over
// stdin, which is then closed.
func (e *Environment) spawn(ctx context.Context, subcommand string, input any) (environment.Process, error) {
	doc, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s input: %w", subcommand, err)
	}

	proc, err := e.primitive.Exec(ctx, []string{e.opts.Runtime, runnerScript, subcommand}, environment.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn runner %s: %w", subcommand, err)
	}

	if _, err := proc.Stdin().Write(doc); err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("failed to write %s input: %w", subcommand, err)
	}
	if err := proc.Stdin().Close(); err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("failed to close %s stdin: %w", subcommand, err)
	}

	return proc, nil
}

// runHelper runs a blocking helper subcommand to completion and returns its
// terminal script-output payload.
func (e *Environment) runHelper(ctx context.Context, subcommand string, input any) (*runner.ScriptOutputPayload, error) {
	proc, err := e.spawn(ctx, subcommand, input)
	if err != nil {
		return nil, err
	}

	go e.drainStderr(proc.Stderr())

	var terminal *runner.ScriptOutputPayload
	parser := runner.NewStreamParser(proc.Stdout(), e.logger)
	for {
		ev, parseErr := parser.Next()
		if parseErr == io.EOF {
			break
		}
		if parseErr != nil {
			return nil, fmt.Errorf("failed to read %s output: %w", subcommand, parseErr)
		}
		if ev.Type == runner.EventScriptOutput {
			var payload runner.ScriptOutputPayload
			if decodeErr := ev.DecodePayload(&payload); decodeErr != nil {
				return nil, decodeErr
			}
			terminal = &payload
			continue
		}
		e.logger.Debug("ignoring non-terminal helper event",
			zap.String("subcommand", subcommand), zap.String("type", ev.Type))
	}

	code, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		return nil, fmt.Errorf("failed to wait for %s: %w", subcommand, waitErr)
	}
	if code != 0 {
		return nil, &RunnerExecutionError{Subcommand: subcommand, ExitCode: code}
	}
	if terminal == nil {
		return nil, &RunnerExecutionError{Subcommand: subcommand, Message: "no script-output event"}
	}
	return terminal, nil
}

func (e *Environment) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			e.logger.Debug("runner stderr", zap.String("line", line))
		}
	}
}

func (e *Environment) emit(ev *runner.Event) {
	ev.Context.SessionID = e.opts.SessionID
	if ev.Context.Source == "" {
		ev.Context.Source = "environment"
	}
	e.emitter.Emit(ev)
}

func (e *Environment) emitError(message, code string) {
	e.emit(runner.MustEvent(runner.EventError, runner.ErrorPayload{Message: message, Code: code}))
}
