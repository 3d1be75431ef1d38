package environment

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// LocalPrimitive implements Primitive over a directory on the host
// filesystem, executing subprocesses directly.
type LocalPrimitive struct {
	root   string
	logger *logger.Logger

	mu         sync.Mutex
	terminated bool
	processes  map[*localProcess]struct{}
	watchers   []*watcher
}

// NewLocalPrimitive creates the session root directory and returns a
// primitive rooted at it.
func NewLocalPrimitive(root string, log *logger.Logger) (*LocalPrimitive, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}
	return &LocalPrimitive{
		root:      root,
		logger:    log.WithComponent("local_primitive"),
		processes: make(map[*localProcess]struct{}),
	}, nil
}

// Root returns the absolute session root directory.
func (p *LocalPrimitive) Root() string {
	return p.root
}

// resolve joins a relative path against the root, rejecting escapes.
func (p *LocalPrimitive) resolve(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the session root", rel)
	}
	return filepath.Join(p.root, cleaned), nil
}

func (p *LocalPrimitive) checkAlive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return ErrTerminated
	}
	return nil
}

// Exec starts a subprocess with its working directory inside the session
// root.
func (p *LocalPrimitive) Exec(ctx context.Context, argv []string, opts ExecOptions) (Process, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cwd, err := p.resolve(opts.Cwd)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	p.logger.Debug("started subprocess",
		zap.String("command", argv[0]),
		zap.Int("pid", cmd.Process.Pid))

	proc := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	proc.onExit = func() {
		p.mu.Lock()
		delete(p.processes, proc)
		p.mu.Unlock()
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		_ = proc.Kill()
		return nil, ErrTerminated
	}
	p.processes[proc] = struct{}{}
	p.mu.Unlock()

	return proc, nil
}

// ReadFile returns the file's content as a string.
func (p *LocalPrimitive) ReadFile(ctx context.Context, path string) (string, error) {
	if err := p.checkAlive(); err != nil {
		return "", err
	}
	abs, err := p.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes content, creating parent directories as needed.
func (p *LocalPrimitive) WriteFile(ctx context.Context, path, content string) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	abs, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// WriteFiles attempts every entry; failures are collected, not raised.
func (p *LocalPrimitive) WriteFiles(ctx context.Context, files []FileContent) BatchWriteResult {
	result := BatchWriteResult{}
	for _, f := range files {
		if err := p.WriteFile(ctx, f.Path, f.Content); err != nil {
			result.Failed = append(result.Failed, FileWriteFailure{Path: f.Path, Err: err})
			continue
		}
		result.Success = append(result.Success, f.Path)
	}
	return result
}

// CreateDirectory creates the directory and any missing parents.
func (p *LocalPrimitive) CreateDirectory(ctx context.Context, path string) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	abs, err := p.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o755)
}

// ListFiles walks dir and returns relative POSIX paths of regular files,
// optionally filtered by a glob matched against the base name.
func (p *LocalPrimitive) ListFiles(ctx context.Context, dir, glob string) ([]string, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	abs, err := p.resolve(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	walkErr := filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if glob != "" {
			matched, matchErr := filepath.Match(glob, info.Name())
			if matchErr != nil {
				return matchErr
			}
			if !matched {
				return nil
			}
		}
		rel, relErr := filepath.Rel(abs, path)
		if relErr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, walkErr)
	}
	return files, nil
}

// IsRunning reports whether the primitive is still usable.
func (p *LocalPrimitive) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.terminated
}

// Poll returns nil while the primitive is running and a zero exit code once
// terminated.
func (p *LocalPrimitive) Poll() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.terminated {
		return nil
	}
	code := 0
	return &code
}

// Terminate kills in-flight subprocesses, stops watchers, and marks the
// primitive dead. Idempotent.
func (p *LocalPrimitive) Terminate(ctx context.Context) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	procs := make([]*localProcess, 0, len(p.processes))
	for proc := range p.processes {
		procs = append(procs, proc)
	}
	watchers := p.watchers
	p.watchers = nil
	p.mu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
	for _, proc := range procs {
		if err := proc.Kill(); err != nil {
			p.logger.Debug("failed to kill subprocess", zap.Error(err))
		}
	}

	p.logger.Info("local primitive terminated", zap.String("root", p.root))
	return nil
}

// Watch starts a recursive watcher under path. Watchers are stopped as part
// of Terminate.
func (p *LocalPrimitive) Watch(path string, callback WatchCallback, opts WatchOptions) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	abs, err := p.resolve(path)
	if err != nil {
		return err
	}

	w, err := newWatcher(abs, callback, opts, p.logger)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		w.Close()
		return ErrTerminated
	}
	p.watchers = append(p.watchers, w)
	p.mu.Unlock()
	return nil
}

// localProcess wraps an exec.Cmd as a Process. The command is not reaped
// until Wait or Kill: cmd.Wait closes the stdio pipes and discards unread
// data, so it must not run while a caller is still draining Stdout.
type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	onExit func()

	reapOnce sync.Once
	done     chan struct{}
	waitErr  error
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }
func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }

// reap collects the exit status exactly once and signals done.
func (p *localProcess) reap() {
	p.reapOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
		if p.onExit != nil {
			p.onExit()
		}
	})
}

// Wait blocks until the subprocess exits and returns its exit code. Callers
// read Stdout to EOF first; Wait is what tears the pipes down.
func (p *localProcess) Wait(ctx context.Context) (int, error) {
	go p.reap()
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
	}
	if p.waitErr == nil {
		return 0, nil
	}
	if exitErr, ok := p.waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, p.waitErr
}

// Kill forcibly terminates the subprocess and reaps it in the background.
func (p *localProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	go p.reap()
	return err
}
