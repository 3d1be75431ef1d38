package environment

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// containerRoot is where the session directory is mounted inside the
// container.
const containerRoot = "/session"

// DockerPrimitive implements Primitive with subprocesses running inside a
// per-session container. The session root is bind-mounted from the host, so
// file I/O and watching operate on the host path while exec runs
// in-container.
type DockerPrimitive struct {
	cli         *client.Client
	containerID string
	files       *LocalPrimitive
	logger      *logger.Logger

	mu         sync.Mutex
	terminated bool
}

// NewDockerPrimitive creates and starts a long-lived container for the
// session with the host root mounted at /session.
func NewDockerPrimitive(ctx context.Context, cfg config.DockerConfig, sessionID, hostRoot string, log *logger.Logger) (*DockerPrimitive, error) {
	files, err := NewLocalPrimitive(hostRoot, log)
	if err != nil {
		return nil, err
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: containerRoot,
		Labels: map[string]string{
			"agentdeck.session_id": sessionID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.Network),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: hostRoot,
			Target: containerRoot,
		}},
	}

	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "agentdeck-"+sessionID)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		_ = cli.Close()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	log.Info("session container started",
		zap.String("session_id", sessionID),
		zap.String("container_id", created.ID[:12]),
		zap.String("image", cfg.Image))

	return &DockerPrimitive{
		cli:         cli,
		containerID: created.ID,
		files:       files,
		logger:      log.WithComponent("docker_primitive"),
	}, nil
}

func (p *DockerPrimitive) checkAlive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return ErrTerminated
	}
	return nil
}

// Exec runs argv inside the session container via docker exec.
func (p *DockerPrimitive) Exec(ctx context.Context, argv []string, opts ExecOptions) (Process, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	workDir := containerRoot
	if opts.Cwd != "" {
		workDir = containerRoot + "/" + opts.Cwd
	}

	execCfg := container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workDir,
		Env:          opts.Env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := p.cli.ContainerExecCreate(ctx, p.containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attached, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	proc := newDockerProcess(p.cli, created.ID, attached)
	return proc, nil
}

func (p *DockerPrimitive) ReadFile(ctx context.Context, path string) (string, error) {
	if err := p.checkAlive(); err != nil {
		return "", err
	}
	return p.files.ReadFile(ctx, path)
}

func (p *DockerPrimitive) WriteFile(ctx context.Context, path, content string) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	return p.files.WriteFile(ctx, path, content)
}

func (p *DockerPrimitive) WriteFiles(ctx context.Context, files []FileContent) BatchWriteResult {
	if err := p.checkAlive(); err != nil {
		result := BatchWriteResult{}
		for _, f := range files {
			result.Failed = append(result.Failed, FileWriteFailure{Path: f.Path, Err: err})
		}
		return result
	}
	return p.files.WriteFiles(ctx, files)
}

func (p *DockerPrimitive) CreateDirectory(ctx context.Context, path string) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	return p.files.CreateDirectory(ctx, path)
}

func (p *DockerPrimitive) ListFiles(ctx context.Context, dir, glob string) ([]string, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	return p.files.ListFiles(ctx, dir, glob)
}

// IsRunning reports whether the session container is alive.
func (p *DockerPrimitive) IsRunning() bool {
	p.mu.Lock()
	terminated := p.terminated
	p.mu.Unlock()
	if terminated {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := p.cli.ContainerInspect(ctx, p.containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// Poll returns nil while the container runs, else its exit code.
func (p *DockerPrimitive) Poll() *int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := p.cli.ContainerInspect(ctx, p.containerID)
	if err != nil {
		code := -1
		return &code
	}
	if info.State != nil && info.State.Running {
		return nil
	}
	code := 0
	if info.State != nil {
		code = info.State.ExitCode
	}
	return &code
}

// Terminate stops and removes the container and stops watchers. Idempotent.
func (p *DockerPrimitive) Terminate(ctx context.Context) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	p.mu.Unlock()

	timeout := 10
	if err := p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		p.logger.Warn("failed to stop container", zap.Error(err))
	}
	if err := p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove container", zap.Error(err))
	}
	if err := p.cli.Close(); err != nil {
		p.logger.Debug("failed to close docker client", zap.Error(err))
	}

	if err := p.files.Terminate(ctx); err != nil {
		return err
	}

	p.logger.Info("docker primitive terminated", zap.String("container_id", p.containerID[:12]))
	return nil
}

func (p *DockerPrimitive) Watch(path string, callback WatchCallback, opts WatchOptions) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	return p.files.Watch(path, callback, opts)
}

// dockerProcess adapts a docker exec to the Process interface. The attached
// stream is demultiplexed into separate stdout/stderr pipes.
type dockerProcess struct {
	cli    *client.Client
	execID string
	conn   types.HijackedResponse

	stdout io.Reader
	stderr io.Reader
	stdin  io.WriteCloser

	copyDone chan struct{}
}

func newDockerProcess(cli *client.Client, execID string, conn types.HijackedResponse) *dockerProcess {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	proc := &dockerProcess{
		cli:      cli,
		execID:   execID,
		conn:     conn,
		stdout:   stdoutR,
		stderr:   stderrR,
		stdin:    &execStdin{conn: conn},
		copyDone: make(chan struct{}),
	}

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, conn.Reader)
		_ = stdoutW.CloseWithError(err)
		_ = stderrW.CloseWithError(err)
		close(proc.copyDone)
	}()

	return proc
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }
func (p *dockerProcess) Stdin() io.WriteCloser { return p.stdin }

// Wait blocks until the exec finishes and returns its exit code.
func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.copyDone:
	}

	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Kill closes the attached connection; the container side observes EOF.
func (p *dockerProcess) Kill() error {
	p.conn.Close()
	return nil
}

// execStdin writes to the hijacked connection and half-closes on Close.
type execStdin struct {
	conn types.HijackedResponse
}

func (s *execStdin) Write(data []byte) (int, error) {
	return s.conn.Conn.Write(data)
}

func (s *execStdin) Close() error {
	return s.conn.CloseWrite()
}
