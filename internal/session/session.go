package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/environment"
	"github.com/agentdeck/agentdeck/internal/execution"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/storage"
)

// PrimitiveFactory builds the environment primitive for a session and returns
// it along with the workspace path as seen by the runner.
type PrimitiveFactory func(ctx context.Context, sessionID string) (environment.Primitive, string, error)

// Deps is everything an agent session needs from the outside.
type Deps struct {
	Store  storage.Store
	Hub    Hub
	Logger *logger.Logger

	Runner  config.RunnerConfig
	Session config.SessionConfig

	NewPrimitive PrimitiveFactory

	// OnEnvironmentTerminated fires exactly once per activation when a health
	// check finds the environment dead. The session stays loaded.
	OnEnvironmentTerminated func(sessionID string)

	// OnStatusChanged fires after every runtime state change, letting the
	// host publish its global session:status event.
	OnStatusChanged func(sessionID string)
}

// CreateArgs describes a brand-new session.
type CreateArgs struct {
	AgentProfileID        string
	Architecture          conversation.Architecture
	Name                  string
	Options               json.RawMessage
	DefaultWorkspaceFiles []conversation.WorkspaceFile
}

// AgentSession is the per-session coordinator: it owns the bus, the state,
// both listeners, and the lazily created execution environment.
type AgentSession struct {
	id     string
	deps   Deps
	logger *logger.Logger

	bus         *Bus
	state       *State
	persistence *PersistenceListener
	broadcast   *BroadcastListener

	mu           sync.Mutex
	env          *execution.Environment
	destroyed    bool
	restartCount int
	envNotified  bool
	stopJobs     context.CancelFunc
	jobsDone     chan struct{}

	// emitMu serializes runtime state snapshots with their emits so two
	// emitters cannot interleave and publish a stale state over a newer one.
	emitMu sync.Mutex
}

// CreateSession generates a new session id for the architecture, persists the
// empty snapshot, and returns the wired session.
func CreateSession(ctx context.Context, args CreateArgs, deps Deps) (*AgentSession, error) {
	if !args.Architecture.Valid() {
		return nil, fmt.Errorf("invalid architecture %q", args.Architecture)
	}
	if _, err := deps.Store.LoadAgentProfile(ctx, args.AgentProfileID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Kind: "agent profile", ID: args.AgentProfileID}
		}
		return nil, err
	}

	record := storage.SessionRecord{
		ID:             conversation.NewSessionID(args.Architecture),
		Architecture:   args.Architecture,
		AgentProfileID: args.AgentProfileID,
		Name:           args.Name,
		Options:        args.Options,
		CreatedAt:      time.Now().UTC(),
	}
	if err := deps.Store.CreateSessionRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}

	snapshot := &storage.SessionSnapshot{
		SessionRecord:  record,
		WorkspaceFiles: args.DefaultWorkspaceFiles,
	}
	s := newAgentSession(snapshot, deps)
	s.persistence.SyncFullState()
	return s, nil
}

// LoadSession restores a persisted session into memory.
func LoadSession(ctx context.Context, id string, deps Deps) (*AgentSession, error) {
	snapshot, err := deps.Store.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Kind: "session", ID: id}
		}
		return nil, err
	}
	return newAgentSession(snapshot, deps), nil
}

func newAgentSession(snapshot *storage.SessionSnapshot, deps Deps) *AgentSession {
	log := deps.Logger.WithSessionID(snapshot.ID)
	bus := NewBus(log)
	state := NewState(snapshot, log)
	state.Attach(bus)

	persistence := NewPersistenceListener(deps.Store, state, snapshot.ID, log)
	persistence.Attach(bus)

	broadcast := NewBroadcastListener(deps.Hub, snapshot.ID)
	broadcast.Attach(bus)

	return &AgentSession{
		id:          snapshot.ID,
		deps:        deps,
		logger:      log.WithComponent("agent_session"),
		bus:         bus,
		state:       state,
		persistence: persistence,
		broadcast:   broadcast,
	}
}

// ID returns the session id.
func (s *AgentSession) ID() string { return s.id }

// Bus exposes the session bus for diagnostics.
func (s *AgentSession) Bus() *Bus { return s.bus }

// GetState returns the full client projection.
func (s *AgentSession) GetState() RuntimeSessionData {
	return s.state.ToRuntimeSessionData()
}

// GetPersistedListData returns the minimal list projection.
func (s *AgentSession) GetPersistedListData() storage.SessionRecord {
	return s.state.ToPersistedListData()
}

// GetRuntimeState returns the runtime portion only.
func (s *AgentSession) GetRuntimeState() RuntimeState {
	return s.state.GetRuntimeState()
}

// emitCoordinator puts a coordinator-originated event on the bus.
func (s *AgentSession) emitCoordinator(eventType string, payload any) {
	ev, err := runner.NewEvent(eventType, payload)
	if err != nil {
		s.logger.Error("failed to encode coordinator event",
			zap.String("event_type", eventType), zap.Error(err))
		return
	}
	ev.Context.SessionID = s.id
	ev.Context.ConversationID = runner.ConversationMain
	ev.Context.Source = "coordinator"
	s.bus.Emit(ev)
}

// emitRuntime applies a mutation to a copy of the runtime state and announces
// it via status:changed; the state handler stores it. Snapshot, mutation, and
// emit happen under emitMu: the caller goroutine and the periodic jobs
// goroutine both mutate runtime state, and an unserialized read-copy-emit
// would let one clobber the other's just-published update.
func (s *AgentSession) emitRuntime(mutate func(rt *RuntimeState)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	rt := s.state.GetRuntimeState()
	mutate(&rt)
	s.emitCoordinator(runner.EventStatusChanged, StatusChangedPayload{Runtime: rt})
	if s.deps.OnStatusChanged != nil {
		s.deps.OnStatusChanged(s.id)
	}
}

// SendMessage runs one agent turn: lazy environment activation, a synthetic
// user_message block pair, then query execution. Activation and runner
// failures reject the call; everything else degrades on the bus.
func (s *AgentSession) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}

	if s.env == nil {
		restarts := s.restartCount
		s.emitRuntime(func(rt *RuntimeState) {
			rt.Environment = &EnvironmentRuntime{
				Status:       EnvStarting,
				RestartCount: restarts,
			}
		})
	}

	startedAt := time.Now().UnixMilli()
	s.emitRuntime(func(rt *RuntimeState) { rt.ActiveQueryStartedAt = &startedAt })

	env := s.env
	if env == nil {
		activated, err := s.activate(ctx)
		if err != nil {
			s.mu.Unlock()
			s.emitCoordinator(runner.EventError, runner.ErrorPayload{Message: err.Error()})
			s.finishQuery()
			return err
		}
		s.env = activated
		env = activated
	}
	s.mu.Unlock()

	defer s.finishQuery()

	userBlock := conversation.Block{
		ID:        uuid.NewString(),
		Type:      conversation.BlockTypeUserMessage,
		Timestamp: time.Now().UTC(),
		Content:   text,
	}
	s.emitCoordinator(runner.EventBlockStart, runner.BlockStartPayload{Block: userBlock})
	s.emitCoordinator(runner.EventBlockComplete, runner.BlockCompletePayload{BlockID: userBlock.ID, Block: userBlock})

	if err := s.executeQuery(ctx, env, text); err != nil {
		s.emitCoordinator(runner.EventError, runner.ErrorPayload{Message: err.Error()})
		s.emitRuntime(func(rt *RuntimeState) {
			if rt.Environment != nil {
				rt.Environment.Status = EnvError
				rt.Environment.StatusMessage = err.Error()
			}
		})
		return err
	}
	return nil
}

func (s *AgentSession) executeQuery(ctx context.Context, env *execution.Environment, text string) error {
	return env.ExecuteQuery(ctx, text)
}

// finishQuery clears the active query marker and re-announces runtime state.
func (s *AgentSession) finishQuery() {
	s.emitRuntime(func(rt *RuntimeState) { rt.ActiveQueryStartedAt = nil })
}

// activate builds and prepares the execution environment. Caller holds s.mu.
func (s *AgentSession) activate(ctx context.Context) (*execution.Environment, error) {
	fail := func(phase string, err error) (*execution.Environment, error) {
		activationErr := &ActivationError{Phase: phase, Err: err}
		s.logger.Error("environment activation failed",
			zap.String("phase", phase), zap.Error(err))
		s.emitRuntime(func(rt *RuntimeState) {
			if rt.Environment == nil {
				rt.Environment = &EnvironmentRuntime{}
			}
			rt.Environment.Status = EnvError
			rt.Environment.StatusMessage = activationErr.Error()
		})
		return nil, activationErr
	}

	setPhase := func(message string) {
		s.emitRuntime(func(rt *RuntimeState) {
			if rt.Environment != nil {
				rt.Environment.StatusMessage = message
			}
		})
	}

	record := s.state.ToPersistedListData()

	setPhase("creating environment")
	primitive, basePath, err := s.deps.NewPrimitive(ctx, s.id)
	if err != nil {
		return fail("environment creation", err)
	}

	env, err := execution.New(ctx, primitive, execution.Options{
		SessionID:         s.id,
		Architecture:      record.Architecture,
		Runtime:           s.deps.Runner.Runtime,
		BundleDir:         s.deps.Runner.BundleDir,
		BaseWorkspacePath: basePath,
		Model:             modelFromOptions(record.Options),
	}, s.bus, s.deps.Logger)
	if err != nil {
		_ = primitive.Terminate(ctx)
		return fail("runner install", err)
	}

	setPhase("preparing session")
	profile, err := s.deps.Store.LoadAgentProfile(ctx, record.AgentProfileID)
	if err != nil {
		_ = env.Cleanup(ctx)
		return fail("profile load", err)
	}

	prep := execution.PrepareInput{
		AgentProfile: profile.Manifest,
		Transcript:   s.state.RawTranscript(),
	}
	for _, f := range s.state.WorkspaceFiles() {
		if f.Content == nil {
			continue
		}
		prep.WorkspaceFiles = append(prep.WorkspaceFiles, environment.FileContent{
			Path:    f.Path,
			Content: *f.Content,
		})
	}
	if err := env.PrepareSession(ctx, prep); err != nil {
		_ = env.Cleanup(ctx)
		return fail("session preparation", err)
	}

	setPhase("starting watchers")
	if err := env.StartWatcher(); err != nil {
		_ = env.Cleanup(ctx)
		return fail("watcher start", err)
	}

	s.startPeriodicJobs(env)
	s.envNotified = false

	s.emitRuntime(func(rt *RuntimeState) {
		rt.Environment = &EnvironmentRuntime{
			ID:              uuid.NewString(),
			Status:          EnvReady,
			RestartCount:    s.restartCount,
			LastHealthCheck: time.Now().UnixMilli(),
		}
	})
	s.restartCount++

	s.logger.Info("execution environment ready")
	return env, nil
}

// startPeriodicJobs launches the sync and health tickers. Caller holds s.mu.
func (s *AgentSession) startPeriodicJobs(env *execution.Environment) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopJobs = cancel
	s.jobsDone = done

	syncInterval := s.deps.Session.SyncIntervalDuration()
	healthInterval := s.deps.Session.HealthIntervalDuration()

	go func() {
		defer close(done)
		syncTicker := time.NewTicker(syncInterval)
		healthTicker := time.NewTicker(healthInterval)
		defer syncTicker.Stop()
		defer healthTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-syncTicker.C:
				s.syncNow(ctx, env)
			case <-healthTicker.C:
				s.healthCheck(ctx, env)
			}
		}
	}()
}

// detachPeriodicJobs clears the job handles under s.mu and returns a wait
// function. The caller must invoke it after releasing the mutex: the jobs
// goroutine takes s.mu inside healthCheck, so waiting under the lock would
// deadlock.
func (s *AgentSession) detachPeriodicJobs() func() {
	cancel := s.stopJobs
	done := s.jobsDone
	s.stopJobs = nil
	s.jobsDone = nil

	return func() {
		if cancel != nil {
			cancel()
			<-done
		}
	}
}

// syncNow refreshes state from the environment and schedules a full snapshot
// write.
func (s *AgentSession) syncNow(ctx context.Context, env *execution.Environment) {
	if content, err := env.ReadTranscript(ctx); err != nil {
		s.logger.Warn("periodic sync: transcript read failed", zap.Error(err))
	} else if content != "" {
		s.emitCoordinator(runner.EventTranscriptChanged, runner.TranscriptChangedPayload{Content: content})
	}

	if files, err := env.ListWorkspaceFiles(ctx); err != nil {
		s.logger.Warn("periodic sync: workspace listing failed", zap.Error(err))
	} else {
		s.state.ReplaceWorkspaceFiles(files)
	}

	s.persistence.SyncFullState()
}

// healthCheck probes the environment. A dead environment transitions the
// session to terminated, stops the jobs, and notifies the host exactly once.
func (s *AgentSession) healthCheck(ctx context.Context, env *execution.Environment) {
	healthy := env.Healthy()
	now := time.Now().UnixMilli()

	if healthy {
		s.emitRuntime(func(rt *RuntimeState) {
			if rt.Environment != nil {
				rt.Environment.LastHealthCheck = now
				if rt.Environment.Status == EnvUnhealthy || rt.Environment.Status == EnvError {
					rt.Environment.Status = EnvReady
					rt.Environment.StatusMessage = ""
				}
			}
		})
		return
	}

	s.logger.Warn("execution environment is no longer running")

	s.mu.Lock()
	if s.env == env {
		s.env = nil
	}
	notified := s.envNotified
	s.envNotified = true
	if s.stopJobs != nil {
		s.stopJobs()
		s.stopJobs = nil
		s.jobsDone = nil
	}
	s.mu.Unlock()

	_ = env.Cleanup(ctx)

	s.emitRuntime(func(rt *RuntimeState) {
		if rt.Environment == nil {
			rt.Environment = &EnvironmentRuntime{}
		}
		rt.Environment.Status = EnvTerminated
		rt.Environment.LastHealthCheck = now
	})

	if !notified && s.deps.OnEnvironmentTerminated != nil {
		s.deps.OnEnvironmentTerminated(s.id)
	}
}

// UpdateSessionOptions replaces the session options and announces the change.
func (s *AgentSession) UpdateSessionOptions(options json.RawMessage) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}
	s.mu.Unlock()

	s.emitCoordinator(runner.EventOptionsUpdate, OptionsUpdatePayload{Options: options})
	return nil
}

// TerminateExecutionEnvironment stops jobs, runs a final full sync, and tears
// the environment down. The session stays loaded and can re-activate.
func (s *AgentSession) TerminateExecutionEnvironment(ctx context.Context) error {
	s.mu.Lock()
	env := s.env
	s.env = nil
	waitJobs := s.detachPeriodicJobs()
	s.mu.Unlock()
	waitJobs()

	if env == nil {
		return nil
	}

	s.persistence.SyncFullState()
	err := env.Cleanup(ctx)

	s.emitRuntime(func(rt *RuntimeState) {
		if rt.Environment == nil {
			rt.Environment = &EnvironmentRuntime{}
		}
		rt.Environment.Status = EnvTerminated
		rt.Environment.StatusMessage = ""
	})

	return err
}

// Destroy terminates the environment, drains persistence, and destroys the
// bus. An in-flight SendMessage has its subprocess killed and rejects.
func (s *AgentSession) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	env := s.env
	s.env = nil
	waitJobs := s.detachPeriodicJobs()
	s.mu.Unlock()
	waitJobs()

	if env != nil {
		s.persistence.SyncFullState()
		if err := env.Cleanup(ctx); err != nil {
			s.logger.Warn("environment cleanup failed during destroy", zap.Error(err))
		}
	}

	s.emitRuntime(func(rt *RuntimeState) {
		rt.IsLoaded = false
		if rt.Environment != nil {
			rt.Environment.Status = EnvTerminated
		}
	})

	if err := s.persistence.Close(ctx); err != nil {
		s.logger.Warn("persistence queue drain timed out", zap.Error(err))
	}

	s.broadcast.Detach()
	s.state.Detach()
	s.bus.Destroy()

	s.logger.Info("session destroyed")
	return nil
}

// modelFromOptions extracts the optional model identifier from the session
// options document.
func modelFromOptions(options json.RawMessage) string {
	if len(options) == 0 {
		return ""
	}
	var decoded struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(options, &decoded); err != nil {
		return ""
	}
	return decoded.Model
}
