// Package sessionhost owns the registry of live agent sessions.
package sessionhost

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/environment"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/storage"
)

const eventSource = "sessionhost"

// containerWorkspacePath is where the session directory is mounted inside a
// container-backed environment.
const containerWorkspacePath = "/session/workspace"

// SessionSummary is one row of the merged session list: the persisted record
// plus the runtime state of the loaded session, if any.
type SessionSummary struct {
	storage.SessionRecord
	Runtime session.RuntimeState `json:"runtime"`
}

// Host keeps the map of loaded sessions and publishes host-level events.
type Host struct {
	cfg      *config.Config
	store    storage.Store
	hub      session.Hub
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session.AgentSession
	closed   bool
}

// New creates the host. The hub may be nil in tests; the event bus must not.
func New(cfg *config.Config, store storage.Store, hub session.Hub, eventBus bus.EventBus, log *logger.Logger) *Host {
	return &Host{
		cfg:      cfg,
		store:    store,
		hub:      hub,
		eventBus: eventBus,
		logger:   log.WithComponent("sessionhost"),
		sessions: make(map[string]*session.AgentSession),
	}
}

// deps builds the per-session dependency set.
func (h *Host) deps() session.Deps {
	return session.Deps{
		Store:                   h.store,
		Hub:                     h.hub,
		Logger:                  h.logger,
		Runner:                  h.cfg.Runner,
		Session:                 h.cfg.Session,
		NewPrimitive:            h.newPrimitive,
		OnEnvironmentTerminated: h.onEnvironmentTerminated,
		OnStatusChanged:         h.publishStatus,
	}
}

// newPrimitive builds the environment primitive configured for this host:
// a plain directory-backed process runner, or a container with the session
// directory bind-mounted.
func (h *Host) newPrimitive(ctx context.Context, sessionID string) (environment.Primitive, string, error) {
	root := filepath.Join(h.cfg.Runner.SessionBasePath, sessionID)

	if h.cfg.Docker.Enabled {
		primitive, err := environment.NewDockerPrimitive(ctx, h.cfg.Docker, sessionID, root, h.logger)
		if err != nil {
			return nil, "", err
		}
		return primitive, containerWorkspacePath, nil
	}

	primitive, err := environment.NewLocalPrimitive(root, h.logger)
	if err != nil {
		return nil, "", err
	}
	return primitive, filepath.Join(root, "workspace"), nil
}

// CreateSession creates and registers a new session, then announces it.
func (h *Host) CreateSession(ctx context.Context, args session.CreateArgs) (*session.AgentSession, error) {
	s, err := session.CreateSession(ctx, args, h.deps())
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = s.Destroy(ctx)
		return nil, errors.New("session host is shutting down")
	}
	h.sessions[s.ID()] = s
	h.mu.Unlock()

	h.logger.Info("session created", zap.String("session_id", s.ID()))
	h.publishSessionsChanged("created", s.ID())
	return s, nil
}

// GetSession returns a loaded session, if present.
func (h *Host) GetSession(id string) (*session.AgentSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// LoadSession returns the loaded session or restores it from the store.
// Loading is idempotent.
func (h *Host) LoadSession(ctx context.Context, id string) (*session.AgentSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[id]; ok {
		return s, nil
	}
	if h.closed {
		return nil, errors.New("session host is shutting down")
	}

	s, err := session.LoadSession(ctx, id, h.deps())
	if err != nil {
		return nil, err
	}
	h.sessions[id] = s

	h.logger.Info("session loaded", zap.String("session_id", id))
	return s, nil
}

// UnloadSession destroys the in-memory session. The persisted snapshot stays
// and the session can be loaded again later.
func (h *Host) UnloadSession(ctx context.Context, id string) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if !ok {
		// Nothing loaded; confirm the session exists at all.
		if _, err := h.store.LoadSession(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &session.NotFoundError{Kind: "session", ID: id}
			}
			return err
		}
		return nil
	}

	if err := s.Destroy(ctx); err != nil {
		h.logger.Warn("session destroy failed",
			zap.String("session_id", id), zap.Error(err))
	}

	h.logger.Info("session unloaded", zap.String("session_id", id))
	h.publishSessionsChanged("unloaded", id)
	return nil
}

// ListAllSessions merges the persisted session list with the runtime state of
// every loaded session.
func (h *Host) ListAllSessions(ctx context.Context) ([]SessionSummary, error) {
	records, err := h.store.ListAllSessions(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	loaded := make(map[string]*session.AgentSession, len(h.sessions))
	for id, s := range h.sessions {
		loaded[id] = s
	}
	h.mu.Unlock()

	summaries := make([]SessionSummary, 0, len(records))
	for _, record := range records {
		summary := SessionSummary{SessionRecord: record}
		if s, ok := loaded[record.ID]; ok {
			// The in-memory projection is fresher than the stored row.
			summary.SessionRecord = s.GetPersistedListData()
			summary.Runtime = s.GetRuntimeState()
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// SendMessage loads the session if necessary and runs one agent turn.
func (h *Host) SendMessage(ctx context.Context, id, text string) error {
	s, err := h.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	return s.SendMessage(ctx, text)
}

// UpdateSessionOptions loads the session if necessary and replaces its options.
func (h *Host) UpdateSessionOptions(ctx context.Context, id string, options json.RawMessage) error {
	s, err := h.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	return s.UpdateSessionOptions(options)
}

// TerminateEnvironment tears down a loaded session's execution environment.
// The session stays loaded.
func (h *Host) TerminateEnvironment(ctx context.Context, id string) error {
	s, ok := h.GetSession(id)
	if !ok {
		return &session.NotFoundError{Kind: "session", ID: id}
	}
	return s.TerminateExecutionEnvironment(ctx)
}

// Close destroys every loaded session. Sessions remain in the store.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session.AgentSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session.AgentSession)
	h.mu.Unlock()

	for _, s := range sessions {
		if err := s.Destroy(ctx); err != nil {
			h.logger.Warn("session destroy failed during shutdown",
				zap.String("session_id", s.ID()), zap.Error(err))
		}
	}

	h.logger.Info("session host closed", zap.Int("sessions", len(sessions)))
	return nil
}

// onEnvironmentTerminated relays the health-check termination to the host bus.
func (h *Host) onEnvironmentTerminated(sessionID string) {
	h.logger.Warn("execution environment terminated",
		zap.String("session_id", sessionID))

	event := bus.NewEvent(events.SessionEnvironmentTerminated, eventSource, map[string]interface{}{
		"sessionId": sessionID,
	})
	if err := h.eventBus.Publish(context.Background(), events.BuildEnvironmentTerminatedSubject(sessionID), event); err != nil {
		h.logger.Warn("failed to publish environment termination", zap.Error(err))
	}
}

// publishStatus announces a session's current runtime state.
func (h *Host) publishStatus(sessionID string) {
	s, ok := h.GetSession(sessionID)
	if !ok {
		return
	}

	event := bus.NewEvent(events.SessionStatus, eventSource, map[string]interface{}{
		"sessionId": sessionID,
		"runtime":   s.GetRuntimeState(),
	})
	if err := h.eventBus.Publish(context.Background(), events.BuildSessionStatusSubject(sessionID), event); err != nil {
		h.logger.Warn("failed to publish session status", zap.Error(err))
	}
}

func (h *Host) publishSessionsChanged(reason, sessionID string) {
	event := bus.NewEvent(events.SessionsChanged, eventSource, map[string]interface{}{
		"reason":    reason,
		"sessionId": sessionID,
	})
	if err := h.eventBus.Publish(context.Background(), events.SessionsChanged, event); err != nil {
		h.logger.Warn("failed to publish sessions changed", zap.Error(err))
	}
}
