package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/storage"
)

const (
	// persistenceQueueSize bounds the per-session write queue. When the queue
	// is full incremental writes are dropped; the next full sync reconciles.
	persistenceQueueSize = 256

	// persistenceWriteTimeout bounds one adapter call.
	persistenceWriteTimeout = 30 * time.Second
)

// PersistenceListener translates bus events into adapter writes. Writes run
// on a per-session serial queue so persisted state reflects events in bus
// emission order. Failures are logged, never raised; periodic full syncs
// reconcile them.
type PersistenceListener struct {
	store     storage.Store
	state     *State
	sessionID string
	logger    *logger.Logger

	queue chan func(ctx context.Context)
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	subs   []*Subscription
}

// NewPersistenceListener builds the listener and starts its drain goroutine.
func NewPersistenceListener(store storage.Store, state *State, sessionID string, log *logger.Logger) *PersistenceListener {
	l := &PersistenceListener{
		store:     store,
		state:     state,
		sessionID: sessionID,
		logger:    log.WithComponent("persistence").WithSessionID(sessionID),
		queue:     make(chan func(ctx context.Context), persistenceQueueSize),
		done:      make(chan struct{}),
	}
	go l.drain()
	return l
}

// Attach subscribes the incremental write handlers to the bus.
func (l *PersistenceListener) Attach(bus *Bus) {
	handlers := map[string]Listener{
		runner.EventFileCreated:       l.handleFileUpsert,
		runner.EventFileModified:      l.handleFileUpsert,
		runner.EventFileDeleted:       l.handleFileDeleted,
		runner.EventTranscriptChanged: l.handleTranscriptChanged,
		runner.EventOptionsUpdate:     l.handleOptionsUpdate,
	}
	for eventType, handler := range handlers {
		l.subs = append(l.subs, bus.Subscribe(eventType, handler))
	}
}

func (l *PersistenceListener) drain() {
	defer close(l.done)
	for job := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistenceWriteTimeout)
		job(ctx)
		cancel()
	}
}

// enqueue schedules one write. The bus handler returns immediately; the write
// runs on the drain goroutine. A full queue drops the write with a warning.
func (l *PersistenceListener) enqueue(job func(ctx context.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- job:
	default:
		l.logger.Warn("persistence queue full, dropping write")
	}
}

func (l *PersistenceListener) handleFileUpsert(event *runner.Event) {
	var payload runner.FilePayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}
	l.enqueue(func(ctx context.Context) {
		if err := l.store.SaveWorkspaceFile(ctx, l.sessionID, payload.File); err != nil {
			l.logger.Warn("failed to persist workspace file",
				zap.String("path", payload.File.Path), zap.Error(err))
		}
	})
}

func (l *PersistenceListener) handleFileDeleted(event *runner.Event) {
	var payload runner.FileDeletedPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}
	l.enqueue(func(ctx context.Context) {
		if err := l.store.DeleteSessionFile(ctx, l.sessionID, payload.Path); err != nil {
			l.logger.Warn("failed to delete persisted workspace file",
				zap.String("path", payload.Path), zap.Error(err))
		}
	})
}

func (l *PersistenceListener) handleTranscriptChanged(event *runner.Event) {
	var payload runner.TranscriptChangedPayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}
	l.enqueue(func(ctx context.Context) {
		if err := l.store.SaveTranscript(ctx, l.sessionID, payload.Content); err != nil {
			l.logger.Warn("failed to persist transcript", zap.Error(err))
			return
		}
		now := time.Now().UTC()
		if err := l.store.UpdateSessionRecord(ctx, l.sessionID, storage.SessionUpdate{LastActivity: &now}); err != nil {
			l.logger.Warn("failed to update session activity", zap.Error(err))
		}
	})
}

func (l *PersistenceListener) handleOptionsUpdate(event *runner.Event) {
	var payload OptionsUpdatePayload
	if err := event.DecodePayload(&payload); err != nil {
		return
	}
	l.enqueue(func(ctx context.Context) {
		if err := l.store.UpdateSessionRecord(ctx, l.sessionID, storage.SessionUpdate{Options: payload.Options}); err != nil {
			l.logger.Warn("failed to persist session options", zap.Error(err))
		}
	})
}

// SyncFullState enqueues a full snapshot write: session record, transcript,
// and every tracked workspace file.
func (l *PersistenceListener) SyncFullState() {
	record := l.state.ToPersistedListData()
	rawTranscript := l.state.RawTranscript()
	files := l.state.WorkspaceFiles()

	l.enqueue(func(ctx context.Context) {
		update := storage.SessionUpdate{
			Name:         &record.Name,
			Options:      record.Options,
			Metadata:     record.Metadata,
			LastActivity: record.LastActivity,
		}
		if err := l.store.UpdateSessionRecord(ctx, l.sessionID, update); err != nil {
			l.logger.Warn("full sync: failed to update session record", zap.Error(err))
		}
		if rawTranscript != "" {
			if err := l.store.SaveTranscript(ctx, l.sessionID, rawTranscript); err != nil {
				l.logger.Warn("full sync: failed to save transcript", zap.Error(err))
			}
		}
		for _, file := range files {
			if err := l.store.SaveWorkspaceFile(ctx, l.sessionID, file); err != nil {
				l.logger.Warn("full sync: failed to save workspace file",
					zap.String("path", file.Path), zap.Error(err))
			}
		}
	})
}

// Close detaches from the bus and drains pending writes, waiting at most
// until ctx expires.
func (l *PersistenceListener) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	l.subs = nil
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
