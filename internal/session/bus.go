// Package session implements the per-session runtime actor: the event bus
// every state transition is announced on, the authoritative in-memory state,
// the persistence and client broadcast listeners, and the coordinator that
// wires them to an execution environment.
package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/runner"
)

// wildcard subscribes a listener to every event type.
const wildcard = "*"

// Listener receives one event. Panics are recovered and logged by the bus.
type Listener func(event *runner.Event)

// Bus is the per-session synchronous pub/sub hub. When Emit returns, every
// listener registered for the event's type has run exactly once. A dispatch
// mutex serializes emissions, making the bus the session's serialization
// point: two sessions process events concurrently, one session never does.
type Bus struct {
	logger *logger.Logger

	dispatchMu sync.Mutex

	mu        sync.Mutex
	listeners map[string]map[int]Listener
	nextID    int
	destroyed bool
}

// NewBus creates an empty bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		logger:    log.WithComponent("session_bus"),
		listeners: make(map[string]map[int]Listener),
	}
}

// Subscription is a stable unsubscribe handle.
type Subscription struct {
	bus       *Bus
	eventType string
	id        int
}

// Unsubscribe removes the listener. Safe to call from inside a handler; it
// takes effect on subsequent emissions.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.listeners[s.eventType]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(s.bus.listeners, s.eventType)
		}
	}
}

// Subscribe registers a listener for one event type.
func (b *Bus) Subscribe(eventType string, fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil
	}

	b.nextID++
	id := b.nextID
	set, ok := b.listeners[eventType]
	if !ok {
		set = make(map[int]Listener)
		b.listeners[eventType] = set
	}
	set[id] = fn
	return &Subscription{bus: b, eventType: eventType, id: id}
}

// SubscribeAll registers a listener for every event type.
func (b *Bus) SubscribeAll(fn Listener) *Subscription {
	return b.Subscribe(wildcard, fn)
}

// Emit delivers the event to every listener for its type, synchronously and
// in registration order relative to other emissions. Listener panics are
// caught and logged. After Destroy, Emit is a no-op.
func (b *Bus) Emit(event *runner.Event) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	targets := make([]Listener, 0, len(b.listeners[event.Type])+len(b.listeners[wildcard]))
	for _, fn := range b.listeners[event.Type] {
		targets = append(targets, fn)
	}
	for _, fn := range b.listeners[wildcard] {
		targets = append(targets, fn)
	}
	b.mu.Unlock()

	for _, fn := range targets {
		b.dispatch(event, fn)
	}
}

func (b *Bus) dispatch(event *runner.Event, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("session event listener panicked",
				zap.String("event_type", event.Type), zap.Any("panic", r))
		}
	}()
	fn(event)
}

// ListenerCount reports how many listeners are registered for the type,
// wildcard listeners excluded.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[eventType])
}

// Destroy drops every listener and makes subsequent emissions no-ops.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	b.listeners = make(map[string]map[int]Listener)
}
