package session

import (
	"github.com/agentdeck/agentdeck/internal/runner"
)

// Hub is the client broadcast contract: deliver an event to every subscriber
// of a room, best-effort. Disconnected clients are dropped without error.
type Hub interface {
	Broadcast(roomKey, eventName string, event any)
}

// RoomKey returns the hub room for one session.
func RoomKey(sessionID string) string {
	return "session:" + sessionID
}

// BroadcastListener forwards every session event, unchanged, to the session's
// hub room. Unknown and future event types pass through transparently because
// payloads stay raw JSON.
type BroadcastListener struct {
	hub       Hub
	sessionID string
	sub       *Subscription
}

// NewBroadcastListener builds the listener.
func NewBroadcastListener(hub Hub, sessionID string) *BroadcastListener {
	return &BroadcastListener{hub: hub, sessionID: sessionID}
}

// Attach subscribes to every event on the bus.
func (l *BroadcastListener) Attach(bus *Bus) {
	l.sub = bus.SubscribeAll(func(event *runner.Event) {
		l.hub.Broadcast(RoomKey(l.sessionID), event.Type, event)
	})
}

// Detach unsubscribes from the bus.
func (l *BroadcastListener) Detach() {
	l.sub.Unsubscribe()
	l.sub = nil
}
