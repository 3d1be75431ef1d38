package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

// SessionNotificationBroadcaster bridges host-level bus events to connected
// clients. Collection changes and status updates go to every client so list
// views stay current without a per-session subscription.
type SessionNotificationBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterSessionNotifications wires the host event subjects into the hub.
func RegisterSessionNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *SessionNotificationBroadcaster {
	b := &SessionNotificationBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-session-notifications")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.SessionsChanged, ws.ActionSessionsChanged)
	b.subscribe(eventBus, events.BuildSessionStatusWildcardSubject(), ws.ActionSessionStatus)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from the event bus.
func (b *SessionNotificationBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *SessionNotificationBroadcaster) subscribe(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		b.hub.Broadcast(GlobalRoom, action, event.Data)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
