package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

type eventCollector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *eventCollector) handler(ctx context.Context, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) waitFor(t *testing.T, count int) []*Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.events)
		c.mu.Unlock()
		if n >= count {
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]*Event(nil), c.events...)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", count)
	return nil
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	collector := &eventCollector{}
	_, err := b.Subscribe("session.status.s1", collector.handler)
	require.NoError(t, err)

	err = b.Publish(context.Background(), "session.status.s1",
		NewEvent("session.status", "host", map[string]interface{}{"sessionId": "s1"}))
	require.NoError(t, err)

	events := collector.waitFor(t, 1)
	assert.Equal(t, "session.status", events[0].Type)
	assert.Equal(t, "host", events[0].Source)
	assert.NotEmpty(t, events[0].ID)
}

func TestMemoryBus_ExactMatchDoesNotLeak(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	collector := &eventCollector{}
	_, err := b.Subscribe("session.status.s1", collector.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "session.status.s2",
		NewEvent("session.status", "host", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, collector.count())
}

func TestMemoryBus_SingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	collector := &eventCollector{}
	_, err := b.Subscribe("session.status.*", collector.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "session.status.s1", NewEvent("session.status", "host", nil)))
	require.NoError(t, b.Publish(ctx, "session.status.s2", NewEvent("session.status", "host", nil)))
	// Two tokens after the prefix must not match a single * wildcard.
	require.NoError(t, b.Publish(ctx, "session.status.s1.extra", NewEvent("session.status", "host", nil)))

	collector.waitFor(t, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, collector.count())
}

func TestMemoryBus_MultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	collector := &eventCollector{}
	_, err := b.Subscribe("session.>", collector.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "session.status.s1", NewEvent("session.status", "host", nil)))
	require.NoError(t, b.Publish(ctx, "session.created", NewEvent("session.created", "host", nil)))

	collector.waitFor(t, 2)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	collector := &eventCollector{}
	sub, err := b.Subscribe("sessions.changed", collector.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "sessions.changed",
		NewEvent("sessions.changed", "host", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, collector.count())
}

func TestMemoryBus_MultipleSubscribersAllReceive(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	first := &eventCollector{}
	second := &eventCollector{}
	_, err := b.Subscribe("sessions.changed", first.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("sessions.changed", second.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "sessions.changed",
		NewEvent("sessions.changed", "host", nil)))

	first.waitFor(t, 1)
	second.waitFor(t, 1)
}

func TestMemoryBus_ClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "sessions.changed", NewEvent("sessions.changed", "host", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("sessions.changed", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
