package runner

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func collectEvents(t *testing.T, p *StreamParser) []*Event {
	t.Helper()
	var events []*Event
	for {
		ev, err := p.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestStreamParser_YieldsValidEvents(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"block:start","payload":{"block":{"id":"b1","type":"assistant_text"}}}`,
		`{"type":"block:delta","payload":{"blockId":"b1","delta":"Hi"}}`,
		`{"type":"block:complete","payload":{"blockId":"b1","block":{"id":"b1","type":"assistant_text","content":"Hi"}}}`,
	}, "\n") + "\n"

	p := NewStreamParser(strings.NewReader(input), newTestLogger(t))
	events := collectEvents(t, p)

	require.Len(t, events, 3)
	assert.Equal(t, EventBlockStart, events[0].Type)
	assert.Equal(t, EventBlockDelta, events[1].Type)
	assert.Equal(t, EventBlockComplete, events[2].Type)

	var delta BlockDeltaPayload
	require.NoError(t, events[1].DecodePayload(&delta))
	assert.Equal(t, "b1", delta.BlockID)
	assert.Equal(t, "Hi", delta.Delta)
}

func TestStreamParser_SkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"block:start","payload":{}}`,
		`this is not json`,
		`{"type":"block:complete","payload":{}}`,
	}, "\n") + "\n"

	p := NewStreamParser(strings.NewReader(input), newTestLogger(t))
	events := collectEvents(t, p)

	require.Len(t, events, 2)
	assert.Equal(t, EventBlockStart, events[0].Type)
	assert.Equal(t, EventBlockComplete, events[1].Type)
}

func TestStreamParser_SkipsEmptyLines(t *testing.T) {
	input := "\n\n" + `{"type":"error","payload":{"message":"boom"}}` + "\n\n"

	p := NewStreamParser(strings.NewReader(input), newTestLogger(t))
	events := collectEvents(t, p)

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}

func TestStreamParser_TrailingPartialLine(t *testing.T) {
	// No trailing newline - the final partial line must still be parsed.
	input := `{"type":"script-output","payload":{"success":true}}`

	p := NewStreamParser(strings.NewReader(input), newTestLogger(t))
	events := collectEvents(t, p)

	require.Len(t, events, 1)
	assert.Equal(t, EventScriptOutput, events[0].Type)

	var payload ScriptOutputPayload
	require.NoError(t, events[0].DecodePayload(&payload))
	assert.True(t, payload.Success)
}

func TestStreamParser_ConsumesLogEvents(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"log","payload":{"level":"info","message":"runner booted"}}`,
		`{"type":"block:start","payload":{}}`,
		`{"type":"log","payload":{"level":"error","message":"something failed"}}`,
	}, "\n") + "\n"

	p := NewStreamParser(strings.NewReader(input), newTestLogger(t))
	events := collectEvents(t, p)

	// Log events are forwarded to the server log, not yielded.
	require.Len(t, events, 1)
	assert.Equal(t, EventBlockStart, events[0].Type)
}

func TestStreamParser_EmptyStream(t *testing.T) {
	p := NewStreamParser(strings.NewReader(""), newTestLogger(t))
	_, err := p.Next()
	assert.Equal(t, io.EOF, err)
}
