package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/storage"
)

func newTestState(t *testing.T) (*State, *Bus) {
	t.Helper()
	snapshot := &storage.SessionSnapshot{
		SessionRecord: storage.SessionRecord{
			ID:           "s1",
			Architecture: conversation.ArchitectureOpenCode,
			CreatedAt:    time.Now().UTC(),
		},
	}
	bus := NewBus(logger.Default())
	state := NewState(snapshot, logger.Default())
	state.Attach(bus)
	return state, bus
}

func emitMain(bus *Bus, eventType string, payload any) {
	ev := runner.MustEvent(eventType, payload)
	ev.Context.SessionID = "s1"
	ev.Context.ConversationID = runner.ConversationMain
	bus.Emit(ev)
}

func TestState_BlockStartDeltaComplete(t *testing.T) {
	state, bus := newTestState(t)

	emitMain(bus, runner.EventBlockStart, runner.BlockStartPayload{
		Block: conversation.Block{ID: "T1", Type: conversation.BlockTypeAssistantText},
	})
	emitMain(bus, runner.EventBlockDelta, runner.BlockDeltaPayload{BlockID: "T1", Delta: "Hi"})
	emitMain(bus, runner.EventBlockDelta, runner.BlockDeltaPayload{BlockID: "T1", Delta: " there"})
	emitMain(bus, runner.EventBlockComplete, runner.BlockCompletePayload{
		BlockID: "T1",
		Block:   conversation.Block{ID: "T1", Type: conversation.BlockTypeAssistantText, Content: "Hi there"},
	})

	data := state.ToRuntimeSessionData()
	require.Len(t, data.Blocks, 1)
	assert.Equal(t, "Hi there", data.Blocks[0].Content)
}

func TestState_BlockUpdateOverlaysPartialFields(t *testing.T) {
	state, bus := newTestState(t)

	emitMain(bus, runner.EventBlockStart, runner.BlockStartPayload{
		Block: conversation.Block{
			ID:       "TU1",
			Type:     conversation.BlockTypeToolUse,
			ToolName: "bash",
			Status:   conversation.ToolStatusPending,
		},
	})
	emitMain(bus, runner.EventBlockUpdate, runner.BlockUpdatePayload{
		BlockID: "TU1",
		Updates: json.RawMessage(`{"status":"running"}`),
	})

	data := state.ToRuntimeSessionData()
	require.Len(t, data.Blocks, 1)
	assert.Equal(t, conversation.ToolStatusRunning, data.Blocks[0].Status)
	assert.Equal(t, "bash", data.Blocks[0].ToolName, "fields absent from the update are untouched")
}

func TestState_TerminalToolUseRejectsMutation(t *testing.T) {
	state, bus := newTestState(t)

	emitMain(bus, runner.EventBlockStart, runner.BlockStartPayload{
		Block: conversation.Block{ID: "TU1", Type: conversation.BlockTypeToolUse, Status: conversation.ToolStatusSuccess},
	})
	emitMain(bus, runner.EventBlockUpdate, runner.BlockUpdatePayload{
		BlockID: "TU1",
		Updates: json.RawMessage(`{"status":"running"}`),
	})

	data := state.ToRuntimeSessionData()
	assert.Equal(t, conversation.ToolStatusSuccess, data.Blocks[0].Status)
}

func TestState_BlocksRouteToSubagentThread(t *testing.T) {
	state, bus := newTestState(t)

	ev := runner.MustEvent(runner.EventBlockStart, runner.BlockStartPayload{
		Block: conversation.Block{ID: "SB1", Type: conversation.BlockTypeAssistantText, Content: "sub"},
	})
	ev.Context.ConversationID = "SUB1"
	bus.Emit(ev)

	data := state.ToRuntimeSessionData()
	assert.Empty(t, data.Blocks)
	require.Len(t, data.Subagents, 1)
	assert.Equal(t, "SUB1", data.Subagents[0].ID)
	require.Len(t, data.Subagents[0].Blocks, 1)
}

func TestState_TranscriptChangedSwapsBlocks(t *testing.T) {
	state, bus := newTestState(t)

	// Streaming left a partial block in place.
	emitMain(bus, runner.EventBlockStart, runner.BlockStartPayload{
		Block: conversation.Block{ID: "tmp", Type: conversation.BlockTypeAssistantText, Content: "partial"},
	})

	env := conversation.TranscriptEnvelope{Main: `{"messages":[
		{"info":{"id":"m1","role":"user"},"parts":[{"id":"p1","type":"text","text":"hello"}]},
		{"info":{"id":"m2","role":"assistant","modelID":"gpt-5"},"parts":[{"id":"p2","type":"text","text":"world"}]}
	]}`}
	raw, err := env.Encode()
	require.NoError(t, err)

	emitMain(bus, runner.EventTranscriptChanged, runner.TranscriptChangedPayload{Content: raw})

	data := state.ToRuntimeSessionData()
	require.Len(t, data.Blocks, 2)
	assert.Equal(t, conversation.BlockTypeUserMessage, data.Blocks[0].Type)
	assert.Equal(t, conversation.BlockTypeAssistantText, data.Blocks[1].Type)
	assert.Equal(t, raw, state.RawTranscript())
	require.NotNil(t, data.LastActivity)
}

func TestState_MalformedTranscriptYieldsEmptyBlocks(t *testing.T) {
	snapshot := &storage.SessionSnapshot{
		SessionRecord: storage.SessionRecord{
			ID:           "s1",
			Architecture: conversation.ArchitectureClaude,
			CreatedAt:    time.Now(),
		},
		RawTranscript: "not json",
	}
	state := NewState(snapshot, logger.Default())

	data := state.ToRuntimeSessionData()
	assert.Empty(t, data.Blocks)
	assert.Empty(t, data.Subagents)
	assert.Equal(t, "not json", state.RawTranscript())
}

func TestState_FileEvents(t *testing.T) {
	state, bus := newTestState(t)
	content := "v1"

	emitMain(bus, runner.EventFileCreated, runner.FilePayload{
		File: conversation.WorkspaceFile{Path: "a.txt", Content: &content},
	})
	updated := "v2"
	emitMain(bus, runner.EventFileModified, runner.FilePayload{
		File: conversation.WorkspaceFile{Path: "a.txt", Content: &updated},
	})

	files := state.WorkspaceFiles()
	require.Len(t, files, 1)
	assert.Equal(t, "v2", *files[0].Content)

	emitMain(bus, runner.EventFileDeleted, runner.FileDeletedPayload{Path: "a.txt"})
	assert.Empty(t, state.WorkspaceFiles())
}

func TestState_SubagentCompleted(t *testing.T) {
	state, bus := newTestState(t)

	emitMain(bus, runner.EventBlockStart, runner.BlockStartPayload{
		Block: conversation.Block{
			ID:         "B1",
			Type:       conversation.BlockTypeSubagent,
			SubagentID: "SUB1",
			Status:     conversation.ToolStatusRunning,
		},
	})
	emitMain(bus, runner.EventSubagentCompleted, runner.SubagentCompletedPayload{
		SubagentID: "SUB1",
		Status:     conversation.ToolStatusSuccess,
	})

	data := state.ToRuntimeSessionData()
	assert.Equal(t, conversation.ToolStatusSuccess, data.Blocks[0].Status)
}

func TestState_OptionsAndStatusAndError(t *testing.T) {
	state, bus := newTestState(t)

	emitMain(bus, runner.EventOptionsUpdate, OptionsUpdatePayload{Options: json.RawMessage(`{"model":"haiku"}`)})
	assert.JSONEq(t, `{"model":"haiku"}`, string(state.ToPersistedListData().Options))

	emitMain(bus, runner.EventStatusChanged, StatusChangedPayload{Runtime: RuntimeState{
		IsLoaded:    true,
		Environment: &EnvironmentRuntime{Status: EnvReady},
	}})
	rt := state.GetRuntimeState()
	require.NotNil(t, rt.Environment)
	assert.Equal(t, EnvReady, rt.Environment.Status)

	emitMain(bus, runner.EventError, runner.ErrorPayload{Message: "boom", Code: "X"})
	rt = state.GetRuntimeState()
	require.NotNil(t, rt.LastError)
	assert.Equal(t, "boom", rt.LastError.Message)
}

func TestState_ProjectionsAreDefensiveCopies(t *testing.T) {
	state, bus := newTestState(t)

	emitMain(bus, runner.EventBlockStart, runner.BlockStartPayload{
		Block: conversation.Block{ID: "T1", Type: conversation.BlockTypeAssistantText, Content: "orig"},
	})

	data := state.ToRuntimeSessionData()
	data.Blocks[0].Content = "mutated"

	again := state.ToRuntimeSessionData()
	assert.Equal(t, "orig", again.Blocks[0].Content)

	rt := state.GetRuntimeState()
	rt.Environment = &EnvironmentRuntime{Status: EnvError}
	assert.Nil(t, state.GetRuntimeState().Environment)
}
