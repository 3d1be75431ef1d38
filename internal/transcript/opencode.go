package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/pkg/opencode"
)

// parseOpenCode converts an OpenCode envelope. The main blob is a single
// export document; subagent threads come either from the envelope or from
// nested task tool metadata.
func parseOpenCode(env *conversation.TranscriptEnvelope, log *logger.Logger) *conversation.ParseResult {
	result := &conversation.ParseResult{
		Blocks:    []conversation.Block{},
		Subagents: []conversation.SubagentThread{},
	}

	var export opencode.Export
	if err := json.Unmarshal([]byte(env.Main), &export); err != nil {
		log.Warn("failed to decode opencode export, returning empty parse", zap.Error(err))
		return result
	}

	blocks, nested := convertOpenCodeMessages(export.Messages, true)
	result.Blocks = blocks
	result.Subagents = nested

	for _, sub := range env.Subagents {
		var subExport opencode.Export
		if err := json.Unmarshal([]byte(sub.Transcript), &subExport); err != nil {
			log.Warn("skipping malformed subagent transcript",
				zap.String("subagent_id", sub.ID),
				zap.Error(err))
			continue
		}
		subBlocks, _ := convertOpenCodeMessages(subExport.Messages, false)
		result.Subagents = append(result.Subagents, conversation.SubagentThread{
			ID:     sub.ID,
			Blocks: subBlocks,
		})
	}

	return result
}

// convertOpenCodeMessages converts messages in order. When allowNested is
// true, task tool parts with nested session metadata spawn subagent threads;
// subagent threads themselves never nest.
func convertOpenCodeMessages(messages []opencode.Message, allowNested bool) ([]conversation.Block, []conversation.SubagentThread) {
	blocks := []conversation.Block{}
	subagents := []conversation.SubagentThread{}

	for mi, msg := range messages {
		ts := messageTime(&msg.Info)
		baseID := msg.Info.ID
		if baseID == "" {
			baseID = fmt.Sprintf("msg-%d", mi)
		}

		switch msg.Info.Role {
		case opencode.RoleUser:
			if b, ok := convertOpenCodeUser(&msg, baseID, ts); ok {
				blocks = append(blocks, b)
			}
		case opencode.RoleAssistant:
			msgBlocks, msgSubagents := convertOpenCodeAssistant(&msg, baseID, ts, allowNested)
			blocks = append(blocks, msgBlocks...)
			subagents = append(subagents, msgSubagents...)
		}
	}

	return blocks, subagents
}

// convertOpenCodeUser concatenates all text parts into one user_message.
func convertOpenCodeUser(msg *opencode.Message, baseID string, ts time.Time) (conversation.Block, bool) {
	var content strings.Builder
	for _, p := range msg.Parts {
		if p.Type == opencode.PartTypeText {
			content.WriteString(p.Text)
		}
	}
	if content.Len() == 0 {
		return conversation.Block{}, false
	}
	return conversation.Block{
		ID:        baseID,
		Type:      conversation.BlockTypeUserMessage,
		Timestamp: ts,
		Content:   content.String(),
	}, true
}

func convertOpenCodeAssistant(msg *opencode.Message, baseID string, ts time.Time, allowNested bool) ([]conversation.Block, []conversation.SubagentThread) {
	var blocks []conversation.Block
	var subagents []conversation.SubagentThread

	for pi, p := range msg.Parts {
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", baseID, pi)
		}

		switch p.Type {
		case opencode.PartTypeText:
			blocks = append(blocks, conversation.Block{
				ID:        id,
				Type:      conversation.BlockTypeAssistantText,
				Timestamp: ts,
				Content:   p.Text,
				Model:     msg.Info.ModelID,
			})

		case opencode.PartTypeReasoning:
			blocks = append(blocks, conversation.Block{
				ID:        id,
				Type:      conversation.BlockTypeThinking,
				Timestamp: ts,
				Content:   p.Text,
			})

		case opencode.PartTypeTool:
			toolBlocks, thread := convertOpenCodeTool(&p, id, ts, allowNested)
			blocks = append(blocks, toolBlocks...)
			if thread != nil {
				subagents = append(subagents, *thread)
			}

		case opencode.PartTypeStepStart, opencode.PartTypeStepFinish:
			blocks = append(blocks, conversation.Block{
				ID:        id,
				Type:      conversation.BlockTypeSystem,
				Timestamp: ts,
				Subtype:   conversation.SystemSubtypeStatus,
				Message:   p.Type,
			})

		case opencode.PartTypeRetry:
			message := "retry"
			if p.Error != nil && p.Error.Message != "" {
				message = p.Error.Message
			}
			blocks = append(blocks, conversation.Block{
				ID:        id,
				Type:      conversation.BlockTypeSystem,
				Timestamp: ts,
				Subtype:   conversation.SystemSubtypeError,
				Message:   message,
			})

		case opencode.PartTypeAgent, opencode.PartTypeSubtask:
			var input map[string]any
			if p.Prompt != "" {
				input = map[string]any{"prompt": p.Prompt}
			}
			blocks = append(blocks, conversation.Block{
				ID:         id,
				Type:       conversation.BlockTypeSubagent,
				Timestamp:  ts,
				SubagentID: id,
				Name:       p.Name,
				Input:      input,
				Status:     conversation.ToolStatusSuccess,
			})

		case opencode.PartTypeFile, opencode.PartTypeSnapshot, opencode.PartTypePatch, opencode.PartTypeCompaction:
			// Not conversational content.
		}
	}

	return blocks, subagents
}

// convertOpenCodeTool emits a tool_use block plus, on terminal state, its
// tool_result. A task tool whose state carries a nested session ID becomes a
// subagent block with a recursively parsed sub-thread instead.
func convertOpenCodeTool(p *opencode.Part, id string, ts time.Time, allowNested bool) ([]conversation.Block, *conversation.SubagentThread) {
	state := p.State
	if state == nil {
		state = &opencode.ToolState{Status: opencode.ToolStatusPending}
	}

	if allowNested && p.Tool == opencode.ToolTask && state.Metadata != nil && state.Metadata.SessionID != "" {
		return convertOpenCodeTask(p, state, id, ts)
	}

	blocks := []conversation.Block{{
		ID:          id,
		Type:        conversation.BlockTypeToolUse,
		Timestamp:   ts,
		ToolName:    p.Tool,
		ToolUseID:   p.CallID,
		Input:       state.Input,
		Status:      openCodeToolStatus(state.Status),
		DisplayName: state.Title,
	}}

	if state.Terminal() {
		output := state.Output
		isError := state.Status == opencode.ToolStatusError
		if isError && state.Error != "" {
			output = state.Error
		}
		result := conversation.Block{
			ID:        id + "-result",
			Type:      conversation.BlockTypeToolResult,
			Timestamp: ts,
			ToolUseID: p.CallID,
			Output:    output,
			IsError:   isError,
		}
		if d := toolDuration(state.Time); d != nil {
			result.DurationMs = d
		}
		blocks = append(blocks, result)
	}

	return blocks, nil
}

func convertOpenCodeTask(p *opencode.Part, state *opencode.ToolState, id string, ts time.Time) ([]conversation.Block, *conversation.SubagentThread) {
	subagentID := state.Metadata.SessionID

	block := conversation.Block{
		ID:         id,
		Type:       conversation.BlockTypeSubagent,
		Timestamp:  ts,
		SubagentID: subagentID,
		Name:       state.Title,
		Input:      state.Input,
		Status:     openCodeToolStatus(state.Status),
		Output:     state.Output,
		ToolUseID:  p.CallID,
	}
	if d := toolDuration(state.Time); d != nil {
		block.DurationMs = d
	}

	thread := &conversation.SubagentThread{ID: subagentID, Blocks: []conversation.Block{}}
	if summary, err := state.Metadata.SummaryMessages(); err == nil && len(summary) > 0 {
		// Sub-threads do not nest further.
		thread.Blocks, _ = convertOpenCodeMessages(summary, false)
	}

	return []conversation.Block{block}, thread
}

func openCodeToolStatus(status string) conversation.ToolStatus {
	switch status {
	case opencode.ToolStatusPending:
		return conversation.ToolStatusPending
	case opencode.ToolStatusRunning:
		return conversation.ToolStatusRunning
	case opencode.ToolStatusError:
		return conversation.ToolStatusError
	default:
		return conversation.ToolStatusSuccess
	}
}

func toolDuration(t *opencode.ToolTime) *int64 {
	if t == nil || t.Start == 0 || t.End == 0 || t.End < t.Start {
		return nil
	}
	d := t.End - t.Start
	return &d
}

func messageTime(info *opencode.MessageInfo) time.Time {
	if info.Time == nil || info.Time.Created == 0 {
		return time.Time{}
	}
	return time.UnixMilli(info.Time.Created).UTC()
}
