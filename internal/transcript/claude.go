package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// parseClaude converts a Claude Code envelope: every thread blob is
// line-delimited JSON, one record per line, in conversation order.
func parseClaude(env *conversation.TranscriptEnvelope, log *logger.Logger) *conversation.ParseResult {
	result := &conversation.ParseResult{
		Blocks:    parseClaudeThread(env.Main, "main", log),
		Subagents: []conversation.SubagentThread{},
	}

	for _, sub := range env.Subagents {
		result.Subagents = append(result.Subagents, conversation.SubagentThread{
			ID:     sub.ID,
			Blocks: parseClaudeThread(sub.Transcript, sub.ID, log),
		})
	}

	return result
}

// parseClaudeThread parses one JSONL blob. Malformed lines are skipped.
func parseClaudeThread(blob, threadID string, log *logger.Logger) []conversation.Block {
	blocks := []conversation.Block{}
	if strings.TrimSpace(blob) == "" {
		return blocks
	}

	for lineNo, line := range strings.Split(blob, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var rec claudecode.Record
		if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
			log.Warn("skipping malformed transcript record",
				zap.String("thread", threadID),
				zap.Int("line", lineNo))
			continue
		}

		blocks = append(blocks, convertClaudeRecord(&rec, threadID, lineNo)...)
	}

	return blocks
}

func convertClaudeRecord(rec *claudecode.Record, threadID string, lineNo int) []conversation.Block {
	ts := parseRecordTime(rec.Timestamp)
	baseID := rec.UUID
	if baseID == "" {
		baseID = fmt.Sprintf("%s-%d", threadID, lineNo)
	}

	switch rec.Type {
	case claudecode.RecordTypeUser:
		return convertClaudeUser(rec, baseID, ts)
	case claudecode.RecordTypeAssistant:
		return convertClaudeAssistant(rec, baseID, ts)
	case claudecode.RecordTypeSystem:
		return convertClaudeSystem(rec, baseID, ts)
	case claudecode.RecordTypeResult:
		return convertClaudeResult(rec, baseID, ts)
	default:
		return nil
	}
}

func convertClaudeUser(rec *claudecode.Record, baseID string, ts time.Time) []conversation.Block {
	if rec.Message == nil {
		return nil
	}

	if text, ok := rec.Message.TextContent(); ok {
		return []conversation.Block{{
			ID:        baseID,
			Type:      conversation.BlockTypeUserMessage,
			Timestamp: ts,
			Content:   text,
		}}
	}

	parts, ok := rec.Message.Parts()
	if !ok {
		return nil
	}

	// A user record carrying subagent metadata collapses its tool results
	// into a single subagent block on this thread.
	if rec.Subagent != nil {
		status := conversation.ToolStatusError
		if rec.Subagent.Status == claudecode.SubagentStatusCompleted {
			status = conversation.ToolStatusSuccess
		}
		var output strings.Builder
		var toolUseID string
		for _, p := range parts {
			if p.Type != claudecode.PartTypeToolResult {
				continue
			}
			output.WriteString(p.ResultText())
			if toolUseID == "" {
				toolUseID = p.ToolUseID
			}
		}
		return []conversation.Block{{
			ID:         baseID,
			Type:       conversation.BlockTypeSubagent,
			Timestamp:  ts,
			SubagentID: rec.Subagent.ID,
			Name:       rec.Subagent.Name,
			Status:     status,
			Output:     output.String(),
			ToolUseID:  toolUseID,
		}}
	}

	var blocks []conversation.Block
	for i, p := range parts {
		switch p.Type {
		case claudecode.PartTypeToolResult:
			blocks = append(blocks, conversation.Block{
				ID:        partID(baseID, i),
				Type:      conversation.BlockTypeToolResult,
				Timestamp: ts,
				ToolUseID: p.ToolUseID,
				Output:    p.ResultText(),
				IsError:   p.IsError,
			})
		case claudecode.PartTypeText:
			blocks = append(blocks, conversation.Block{
				ID:        partID(baseID, i),
				Type:      conversation.BlockTypeUserMessage,
				Timestamp: ts,
				Content:   p.Text,
			})
		}
	}
	return blocks
}

func convertClaudeAssistant(rec *claudecode.Record, baseID string, ts time.Time) []conversation.Block {
	if rec.Message == nil {
		return nil
	}
	parts, ok := rec.Message.Parts()
	if !ok {
		return nil
	}

	var blocks []conversation.Block
	for i, p := range parts {
		switch p.Type {
		case claudecode.PartTypeText:
			blocks = append(blocks, conversation.Block{
				ID:        partID(baseID, i),
				Type:      conversation.BlockTypeAssistantText,
				Timestamp: ts,
				Content:   p.Text,
				Model:     rec.Message.Model,
			})
		case claudecode.PartTypeToolUse:
			// Historical records are terminal.
			blocks = append(blocks, conversation.Block{
				ID:        p.ID,
				Type:      conversation.BlockTypeToolUse,
				Timestamp: ts,
				ToolName:  p.Name,
				ToolUseID: p.ID,
				Input:     p.Input,
				Status:    conversation.ToolStatusSuccess,
			})
		case claudecode.PartTypeThinking:
			blocks = append(blocks, conversation.Block{
				ID:        partID(baseID, i),
				Type:      conversation.BlockTypeThinking,
				Timestamp: ts,
				Content:   p.Thinking,
			})
		}
	}
	return blocks
}

// claudeSystemSubtypes maps native system subtypes to block subtypes.
var claudeSystemSubtypes = map[string]conversation.SystemSubtype{
	claudecode.SubtypeInit:            conversation.SystemSubtypeSessionStart,
	claudecode.SubtypeStatus:          conversation.SystemSubtypeStatus,
	claudecode.SubtypeHookResponse:    conversation.SystemSubtypeHookResponse,
	claudecode.SubtypeCompactBoundary: conversation.SystemSubtypeStatus,
}

func convertClaudeSystem(rec *claudecode.Record, baseID string, ts time.Time) []conversation.Block {
	subtype, ok := claudeSystemSubtypes[rec.Subtype]
	if !ok {
		return nil
	}

	block := conversation.Block{
		ID:        baseID,
		Type:      conversation.BlockTypeSystem,
		Timestamp: ts,
		Subtype:   subtype,
		Message:   rec.Subtype,
	}
	if rec.Subtype == claudecode.SubtypeInit {
		block.Message = "session started"
		block.Metadata = map[string]any{}
		if rec.Model != "" {
			block.Metadata["model"] = rec.Model
		}
		if len(rec.Tools) > 0 {
			block.Metadata["tools"] = rec.Tools
		}
	}
	return []conversation.Block{block}
}

func convertClaudeResult(rec *claudecode.Record, baseID string, ts time.Time) []conversation.Block {
	subtype := conversation.SystemSubtypeSessionEnd
	if rec.IsError {
		subtype = conversation.SystemSubtypeError
	}

	metadata := map[string]any{}
	if rec.CostUSD > 0 {
		metadata["costUSD"] = rec.CostUSD
	}
	if rec.DurationMS > 0 {
		metadata["durationMs"] = rec.DurationMS
	}
	if rec.NumTurns > 0 {
		metadata["numTurns"] = rec.NumTurns
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return []conversation.Block{{
		ID:        baseID,
		Type:      conversation.BlockTypeSystem,
		Timestamp: ts,
		Subtype:   subtype,
		Message:   rec.Result,
		Metadata:  metadata,
	}}
}

func partID(baseID string, index int) string {
	if index == 0 {
		return baseID
	}
	return fmt.Sprintf("%s-%d", baseID, index)
}

func parseRecordTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
