// Package transcript converts architecture-specific raw transcripts into the
// uniform conversation block model.
//
// Parsing is a pure function of the canonical transcript envelope. A
// malformed envelope yields an empty result and a logged warning so that a
// corrupted transcript can never make a session unloadable.
package transcript

import (
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/conversation"
)

type parseFunc func(env *conversation.TranscriptEnvelope, log *logger.Logger) *conversation.ParseResult

// parsers dispatches on the architecture tag.
var parsers = map[conversation.Architecture]parseFunc{
	conversation.ArchitectureClaude:   parseClaude,
	conversation.ArchitectureOpenCode: parseOpenCode,
}

// Parse converts a canonical transcript envelope string into blocks. An
// empty raw transcript or a malformed envelope returns an empty result.
func Parse(arch conversation.Architecture, raw string, log *logger.Logger) *conversation.ParseResult {
	empty := &conversation.ParseResult{
		Blocks:    []conversation.Block{},
		Subagents: []conversation.SubagentThread{},
	}
	if raw == "" {
		return empty
	}

	fn, ok := parsers[arch]
	if !ok {
		log.Warn("no transcript parser for architecture", zap.String("architecture", string(arch)))
		return empty
	}

	env, err := conversation.DecodeEnvelope(raw)
	if err != nil {
		log.Warn("failed to decode transcript envelope, returning empty parse",
			zap.String("architecture", string(arch)),
			zap.Error(err))
		return empty
	}

	result := fn(env, log)
	if result.Blocks == nil {
		result.Blocks = []conversation.Block{}
	}
	if result.Subagents == nil {
		result.Subagents = []conversation.SubagentThread{}
	}
	return result
}
