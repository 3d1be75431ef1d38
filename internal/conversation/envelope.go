package conversation

import (
	"encoding/json"
	"fmt"
)

// SubagentTranscript pairs a subagent ID with its native transcript blob.
type SubagentTranscript struct {
	ID         string `json:"id"`
	Transcript string `json:"transcript"`
}

// TranscriptEnvelope is the canonical wrapper for raw transcripts at every
// persistence and component boundary. The Main and per-subagent blobs are
// opaque strings whose interpretation is architecture-specific.
type TranscriptEnvelope struct {
	Main      string               `json:"main"`
	Subagents []SubagentTranscript `json:"subagents"`
}

// Encode serializes the envelope to its canonical single-string form.
func (e *TranscriptEnvelope) Encode() (string, error) {
	if e.Subagents == nil {
		e.Subagents = []SubagentTranscript{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode transcript envelope: %w", err)
	}
	return string(data), nil
}

// DecodeEnvelope parses the canonical envelope string. A malformed envelope
// is an error; callers that must degrade gracefully handle it at the parse
// layer.
func DecodeEnvelope(raw string) (*TranscriptEnvelope, error) {
	var env TranscriptEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("malformed transcript envelope: %w", err)
	}
	if env.Subagents == nil {
		env.Subagents = []SubagentTranscript{}
	}
	return &env, nil
}
