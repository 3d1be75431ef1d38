package conversation

import (
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArchitecture(t *testing.T) {
	arch, err := ParseArchitecture("claude")
	require.NoError(t, err)
	assert.Equal(t, ArchitectureClaude, arch)

	arch, err = ParseArchitecture("opencode")
	require.NoError(t, err)
	assert.Equal(t, ArchitectureOpenCode, arch)

	_, err = ParseArchitecture("emacs")
	require.Error(t, err)
}

func TestNewSessionID_Claude(t *testing.T) {
	id := NewSessionID(ArchitectureClaude)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
}

func TestNewSessionID_OpenCode(t *testing.T) {
	pattern := regexp.MustCompile(`^ses_[0-9a-f]{12}_[0-9a-z]{11}$`)
	for i := 0; i < 20; i++ {
		id := NewSessionID(ArchitectureOpenCode)
		assert.Regexp(t, pattern, id)
	}
}

func TestTranscriptEnvelopeRoundTrip(t *testing.T) {
	env := &TranscriptEnvelope{
		Main: `{"some":"blob"}`,
		Subagents: []SubagentTranscript{
			{ID: "SUB1", Transcript: "nested"},
		},
	}
	raw, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.Main, decoded.Main)
	assert.Equal(t, env.Subagents, decoded.Subagents)
}

func TestTranscriptEnvelope_SubagentsNeverNull(t *testing.T) {
	raw, err := (&TranscriptEnvelope{Main: "x"}).Encode()
	require.NoError(t, err)
	assert.Contains(t, raw, `"subagents":[]`)

	decoded, err := DecodeEnvelope(`{"main":"y"}`)
	require.NoError(t, err)
	assert.NotNil(t, decoded.Subagents)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	_, err := DecodeEnvelope("not json")
	require.Error(t, err)
}

func TestCloneBlocksIsDeep(t *testing.T) {
	input := map[string]any{"cmd": "ls", "args": []any{"-la"}}
	blocks := []Block{{
		ID:       "B1",
		Type:     BlockTypeToolUse,
		ToolName: "bash",
		Input:    input,
	}}

	cloned := CloneBlocks(blocks)
	require.Len(t, cloned, 1)
	cloned[0].Input["cmd"] = "rm"

	assert.Equal(t, "ls", blocks[0].Input["cmd"])
}
