package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageConstructors(t *testing.T) {
	req, err := NewRequest("r1", ActionSessionGet, map[string]string{"sessionId": "s1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", req.ID)
	assert.Equal(t, MessageTypeRequest, req.Type)
	assert.False(t, req.Timestamp.IsZero())

	var decoded map[string]string
	require.NoError(t, req.ParsePayload(&decoded))
	assert.Equal(t, "s1", decoded["sessionId"])

	note, err := NewNotification(ActionSessionsChanged, nil)
	require.NoError(t, err)
	assert.Empty(t, note.ID, "notifications carry no correlation id")
	assert.Equal(t, MessageTypeNotification, note.Type)

	errMsg, err := NewError("r1", ActionSessionGet, ErrorCodeNotFound, "no such session", nil)
	require.NoError(t, err)
	var payload ErrorPayload
	require.NoError(t, errMsg.ParsePayload(&payload))
	assert.Equal(t, ErrorCodeNotFound, payload.Code)
	assert.Equal(t, "no such session", payload.Message)
}

func TestParsePayload_AbsentPayloadIsNoop(t *testing.T) {
	m := &Message{Type: MessageTypeResponse}
	out := map[string]string{"keep": "me"}
	require.NoError(t, m.ParsePayload(&out))
	assert.Equal(t, "me", out["keep"])
}
