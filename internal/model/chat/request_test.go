package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRepliesBareArray(t *testing.T) {
	replies, err := ParseReplies([]byte(`[{"text":"Te ayudo con fracciones"}]`))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "Te ayudo con fracciones", replies[0].Text)
}

func TestParseRepliesWrapped(t *testing.T) {
	body := `{"replies":[{"text":"hola"},{"buttons":[{"title":"Sí","payload":"/affirm"}]}]}`
	replies, err := ParseReplies([]byte(body))
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "hola", replies[0].Text)
	assert.Equal(t, "/affirm", replies[1].Buttons[0].Payload)
}

func TestParseRepliesEmptyBody(t *testing.T) {
	replies, err := ParseReplies([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, replies)
}

func TestParseRepliesRejectsUnknownShape(t *testing.T) {
	_, err := ParseReplies([]byte(`{"text":"sin envoltorio"}`))
	assert.ErrorIs(t, err, ErrUnexpectedReplies)

	_, err = ParseReplies([]byte(`"texto"`))
	assert.ErrorIs(t, err, ErrUnexpectedReplies)
}

func TestCardKeepsExtraKeys(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"cards":[{"url":"https://x.test/a","title":"A","thumb":"t.png"}]}`), &msg))
	require.Len(t, msg.Cards, 1)
	assert.Equal(t, "https://x.test/a", msg.Cards[0].URL)
	assert.Equal(t, "t.png", msg.Cards[0].Extra["thumb"])

	out, err := json.Marshal(msg.Cards[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://x.test/a","title":"A","thumb":"t.png"}`, string(out))
}

func TestNewWireBodySendsTextAndMessage(t *testing.T) {
	body := NewWireBody(SendRequest{Text: "hola", Sender: "s-1"})
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":"s-1","message":"hola","text":"hola"}`, string(raw))
}
