package feature

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Variants(t *testing.T) {
	cases := []struct {
		in      string
		want    Request
		key     string
		agentID string
	}{
		{`{"type":"chat_reply","message_id":"m1","conversation_id":"c1"}`, ChatReply{MessageID: "m1", ConversationID: "c1"}, "chat_reply:m1", ""},
		{`{"type":"reply_to_agent","message_id":"m2","agent_id":"a1"}`, ReplyToAgent{MessageID: "m2", AgentID: "a1"}, "reply_to_agent:m2", "a1"},
		{`{"type":"feed_scan","feed_id":"f1","scan_id":"s9"}`, FeedScan{FeedID: "f1", ScanID: "s9"}, "feed_scan:f1:s9", ""},
	}
	for _, tc := range cases {
		got, err := Decode([]byte(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.key, got.IdempotencyKey())
		assert.Equal(t, tc.agentID, got.Agent())
	}
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte(`{"type":"summarize","message_id":"m1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"message_id":"m1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"type":"reply_to_agent","message_id":"m1"}`))
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), "reply_to_agent.agent_id")

	_, err = Decode([]byte(`{"type":"chat_reply","message_id":"  ","conversation_id":"c"}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEnvelope_RoundTripsInsideBody(t *testing.T) {
	var body struct {
		Model   string    `json:"model"`
		Feature *Envelope `json:"feature"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"model":"gpt-4","feature":{"type":"feed_scan","feed_id":"f","scan_id":"s"}}`), &body))
	require.NotNil(t, body.Feature)
	assert.Equal(t, TypeFeedScan, body.Feature.Request.Type())

	out, err := json.Marshal(body.Feature)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"feed_scan","feed_id":"f","scan_id":"s"}`, string(out))

	var bad struct {
		Feature *Envelope `json:"feature"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"feature":{"type":"nope"}}`), &bad))
}
