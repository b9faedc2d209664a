package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIncomingSegmentArray(t *testing.T) {
	raw := json.RawMessage(`{
		"message_id": 42, "time": 1700000000, "self_id": 1,
		"message_type": "group", "group_id": 100, "user_id": 7,
		"sender": {"user_id": 7, "nickname": "A", "role": "member"},
		"message": [
			{"type": "text", "data": {"text": "hello "}},
			{"type": "at", "data": {"qq": "9"}},
			{"type": "text", "data": {"text": "world"}}
		]
	}`)
	inc, err := DecodeIncoming(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(42), inc.MessageID)
	assert.Equal(t, "group", inc.MessageType)
	require.Len(t, inc.Segments, 3)
	assert.Equal(t, "at", inc.Segments[1].Type)
	assert.Equal(t, "9", inc.Segments[1].Data.QQ)
}

func TestDecodeIncomingStringMessage(t *testing.T) {
	raw := json.RawMessage(`{"message_id": 1, "message_type": "private", "user_id": 7, "message": "plain text"}`)
	inc, err := DecodeIncoming(raw)
	require.NoError(t, err)
	require.Len(t, inc.Segments, 1)
	assert.Equal(t, "text", inc.Segments[0].Type)
	assert.Equal(t, "plain text", inc.Segments[0].Data.Text)
}

func TestUnknownSegmentPreservesRaw(t *testing.T) {
	in := []byte(`{"type":"dice","data":{"result":"6","extra":{"deep":true}}}`)
	var seg Segment
	require.NoError(t, json.Unmarshal(in, &seg))
	assert.Equal(t, "dice", seg.Type)

	out, err := json.Marshal(seg)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestAtTarget(t *testing.T) {
	all := Segment{Type: "at", Data: SegmentData{QQ: "all"}}
	id, isAll := all.atTarget()
	assert.True(t, isAll)
	assert.Zero(t, id)

	user := Segment{Type: "at", Data: SegmentData{QQ: "12345"}}
	id, isAll = user.atTarget()
	assert.False(t, isAll)
	assert.Equal(t, int64(12345), id)
}

func TestDeriveProjectionsTextInvariant(t *testing.T) {
	m := &FormattedMessage{
		Segments: []Segment{
			{Type: "text", Data: SegmentData{Text: "a"}},
			{Type: "image", Data: SegmentData{URL: "https://example.com/x.jpg"}},
			{Type: "text", Data: SegmentData{Text: "b"}},
			{Type: "at", Data: SegmentData{QQ: "all"}},
			{Type: "at", Data: SegmentData{QQ: "7"}},
			{Type: "record", Data: SegmentData{File: "v.amr"}},
			{Type: "share", Data: SegmentData{Title: "t", URL: "https://example.com"}},
		},
	}
	m.deriveProjections()

	assert.Equal(t, "ab", m.Text)
	assert.Len(t, m.Images, 1)
	assert.Len(t, m.Records, 1)
	assert.Len(t, m.Cards, 1)
	assert.True(t, m.AtAll)
	assert.Equal(t, []int64{7}, m.AtUsers)

	// Deriving twice is stable.
	m.deriveProjections()
	assert.Equal(t, "ab", m.Text)
	assert.Len(t, m.Images, 1)
}

func TestFormattedMessageJSONShape(t *testing.T) {
	m := &FormattedMessage{
		MessageID: 1,
		Type:      "group",
		GroupID:   100,
		Segments:  []Segment{{Type: "text", Data: SegmentData{Text: "hi"}}},
	}
	m.deriveProjections()

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "message_id")
	assert.Contains(t, decoded, "segments")
	assert.Equal(t, "hi", decoded["text"])
	// Empty optional bags are omitted.
	assert.NotContains(t, decoded, "images")
	assert.NotContains(t, decoded, "reply")
}
