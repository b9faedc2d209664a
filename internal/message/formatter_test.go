package message

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const groupTextEvent = `{
	"post_type": "message", "message_type": "group",
	"group_id": 100, "user_id": 7,
	"message": [{"type": "text", "data": {"text": "hi"}}],
	"sender": {"user_id": 7, "nickname": "A", "role": "member"},
	"message_id": 42, "time": 1700000000, "self_id": 1
}`

func TestFormatMessageGroupText(t *testing.T) {
	caller := newFakeCaller()
	f, _ := newTestFormatter(caller, Options{})

	m, err := f.FormatMessage(context.Background(), json.RawMessage(groupTextEvent))
	require.NoError(t, err)

	assert.Equal(t, int64(42), m.MessageID)
	assert.Equal(t, "group", m.Type)
	assert.Equal(t, int64(100), m.GroupID)
	assert.Equal(t, "hi", m.Text)
	assert.Nil(t, m.Reply)
	assert.Empty(t, m.Raw)

	assert.True(t, strings.HasPrefix(m.Summary, "消息ID: 42 | 会话: G:100 | 群聊 | "), m.Summary)
	assert.Contains(t, m.Summary, "发送者: A(QQ:7)")

	assert.True(t, strings.HasPrefix(m.Objective, "在群聊「"), m.Objective)
	assert.Contains(t, m.Objective, "A(QQ:7)")
	assert.Contains(t, m.Objective, `说："hi"`)
}

func TestFormatMessageGroupNameResolved(t *testing.T) {
	caller := newFakeCaller()
	caller.on("get_group_info", func(any) (json.RawMessage, error) {
		return json.RawMessage(`{"group_id": 100, "group_name": "测试群"}`), nil
	})
	f, _ := newTestFormatter(caller, Options{})

	m, err := f.FormatMessage(context.Background(), json.RawMessage(groupTextEvent))
	require.NoError(t, err)
	assert.Equal(t, "测试群", m.GroupName)
	assert.Contains(t, m.Objective, "在群聊「测试群」里")

	// A second message hits the cache instead of the gateway.
	_, err = f.FormatMessage(context.Background(), json.RawMessage(groupTextEvent))
	require.NoError(t, err)
	assert.Equal(t, 1, caller.count("get_group_info"))
}

func TestFormatMessageIncludeRaw(t *testing.T) {
	caller := newFakeCaller()
	f, _ := newTestFormatter(caller, Options{IncludeRaw: true})

	m, err := f.FormatMessage(context.Background(), json.RawMessage(groupTextEvent))
	require.NoError(t, err)
	assert.JSONEq(t, groupTextEvent, string(m.Raw))
}

func TestFormatMessageReplyExpansion(t *testing.T) {
	caller := newFakeCaller()
	caller.on("get_msg", func(any) (json.RawMessage, error) {
		return json.RawMessage(`{
			"message_id": 10, "user_id": 3,
			"sender": {"user_id": 3, "nickname": "C"},
			"message": [
				{"type": "text", "data": {"text": "quoted"}},
				{"type": "image", "data": {"url": "https://cdn.example.com/q.jpg"}}
			]
		}`), nil
	})
	f, _ := newTestFormatter(caller, Options{})

	event := `{
		"post_type": "message", "message_type": "group", "group_id": 100, "user_id": 7,
		"message": [
			{"type": "reply", "data": {"id": "10"}},
			{"type": "text", "data": {"text": "agreed"}}
		],
		"sender": {"user_id": 7, "nickname": "A"},
		"message_id": 43, "time": 1700000001, "self_id": 1
	}`
	m, err := f.FormatMessage(context.Background(), json.RawMessage(event))
	require.NoError(t, err)

	require.NotNil(t, m.Reply)
	assert.Equal(t, int64(10), m.Reply.ID)
	assert.Equal(t, "quoted", m.Reply.Text)
	assert.Equal(t, int64(3), m.Reply.SenderID)
	assert.Len(t, m.Reply.Media.Images, 1)

	// The reply segment is removed from the body.
	assert.Equal(t, "agreed", m.Text)
	for _, seg := range m.Segments {
		assert.NotEqual(t, "reply", seg.Type)
	}
	assert.Contains(t, m.Summary, "回复")
}

func TestVoiceOnly(t *testing.T) {
	caller := newFakeCaller()
	f, _ := newTestFormatter(caller, Options{SkipVoice: true})

	voice := json.RawMessage(`{"message": [{"type": "record", "data": {"file": "v.amr"}}]}`)
	assert.True(t, f.VoiceOnly(voice))

	voiceWithBlank := json.RawMessage(`{"message": [
		{"type": "record", "data": {"file": "v.amr"}},
		{"type": "text", "data": {"text": "  "}}
	]}`)
	assert.True(t, f.VoiceOnly(voiceWithBlank))

	voiceWithText := json.RawMessage(`{"message": [
		{"type": "record", "data": {"file": "v.amr"}},
		{"type": "text", "data": {"text": "listen"}}
	]}`)
	assert.False(t, f.VoiceOnly(voiceWithText))

	voiceWithImage := json.RawMessage(`{"message": [
		{"type": "record", "data": {"file": "v.amr"}},
		{"type": "image", "data": {"url": "https://x/a.jpg"}}
	]}`)
	assert.False(t, f.VoiceOnly(voiceWithImage))

	textOnly := json.RawMessage(`{"message": [{"type": "text", "data": {"text": "hi"}}]}`)
	assert.False(t, f.VoiceOnly(textOnly))

	// Policy disabled.
	off, _ := newTestFormatter(caller, Options{SkipVoice: false})
	assert.False(t, off.VoiceOnly(voice))
}

func TestAnimatedStickerOnly(t *testing.T) {
	caller := newFakeCaller()
	f, _ := newTestFormatter(caller, Options{SkipAnimatedEmoji: true})

	sticker := &FormattedMessage{
		Images: []SegmentData{{Summary: "[动画表情]"}},
	}
	assert.True(t, f.AnimatedStickerOnly(sticker))

	withText := &FormattedMessage{
		Text:   "look",
		Images: []SegmentData{{Summary: "[动画表情]"}},
	}
	assert.False(t, f.AnimatedStickerOnly(withText))

	withReply := &FormattedMessage{
		Reply:  &Reply{ID: 1},
		Images: []SegmentData{{Summary: "[动画表情]"}},
	}
	assert.False(t, f.AnimatedStickerOnly(withReply))

	plainImage := &FormattedMessage{
		Images: []SegmentData{{Summary: "photo"}},
	}
	assert.False(t, f.AnimatedStickerOnly(plainImage))

	off, _ := newTestFormatter(caller, Options{SkipAnimatedEmoji: false})
	assert.False(t, off.AnimatedStickerOnly(sticker))
}

func TestFormatPokeSuppression(t *testing.T) {
	caller := newFakeCaller()
	f, _ := newTestFormatter(caller, Options{})

	// Bot pokes someone else in a private chat: suppressed.
	_, suppress, err := f.FormatPoke(context.Background(), json.RawMessage(
		`{"time": 1700000000, "self_id": 1, "user_id": 1, "target_id": 7}`))
	require.NoError(t, err)
	assert.True(t, suppress)

	// Bot pokes itself: broadcast.
	m, suppress, err := f.FormatPoke(context.Background(), json.RawMessage(
		`{"time": 1700000000, "self_id": 1, "user_id": 1, "target_id": 1}`))
	require.NoError(t, err)
	assert.False(t, suppress)
	assert.Equal(t, "poke", m.EventType)
	assert.Zero(t, m.MessageID)

	// Group poke by the bot: broadcast.
	m, suppress, err = f.FormatPoke(context.Background(), json.RawMessage(
		`{"time": 1700000000, "self_id": 1, "group_id": 100, "user_id": 1, "target_id": 7}`))
	require.NoError(t, err)
	assert.False(t, suppress)
	assert.Equal(t, "group", m.Type)
	assert.Contains(t, m.Objective, "戳了戳")
}

func TestFormatPokeResolvesNames(t *testing.T) {
	caller := newFakeCaller()
	caller.on("get_group_member_info", func(params any) (json.RawMessage, error) {
		p, _ := json.Marshal(params)
		var ids struct {
			UserID int64 `json:"user_id"`
		}
		json.Unmarshal(p, &ids)
		if ids.UserID == 7 {
			return json.RawMessage(`{"user_id": 7, "nickname": "甲", "role": "member"}`), nil
		}
		return json.RawMessage(`{"user_id": 9, "nickname": "乙", "role": "admin"}`), nil
	})
	f, _ := newTestFormatter(caller, Options{})

	m, suppress, err := f.FormatPoke(context.Background(), json.RawMessage(
		`{"time": 1700000000, "self_id": 1, "group_id": 100, "user_id": 7, "target_id": 9}`))
	require.NoError(t, err)
	require.False(t, suppress)
	assert.Equal(t, "甲", m.SenderName)
	assert.Equal(t, "乙", m.TargetName)
	assert.Contains(t, m.Summary, "戳了戳")
}
