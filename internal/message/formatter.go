package message

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"qqstream/internal/cache"
	"qqstream/internal/media"
)

// Options controls formatter output and drop policies.
type Options struct {
	// IncludeRaw copies the original event payload onto the formatted
	// message.
	IncludeRaw bool
	// SkipAnimatedEmoji drops messages that are only an animated sticker.
	SkipAnimatedEmoji bool
	// SkipVoice drops messages that are only a voice record.
	SkipVoice bool
}

// Formatter turns raw upstream message events into enriched, rendered
// FormattedMessages.
type Formatter struct {
	caller  Caller
	fetcher media.Fetcher
	cache   *cache.Cache
	opts    Options
	logger  zerolog.Logger
}

// NewFormatter wires the formatter's dependencies.
func NewFormatter(caller Caller, fetcher media.Fetcher, infoCache *cache.Cache, opts Options, logger zerolog.Logger) *Formatter {
	return &Formatter{
		caller:  caller,
		fetcher: fetcher,
		cache:   infoCache,
		opts:    opts,
		logger:  logger.With().Str("component", "formatter").Logger(),
	}
}

// VoiceOnly reports whether a raw message event is a bare voice record:
// at least one record segment and nothing else of substance. Checked
// before formatting because it needs only the raw segments.
func (f *Formatter) VoiceOnly(raw json.RawMessage) bool {
	if !f.opts.SkipVoice {
		return false
	}
	inc, err := DecodeIncoming(raw)
	if err != nil {
		return false
	}
	records := 0
	for _, seg := range inc.Segments {
		switch seg.Type {
		case "record":
			records++
		case "text":
			if strings.TrimSpace(seg.Data.Text) != "" {
				return false
			}
		default:
			return false
		}
	}
	return records > 0
}

// AnimatedStickerOnly reports whether a formatted message should be
// dropped under the animated-sticker policy: no reply, no meaningful
// text, and at least one image marked as an animated sticker.
func (f *Formatter) AnimatedStickerOnly(m *FormattedMessage) bool {
	if !f.opts.SkipAnimatedEmoji {
		return false
	}
	if m.Reply != nil || strings.TrimSpace(m.Text) != "" {
		return false
	}
	for _, img := range m.Images {
		if img.Summary == "[动画表情]" {
			return true
		}
	}
	return false
}

// FormatMessage runs the full pipeline for a message event: decode,
// reply extraction, enrichment, projection rebuild and rendering.
func (f *Formatter) FormatMessage(ctx context.Context, raw json.RawMessage) (*FormattedMessage, error) {
	inc, err := DecodeIncoming(raw)
	if err != nil {
		return nil, err
	}

	m := &FormattedMessage{
		MessageID:  inc.MessageID,
		Time:       inc.Time,
		TimeStr:    formatTimeStr(inc.Time),
		Type:       inc.MessageType,
		SelfID:     inc.SelfID,
		SenderID:   senderID(inc),
		SenderName: inc.Sender.Nickname,
		SenderCard: inc.Sender.Card,
		SenderRole: inc.Sender.Role,
		GroupID:    inc.GroupID,
	}
	if f.opts.IncludeRaw {
		m.Raw = raw
	}

	segs, replySeg := splitReply(inc.Segments)
	m.Segments = segs

	if m.Type == "group" && m.GroupID != 0 {
		if info := f.groupInfo(ctx, m.GroupID); info != nil {
			m.GroupName = info.GroupName
		}
	}

	if replySeg != nil {
		m.Reply = f.expandReply(ctx, replySeg, m.GroupID)
	}

	f.enrichSegments(ctx, m.Segments, m.GroupID, 0)
	m.deriveProjections()

	m.Summary = renderSummary(m)
	m.Objective = f.renderObjective(ctx, m)
	return m, nil
}

// splitReply removes the leading reply segment, returning the remaining
// segments and the reply, if any.
func splitReply(segs []Segment) ([]Segment, *Segment) {
	for i := range segs {
		if segs[i].Type == "reply" {
			reply := segs[i]
			out := make([]Segment, 0, len(segs)-1)
			out = append(out, segs[:i]...)
			out = append(out, segs[i+1:]...)
			return out, &reply
		}
	}
	return segs, nil
}

// expandReply fetches the quoted message and builds the Reply record.
// Forwards inside the quoted message are expanded at most once.
func (f *Formatter) expandReply(ctx context.Context, seg *Segment, groupID int64) *Reply {
	id, err := seg.Data.ID.Int64()
	if err != nil || id == 0 {
		return nil
	}
	reply := &Reply{ID: id}

	data, err := getMsg(ctx, f.caller, id)
	if err != nil {
		f.logger.Debug().Err(err).Int64("message_id", id).Msg("get_msg failed")
		return reply
	}

	quoted, err := DecodeIncoming(data)
	if err != nil {
		f.logger.Debug().Err(err).Int64("message_id", id).Msg("Quoted message decode failed")
		return reply
	}

	// Start at depth 1 so forwards inside the quote expand exactly once.
	f.enrichSegments(ctx, quoted.Segments, groupID, 1)

	reply.Text = concatText(quoted.Segments)
	reply.SenderID = senderID(quoted)
	reply.SenderName = quoted.Sender.Nickname
	if quoted.Sender.Card != "" {
		reply.SenderName = quoted.Sender.Card
	}
	reply.Media = classifyMedia(quoted.Segments)
	return reply
}

func senderID(inc *Incoming) int64 {
	if inc.Sender.UserID != 0 {
		return inc.Sender.UserID
	}
	return inc.UserID
}
