package message

import (
	"encoding/json"
	"strings"
	"time"
)

// Sender mirrors the upstream sender object.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"` // owner|admin|member
}

// Incoming is the decoded upstream message event.
type Incoming struct {
	MessageID   int64     `json:"message_id"`
	Time        int64     `json:"time"`
	SelfID      int64     `json:"self_id"`
	MessageType string    `json:"message_type"` // private|group
	UserID      int64     `json:"user_id"`
	GroupID     int64     `json:"group_id"`
	Sender      Sender    `json:"sender"`
	Segments    []Segment `json:"-"`
}

type incomingWire struct {
	MessageID   int64           `json:"message_id"`
	Time        int64           `json:"time"`
	SelfID      int64           `json:"self_id"`
	MessageType string          `json:"message_type"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	Sender      Sender          `json:"sender"`
	Message     json.RawMessage `json:"message"`
}

// DecodeIncoming parses a raw message event. The message body may be a
// segment array or (from older gateways) a plain string, which becomes a
// single text segment.
func DecodeIncoming(raw json.RawMessage) (*Incoming, error) {
	var w incomingWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	inc := &Incoming{
		MessageID:   w.MessageID,
		Time:        w.Time,
		SelfID:      w.SelfID,
		MessageType: w.MessageType,
		UserID:      w.UserID,
		GroupID:     w.GroupID,
		Sender:      w.Sender,
	}
	if len(w.Message) > 0 {
		switch w.Message[0] {
		case '[':
			if err := json.Unmarshal(w.Message, &inc.Segments); err != nil {
				return nil, err
			}
		case '"':
			var text string
			if err := json.Unmarshal(w.Message, &text); err != nil {
				return nil, err
			}
			inc.Segments = []Segment{{Type: "text", Data: SegmentData{Text: text}}}
		}
	}
	return inc, nil
}

// Reply describes the quoted message of a FormattedMessage.
type Reply struct {
	ID         int64      `json:"id"`
	Text       string     `json:"text"`
	SenderName string     `json:"sender_name,omitempty"`
	SenderID   int64      `json:"sender_id,omitempty"`
	Media      ReplyMedia `json:"media"`
}

// ReplyMedia groups the quoted message's media by kind.
type ReplyMedia struct {
	Images   []SegmentData `json:"images,omitempty"`
	Videos   []SegmentData `json:"videos,omitempty"`
	Files    []SegmentData `json:"files,omitempty"`
	Records  []SegmentData `json:"records,omitempty"`
	Forwards []SegmentData `json:"forwards,omitempty"`
	Cards    []SegmentData `json:"cards,omitempty"`
	Faces    []SegmentData `json:"faces,omitempty"`
}

// FormattedMessage is the normalized, enriched, renderable record emitted
// to downstream consumers. segments is authoritative; text and the typed
// arrays are projections derived from it.
type FormattedMessage struct {
	MessageID int64  `json:"message_id"`
	Time      int64  `json:"time"`
	TimeStr   string `json:"time_str"`
	Type      string `json:"type"` // private|group
	EventType string `json:"event_type,omitempty"`
	SelfID    int64  `json:"self_id"`

	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	SenderCard string `json:"sender_card,omitempty"`
	SenderRole string `json:"sender_role,omitempty"`

	GroupID   int64  `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`

	// Poke specialization
	TargetID   int64  `json:"target_id,omitempty"`
	TargetName string `json:"target_name,omitempty"`

	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`

	Images   []SegmentData `json:"images,omitempty"`
	Videos   []SegmentData `json:"videos,omitempty"`
	Files    []SegmentData `json:"files,omitempty"`
	Records  []SegmentData `json:"records,omitempty"`
	Cards    []SegmentData `json:"cards,omitempty"`
	Forwards []SegmentData `json:"forwards,omitempty"`
	Faces    []SegmentData `json:"faces,omitempty"`
	AtUsers  []int64       `json:"at_users,omitempty"`
	AtAll    bool          `json:"at_all,omitempty"`

	Reply *Reply `json:"reply,omitempty"`

	Summary   string `json:"summary"`
	Objective string `json:"objective"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// deriveProjections recomputes text and the typed arrays from segments.
// Called after enrichment so the projections reflect the enriched bags.
func (m *FormattedMessage) deriveProjections() {
	var text strings.Builder
	m.Images = nil
	m.Videos = nil
	m.Files = nil
	m.Records = nil
	m.Cards = nil
	m.Forwards = nil
	m.Faces = nil
	m.AtUsers = nil
	m.AtAll = false

	for _, seg := range m.Segments {
		switch seg.Type {
		case "text":
			text.WriteString(seg.Data.Text)
		case "image":
			m.Images = append(m.Images, seg.Data)
		case "video":
			m.Videos = append(m.Videos, seg.Data)
		case "file":
			m.Files = append(m.Files, seg.Data)
		case "record":
			m.Records = append(m.Records, seg.Data)
		case "share", "json", "xml", "app":
			m.Cards = append(m.Cards, seg.Data)
		case "forward":
			m.Forwards = append(m.Forwards, seg.Data)
		case "face":
			m.Faces = append(m.Faces, seg.Data)
		case "at":
			if id, all := seg.atTarget(); all {
				m.AtAll = true
			} else if id != 0 {
				m.AtUsers = append(m.AtUsers, id)
			}
		}
	}
	m.Text = text.String()
}

// classifyMedia sorts segments into the reply media groups.
func classifyMedia(segs []Segment) ReplyMedia {
	var media ReplyMedia
	for _, seg := range segs {
		switch seg.Type {
		case "image":
			media.Images = append(media.Images, seg.Data)
		case "video":
			media.Videos = append(media.Videos, seg.Data)
		case "file":
			media.Files = append(media.Files, seg.Data)
		case "record":
			media.Records = append(media.Records, seg.Data)
		case "forward":
			media.Forwards = append(media.Forwards, seg.Data)
		case "share", "json", "xml", "app":
			media.Cards = append(media.Cards, seg.Data)
		case "face":
			media.Faces = append(media.Faces, seg.Data)
		}
	}
	return media
}

// concatText joins the text segments of a segment list.
func concatText(segs []Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.Type == "text" {
			b.WriteString(seg.Data.Text)
		}
	}
	return b.String()
}

// formatTimeStr renders the event time in local time.
func formatTimeStr(epoch int64) string {
	return time.Unix(epoch, 0).Format("2006-01-02 15:04:05")
}
