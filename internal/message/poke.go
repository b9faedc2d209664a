package message

import (
	"context"
	"encoding/json"
	"fmt"
)

// pokeNotice is the wire shape of a notify/poke notice event.
type pokeNotice struct {
	Time     int64 `json:"time"`
	SelfID   int64 `json:"self_id"`
	GroupID  int64 `json:"group_id"`
	UserID   int64 `json:"user_id"`
	TargetID int64 `json:"target_id"`
}

// FormatPoke turns a notify/poke notice into a synthetic FormattedMessage
// with event_type "poke" and message_id 0. suppress reports the policy
// case that must not broadcast: the bot poking someone else in a private
// chat.
func (f *Formatter) FormatPoke(ctx context.Context, raw json.RawMessage) (m *FormattedMessage, suppress bool, err error) {
	var n pokeNotice
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false, err
	}

	if n.GroupID == 0 && n.UserID == n.SelfID && n.TargetID != n.SelfID {
		return nil, true, nil
	}

	m = &FormattedMessage{
		Time:      n.Time,
		TimeStr:   formatTimeStr(n.Time),
		SelfID:    n.SelfID,
		EventType: "poke",
		SenderID:  n.UserID,
		TargetID:  n.TargetID,
		GroupID:   n.GroupID,
		Segments:  []Segment{},
	}
	if n.GroupID != 0 {
		m.Type = "group"
		if info := f.groupInfo(ctx, n.GroupID); info != nil {
			m.GroupName = info.GroupName
		}
		if info := f.memberInfo(ctx, n.GroupID, n.UserID); info != nil {
			m.SenderName = info.Nickname
			m.SenderCard = info.Card
			m.SenderRole = info.Role
		}
		if n.TargetID != 0 {
			if info := f.memberInfo(ctx, n.GroupID, n.TargetID); info != nil {
				m.TargetName = info.Nickname
			}
		}
	} else {
		m.Type = "private"
		if info := f.strangerInfo(ctx, n.UserID); info != nil {
			m.SenderName = info.Nickname
		}
		if n.TargetID != 0 {
			if info := f.strangerInfo(ctx, n.TargetID); info != nil {
				m.TargetName = info.Nickname
			}
		}
	}
	if f.opts.IncludeRaw {
		m.Raw = raw
	}

	m.Summary = renderPokeSummary(m)
	m.Objective = f.renderObjective(ctx, m)
	return m, false, nil
}

func renderPokeSummary(m *FormattedMessage) string {
	sender := senderDisplay(m.SenderName, m.SenderCard, m.SenderRole, m.SenderID)
	target := senderDisplay(m.TargetName, "", "", m.TargetID)
	if m.Type == "group" {
		scene := fmt.Sprintf("G:%d", m.GroupID)
		if m.GroupName != "" {
			scene = fmt.Sprintf("%s(%d)", m.GroupName, m.GroupID)
		}
		return fmt.Sprintf("戳一戳 | 群聊: %s | %s 戳了戳 %s", scene, sender, target)
	}
	return fmt.Sprintf("戳一戳 | 私聊 | %s 戳了戳 %s", sender, target)
}
