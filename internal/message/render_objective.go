package message

import (
	"context"
	"fmt"
	"strings"

	"qqstream/internal/cache"
)

// renderObjective builds the natural-language view: one paragraph saying
// who did what to whom in which scene. Names missing from the event are
// resolved through the info cache.
func (f *Formatter) renderObjective(ctx context.Context, m *FormattedMessage) string {
	var b strings.Builder

	sender := f.participantName(ctx, m, m.SenderID, senderDisplay(m.SenderName, m.SenderCard, "", m.SenderID))
	if m.Type == "group" {
		groupName := m.GroupName
		if groupName == "" {
			groupName = fmt.Sprintf("%d", m.GroupID)
		}
		fmt.Fprintf(&b, "在群聊「%s」里，%s（%s）", groupName, sender, roleNoun(m.SenderRole))
	} else {
		fmt.Fprintf(&b, "在私聊中，%s", sender)
	}

	if m.EventType == "poke" {
		target := f.participantName(ctx, m, m.TargetID, m.TargetName)
		fmt.Fprintf(&b, "戳了戳 %s", target)
		return b.String()
	}

	var parts []string
	if m.Reply != nil {
		parts = append(parts, f.describeReply(ctx, m))
	}
	if m.AtAll {
		parts = append(parts, "@了全体成员")
	}
	for _, id := range m.AtUsers {
		parts = append(parts, "@了 "+f.participantName(ctx, m, id, ""))
	}
	if m.Text != "" {
		parts = append(parts, fmt.Sprintf("说：\"%s\"", m.Text))
	}
	parts = append(parts, describeMedia(m.Images, m.Videos, m.Records, m.Files, m.Cards, m.Forwards)...)
	if len(m.Faces) > 0 {
		parts = append(parts, fmt.Sprintf("发送了%d个表情", len(m.Faces)))
	}
	if len(parts) == 0 {
		parts = append(parts, "发送了一条消息")
	}

	b.WriteString("，")
	b.WriteString(strings.Join(parts, "，"))
	return b.String()
}

// describeMedia builds natural-language descriptors with markdown links.
func describeMedia(images, videos, records, files, cards []SegmentData, forwards []SegmentData) []string {
	var parts []string
	for _, d := range images {
		label := "图片"
		if d.Summary != "" {
			label = d.Summary
		}
		parts = append(parts, fmt.Sprintf("发送了图片[%s](%s)", label, mediaURL(d)))
	}
	for _, d := range videos {
		parts = append(parts, fmt.Sprintf("发送了视频[%s](%s)", mediaName(d, "视频"), mediaURL(d)))
	}
	for _, d := range records {
		parts = append(parts, fmt.Sprintf("发送了语音[%s](%s)", mediaName(d, "语音"), mediaURL(d)))
	}
	for _, d := range files {
		parts = append(parts, fmt.Sprintf("发送了文件[%s](%s)（%s）", mediaName(d, "文件"), mediaURL(d), formatFileSize(d.FileSize)))
	}
	for _, d := range cards {
		if d.Title != "" || d.URL != "" {
			title := d.Title
			if title == "" {
				title = d.URL
			}
			parts = append(parts, fmt.Sprintf("分享了[%s](%s)", title, d.URL))
		} else {
			parts = append(parts, "发送了一张卡片消息")
		}
	}
	for _, d := range forwards {
		parts = append(parts, fmt.Sprintf("转发了%d条聊天记录", len(d.Nodes)))
	}
	return parts
}

// describeReply summarizes the quoted message.
func (f *Formatter) describeReply(ctx context.Context, m *FormattedMessage) string {
	r := m.Reply
	var who string
	if r.SenderID != 0 {
		who = f.participantName(ctx, m, r.SenderID, r.SenderName)
	} else if r.SenderName != "" {
		who = r.SenderName
	}

	var b strings.Builder
	b.WriteString("回复了")
	if who != "" {
		b.WriteString(who + "的消息")
	} else {
		b.WriteString("一条消息")
	}
	if r.Text != "" {
		fmt.Fprintf(&b, "（\"%s\"）", r.Text)
	}
	if extra := describeMedia(r.Media.Images, r.Media.Videos, r.Media.Records, r.Media.Files, r.Media.Cards, r.Media.Forwards); len(extra) > 0 {
		b.WriteString("（其中" + strings.Join(extra, "，") + "）")
	}
	return b.String()
}

// participantName resolves a display name for a conversation participant.
// The bot itself renders as 我（nickname(QQ:id)）; others fall back from
// the provided hint to a cached or fetched upstream lookup.
func (f *Formatter) participantName(ctx context.Context, m *FormattedMessage, userID int64, hint string) string {
	if userID == 0 {
		if hint != "" {
			return hint
		}
		return "未知用户"
	}
	if userID == m.SelfID {
		nick := f.selfName(ctx)
		if nick == "" {
			return fmt.Sprintf("我（QQ:%d）", userID)
		}
		return fmt.Sprintf("我（%s(QQ:%d)）", nick, userID)
	}
	if hint != "" {
		if strings.Contains(hint, "(QQ:") {
			return hint
		}
		return fmt.Sprintf("%s(QQ:%d)", hint, userID)
	}
	if m.Type == "group" {
		if info := f.memberInfo(ctx, m.GroupID, userID); info != nil {
			return senderDisplay(info.Nickname, info.Card, "", userID)
		}
	}
	if info := f.strangerInfo(ctx, userID); info != nil && info.Nickname != "" {
		return fmt.Sprintf("%s(QQ:%d)", info.Nickname, userID)
	}
	return fmt.Sprintf("QQ:%d", userID)
}

func (f *Formatter) selfName(ctx context.Context) string {
	key := cache.Key{Kind: "login", ID: 0}
	if v, ok := f.cache.Get(key); ok {
		if info, ok := v.(*LoginInfo); ok {
			return info.Nickname
		}
	}
	info, err := GetLoginInfo(ctx, f.caller)
	if err != nil {
		f.logger.Debug().Err(err).Msg("get_login_info failed")
		return ""
	}
	f.cache.Set(key, info)
	return info.Nickname
}

func (f *Formatter) groupInfo(ctx context.Context, groupID int64) *GroupInfo {
	key := cache.Key{Kind: "group", ID: groupID}
	if v, ok := f.cache.Get(key); ok {
		if info, ok := v.(*GroupInfo); ok {
			return info
		}
	}
	info, err := getGroupInfo(ctx, f.caller, groupID)
	if err != nil {
		f.logger.Debug().Err(err).Int64("group_id", groupID).Msg("get_group_info failed")
		return nil
	}
	f.cache.Set(key, info)
	return info
}

func (f *Formatter) memberInfo(ctx context.Context, groupID, userID int64) *MemberInfo {
	key := cache.Key{Kind: "member", ID: groupID, Sub: userID}
	if v, ok := f.cache.Get(key); ok {
		if info, ok := v.(*MemberInfo); ok {
			return info
		}
	}
	info, err := getGroupMemberInfo(ctx, f.caller, groupID, userID)
	if err != nil {
		f.logger.Debug().Err(err).Int64("group_id", groupID).Int64("user_id", userID).Msg("get_group_member_info failed")
		return nil
	}
	f.cache.Set(key, info)
	return info
}

func (f *Formatter) strangerInfo(ctx context.Context, userID int64) *StrangerInfo {
	key := cache.Key{Kind: "stranger", ID: userID}
	if v, ok := f.cache.Get(key); ok {
		if info, ok := v.(*StrangerInfo); ok {
			return info
		}
	}
	info, err := getStrangerInfo(ctx, f.caller, userID)
	if err != nil {
		f.logger.Debug().Err(err).Int64("user_id", userID).Msg("get_stranger_info failed")
		return nil
	}
	f.cache.Set(key, info)
	return info
}
