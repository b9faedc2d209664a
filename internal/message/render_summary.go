package message

import (
	"fmt"
	"strings"
)

// renderSummary builds the markdown view of an enriched message: a
// pipe-delimited header line followed by blank-line-separated blocks for
// each content kind.
func renderSummary(m *FormattedMessage) string {
	var blocks []string

	header := []string{fmt.Sprintf("消息ID: %d", m.MessageID)}
	if m.Type == "group" {
		header = append(header, fmt.Sprintf("会话: G:%d", m.GroupID), "群聊")
		if m.GroupName != "" {
			header = append(header, fmt.Sprintf("群名: %s(%d)", m.GroupName, m.GroupID))
		}
	} else {
		header = append(header, fmt.Sprintf("会话: P:%d", m.SenderID), "私聊")
	}
	header = append(header, "发送者: "+senderDisplay(m.SenderName, m.SenderCard, m.SenderRole, m.SenderID))
	if m.TimeStr != "" {
		header = append(header, "时间: "+m.TimeStr)
	}
	blocks = append(blocks, strings.Join(header, " | "))

	if m.Text != "" {
		blocks = append(blocks, m.Text)
	}
	blocks = append(blocks, mediaBlocks(m.Images, m.Videos, m.Records, m.Files, m.Cards)...)

	if len(m.Faces) > 0 {
		labels := make([]string, len(m.Faces))
		for i, d := range m.Faces {
			labels[i] = faceLabel(d)
		}
		blocks = append(blocks, strings.Join(labels, " "))
	}

	for _, fwd := range m.Forwards {
		if block := renderForwardBlock(fwd); block != "" {
			blocks = append(blocks, block)
		}
	}

	if m.Reply != nil {
		blocks = append(blocks, renderReplyBlock(m.Reply))
	}

	return strings.Join(blocks, "\n\n")
}

// mediaBlocks renders the typed media arrays with the shared markdown
// conventions.
func mediaBlocks(images, videos, records, files, cards []SegmentData) []string {
	var blocks []string

	for _, d := range images {
		blocks = append(blocks, fmt.Sprintf("![%s](%s)", mediaName(d, "图片"), mediaURL(d)))
	}
	for _, d := range videos {
		blocks = append(blocks, fmt.Sprintf("视频: [%s](%s)", mediaName(d, "视频"), mediaURL(d)))
	}
	for _, d := range records {
		blocks = append(blocks, fmt.Sprintf("语音: [%s](%s)", mediaName(d, "语音"), mediaURL(d)))
	}
	for _, d := range files {
		blocks = append(blocks, fmt.Sprintf("文件: [%s](%s) (%s)", mediaName(d, "文件"), mediaURL(d), formatFileSize(d.FileSize)))
	}
	for _, d := range cards {
		blocks = append(blocks, renderCard(d))
	}
	return blocks
}

func renderCard(d SegmentData) string {
	if d.URL != "" || d.Title != "" {
		title := d.Title
		if title == "" {
			title = d.URL
		}
		return fmt.Sprintf("分享: [%s](%s)", title, d.URL)
	}
	payload := d.Data
	if len(payload) > 120 {
		payload = payload[:120] + "…"
	}
	return "卡片: " + payload
}

// renderForwardBlock renders an expanded forward as numbered lines, one
// per node, with nested media indented below the node line.
func renderForwardBlock(fwd SegmentData) string {
	n := len(fwd.Nodes)
	if n == 0 {
		return "转发消息（未展开）"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("转发消息（%d条）:", n))
	for i, node := range fwd.Nodes {
		name := node.SenderName
		if name == "" && node.SenderID != 0 {
			name = fmt.Sprintf("QQ:%d", node.SenderID)
		}
		if name == "" {
			name = "匿名"
		}
		b.WriteString(fmt.Sprintf("\n[%d/%d] %s: %s", i+1, n, name, concatText(node.Segments)))
		for _, seg := range node.Segments {
			switch seg.Type {
			case "image":
				b.WriteString(fmt.Sprintf("\n  ![%s](%s)", mediaName(seg.Data, "图片"), mediaURL(seg.Data)))
			case "video":
				b.WriteString(fmt.Sprintf("\n  视频: [%s](%s)", mediaName(seg.Data, "视频"), mediaURL(seg.Data)))
			case "record":
				b.WriteString(fmt.Sprintf("\n  语音: [%s](%s)", mediaName(seg.Data, "语音"), mediaURL(seg.Data)))
			case "file":
				b.WriteString(fmt.Sprintf("\n  文件: [%s](%s) (%s)", mediaName(seg.Data, "文件"), mediaURL(seg.Data), formatFileSize(seg.Data.FileSize)))
			case "forward":
				b.WriteString("\n  " + strings.ReplaceAll(renderForwardBlock(seg.Data), "\n", "\n  "))
			}
		}
	}
	return b.String()
}

// renderReplyBlock renders the quoted message with the same media
// conventions as the main body.
func renderReplyBlock(r *Reply) string {
	var b strings.Builder
	b.WriteString("回复 ")
	if r.SenderName != "" {
		b.WriteString(senderDisplay(r.SenderName, "", "", r.SenderID))
	} else if r.SenderID != 0 {
		b.WriteString(fmt.Sprintf("QQ:%d", r.SenderID))
	}
	b.WriteString(fmt.Sprintf(" 的消息(ID:%d)", r.ID))
	if r.Text != "" {
		b.WriteString(": " + r.Text)
	}
	for _, block := range mediaBlocks(r.Media.Images, r.Media.Videos, r.Media.Records, r.Media.Files, r.Media.Cards) {
		b.WriteString("\n" + block)
	}
	for _, fwd := range r.Media.Forwards {
		b.WriteString("\n" + renderForwardBlock(fwd))
	}
	return b.String()
}
