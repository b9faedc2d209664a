package message

import (
	"context"
	"encoding/json"
)

// maxForwardDepth caps nested forward expansion. Two levels covers a
// forward of forwards; anything deeper is left unexpanded.
const maxForwardDepth = 2

// enrichSegments walks segs in place, filling media paths and expanding
// forwards. Failures are logged and swallowed; each segment stays in its
// best-known state. groupID is 0 for private conversations.
func (f *Formatter) enrichSegments(ctx context.Context, segs []Segment, groupID int64, depth int) {
	for i := range segs {
		seg := &segs[i]
		switch seg.Type {
		case "image":
			f.enrichImage(ctx, seg)
		case "video":
			f.enrichVideo(ctx, seg)
		case "record":
			f.enrichRecord(ctx, seg)
		case "file":
			f.enrichFile(ctx, seg, groupID)
		case "node":
			if depth < maxForwardDepth {
				f.enrichSegments(ctx, decodeNodeContent(seg.Data.Content), groupID, depth+1)
			}
		case "forward":
			f.enrichForward(ctx, seg, groupID, depth)
		}
	}
}

func (f *Formatter) enrichImage(ctx context.Context, seg *Segment) {
	if seg.Data.Path != "" && seg.Data.CachePath != "" {
		return
	}
	source := seg.Data.URL
	if seg.Data.File != "" {
		info, err := getImage(ctx, f.caller, seg.Data.File)
		if err != nil {
			f.logger.Debug().Err(err).Str("file", seg.Data.File).Msg("get_image failed")
		} else {
			if info.URL != "" {
				seg.Data.URL = info.URL
				source = info.URL
			}
			if info.FileSize != "" && seg.Data.FileSize == "" {
				seg.Data.FileSize = info.FileSize
			}
			if info.File != "" && seg.Data.Path == "" {
				seg.Data.Path = info.File
			}
		}
	}
	if source == "" {
		source = seg.Data.Path
	}
	if source == "" {
		return
	}
	path, err := f.fetcher.Ensure(ctx, source, seg.Data.File)
	if err != nil {
		f.logger.Debug().Err(err).Str("source", source).Msg("Image fetch failed")
		return
	}
	seg.Data.CachePath = path
	if seg.Data.Path == "" {
		seg.Data.Path = path
	}
}

func (f *Formatter) enrichVideo(ctx context.Context, seg *Segment) {
	if seg.Data.Path != "" {
		return
	}
	source := seg.Data.URL
	if source == "" {
		source = seg.Data.File
	}
	if source == "" {
		return
	}
	path, err := f.fetcher.Ensure(ctx, source, seg.Data.File)
	if err != nil {
		f.logger.Debug().Err(err).Str("source", source).Msg("Video fetch failed")
		return
	}
	seg.Data.Path = path
}

func (f *Formatter) enrichRecord(ctx context.Context, seg *Segment) {
	if seg.Data.Path != "" {
		return
	}
	if seg.Data.File != "" {
		info, err := getRecord(ctx, f.caller, seg.Data.File)
		if err != nil {
			f.logger.Debug().Err(err).Str("file", seg.Data.File).Msg("get_record failed")
		} else {
			if info.File != "" {
				seg.Data.Path = info.File
			} else if info.URL != "" {
				seg.Data.URL = info.URL
			}
			if info.FileSize != "" && seg.Data.FileSize == "" {
				seg.Data.FileSize = info.FileSize
			}
		}
	}
	if seg.Data.Path != "" {
		return
	}
	source := seg.Data.URL
	if source == "" {
		return
	}
	path, err := f.fetcher.Ensure(ctx, source, seg.Data.File)
	if err != nil {
		f.logger.Debug().Err(err).Str("source", source).Msg("Record fetch failed")
		return
	}
	seg.Data.Path = path
}

func (f *Formatter) enrichFile(ctx context.Context, seg *Segment, groupID int64) {
	// Gateways use "empty" as an absent-value sentinel.
	if seg.Data.URL == "empty" {
		seg.Data.URL = ""
	}
	if seg.Data.Path == "empty" {
		seg.Data.Path = ""
	}
	if seg.Data.Path != "" {
		return
	}

	if seg.Data.URL == "" {
		fileID := seg.Data.FileID
		if fileID == "" {
			fileID = seg.Data.File
		}
		if fileID == "" {
			return
		}
		if groupID != 0 {
			busid, _ := seg.Data.Busid.Int64()
			url, err := getGroupFileURL(ctx, f.caller, groupID, fileID, busid)
			if err != nil {
				f.logger.Debug().Err(err).Str("file_id", fileID).Msg("get_group_file_url failed")
			} else if url != "" && url != "empty" {
				seg.Data.URL = url
			}
		} else {
			info, err := getFile(ctx, f.caller, fileID)
			if err != nil {
				f.logger.Debug().Err(err).Str("file_id", fileID).Msg("get_file failed")
			} else {
				if info.File != "" && info.File != "empty" {
					seg.Data.Path = info.File
				}
				if info.URL != "" && info.URL != "empty" {
					seg.Data.URL = info.URL
				}
				if info.FileName != "" && seg.Data.File == "" {
					seg.Data.File = info.FileName
				}
				if info.FileSize != "" && seg.Data.FileSize == "" {
					seg.Data.FileSize = info.FileSize
				}
			}
		}
	}

	if seg.Data.Path != "" || seg.Data.URL == "" {
		return
	}
	path, err := f.fetcher.Ensure(ctx, seg.Data.URL, seg.Data.File)
	if err != nil {
		f.logger.Debug().Err(err).Str("source", seg.Data.URL).Msg("File fetch failed")
		return
	}
	seg.Data.Path = path
}

func (f *Formatter) enrichForward(ctx context.Context, seg *Segment, groupID int64, depth int) {
	if depth >= maxForwardDepth {
		return
	}

	if len(seg.Data.Nodes) == 0 {
		if len(seg.Data.Content) > 0 {
			seg.Data.Nodes = nodesFromRaw(seg.Data.Content)
		} else if seg.Data.ID != "" {
			data, err := getForwardMsg(ctx, f.caller, seg.Data.ID.String())
			if err != nil {
				f.logger.Debug().Err(err).Str("id", seg.Data.ID.String()).Msg("get_forward_msg failed")
				return
			}
			seg.Data.Nodes = extractForwardNodes(data)
		}
	}

	for i := range seg.Data.Nodes {
		f.enrichSegments(ctx, seg.Data.Nodes[i].Segments, groupID, depth+1)
	}
}

// extractForwardNodes pulls the node list out of a get_forward_msg
// payload. Gateways disagree on the shape, so candidates are tried in
// priority order: messages, data.messages, data.message, content.
func extractForwardNodes(data json.RawMessage) []ForwardNode {
	var outer struct {
		Messages json.RawMessage `json:"messages"`
		Content  json.RawMessage `json:"content"`
		Data     struct {
			Messages json.RawMessage `json:"messages"`
			Message  json.RawMessage `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil
	}
	for _, raw := range []json.RawMessage{outer.Messages, outer.Data.Messages, outer.Data.Message, outer.Content} {
		if nodes := nodesFromRaw(raw); len(nodes) > 0 {
			return nodes
		}
	}
	return nil
}

// rawForwardNode matches both node shapes seen in the wild: a bare
// message record (sender + content/message) and a node segment whose data
// carries the same fields.
type rawForwardNode struct {
	Sender   *Sender         `json:"sender"`
	UserID   json.Number     `json:"user_id"`
	Nickname string          `json:"nickname"`
	Content  json.RawMessage `json:"content"`
	Message  json.RawMessage `json:"message"`
	Data     *rawForwardNode `json:"data"`
}

// nodesFromRaw normalizes a raw node array into ForwardNodes.
func nodesFromRaw(raw json.RawMessage) []ForwardNode {
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var items []rawForwardNode
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	nodes := make([]ForwardNode, 0, len(items))
	for _, item := range items {
		if item.Data != nil {
			item = *item.Data
		}
		node := ForwardNode{SenderName: item.Nickname}
		node.SenderID, _ = item.UserID.Int64()
		if item.Sender != nil {
			if item.Sender.UserID != 0 {
				node.SenderID = item.Sender.UserID
			}
			if item.Sender.Nickname != "" {
				node.SenderName = item.Sender.Nickname
			}
		}
		body := item.Content
		if len(body) == 0 {
			body = item.Message
		}
		node.Segments = decodeNodeContent(body)
		nodes = append(nodes, node)
	}
	return nodes
}

// decodeNodeContent parses a node body that may be a segment array or a
// plain string.
func decodeNodeContent(raw json.RawMessage) []Segment {
	if len(raw) == 0 {
		return nil
	}
	switch raw[0] {
	case '[':
		var segs []Segment
		if err := json.Unmarshal(raw, &segs); err != nil {
			return nil
		}
		return segs
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil
		}
		return []Segment{{Type: "text", Data: SegmentData{Text: text}}}
	}
	return nil
}
