// Package message normalizes upstream chat events into the
// FormattedMessage shape emitted to downstream consumers: segment
// decoding, media enrichment, forward expansion and the summary/objective
// renderers.
package message

import (
	"encoding/json"
	"strconv"
)

// Closed set of segment types the pipeline understands. Anything else is
// carried through as an unknown segment with its raw payload preserved.
var knownSegmentTypes = map[string]bool{
	"text":    true,
	"at":      true,
	"face":    true,
	"image":   true,
	"video":   true,
	"file":    true,
	"record":  true,
	"reply":   true,
	"node":    true,
	"forward": true,
	"share":   true,
	"json":    true,
	"xml":     true,
	"app":     true,
}

// Segment is one element of a structured message body.
type Segment struct {
	Type string      `json:"type"`
	Data SegmentData `json:"data"`

	// raw preserves the original data payload for unknown segment types
	// so nothing is lost on re-serialization.
	raw json.RawMessage
}

// SegmentData is the decoded bag of fields a segment may carry. Fields are
// a union across the closed type set; absent fields stay zero.
type SegmentData struct {
	// text
	Text string `json:"text,omitempty"`

	// at
	QQ   string `json:"qq,omitempty"` // numeric id or "all"
	Name string `json:"name,omitempty"`

	// face / reply / forward identifier
	ID json.Number `json:"id,omitempty"`

	// media
	File      string      `json:"file,omitempty"`
	URL       string      `json:"url,omitempty"`
	Path      string      `json:"path,omitempty"`
	CachePath string      `json:"cache_path,omitempty"`
	FileID    string      `json:"file_id,omitempty"`
	Busid     json.Number `json:"busid,omitempty"`
	FileSize  json.Number `json:"file_size,omitempty"`
	Summary   string      `json:"summary,omitempty"`

	// share card
	Title string `json:"title,omitempty"`

	// json/xml/app card payload
	Data string `json:"data,omitempty"`

	// forward: inline content (raw; shape varies by gateway) and the
	// expanded node list written back by the enricher.
	Content json.RawMessage `json:"content,omitempty"`
	Nodes   []ForwardNode   `json:"nodes,omitempty"`

	// node sender
	UserID   json.Number `json:"user_id,omitempty"`
	Nickname string      `json:"nickname,omitempty"`
}

// ForwardNode is one normalized entry of an expanded forward message.
type ForwardNode struct {
	SenderID   int64     `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Segments   []Segment `json:"segments"`
}

type segmentWire struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the segment tolerantly: the data bag is decoded
// into SegmentData for known types, and always preserved raw.
func (s *Segment) UnmarshalJSON(b []byte) error {
	var w segmentWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	s.Type = w.Type
	s.raw = w.Data
	s.Data = SegmentData{}
	if len(w.Data) > 0 && knownSegmentTypes[w.Type] {
		// Best effort; a field of an unexpected shape leaves the bag
		// partially filled rather than failing the whole message.
		_ = json.Unmarshal(w.Data, &s.Data)
	}
	return nil
}

// MarshalJSON re-serializes known segments from the decoded bag and
// unknown segments from their preserved raw payload.
func (s Segment) MarshalJSON() ([]byte, error) {
	if !knownSegmentTypes[s.Type] && len(s.raw) > 0 {
		return json.Marshal(segmentWire{Type: s.Type, Data: s.raw})
	}
	return json.Marshal(struct {
		Type string      `json:"type"`
		Data SegmentData `json:"data"`
	}{Type: s.Type, Data: s.Data})
}

// RawData returns the original data payload as received.
func (s Segment) RawData() json.RawMessage {
	return s.raw
}

// atTarget returns the numeric at target, or 0 with all=true for @all.
func (s Segment) atTarget() (id int64, all bool) {
	if s.Type != "at" {
		return 0, false
	}
	if s.Data.QQ == "all" {
		return 0, true
	}
	id, _ = strconv.ParseInt(s.Data.QQ, 10, 64)
	return id, false
}
