package message

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// formatFileSize renders a byte count for display. Unparsable input
// renders as 未知大小.
func formatFileSize(size json.Number) string {
	n, err := size.Int64()
	if err != nil || size == "" {
		return "未知大小"
	}
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	case n < 1024*1024*1024:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/(1024*1024*1024))
	}
}

// mediaURL picks the best displayable location for a media bag and
// normalizes it: local absolute paths become percent-encoded file:///
// URLs, https passes through, http gains a filename parameter when the
// URL carries none.
func mediaURL(d SegmentData) string {
	if d.CachePath != "" {
		return fileURL(d.CachePath)
	}
	if d.Path != "" && filepath.IsAbs(d.Path) {
		return fileURL(d.Path)
	}
	if d.URL != "" {
		return normalizeHTTPURL(d.URL, d.File)
	}
	if d.Path != "" {
		return d.Path
	}
	return d.File
}

// fileURL converts a local absolute path into a file:/// URL with each
// path element percent-encoded.
func fileURL(path string) string {
	path = filepath.ToSlash(path)
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "file://" + strings.Join(parts, "/")
}

// normalizeHTTPURL ensures plain http media URLs carry a filename so a
// downstream fetch saves something recognizable. https URLs pass through.
func normalizeHTTPURL(raw, name string) string {
	if !strings.HasPrefix(raw, "http://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("fname") != "" {
		if name != "" {
			q.Set("fname", name)
			u.RawQuery = q.Encode()
		}
		return u.String()
	}
	if q.Get("file") != "" || name == "" {
		return raw
	}
	q.Set("file", name)
	u.RawQuery = q.Encode()
	return u.String()
}

// senderDisplay builds the canonical one-line sender identity:
// nickname(card)[role](QQ:id), missing parts elided. Role badges appear
// only for owner/admin.
func senderDisplay(nickname, card, role string, id int64) string {
	var b strings.Builder
	if nickname != "" {
		b.WriteString(nickname)
	}
	if card != "" && card != nickname {
		b.WriteString("(" + card + ")")
	}
	if badge := roleBadge(role); badge != "" {
		b.WriteString("[" + badge + "]")
	}
	if id != 0 {
		fmt.Fprintf(&b, "(QQ:%d)", id)
	}
	return b.String()
}

func roleBadge(role string) string {
	switch role {
	case "owner":
		return "群主"
	case "admin":
		return "管理员"
	}
	return ""
}

func roleNoun(role string) string {
	switch role {
	case "owner":
		return "群主"
	case "admin":
		return "管理员"
	default:
		return "成员"
	}
}

// faceLabel renders a face segment for display.
func faceLabel(d SegmentData) string {
	if d.ID != "" {
		return fmt.Sprintf("[表情:%s]", d.ID.String())
	}
	return "[表情]"
}

// mediaName returns a human label for a media bag, preferring the
// original filename.
func mediaName(d SegmentData, fallback string) string {
	if d.File != "" {
		return d.File
	}
	return fallback
}
