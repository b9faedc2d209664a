// Package onebot implements the upstream OneBot v11 WebSocket client:
// connect/reconnect management, action/echo RPC multiplexing, event
// emission, retry classification and the invoker facade used by the
// downstream RPC proxy.
package onebot

import "encoding/json"

// Frame is an action request sent to the gateway.
type Frame struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// Response is a gateway reply to an action request, matched back to the
// pending call by its echo token.
type Response struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Echo    string          `json:"echo"`
}

// OK reports whether the gateway accepted the action.
func (r *Response) OK() bool {
	return r.Status == "ok" || (r.Status != "failed" && r.Retcode == 0)
}

// ErrorText returns the most descriptive failure text the gateway supplied.
func (r *Response) ErrorText() string {
	if r.Wording != "" {
		return r.Wording
	}
	if r.Message != "" {
		return r.Message
	}
	return r.Status
}

// Event is any upstream frame carrying a post_type. The full payload is
// preserved in Raw for the formatting pipeline; the head fields are decoded
// only for routing.
type Event struct {
	Raw         json.RawMessage
	PostType    string
	MessageType string
	NoticeType  string
	SubType     string
}

// eventHead is the minimal routing projection of an upstream frame.
type eventHead struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	NoticeType  string `json:"notice_type"`
	SubType     string `json:"sub_type"`
	Echo        string `json:"echo"`
}
