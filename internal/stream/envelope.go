// Package stream is the downstream WebSocket surface: it accepts consumer
// connections, broadcasts message envelopes, and proxies invoke/sdk RPC
// requests to the upstream gateway.
package stream

import (
	"encoding/json"
	"time"
)

// Envelope variants sent to downstream consumers. Every frame is one JSON
// object with a type discriminator.

type welcomeEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

type pongEnvelope struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
}

type resultEnvelope struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"requestId"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type shutdownEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// disconnectEnvelope is sent best-effort to a client the server is about
// to drop.
type disconnectEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MessageEnvelope wraps one broadcast payload. Data is the already
// rendered FormattedMessage.
type MessageEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func newWelcome(message string) welcomeEnvelope {
	return welcomeEnvelope{Type: "welcome", Message: message, Time: time.Now().UnixMilli()}
}

func newPong() pongEnvelope {
	return pongEnvelope{Type: "pong", Time: time.Now().UnixMilli()}
}

func resultOK(requestID, data json.RawMessage) resultEnvelope {
	return resultEnvelope{Type: "result", RequestID: requestID, OK: true, Data: data}
}

func resultErr(requestID json.RawMessage, msg string) resultEnvelope {
	return resultEnvelope{Type: "result", RequestID: requestID, OK: false, Error: msg}
}

// inboundFrame is the client → server request shape covering ping, invoke
// and sdk.
type inboundFrame struct {
	Type      string            `json:"type"`
	RequestID json.RawMessage   `json:"requestId"`
	Call      string            `json:"call"`
	Action    string            `json:"action"`
	Params    json.RawMessage   `json:"params"`
	Path      string            `json:"path"`
	Args      []json.RawMessage `json:"args"`
}
