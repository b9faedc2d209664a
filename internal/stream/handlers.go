package stream

import (
	"context"
	"encoding/json"
)

// handleFrame dispatches one client → server frame. RPC work runs on the
// bounded pool so a slow upstream never stalls the read pump.
func (s *Server) handleFrame(c *Client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("Client sent invalid JSON")
		s.send(c, errorEnvelope{Type: "error", Message: "invalid json"})
		return
	}

	switch frame.Type {
	case "ping":
		s.send(c, newPong())

	case "invoke":
		if !s.pool.submit(func() { s.handleInvoke(c, frame) }) {
			s.send(c, resultErr(frame.RequestID, "server busy"))
		}

	case "sdk":
		if !s.pool.submit(func() { s.handleSDK(c, frame) }) {
			s.send(c, resultErr(frame.RequestID, "server busy"))
		}

	default:
		s.logger.Debug().Int64("client_id", c.id).Str("frame_type", frame.Type).Msg("Unknown frame type")
		s.send(c, errorEnvelope{Type: "error", Message: "unknown frame type: " + frame.Type})
	}
}

// invokeParams is the subset of action params the whitelist inspects.
type invokeParams struct {
	GroupID int64 `json:"group_id"`
	UserID  int64 `json:"user_id"`
}

func (s *Server) handleInvoke(c *Client, frame inboundFrame) {
	if frame.Action == "" {
		s.send(c, resultErr(frame.RequestID, "missing action"))
		return
	}

	var params invokeParams
	if len(frame.Params) > 0 {
		_ = json.Unmarshal(frame.Params, &params)
	}
	if params.GroupID != 0 && !s.config.Whitelist.AllowsGroup(params.GroupID) {
		s.send(c, resultErr(frame.RequestID, "group_not_in_whitelist"))
		return
	}
	if params.UserID != 0 && !s.config.Whitelist.AllowsUser(params.UserID) {
		s.send(c, resultErr(frame.RequestID, "user_not_in_whitelist"))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
	defer cancel()

	var actionParams any
	if len(frame.Params) > 0 {
		actionParams = frame.Params
	}

	var (
		data json.RawMessage
		err  error
	)
	switch frame.Call {
	case "call":
		var resp any
		resp, err = s.invoker.Call(ctx, frame.Action, actionParams)
		if err == nil {
			data, err = json.Marshal(resp)
		}
	case "", "data":
		data, err = s.invoker.Data(ctx, frame.Action, actionParams)
	case "ok":
		err = s.invoker.OK(ctx, frame.Action, actionParams)
	case "retry":
		data, err = s.invoker.Retry(ctx, frame.Action, actionParams)
	default:
		s.send(c, resultErr(frame.RequestID, "unknown call kind: "+frame.Call))
		return
	}

	if err != nil {
		s.logger.Debug().
			Int64("client_id", c.id).
			Str("action", frame.Action).
			Err(err).
			Msg("Invoke failed")
		s.send(c, resultErr(frame.RequestID, err.Error()))
		return
	}
	s.send(c, resultOK(frame.RequestID, data))
}

func (s *Server) handleSDK(c *Client, frame inboundFrame) {
	entry, ok := s.sdk.Resolve(frame.Path)
	if !ok {
		s.send(c, resultErr(frame.RequestID, "unknown sdk path: "+frame.Path))
		return
	}

	if errMsg := entry.checkWhitelist(s.config.Whitelist, frame.Args); errMsg != "" {
		s.send(c, resultErr(frame.RequestID, errMsg))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
	defer cancel()

	data, err := entry.fn(ctx, frame.Args)
	if err != nil {
		s.logger.Debug().
			Int64("client_id", c.id).
			Str("path", frame.Path).
			Err(err).
			Msg("SDK call failed")
		s.send(c, resultErr(frame.RequestID, err.Error()))
		return
	}
	s.send(c, resultOK(frame.RequestID, data))
}
