package onebot

import (
	"errors"
	"fmt"
)

// ErrNotOpen is returned by Call when the socket is closed and waiting for
// it to open is disabled.
var ErrNotOpen = errors.New("websocket not open")

// TimeoutError is returned when no response arrived within the call
// deadline.
type TimeoutError struct {
	Action string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout waiting response for action %q", e.Action)
}

// TransportError wraps a socket-level send failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CloseError is delivered to every pending call when the socket closes
// before the response arrives.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("websocket closed (%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("websocket closed (%d)", e.Code)
}

// ActionError is an application-level failure: the gateway answered the
// action with a non-ok status.
type ActionError struct {
	Action  string
	Retcode int
	Text    string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q failed (retcode %d): %s", e.Action, e.Retcode, e.Text)
}
