package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"qqstream/internal/limits"
	"qqstream/internal/monitoring"
)

const (
	// Keepalive ping period while the socket is open.
	pingPeriod = 30 * time.Second

	// Time allowed to write a control frame.
	controlWriteWait = 5 * time.Second

	// Buffered upstream events awaiting the broker loop.
	eventBuffer = 256
)

// ErrWaitOpenTimeout is returned when the socket did not open within the
// wait deadline.
var ErrWaitOpenTimeout = errors.New("timeout waiting for websocket open")

// Hooks are optional typed callbacks for connection state transitions.
// They are invoked from the client's own goroutines and must not block.
type Hooks struct {
	OnOpen  func()
	OnClose func(code int, reason string)
	OnError func(err error)
}

// Config holds upstream client configuration.
type Config struct {
	URL            string
	AccessToken    string
	Reconnect      bool
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	RequestTimeout time.Duration
	AutoWaitOpen   bool
	Limiter        *limits.Limiter
	Logger         zerolog.Logger
	Hooks          Hooks
}

type callResult struct {
	resp *Response
	err  error
}

// pendingCall tracks one in-flight action. The settle closure runs exactly
// once across every exit path (response, timeout, transport error, socket
// close, caller cancellation) and owns the limiter release.
type pendingCall struct {
	action  string
	ch      chan callResult
	timer   *time.Timer
	once    sync.Once
	release func()
}

func (p *pendingCall) settle(res callResult) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		if p.release != nil {
			p.release()
		}
		p.ch <- res
	})
}

// Client maintains one logical connection to the upstream gateway and
// multiplexes action requests over it by echo token.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	open           bool
	openCh         chan struct{}
	connDone       chan struct{}
	pending        map[string]*pendingCall
	reconnectTimer *time.Timer
	manualClose    bool

	writeMu sync.Mutex

	events chan Event
}

// NewClient creates an upstream client. Connect must be called before the
// first Call unless AutoWaitOpen handles late connection.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "onebot_client").Logger(),
		openCh:  make(chan struct{}),
		pending: make(map[string]*pendingCall),
		events:  make(chan Event, eventBuffer),
	}
}

// Events returns the stream of upstream events carrying a post_type.
// The channel is buffered; events are dropped with a warning if the
// consumer stalls.
func (c *Client) Events() <-chan Event {
	return c.events
}

// IsOpen reports whether the socket is currently open.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// WaitOpen blocks until the socket is open, the timeout elapses, or ctx is
// done.
func (c *Client) WaitOpen(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return nil
	}
	ch := c.openCh
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrWaitOpenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect establishes the upstream connection. When auto-reconnect is
// enabled a handshake failure also arms the reconnect timer; the error is
// returned either way so the caller can decide whether to treat it as
// fatal.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		manual := c.manualClose
		c.mu.Unlock()
		if c.cfg.Reconnect && !manual {
			c.scheduleReconnect()
		}
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		// Both header and query parameter are set; the gateway may honor
		// either.
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
		q := u.Query()
		if q.Get("access_token") == "" {
			q.Set("access_token", c.cfg.AccessToken)
			u.RawQuery = q.Encode()
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.RequestTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("Upstream dial failed")
		return err
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.connDone = done
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	close(c.openCh)
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Msg("Upstream connected")

	go c.readLoop(conn)
	go c.pingLoop(conn, done)

	if c.cfg.Hooks.OnOpen != nil {
		c.cfg.Hooks.OnOpen()
	}
	return nil
}

// Call sends an action with the default request timeout.
func (c *Client) Call(ctx context.Context, action string, params any) (*Response, error) {
	return c.CallTimeout(ctx, action, params, c.cfg.RequestTimeout)
}

// CallTimeout sends an action and waits for the response matched by echo.
// Exactly one of the outcomes settles the pending entry, and the limiter
// slot is released exactly once.
func (c *Client) CallTimeout(ctx context.Context, action string, params any, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	release := func() {}
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		release = c.cfg.Limiter.Release
	}

	if !c.IsOpen() {
		if !c.cfg.AutoWaitOpen {
			release()
			monitoring.UpstreamCallsTotal.WithLabelValues(action, "not_open").Inc()
			return nil, ErrNotOpen
		}
		if err := c.WaitOpen(ctx, timeout); err != nil {
			release()
			monitoring.UpstreamCallsTotal.WithLabelValues(action, "not_open").Inc()
			return nil, err
		}
	}

	echo := uuid.NewString()
	p := &pendingCall{
		action:  action,
		ch:      make(chan callResult, 1),
		release: release,
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.removePending(echo)
		p.settle(callResult{err: &TimeoutError{Action: action}})
	})

	c.mu.Lock()
	if !c.open || c.conn == nil {
		c.mu.Unlock()
		p.settle(callResult{err: ErrNotOpen})
		res := <-p.ch
		monitoring.UpstreamCallsTotal.WithLabelValues(action, "not_open").Inc()
		return res.resp, res.err
	}
	conn := c.conn
	c.pending[echo] = p
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(Frame{Action: action, Params: params, Echo: echo})
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(echo)
		p.settle(callResult{err: &TransportError{Err: err}})
	}

	select {
	case res := <-p.ch:
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		monitoring.UpstreamCallsTotal.WithLabelValues(action, outcome).Inc()
		return res.resp, res.err
	case <-ctx.Done():
		c.removePending(echo)
		p.settle(callResult{err: ctx.Err()})
		<-p.ch
		monitoring.UpstreamCallsTotal.WithLabelValues(action, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

func (c *Client) removePending(echo string) {
	c.mu.Lock()
	delete(c.pending, echo)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer monitoring.RecoverPanic(c.logger, "onebot_read_loop", nil)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseInternalServerErr, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			c.handleClose(conn, code, reason, err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one incoming frame: echoed frames settle the matching
// pending call, frames with post_type become events, anything else is
// discarded at debug level.
func (c *Client) dispatch(data []byte) {
	var head eventHead
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Debug().Err(err).Msg("Discarding malformed upstream frame")
		return
	}

	if head.Echo != "" {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Debug().Err(err).Msg("Discarding malformed upstream response")
			return
		}
		c.mu.Lock()
		p, ok := c.pending[resp.Echo]
		if ok {
			delete(c.pending, resp.Echo)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("echo", resp.Echo).Msg("Response for unknown echo")
			return
		}
		p.settle(callResult{resp: &resp})
		return
	}

	if head.PostType != "" {
		monitoring.UpstreamEventsTotal.WithLabelValues(head.PostType).Inc()
		ev := Event{
			Raw:         append([]byte(nil), data...),
			PostType:    head.PostType,
			MessageType: head.MessageType,
			NoticeType:  head.NoticeType,
			SubType:     head.SubType,
		}
		select {
		case c.events <- ev:
		default:
			// Blocking here would also stall response dispatch for
			// pending calls, so overflow is dropped and counted.
			monitoring.UpstreamEventDrops.Inc()
			c.logger.Warn().Str("post_type", head.PostType).Msg("Event buffer full, dropping event")
		}
		return
	}

	c.logger.Debug().Msg("Discarding unrecognized upstream frame")
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	defer monitoring.RecoverPanic(c.logger, "onebot_ping_loop", nil)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("Upstream ping failed")
				return
			}
		}
	}
}

// handleClose tears down the connection state, rejects every pending call
// with a close-carrying error and arms the reconnect timer unless the
// close was requested manually.
func (c *Client) handleClose(conn *websocket.Conn, code int, reason string, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.open = false
	c.openCh = make(chan struct{})
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	pend := c.pending
	c.pending = make(map[string]*pendingCall)
	manual := c.manualClose
	c.mu.Unlock()

	conn.Close()

	cerr := &CloseError{Code: code, Reason: reason}
	for _, p := range pend {
		p.settle(callResult{err: cerr})
	}

	c.logger.Info().
		Int("code", code).
		Str("reason", reason).
		Int("rejected_pending", len(pend)).
		Msg("Upstream connection closed")

	if c.cfg.Hooks.OnClose != nil {
		c.cfg.Hooks.OnClose(code, reason)
	}
	if cause != nil && !manual && c.cfg.Hooks.OnError != nil {
		c.cfg.Hooks.OnError(cause)
	}

	if c.cfg.Reconnect && !manual {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms a single timer with a uniform random delay in
// [ReconnectMin, ReconnectMax]. At most one timer is outstanding.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualClose || c.reconnectTimer != nil || c.open {
		return
	}

	delay := c.cfg.ReconnectMin
	if span := c.cfg.ReconnectMax - c.cfg.ReconnectMin; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span) + 1))
	}

	c.logger.Info().Dur("delay", delay).Msg("Scheduling upstream reconnect")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		manual := c.manualClose
		c.mu.Unlock()
		if manual {
			return
		}
		monitoring.UpstreamReconnects.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			c.scheduleReconnect()
		}
	})
}

// Close suppresses reconnect and terminates the socket. Pending calls are
// rejected by the read loop teardown.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(controlWriteWait),
		)
		c.writeMu.Unlock()
		conn.Close()
	}
}

// PendingCount returns the number of in-flight calls. Used by tests and
// the health endpoint.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
