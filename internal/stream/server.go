package stream

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"qqstream/internal/config"
	"qqstream/internal/monitoring"
	"qqstream/internal/onebot"
)

const (
	writeWait       = 5 * time.Second
	defaultPongWait = 30 * time.Second

	// Consecutive failed enqueues before a slow consumer is cut off.
	slowClientStrikes = 3
)

// Invoker is the upstream call facade the RPC proxy dispatches through.
type Invoker interface {
	Call(ctx context.Context, action string, params any) (*onebot.Response, error)
	Data(ctx context.Context, action string, params any) (json.RawMessage, error)
	OK(ctx context.Context, action string, params any) error
	Retry(ctx context.Context, action string, params any) (json.RawMessage, error)
}

// ServerConfig carries the downstream listener settings.
type ServerConfig struct {
	Addr           string
	Token          string
	WelcomeMessage string
	RequestTimeout time.Duration
	Whitelist      config.Whitelist
	RPCWorkers     int
	RPCQueueSize   int

	// PongWait is how long a client may stay silent (no data or control
	// frames) before it is considered dead. Zero uses the default.
	PongWait time.Duration
}

// Server accepts downstream consumer connections, broadcasts envelopes
// and proxies RPC requests upstream.
type Server struct {
	config  ServerConfig
	logger  zerolog.Logger
	invoker Invoker
	sdk     *SDKRegistry

	listener   net.Listener
	httpServer *http.Server
	pool       *rpcPool

	clients     sync.Map // map[*Client]struct{}
	clientSeq   int64
	clientCount int64

	// upstreamUp reports upstream connectivity for /health.
	upstreamUp func() bool

	pongWait   time.Duration
	pingPeriod time.Duration

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
	startedAt    time.Time
}

// NewServer wires the downstream server. upstreamUp may be nil.
func NewServer(cfg ServerConfig, invoker Invoker, upstreamUp func() bool, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.WelcomeMessage == "" {
		cfg.WelcomeMessage = "connected"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	s := &Server{
		config:     cfg,
		logger:     logger.With().Str("component", "stream_server").Logger(),
		invoker:    invoker,
		sdk:        NewSDKRegistry(invoker),
		upstreamUp: upstreamUp,
		pool:       newRPCPool(cfg.RPCWorkers, cfg.RPCQueueSize, logger),
		pongWait:   cfg.PongWait,
		pingPeriod: cfg.PongWait * 9 / 10,
		ctx:        ctx,
		cancel:     cancel,
		startedAt:  time.Now(),
	}
	return s
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	s.pool.start(s.ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().Str("address", s.config.Addr).Msg("Stream server listening")
	return nil
}

// authorized checks the listen token against the query parameter or a
// bearer Authorization header. An empty configured token allows all.
func (s *Server) authorized(r *http.Request) bool {
	if s.config.Token == "" {
		return true
	}
	supplied := r.URL.Query().Get("token")
	if supplied == "" {
		supplied = r.URL.Query().Get("access_token")
	}
	if supplied == "" {
		supplied = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.config.Token)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authorized(r) {
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	client := newClient(atomic.AddInt64(&s.clientSeq, 1), conn)
	s.clients.Store(client, struct{}{})
	atomic.AddInt64(&s.clientCount, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	s.logger.Info().Int64("client_id", client.id).Str("remote", r.RemoteAddr).Msg("Client connected")

	if data, err := json.Marshal(newWelcome(s.config.WelcomeMessage)); err == nil {
		client.enqueue(data)
	}

	s.wg.Add(2)
	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) removeClient(c *Client, reason string) {
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}
	c.close()
	atomic.AddInt64(&s.clientCount, -1)
	monitoring.ConnectionsActive.Dec()
	monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()

	s.logger.Info().
		Int64("client_id", c.id).
		Str("reason", reason).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

func (s *Server) readPump(c *Client) {
	defer s.wg.Done()
	defer s.removeClient(c, "read_error")

	rd := &wsutil.Reader{Source: c.conn, State: ws.StateServerSide}
	c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		// Any frame proves liveness, control frames included: a passive
		// consumer that only answers the server's pings must not time
		// out.
		c.conn.SetReadDeadline(time.Now().Add(s.pongWait))

		switch {
		case hdr.OpCode == ws.OpClose:
			return
		case hdr.OpCode.IsControl():
			if err := s.readControl(c, hdr, rd); err != nil {
				return
			}
		case hdr.OpCode == ws.OpText:
			msg, err := io.ReadAll(rd)
			if err != nil {
				return
			}
			s.handleFrame(c, msg)
		default:
			if err := rd.Discard(); err != nil {
				return
			}
		}
	}
}

// readControl consumes one control frame and answers pings. The pong is
// written under the client's write lock so it cannot interleave with the
// write pump.
func (s *Server) readControl(c *Client, hdr ws.Header, rd *wsutil.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return err
	}
	if hdr.OpCode != ws.OpPing {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, ws.OpPong, payload)
}

func (s *Server) writePump(c *Client) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.writeMu.Lock()
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				c.writeMu.Unlock()
				return
			}
			if err := c.write(ws.OpText, data); err != nil {
				s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("Write to client failed")
				s.removeClient(c, "write_error")
				return
			}
		case <-ticker.C:
			if err := c.write(ws.OpPing, nil); err != nil {
				s.removeClient(c, "ping_error")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Broadcast serializes the envelope once and fans it out to every open
// client. Slow consumers accumulate strikes and are disconnected after
// three consecutive full-buffer drops.
func (s *Server) Broadcast(envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to serialize broadcast envelope")
		return
	}
	s.BroadcastRaw(data)
}

// BroadcastRaw fans out an already serialized frame.
func (s *Server) BroadcastRaw(data []byte) {
	monitoring.BroadcastsTotal.Inc()
	s.clients.Range(func(key, _ any) bool {
		client := key.(*Client)
		if client.enqueue(data) {
			return true
		}

		monitoring.BroadcastDrops.Inc()
		attempts := atomic.AddInt32(&client.sendAttempts, 1)
		if attempts == 1 && atomic.CompareAndSwapInt32(&client.slowWarned, 0, 1) {
			s.logger.Warn().Int64("client_id", client.id).Msg("Client is slow")
		}
		if attempts >= slowClientStrikes {
			s.logger.Warn().
				Int64("client_id", client.id).
				Int32("consecutive_failures", attempts).
				Msg("Disconnecting slow client")
			if client.conn != nil {
				if notice, err := json.Marshal(disconnectEnvelope{Type: "disconnect", Message: "client too slow"}); err == nil {
					client.write(ws.OpText, notice)
				}
				client.writeMu.Lock()
				body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "client too slow")
				ws.WriteFrame(client.conn, ws.NewCloseFrame(body))
				client.writeMu.Unlock()
			}
			s.removeClient(client, "too_slow")
		}
		return true
	})
}

// send marshals and enqueues a frame for one client.
func (s *Server) send(c *Client, envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to serialize envelope")
		return
	}
	if !c.enqueue(data) {
		monitoring.BroadcastDrops.Inc()
		s.logger.Debug().Int64("client_id", c.id).Msg("Client buffer full, frame dropped")
	}
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of open downstream connections.
func (s *Server) ClientCount() int64 {
	return atomic.LoadInt64(&s.clientCount)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	upstream := true
	if s.upstreamUp != nil {
		upstream = s.upstreamUp()
	}
	status := "healthy"
	code := http.StatusOK
	if !upstream {
		status = "degraded"
	}
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":             status,
		"upstream_connected": upstream,
		"clients":            atomic.LoadInt64(&s.clientCount),
		"uptime_seconds":     time.Since(s.startedAt).Seconds(),
	})
}

// Shutdown announces shutdown to every client, closes them and stops the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.shuttingDown, 0, 1) {
		return nil
	}
	s.logger.Info().Msg("Stream server shutting down")

	if data, err := json.Marshal(shutdownEnvelope{Type: "shutdown", Message: "server shutting down"}); err == nil {
		s.clients.Range(func(key, _ any) bool {
			key.(*Client).enqueue(data)
			return true
		})
	}
	// Give write pumps a moment to flush the shutdown frames.
	time.Sleep(100 * time.Millisecond)

	s.clients.Range(func(key, _ any) bool {
		s.removeClient(key.(*Client), "server_shutdown")
		return true
	})

	s.cancel()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.pool.stop()
	s.wg.Wait()
	return err
}
