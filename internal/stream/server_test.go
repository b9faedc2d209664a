package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qqstream/internal/config"
	"qqstream/internal/onebot"
)

// fakeInvoker records the last dispatched action and answers from a
// canned table.
type fakeInvoker struct {
	lastAction string
	lastCall   string
	responses  map[string]json.RawMessage
	errs       map[string]error
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
	}
}

func (f *fakeInvoker) answer(action string, data string) {
	f.responses[action] = json.RawMessage(data)
}

func (f *fakeInvoker) dispatch(call, action string) (json.RawMessage, error) {
	f.lastAction = action
	f.lastCall = call
	if err := f.errs[action]; err != nil {
		return nil, err
	}
	if data, ok := f.responses[action]; ok {
		return data, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeInvoker) Call(_ context.Context, action string, _ any) (*onebot.Response, error) {
	data, err := f.dispatch("call", action)
	if err != nil {
		return nil, err
	}
	return &onebot.Response{Status: "ok", Data: data}, nil
}

func (f *fakeInvoker) Data(_ context.Context, action string, _ any) (json.RawMessage, error) {
	return f.dispatch("data", action)
}

func (f *fakeInvoker) OK(_ context.Context, action string, _ any) error {
	_, err := f.dispatch("ok", action)
	return err
}

func (f *fakeInvoker) Retry(_ context.Context, action string, _ any) (json.RawMessage, error) {
	return f.dispatch("retry", action)
}

func startTestServer(t *testing.T, cfg ServerConfig, inv Invoker) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	s := NewServer(cfg, inv, nil, zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func dialTestServer(t *testing.T, s *Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws://" + s.Addr() + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env map[string]any
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env["type"] == typ {
			return env
		}
	}
	t.Fatalf("no %q envelope received", typ)
	return nil
}

func TestWelcomeOnConnect(t *testing.T) {
	s := startTestServer(t, ServerConfig{WelcomeMessage: "hello"}, newFakeInvoker())
	conn := dialTestServer(t, s, "")

	env := readEnvelope(t, conn)
	assert.Equal(t, "welcome", env["type"])
	assert.Equal(t, "hello", env["message"])
	assert.Greater(t, env["time"].(float64), float64(0))
}

func TestPingPong(t *testing.T) {
	s := startTestServer(t, ServerConfig{}, newFakeInvoker())
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	env := readUntil(t, conn, "pong")
	assert.Greater(t, env["time"].(float64), float64(0))
}

func TestInvokeRoundTrip(t *testing.T) {
	inv := newFakeInvoker()
	inv.answer("get_stranger_info", `{"user_id": 7, "nickname": "A"}`)
	s := startTestServer(t, ServerConfig{}, inv)
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "invoke",
		"requestId": "r1",
		"call":      "data",
		"action":    "get_stranger_info",
		"params":    map[string]any{"user_id": 7},
	}))

	env := readUntil(t, conn, "result")
	assert.Equal(t, "r1", env["requestId"])
	assert.Equal(t, true, env["ok"])
	data := env["data"].(map[string]any)
	assert.Equal(t, "A", data["nickname"])
	assert.Equal(t, "get_stranger_info", inv.lastAction)
	assert.Equal(t, "data", inv.lastCall)
}

func TestInvokeErrorResult(t *testing.T) {
	inv := newFakeInvoker()
	inv.errs["send_group_msg"] = errors.New(`Timeout waiting response for action "send_group_msg"`)
	s := startTestServer(t, ServerConfig{}, inv)
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "invoke",
		"requestId": "r2",
		"call":      "data",
		"action":    "send_group_msg",
		"params":    map[string]any{"group_id": 5},
	}))

	env := readUntil(t, conn, "result")
	assert.Equal(t, "r2", env["requestId"])
	assert.Equal(t, false, env["ok"])
	assert.Contains(t, env["error"], "Timeout waiting response")
}

func TestInvokeWhitelistDenied(t *testing.T) {
	wl := config.Whitelist{Groups: config.IDSet{200: {}}}
	s := startTestServer(t, ServerConfig{Whitelist: wl}, newFakeInvoker())
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "invoke",
		"requestId": "r3",
		"call":      "data",
		"action":    "send_group_msg",
		"params":    map[string]any{"group_id": 100},
	}))

	env := readUntil(t, conn, "result")
	assert.Equal(t, false, env["ok"])
	assert.Equal(t, "group_not_in_whitelist", env["error"])
}

func TestSDKWhitelistDenied(t *testing.T) {
	wl := config.Whitelist{Groups: config.IDSet{200: {}}}
	s := startTestServer(t, ServerConfig{Whitelist: wl}, newFakeInvoker())
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "sdk",
		"requestId": "r4",
		"path":      "send.group",
		"args":      []any{100, "hello"},
	}))

	env := readUntil(t, conn, "result")
	assert.Equal(t, false, env["ok"])
	assert.Equal(t, "group_not_in_whitelist", env["error"])
}

func TestSDKCall(t *testing.T) {
	inv := newFakeInvoker()
	inv.answer("send_group_msg", `{"message_id": 55}`)
	s := startTestServer(t, ServerConfig{}, inv)
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "sdk",
		"requestId": "r5",
		"path":      "send.group",
		"args":      []any{100, "hello"},
	}))

	env := readUntil(t, conn, "result")
	assert.Equal(t, true, env["ok"])
	assert.Equal(t, "send_group_msg", inv.lastAction)
}

func TestSDKUnknownPath(t *testing.T) {
	s := startTestServer(t, ServerConfig{}, newFakeInvoker())
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "sdk",
		"requestId": "r6",
		"path":      "send.nowhere",
		"args":      []any{},
	}))

	env := readUntil(t, conn, "result")
	assert.Equal(t, false, env["ok"])
	assert.Contains(t, env["error"], "unknown sdk path")
}

func TestListenTokenEnforced(t *testing.T) {
	s := startTestServer(t, ServerConfig{Token: "secret"}, newFakeInvoker())

	_, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	assert.Error(t, err)

	conn := dialTestServer(t, s, "?token=secret")
	env := readEnvelope(t, conn)
	assert.Equal(t, "welcome", env["type"])
}

func TestIdleClientSurvivesHeartbeatWindow(t *testing.T) {
	s := startTestServer(t, ServerConfig{PongWait: 300 * time.Millisecond}, newFakeInvoker())
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn) // welcome

	// A consumer that never sends data frames must stay connected as
	// long as control-frame traffic keeps arriving.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)))
		time.Sleep(100 * time.Millisecond)
	}

	s.Broadcast(MessageEnvelope{Type: "message", Data: map[string]any{"text": "still here"}})
	env := readUntil(t, conn, "message")
	data := env["data"].(map[string]any)
	assert.Equal(t, "still here", data["text"])
	assert.Equal(t, int64(1), s.ClientCount())
}

func TestBroadcastReachesAllClients(t *testing.T) {
	s := startTestServer(t, ServerConfig{}, newFakeInvoker())
	a := dialTestServer(t, s, "")
	b := dialTestServer(t, s, "")
	readEnvelope(t, a)
	readEnvelope(t, b)

	s.Broadcast(MessageEnvelope{Type: "message", Data: map[string]any{"text": "fanout"}})

	for _, conn := range []*websocket.Conn{a, b} {
		env := readUntil(t, conn, "message")
		data := env["data"].(map[string]any)
		assert.Equal(t, "fanout", data["text"])
	}
}

func TestShutdownEnvelope(t *testing.T) {
	s := startTestServer(t, ServerConfig{}, newFakeInvoker())
	conn := dialTestServer(t, s, "")
	readEnvelope(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	env := readUntil(t, conn, "shutdown")
	assert.NotEmpty(t, env["message"])
	assert.Equal(t, int64(0), s.ClientCount())
}

func TestWhitelistAllowAll(t *testing.T) {
	wl := config.Whitelist{}
	assert.True(t, wl.AllowsGroup(100))
	assert.True(t, wl.AllowsUser(7))
}

func TestSDKRegistryPaths(t *testing.T) {
	r := NewSDKRegistry(newFakeInvoker())
	for _, path := range []string{"send.group", "send.private", "query.member", "query.stranger", "query.msg"} {
		_, ok := r.Resolve(path)
		assert.True(t, ok, "missing path %s", path)
	}
	_, ok := r.Resolve("no.such")
	assert.False(t, ok)
}
