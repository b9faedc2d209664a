package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qqstream/internal/config"
	"qqstream/internal/message"
	"qqstream/internal/onebot"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		OneBotURL:           "ws://127.0.0.1:1",
		Reconnect:           false,
		ReconnectMinMs:      1000,
		ReconnectMaxMs:      2000,
		RequestTimeoutMs:    100,
		RateMaxConcurrency:  1,
		RPCRetryMaxAttempts: 1,
		ListenAddr:          "127.0.0.1:0",
		MediaCacheDir:       t.TempDir(),
		SkipVoice:           true,
	}
}

func newTestBroker(t *testing.T, mutate func(*config.Config)) *Broker {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	b, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return b
}

func TestWhitelistFiltering(t *testing.T) {
	b := newTestBroker(t, func(cfg *config.Config) {
		cfg.Whitelist = config.Whitelist{Groups: config.IDSet{200: {}}}
	})

	groupOut := json.RawMessage(`{"message_type": "group", "group_id": 100, "user_id": 7}`)
	assert.False(t, b.allowed(groupOut))

	groupIn := json.RawMessage(`{"message_type": "group", "group_id": 200, "user_id": 7}`)
	assert.True(t, b.allowed(groupIn))

	// User whitelist is empty, so private messages pass.
	private := json.RawMessage(`{"message_type": "private", "user_id": 7}`)
	assert.True(t, b.allowed(private))
}

func TestAllowAllByDefault(t *testing.T) {
	b := newTestBroker(t, nil)
	assert.True(t, b.allowed(json.RawMessage(`{"message_type": "group", "group_id": 1}`)))
	assert.True(t, b.allowed(json.RawMessage(`{"message_type": "private", "user_id": 1}`)))
}

func TestWhitelistedMessageDropsSilently(t *testing.T) {
	b := newTestBroker(t, func(cfg *config.Config) {
		cfg.Whitelist = config.Whitelist{Groups: config.IDSet{200: {}}}
	})

	// A disallowed group message returns before any formatting or
	// broadcast work happens; with zero downstream clients this is the
	// observable behavior.
	ev := onebot.Event{
		PostType:    "message",
		MessageType: "group",
		Raw:         json.RawMessage(`{"post_type": "message", "message_type": "group", "group_id": 100, "user_id": 7}`),
	}
	b.handleEvent(context.Background(), ev)
	assert.Equal(t, int64(0), b.server.ClientCount())
}

func TestNATSSubject(t *testing.T) {
	group := &message.FormattedMessage{Type: "group", GroupID: 100}
	assert.Equal(t, "qqstream.message.group.100", natsSubject(group))

	private := &message.FormattedMessage{Type: "private", SenderID: 7}
	assert.Equal(t, "qqstream.message.private.7", natsSubject(private))
}

func TestPokeWhitelist(t *testing.T) {
	b := newTestBroker(t, func(cfg *config.Config) {
		cfg.Whitelist = config.Whitelist{Groups: config.IDSet{200: {}}}
	})

	denied := &message.FormattedMessage{Type: "group", GroupID: 100, EventType: "poke"}
	assert.False(t, b.pokeAllowed(denied))

	allowed := &message.FormattedMessage{Type: "group", GroupID: 200, EventType: "poke"}
	assert.True(t, b.pokeAllowed(allowed))
}
