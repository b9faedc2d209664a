// Package broker composes the upstream client, the formatter and the
// downstream stream server into the event pipeline.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"qqstream/internal/cache"
	"qqstream/internal/config"
	"qqstream/internal/limits"
	"qqstream/internal/media"
	"qqstream/internal/message"
	"qqstream/internal/monitoring"
	"qqstream/internal/onebot"
	"qqstream/internal/stream"
)

// Broker owns the full pipeline: upstream events in, enriched envelopes
// out to downstream consumers and the optional NATS egress.
type Broker struct {
	config    *config.Config
	logger    zerolog.Logger
	client    *onebot.Client
	invoker   *onebot.Invoker
	formatter *message.Formatter
	server    *stream.Server
	nats      *nats.Conn
	sysmon    *monitoring.SystemMonitor
}

// New wires the broker from configuration.
func New(cfg *config.Config, logger zerolog.Logger) (*Broker, error) {
	b := &Broker{
		config: cfg,
		logger: logger.With().Str("component", "broker").Logger(),
	}

	limiter := limits.New(cfg.RateMaxConcurrency, time.Duration(cfg.RateMinIntervalMs)*time.Millisecond)

	b.client = onebot.NewClient(onebot.Config{
		URL:            cfg.OneBotURL,
		AccessToken:    cfg.AccessToken,
		Reconnect:      cfg.Reconnect,
		ReconnectMin:   time.Duration(cfg.ReconnectMinMs) * time.Millisecond,
		ReconnectMax:   time.Duration(cfg.ReconnectMaxMs) * time.Millisecond,
		RequestTimeout: cfg.RequestTimeout(),
		AutoWaitOpen:   cfg.AutoWaitOpen,
		Limiter:        limiter,
		Logger:         logger,
	})

	b.invoker = onebot.NewInvoker(b.client, onebot.RetryConfig{
		Enabled:     cfg.RPCRetryEnabled,
		Interval:    time.Duration(cfg.RPCRetryIntervalMs) * time.Millisecond,
		MaxAttempts: cfg.RPCRetryMaxAttempts,
	}, logger)

	fetcher, err := media.NewDiskFetcher(cfg.MediaCacheDir, logger)
	if err != nil {
		return nil, fmt.Errorf("media fetcher: %w", err)
	}

	b.formatter = message.NewFormatter(b.invoker, fetcher, cache.New(cache.DefaultTTL), message.Options{
		IncludeRaw:        cfg.IncludeRaw,
		SkipAnimatedEmoji: cfg.SkipAnimatedEmoji,
		SkipVoice:         cfg.SkipVoice,
	}, logger)

	b.server = stream.NewServer(stream.ServerConfig{
		Addr:           cfg.ListenAddr,
		Token:          cfg.ListenToken,
		WelcomeMessage: "qqstream connected",
		RequestTimeout: cfg.RequestTimeout() + time.Duration(cfg.RPCRetryIntervalMs)*time.Millisecond,
		Whitelist:      cfg.Whitelist,
	}, b.invoker, b.client.IsOpen, logger)

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.Name("qqstream"))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		b.nats = nc
		b.logger.Info().Str("nats_url", cfg.NATSURL).Msg("NATS egress enabled")
	}

	b.sysmon = monitoring.NewSystemMonitor(logger)
	return b, nil
}

// Run connects upstream, starts the downstream server and processes
// events until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.server.Start(); err != nil {
		return err
	}
	b.sysmon.Start(ctx, b.config.MetricsInterval)

	if err := b.client.Connect(ctx); err != nil {
		// Reconnect (if enabled) keeps trying in the background; a dead
		// upstream at boot is not fatal.
		b.logger.Error().Err(err).Msg("Initial upstream connect failed")
		if !b.config.Reconnect {
			return err
		}
	}

	b.logger.Info().Msg("Broker running")

	for {
		select {
		case <-ctx.Done():
			return b.shutdown()
		case ev, ok := <-b.client.Events():
			if !ok {
				return b.shutdown()
			}
			b.handleEvent(ctx, ev)
		}
	}
}

func (b *Broker) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := b.server.Shutdown(shutdownCtx)
	b.client.Close(1000, "shutting down")
	if b.nats != nil {
		b.nats.Flush()
		b.nats.Close()
	}
	b.sysmon.Wait()
	b.logger.Info().Msg("Broker stopped")
	return err
}

// handleEvent routes one upstream event. Events are processed
// sequentially in arrival order.
func (b *Broker) handleEvent(ctx context.Context, ev onebot.Event) {
	switch ev.PostType {
	case "message":
		b.handleMessage(ctx, ev)
	case "notice":
		if ev.NoticeType == "notify" && ev.SubType == "poke" {
			b.handlePoke(ctx, ev)
		}
	case "meta_event", "request":
		// Not broadcast.
	default:
		b.logger.Debug().Str("post_type", ev.PostType).Msg("Ignoring upstream event")
	}
}

func (b *Broker) handleMessage(ctx context.Context, ev onebot.Event) {
	if !b.allowed(ev.Raw) {
		b.logFiltered("whitelist", ev.Raw)
		return
	}
	if b.formatter.VoiceOnly(ev.Raw) {
		b.logFiltered("voice_only", ev.Raw)
		return
	}

	formatted, err := b.formatter.FormatMessage(ctx, ev.Raw)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Message formatting failed")
		return
	}
	if b.formatter.AnimatedStickerOnly(formatted) {
		b.logFiltered("animated_sticker", ev.Raw)
		return
	}

	b.publish(formatted)
}

func (b *Broker) handlePoke(ctx context.Context, ev onebot.Event) {
	poke, suppress, err := b.formatter.FormatPoke(ctx, ev.Raw)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Poke formatting failed")
		return
	}
	if suppress {
		b.logFiltered("self_poke_private", ev.Raw)
		return
	}
	if !b.pokeAllowed(poke) {
		b.logFiltered("whitelist", ev.Raw)
		return
	}
	b.publish(poke)
}

// publish serializes the message envelope once, broadcasts it to all
// downstream clients and mirrors it to NATS when configured.
func (b *Broker) publish(m *message.FormattedMessage) {
	data, err := json.Marshal(stream.MessageEnvelope{Type: "message", Data: m})
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to serialize message envelope")
		return
	}
	b.server.BroadcastRaw(data)

	if b.nats != nil {
		subject := natsSubject(m)
		if err := b.nats.Publish(subject, data); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("NATS publish failed")
		}
	}
}

// natsSubject derives the egress subject: qqstream.message.<kind>.<id>.
func natsSubject(m *message.FormattedMessage) string {
	if m.Type == "group" {
		return fmt.Sprintf("qqstream.message.group.%d", m.GroupID)
	}
	return fmt.Sprintf("qqstream.message.private.%d", m.SenderID)
}

// eventIDs is the subset of a message event the whitelist inspects.
type eventIDs struct {
	MessageType string `json:"message_type"`
	GroupID     int64  `json:"group_id"`
	UserID      int64  `json:"user_id"`
}

func (b *Broker) allowed(raw json.RawMessage) bool {
	var ids eventIDs
	if err := json.Unmarshal(raw, &ids); err != nil {
		return false
	}
	if ids.MessageType == "group" {
		return b.config.Whitelist.AllowsGroup(ids.GroupID)
	}
	return b.config.Whitelist.AllowsUser(ids.UserID)
}

func (b *Broker) pokeAllowed(poke *message.FormattedMessage) bool {
	if poke.Type == "group" {
		return b.config.Whitelist.AllowsGroup(poke.GroupID)
	}
	return b.config.Whitelist.AllowsUser(poke.SenderID)
}

func (b *Broker) logFiltered(reason string, raw json.RawMessage) {
	monitoring.FilteredMessages.WithLabelValues(reason).Inc()
	if b.config.LogFiltered {
		b.logger.Info().Str("reason", reason).RawJSON("event", raw).Msg("Event filtered")
	}
}
