package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all adapter configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Upstream (OneBot gateway)
	OneBotURL         string `env:"ONEBOT_URL" envDefault:"ws://127.0.0.1:3001"`
	AccessToken       string `env:"ONEBOT_ACCESS_TOKEN" envDefault:""`
	Reconnect         bool   `env:"ONEBOT_RECONNECT" envDefault:"true"`
	ReconnectMinMs    int    `env:"ONEBOT_RECONNECT_MIN_MS" envDefault:"1000"`
	ReconnectMaxMs    int    `env:"ONEBOT_RECONNECT_MAX_MS" envDefault:"15000"`
	RequestTimeoutMs  int    `env:"ONEBOT_REQUEST_TIMEOUT_MS" envDefault:"15000"`
	AutoWaitOpen      bool   `env:"ONEBOT_AUTO_WAIT_OPEN" envDefault:"true"`

	// Upstream dispatch rate limiting
	RateMaxConcurrency int `env:"RATE_MAX_CONCURRENCY" envDefault:"5"`
	RateMinIntervalMs  int `env:"RATE_MIN_INTERVAL_MS" envDefault:"200"`

	// RPC retry (wraps retriable upstream failures)
	RPCRetryEnabled     bool `env:"RPC_RETRY_ENABLED" envDefault:"true"`
	RPCRetryIntervalMs  int  `env:"RPC_RETRY_INTERVAL_MS" envDefault:"10000"`
	RPCRetryMaxAttempts int  `env:"RPC_RETRY_MAX_ATTEMPTS" envDefault:"60"`

	// Downstream (consumer-facing server)
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":3010"`
	ListenToken string `env:"LISTEN_TOKEN" envDefault:""`

	// Event policies
	IncludeRaw        bool   `env:"INCLUDE_RAW" envDefault:"false"`
	SkipAnimatedEmoji bool   `env:"SKIP_ANIMATED_EMOJI" envDefault:"false"`
	SkipVoice         bool   `env:"SKIP_VOICE" envDefault:"true"`
	LogFiltered       bool   `env:"LOG_FILTERED" envDefault:"false"`
	WhitelistGroups   string `env:"WHITELIST_GROUPS" envDefault:""`
	WhitelistUsers    string `env:"WHITELIST_USERS" envDefault:""`

	// Media cache
	MediaCacheDir string `env:"MEDIA_CACHE_DIR" envDefault:""`

	// Optional NATS egress (disabled when empty)
	NATSURL string `env:"NATS_URL" envDefault:""`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Parsed whitelists (populated by Load)
	Whitelist Whitelist `env:"-"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production plain env vars are used.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	groups, err := ParseIDSet(cfg.WhitelistGroups)
	if err != nil {
		return nil, fmt.Errorf("WHITELIST_GROUPS: %w", err)
	}
	users, err := ParseIDSet(cfg.WhitelistUsers)
	if err != nil {
		return nil, fmt.Errorf("WHITELIST_USERS: %w", err)
	}
	cfg.Whitelist = Whitelist{Groups: groups, Users: users}

	if cfg.MediaCacheDir == "" {
		cfg.MediaCacheDir = filepath.Join(os.TempDir(), "qqstream")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.OneBotURL == "" {
		return fmt.Errorf("ONEBOT_URL is required")
	}
	if !strings.HasPrefix(c.OneBotURL, "ws://") && !strings.HasPrefix(c.OneBotURL, "wss://") {
		return fmt.Errorf("ONEBOT_URL must be a ws:// or wss:// URL, got %q", c.OneBotURL)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.RateMaxConcurrency < 1 {
		return fmt.Errorf("RATE_MAX_CONCURRENCY must be > 0, got %d", c.RateMaxConcurrency)
	}
	if c.RateMinIntervalMs < 0 {
		return fmt.Errorf("RATE_MIN_INTERVAL_MS must be >= 0, got %d", c.RateMinIntervalMs)
	}
	if c.ReconnectMinMs < 0 || c.ReconnectMaxMs < c.ReconnectMinMs {
		return fmt.Errorf("reconnect window invalid: min=%dms max=%dms", c.ReconnectMinMs, c.ReconnectMaxMs)
	}
	if c.RequestTimeoutMs < 1 {
		return fmt.Errorf("ONEBOT_REQUEST_TIMEOUT_MS must be > 0, got %d", c.RequestTimeoutMs)
	}
	if c.RPCRetryMaxAttempts < 1 {
		return fmt.Errorf("RPC_RETRY_MAX_ATTEMPTS must be > 0, got %d", c.RPCRetryMaxAttempts)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// RequestTimeout returns the upstream RPC deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// LogConfig logs the effective configuration with structured fields.
// The access and listen tokens are redacted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("onebot_url", c.OneBotURL).
		Bool("access_token_set", c.AccessToken != "").
		Bool("reconnect", c.Reconnect).
		Int("reconnect_min_ms", c.ReconnectMinMs).
		Int("reconnect_max_ms", c.ReconnectMaxMs).
		Int("request_timeout_ms", c.RequestTimeoutMs).
		Bool("auto_wait_open", c.AutoWaitOpen).
		Int("rate_max_concurrency", c.RateMaxConcurrency).
		Int("rate_min_interval_ms", c.RateMinIntervalMs).
		Str("listen_addr", c.ListenAddr).
		Bool("listen_token_set", c.ListenToken != "").
		Bool("include_raw", c.IncludeRaw).
		Bool("skip_animated_emoji", c.SkipAnimatedEmoji).
		Bool("skip_voice", c.SkipVoice).
		Int("whitelist_groups", len(c.Whitelist.Groups)).
		Int("whitelist_users", len(c.Whitelist.Users)).
		Str("media_cache_dir", c.MediaCacheDir).
		Str("nats_url", c.NATSURL).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}

// ParseIDSet parses a comma-separated list of integer ids.
// Blank entries are skipped; an empty input yields an empty (allow-all) set.
func ParseIDSet(s string) (IDSet, error) {
	set := IDSet{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		set[id] = struct{}{}
	}
	return set, nil
}
