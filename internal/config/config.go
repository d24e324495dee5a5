package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the profile looked up in the working directory when no
// --config flag is given.
const DefaultFile = "console.yml"

// DefaultAPIURL is the REST root used when nothing else is configured.
const DefaultAPIURL = "http://localhost:8000/api/v1"

// ConsoleConfig represents the top-level console.yml configuration
type ConsoleConfig struct {
	Version     string          `yaml:"version"`
	APIURL      string          `yaml:"api_url"`
	TokenFile   string          `yaml:"token_file,omitempty"`
	HTTPTimeout string          `yaml:"http_timeout,omitempty"` // Go duration, empty = no timeout
	Realtime    *RealtimeConfig `yaml:"realtime,omitempty"`
	Chat        *ChatConfig     `yaml:"chat,omitempty"`
	Board       *BoardConfig    `yaml:"board,omitempty"`
	Tap         *TapConfig      `yaml:"tap,omitempty"`
}

// RealtimeConfig tunes the websocket channel
type RealtimeConfig struct {
	PingInterval string `yaml:"ping_interval,omitempty"` // "0s" disables keepalive
}

// ChatConfig limits outbound chat
type ChatConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"` // 0 = unlimited
	Burst         int     `yaml:"burst,omitempty"`
}

// BoardConfig picks which board the console shows
type BoardConfig struct {
	ID *int64 `yaml:"id,omitempty"` // Default: first board returned
}

// TapConfig enables mirroring inbound events to Redis
type TapConfig struct {
	RedisURL string `yaml:"redis_url,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *ConsoleConfig {
	return &ConsoleConfig{Version: "1.0", APIURL: DefaultAPIURL}
}

// Validate performs strict validation on the configuration and fills in
// defaults for omitted sections
func (c *ConsoleConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api_url: %s (scheme must be 'http' or 'https')", c.APIURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid api_url: %s (missing host)", c.APIURL)
	}

	if _, err := parseDuration(c.HTTPTimeout); err != nil {
		return fmt.Errorf("invalid http_timeout: %w", err)
	}

	if c.Realtime == nil {
		c.Realtime = &RealtimeConfig{}
	}
	if _, err := parseDuration(c.Realtime.PingInterval); err != nil {
		return fmt.Errorf("invalid realtime.ping_interval: %w", err)
	}

	if c.Chat == nil {
		c.Chat = &ChatConfig{}
	}
	if c.Chat.RatePerSecond < 0 {
		return fmt.Errorf("chat.rate_per_second must be >= 0 (0 = unlimited), got %g", c.Chat.RatePerSecond)
	}
	if c.Chat.RatePerSecond > 0 && c.Chat.Burst == 0 {
		c.Chat.Burst = 1
	}
	if c.Chat.Burst < 0 {
		return fmt.Errorf("chat.burst must be >= 0, got %d", c.Chat.Burst)
	}

	if c.Board != nil && c.Board.ID != nil && *c.Board.ID <= 0 {
		return fmt.Errorf("board.id must be positive, got %d", *c.Board.ID)
	}

	if c.Tap != nil && c.Tap.RedisURL != "" {
		u, err := url.Parse(c.Tap.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("invalid tap.redis_url: %s (expected redis:// or rediss://)", c.Tap.RedisURL)
		}
	}

	return nil
}

// Timeout returns the REST timeout. Zero means none.
func (c *ConsoleConfig) Timeout() time.Duration {
	d, _ := parseDuration(c.HTTPTimeout)
	return d
}

// PingInterval returns the keepalive interval. ok is false when the
// profile leaves it unset and the channel default applies.
func (c *ConsoleConfig) PingInterval() (d time.Duration, ok bool) {
	if c.Realtime == nil || c.Realtime.PingInterval == "" {
		return 0, false
	}
	d, err := parseDuration(c.Realtime.PingInterval)
	return d, err == nil
}

// TapEnabled reports whether a Redis URL is configured.
func (c *ConsoleConfig) TapEnabled() bool {
	return c.Tap != nil && c.Tap.RedisURL != ""
}

// BoardID returns the configured board, or nil for the default.
func (c *ConsoleConfig) BoardID() *int64 {
	if c.Board == nil {
		return nil
	}
	return c.Board.ID
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative: %s", s)
	}
	return d, nil
}

// Load reads console.yml from the specified path, overlays CONSOLE_*
// environment variables and validates the result. An empty path or, when
// path is DefaultFile, a missing file yields the defaults.
func Load(path string) (*ConsoleConfig, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && path == DefaultFile:
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse YAML: %w", err)
			}
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnv overrides fields from CONSOLE_* variables.
func applyEnv(c *ConsoleConfig) error {
	v := viper.New()
	v.SetEnvPrefix("CONSOLE")
	for _, key := range []string{"api_url", "token_file", "tap_redis_url", "http_timeout", "chat_rate", "chat_burst", "ping_interval", "board_id"} {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	if v.IsSet("api_url") {
		c.APIURL = v.GetString("api_url")
	}
	if v.IsSet("token_file") {
		c.TokenFile = v.GetString("token_file")
	}
	if v.IsSet("http_timeout") {
		c.HTTPTimeout = v.GetString("http_timeout")
	}
	if v.IsSet("tap_redis_url") {
		if c.Tap == nil {
			c.Tap = &TapConfig{}
		}
		c.Tap.RedisURL = v.GetString("tap_redis_url")
	}
	if v.IsSet("ping_interval") {
		if c.Realtime == nil {
			c.Realtime = &RealtimeConfig{}
		}
		c.Realtime.PingInterval = v.GetString("ping_interval")
	}
	if v.IsSet("chat_rate") || v.IsSet("chat_burst") {
		if c.Chat == nil {
			c.Chat = &ChatConfig{}
		}
		if v.IsSet("chat_rate") {
			c.Chat.RatePerSecond = v.GetFloat64("chat_rate")
		}
		if v.IsSet("chat_burst") {
			c.Chat.Burst = v.GetInt("chat_burst")
		}
	}
	if v.IsSet("board_id") {
		id := v.GetInt64("board_id")
		c.Board = &BoardConfig{ID: &id}
	}
	return nil
}
