// Package config provides configuration for the coordinator.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Venue backends.
const (
	VenueBackendSQLite = "sqlite"
	VenueBackendMemory = "memory"
	VenueBackendRedis  = "redis"
)

// PartyConfig is one statically configured party.
type PartyConfig struct {
	Name      string
	Endpoint  string
	Streaming bool
}

// Config holds the coordinator configuration.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"HTTP_PORT"`

	// Database
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Logging
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Env      string `mapstructure:"ENV"`

	// Fan-out
	RoundTimeoutMs   int     `mapstructure:"ROUND_TIMEOUT_MS"`
	PartyMaxRetries  int     `mapstructure:"PARTY_MAX_RETRIES"`
	PartyRetryBaseMs int     `mapstructure:"PARTY_RETRY_BASE_MS"`
	PartyRatePerSec  float64 `mapstructure:"PARTY_RATE_PER_SEC"`

	// Reconciliation
	QuorumMode       string `mapstructure:"QUORUM_MODE"`
	QuorumMin        int    `mapstructure:"QUORUM_MIN"`
	QuorumPolicyFile string `mapstructure:"QUORUM_POLICY_FILE"`
	MinSlotMinutes   int    `mapstructure:"MIN_SLOT_MINUTES"`

	// Session
	RoundRetries     int `mapstructure:"ROUND_RETRIES"`
	BookingRetries   int `mapstructure:"BOOKING_RETRIES"`
	BookingTimeoutMs int `mapstructure:"BOOKING_TIMEOUT_MS"`
	SessionTimeoutMs int `mapstructure:"SESSION_TIMEOUT_MS"`
	SessionGraceMs   int `mapstructure:"SESSION_GRACE_MS"`

	// Venue
	VenueID       string `mapstructure:"VENUE_ID"`
	VenueBackend  string `mapstructure:"VENUE_BACKEND"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// WebSocket settings
	WSPingIntervalMs int   `mapstructure:"WS_PING_INTERVAL_MS"`
	WSWriteTimeoutMs int   `mapstructure:"WS_WRITE_TIMEOUT_MS"`
	WSReadTimeoutMs  int   `mapstructure:"WS_READ_TIMEOUT_MS"`
	WSMaxMessageSize int64 `mapstructure:"WS_MAX_MESSAGE_SIZE"`

	// Parties as name=url[;stream], comma separated.
	PartiesRaw string `mapstructure:"PARTIES"`
	Parties    []PartyConfig
}

var defaults = map[string]any{
	"HTTP_PORT":           8080,
	"DATABASE_URL":        "file:huddle.db?cache=shared&mode=rwc",
	"LOG_LEVEL":           "info",
	"ENV":                 "development",
	"ROUND_TIMEOUT_MS":    30000,
	"PARTY_MAX_RETRIES":   2,
	"PARTY_RETRY_BASE_MS": 500,
	"PARTY_RATE_PER_SEC":  5.0,
	"QUORUM_MODE":         "all",
	"QUORUM_MIN":          0,
	"QUORUM_POLICY_FILE":  "",
	"MIN_SLOT_MINUTES":    30,
	"ROUND_RETRIES":       2,
	"BOOKING_RETRIES":     2,
	"BOOKING_TIMEOUT_MS":  10000,
	"SESSION_TIMEOUT_MS":  600000,
	"SESSION_GRACE_MS":    300000,
	"VENUE_ID":            "jam-spot",
	"VENUE_BACKEND":       VenueBackendSQLite,
	"REDIS_ADDR":          "localhost:6379",
	"REDIS_PASSWORD":      "",
	"REDIS_DB":            0,
	"WS_PING_INTERVAL_MS": 30000,
	"WS_WRITE_TIMEOUT_MS": 10000,
	"WS_READ_TIMEOUT_MS":  60000,
	"WS_MAX_MESSAGE_SIZE": 65536,
	"PARTIES":             "",
}

// Load reads configuration from defaults, an optional huddle.yaml in the
// working directory or ./config, and the environment, in increasing priority.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("huddle")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v)
}

// LoadFile reads configuration from path and the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && v.ConfigFileUsed() != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	parties, err := ParseParties(cfg.PartiesRaw)
	if err != nil {
		return nil, err
	}
	cfg.Parties = parties

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseParties parses a comma separated list of name=url[;stream] entries.
func ParseParties(raw string) ([]PartyConfig, error) {
	var out []PartyConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("invalid party %q: want name=url[;stream]", entry)
		}
		p := PartyConfig{Name: strings.TrimSpace(name)}
		endpoint, opt, _ := strings.Cut(rest, ";")
		p.Endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
		switch strings.TrimSpace(opt) {
		case "":
		case "stream":
			p.Streaming = true
		default:
			return nil, fmt.Errorf("invalid party %q: unknown option %q", entry, opt)
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.HTTPPort <= 0 || c.HTTPPort > 65535:
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	case c.RoundTimeoutMs <= 0:
		return errors.New("ROUND_TIMEOUT_MS must be positive")
	case c.PartyMaxRetries < 0, c.RoundRetries < 0, c.BookingRetries < 0:
		return errors.New("retry budgets must not be negative")
	case c.BookingTimeoutMs <= 0 || c.SessionTimeoutMs <= 0:
		return errors.New("BOOKING_TIMEOUT_MS and SESSION_TIMEOUT_MS must be positive")
	case c.MinSlotMinutes < 0:
		return errors.New("MIN_SLOT_MINUTES must not be negative")
	case c.QuorumMin < 0:
		return errors.New("QUORUM_MIN must not be negative")
	}
	switch c.VenueBackend {
	case VenueBackendSQLite, VenueBackendMemory, VenueBackendRedis:
	default:
		return fmt.Errorf("unknown VENUE_BACKEND %q", c.VenueBackend)
	}
	if c.VenueID == "" {
		return errors.New("VENUE_ID is required")
	}
	return nil
}

func (c *Config) RoundTimeout() time.Duration   { return ms(c.RoundTimeoutMs) }
func (c *Config) PartyRetryBase() time.Duration { return ms(c.PartyRetryBaseMs) }
func (c *Config) BookingTimeout() time.Duration { return ms(c.BookingTimeoutMs) }
func (c *Config) SessionTimeout() time.Duration { return ms(c.SessionTimeoutMs) }
func (c *Config) SessionGrace() time.Duration   { return ms(c.SessionGraceMs) }
func (c *Config) WSPingInterval() time.Duration { return ms(c.WSPingIntervalMs) }
func (c *Config) WSWriteTimeout() time.Duration { return ms(c.WSWriteTimeoutMs) }
func (c *Config) WSReadTimeout() time.Duration  { return ms(c.WSReadTimeoutMs) }

func (c *Config) MinSlotDuration() time.Duration {
	return time.Duration(c.MinSlotMinutes) * time.Minute
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
