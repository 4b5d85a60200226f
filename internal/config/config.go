// Package config handles configuration loading and validation for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	Listen         string            `yaml:"listen"`
	WSPath         string            `yaml:"ws_path"`
	AllowedOrigins []string          `yaml:"allowed_origins"`
	Auth           AuthConfig        `yaml:"auth"`
	Heartbeat      HeartbeatConfig   `yaml:"heartbeat"`
	Attachments    AttachmentsConfig `yaml:"attachments"`
	Ledger         LedgerConfig      `yaml:"ledger"`
	Relay          RelayConfig       `yaml:"relay"`
}

// AuthConfig configures handshake identity resolution.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	CookieName string `yaml:"cookie_name"`
	// RejectAnonymous refuses connections without a valid credential
	// instead of admitting them anonymously.
	RejectAnonymous bool `yaml:"reject_anonymous"`
}

// HeartbeatConfig holds the liveness probe timings.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AttachmentsConfig configures the attachment content area.
type AttachmentsConfig struct {
	Dir        string `yaml:"dir"`
	URLPrefix  string `yaml:"url_prefix"`
	SyncWrites bool   `yaml:"sync_writes"`
	MaxBytes   int64  `yaml:"max_bytes"`
}

// LedgerConfig locates the message database.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// RelayConfig tunes per-connection queues and limits.
type RelayConfig struct {
	SendBuffer    int     `yaml:"send_buffer"`
	RatePerSecond float64 `yaml:"rate_per_second"` // 0 disables limiting
	Burst         int     `yaml:"burst"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen: ":4040",
		WSPath: "/ws",
		Auth: AuthConfig{
			CookieName: "token",
		},
		Heartbeat: HeartbeatConfig{
			Interval: 5 * time.Second,
			Timeout:  time.Second,
		},
		Attachments: AttachmentsConfig{
			Dir:       "./uploads",
			URLPrefix: "/uploads",
			MaxBytes:  10 << 20,
		},
		Ledger: LedgerConfig{
			Path: "./data/ledger",
		},
		Relay: RelayConfig{
			SendBuffer: 32,
			Burst:      10,
		},
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads configuration from configPath, applies environment
// overrides and validates the result. If configPath is empty or doesn't
// exist, defaults are used.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides file values with the deployment environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("RELAY_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv("CLIENT_URL"); v != "" {
		c.AllowedOrigins = append(c.AllowedOrigins, strings.Split(v, ",")...)
	}
	if v := getenv("RELAY_UPLOAD_DIR"); v != "" {
		c.Attachments.Dir = v
	}
	if v := getenv("RELAY_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.WSPath == "" {
		c.WSPath = defaults.WSPath
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = defaults.Auth.CookieName
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = defaults.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = defaults.Heartbeat.Timeout
	}
	if c.Attachments.Dir == "" {
		c.Attachments.Dir = defaults.Attachments.Dir
	}
	if c.Attachments.URLPrefix == "" {
		c.Attachments.URLPrefix = defaults.Attachments.URLPrefix
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = defaults.Ledger.Path
	}
	if c.Relay.SendBuffer == 0 {
		c.Relay.SendBuffer = defaults.Relay.SendBuffer
	}
	if c.Relay.Burst == 0 {
		c.Relay.Burst = defaults.Relay.Burst
	}

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path must start with /: %q", c.WSPath)
	}
	if !strings.HasPrefix(c.Attachments.URLPrefix, "/") {
		return fmt.Errorf("attachments.url_prefix must start with /: %q", c.Attachments.URLPrefix)
	}
	if c.Attachments.URLPrefix == c.WSPath {
		return fmt.Errorf("attachments.url_prefix and ws_path must differ")
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.Timeout < 0 {
		return fmt.Errorf("heartbeat durations must be positive")
	}
	if c.Heartbeat.Timeout >= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%s) must be shorter than heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Attachments.MaxBytes < 0 {
		return fmt.Errorf("attachments.max_bytes must not be negative")
	}
	if c.Relay.SendBuffer < 0 {
		return fmt.Errorf("relay.send_buffer must not be negative")
	}
	if c.Relay.RatePerSecond < 0 || c.Relay.Burst < 0 {
		return fmt.Errorf("relay rate limits must not be negative")
	}
	if c.Auth.RejectAnonymous && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.reject_anonymous requires auth.jwt_secret")
	}
	return nil
}
