// Package config loads and validates startup configuration from an
// optional YAML file layered under DOORMAN_-prefixed environment
// variables. All values are read once before serving; nothing reloads at
// runtime.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Twilio    TwilioConfig    `koanf:"twilio"`
	Portal    PortalConfig    `koanf:"portal"`
	Session   SessionConfig   `koanf:"session"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// PublicURL is the exact webhook URL the SMS provider delivers to.
	// Signature validation is computed over this URL, not whatever
	// address a reverse proxy rewrote the request to.
	PublicURL string `koanf:"public_url"`
	// RequestTimeout bounds one webhook request end to end.
	RequestTimeout string `koanf:"request_timeout"`
}

type TwilioConfig struct {
	AuthToken string `koanf:"auth_token"`
	// AllowedNumbers is the comma-separated E.164 caller allowlist.
	AllowedNumbers string `koanf:"allowed_numbers"`
}

type PortalConfig struct {
	URL          string `koanf:"url"`
	ControlLabel string `koanf:"control_label"`
	// ActuationTimeout bounds one portal interaction (navigate, locate,
	// invoke, confirm).
	ActuationTimeout string `koanf:"actuation_timeout"`
	// AcquireWait bounds how long a request waits for the single
	// actuation slot before reporting busy.
	AcquireWait string `koanf:"acquire_wait"`
}

type SessionConfig struct {
	SnapshotPath string `koanf:"snapshot_path"`
}

type RateLimitConfig struct {
	MaxRequests int    `koanf:"max_requests"`
	Window      string `koanf:"window"`
}

// Load reads configuration: defaults, then the YAML file at path (when
// path is non-empty), then environment variables. DOORMAN_PORTAL__URL
// maps to portal.url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":              8000,
		"server.request_timeout":   "45s",
		"portal.actuation_timeout": "30s",
		"portal.acquire_wait":      "10s",
		"session.snapshot_path":    "session.json",
		"rate_limit.max_requests":  10,
		"rate_limit.window":        "1h",
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("DOORMAN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DOORMAN_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on anything the gateway or actuator would otherwise
// trip over mid-request.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required")
	}
	if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.public_url %q is not an absolute URL", c.Server.PublicURL)
	}
	if c.Twilio.AuthToken == "" {
		return fmt.Errorf("twilio.auth_token is required")
	}
	if len(c.AllowedNumbers()) == 0 {
		return fmt.Errorf("twilio.allowed_numbers is required")
	}
	if c.Portal.URL == "" {
		return fmt.Errorf("portal.url is required")
	}
	if c.Portal.ControlLabel == "" {
		return fmt.Errorf("portal.control_label is required")
	}
	if c.Session.SnapshotPath == "" {
		return fmt.Errorf("session.snapshot_path is required")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be positive")
	}

	for name, value := range map[string]string{
		"server.request_timeout":   c.Server.RequestTimeout,
		"portal.actuation_timeout": c.Portal.ActuationTimeout,
		"portal.acquire_wait":      c.Portal.AcquireWait,
		"rate_limit.window":        c.RateLimit.Window,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// AllowedNumbers returns the allowlist entries with blanks dropped.
func (c *Config) AllowedNumbers() []string {
	var out []string
	for _, n := range strings.Split(c.Twilio.AllowedNumbers, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// RequestTimeout returns the parsed per-request bound.
func (c *Config) RequestTimeout() time.Duration { return mustDuration(c.Server.RequestTimeout) }

// ActuationTimeout returns the parsed portal interaction bound.
func (c *Config) ActuationTimeout() time.Duration { return mustDuration(c.Portal.ActuationTimeout) }

// AcquireWait returns the parsed actuation-slot wait bound.
func (c *Config) AcquireWait() time.Duration { return mustDuration(c.Portal.AcquireWait) }

// RateLimitWindow returns the parsed fixed-window duration.
func (c *Config) RateLimitWindow() time.Duration { return mustDuration(c.RateLimit.Window) }

// mustDuration is safe after Validate; it returns zero for anything that
// somehow bypassed it.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
