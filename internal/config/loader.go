package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicHost == "" {
		errs = append(errs, errors.New("server.public_host is required; the telephony provider dials back to it"))
	} else if strings.Contains(cfg.Server.PublicHost, "://") {
		errs = append(errs, fmt.Errorf("server.public_host %q must be a bare hostname, not a URL", cfg.Server.PublicHost))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// AI peer
	if cfg.AI.APIKey == "" {
		errs = append(errs, errors.New("ai.api_key is required"))
	}
	if t := cfg.AI.Temperature; t != 0 && (t < 0.6 || t > 1.2) {
		errs = append(errs, fmt.Errorf("ai.temperature %.2f is out of range [0.6, 1.2]", t))
	}

	// Telephony peer
	if cfg.Telephony.AuthToken == "" {
		slog.Warn("telephony.auth_token is empty; webhook signature validation is disabled")
	}

	// Bridge
	if cfg.Bridge.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("bridge.max_message_bytes %d must not be negative", cfg.Bridge.MaxMessageBytes))
	}
	if cfg.Bridge.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("bridge.queue_capacity %d must not be negative", cfg.Bridge.QueueCapacity))
	}
	for _, d := range []struct {
		name  string
		value int64
	}{
		{"bridge.inactivity_timeout", int64(cfg.Bridge.InactivityTimeout)},
		{"bridge.ping_interval", int64(cfg.Bridge.PingInterval)},
		{"bridge.ping_timeout", int64(cfg.Bridge.PingTimeout)},
		{"bridge.session_deadline", int64(cfg.Bridge.SessionDeadline)},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if cfg.Bridge.PingInterval > 0 && cfg.Bridge.PingTimeout > cfg.Bridge.PingInterval {
		slog.Warn("bridge.ping_timeout exceeds bridge.ping_interval; pings will overlap")
	}

	// Call log
	if cfg.CallLog.PostgresDSN == "" {
		slog.Warn("call_log.postgres_dsn is empty; call records will not survive restarts")
	}

	return errors.Join(errs...)
}
