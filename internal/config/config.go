// Package config defines the TOML configuration surface of the adapter:
// listen address, connection timeouts, TLS material and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultDisconnectTimeout = 75 * time.Second
)

// Config is the top-level configuration structure.
type Config struct {
	Server  *ServerConfig  `toml:"server,omitempty"`
	TLS     *TLSConfig     `toml:"tls,omitempty"`
	Logging *LoggingConfig `toml:"logging,omitempty"`
}

// ServerConfig holds general server settings. Duration fields use Go
// duration syntax, e.g. "10s".
type ServerConfig struct {
	Address *string `toml:"address,omitempty"`
	// HandshakeTimeout bounds the encryption-negotiation stage in front
	// of the dispatcher.
	HandshakeTimeout *string `toml:"handshake_timeout,omitempty"`
	// DisconnectTimeout is the per-connection idle/disconnect deadline.
	DisconnectTimeout *string `toml:"disconnect_timeout,omitempty"`
}

// TLSConfig holds the encryption stage's certificate material.
type TLSConfig struct {
	Enabled  *bool  `toml:"enabled,omitempty"`
	CertFile string `toml:"cert_file,omitempty"`
	KeyFile  string `toml:"key_file,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `toml:"log_level,omitempty"`
	// Target is "stderr", "stdout" or an absolute file path.
	Target string `toml:"target,omitempty"`
}

// LoadConfig reads, defaults and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in unset sections and fields.
func (c *Config) ApplyDefaults() {
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = LogLevelInfo
	}
	if c.Logging.Target == "" {
		c.Logging.Target = "stderr"
	}
}

// Validate checks the configuration for consistency. It assumes
// ApplyDefaults has run.
func (c *Config) Validate() error {
	if c.Server.Address != nil && *c.Server.Address == "" {
		return fmt.Errorf("server.address is configured but empty")
	}
	if _, err := parseOptionalDuration(c.Server.HandshakeTimeout, DefaultHandshakeTimeout); err != nil {
		return fmt.Errorf("server.handshake_timeout: %w", err)
	}
	if _, err := parseOptionalDuration(c.Server.DisconnectTimeout, DefaultDisconnectTimeout); err != nil {
		return fmt.Errorf("server.disconnect_timeout: %w", err)
	}
	if c.TLS != nil && c.TLS.Enabled != nil && *c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when tls.enabled is true")
		}
	}
	switch c.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", c.Logging.LogLevel)
	}
	return nil
}

// HandshakeTimeout returns the configured handshake timeout, or the
// default when unset.
func (s *ServerConfig) HandshakeTimeoutValue() time.Duration {
	d, err := parseOptionalDuration(s.HandshakeTimeout, DefaultHandshakeTimeout)
	if err != nil {
		return DefaultHandshakeTimeout
	}
	return d
}

// DisconnectTimeoutValue returns the configured disconnect timeout, or the
// default when unset. Zero disables the deadline.
func (s *ServerConfig) DisconnectTimeoutValue() time.Duration {
	d, err := parseOptionalDuration(s.DisconnectTimeout, DefaultDisconnectTimeout)
	if err != nil {
		return DefaultDisconnectTimeout
	}
	return d
}

func parseOptionalDuration(s *string, def time.Duration) (time.Duration, error) {
	if s == nil || *s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", *s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", *s)
	}
	return d, nil
}

// IsFilePath reports whether a logging target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}
