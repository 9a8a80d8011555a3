// Package config provides configuration file parsing and validation for
// the tunnel engine's two binaries (server, client), grounded on the
// teacher's internal/config package: YAML with defaults, ${VAR}/
// ${VAR:-default} environment expansion, and a Validate/Redacted pair so
// the effective config can be logged safely.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const redactedValue = "[REDACTED]"

// TLSConfig carries the TLS material spec §6 names: tls_cert, tls_key,
// tls_ca, tls_client_auth.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	CA         string `yaml:"ca"`
	ClientAuth bool   `yaml:"client_auth"` // require and verify a client certificate (mTLS)
}

// HeartbeatConfig tunes session liveness (spec §4.5, §6).
type HeartbeatConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	TimeoutMS  int `yaml:"timeout_ms"`
}

func (h HeartbeatConfig) Interval() time.Duration { return time.Duration(h.IntervalMS) * time.Millisecond }
func (h HeartbeatConfig) Timeout() time.Duration  { return time.Duration(h.TimeoutMS) * time.Millisecond }

func defaultHeartbeat() HeartbeatConfig {
	return HeartbeatConfig{IntervalMS: 30_000, TimeoutMS: 90_000}
}

// LoggingConfig selects the slog handler (spec's ambient stack).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "text"}
}

// ServerConfig is the tunnelcore-server configuration (spec §6's
// server_bind/http_bind/tcp_bind/token/tls_*/max_*/heartbeat_* options).
type ServerConfig struct {
	ServerBind string `yaml:"server_bind"`
	HTTPBind   string `yaml:"http_bind"`
	TCPBind    string `yaml:"tcp_bind"` // empty disables raw-TCP ingress

	Token string `yaml:"token"`

	TLS TLSConfig `yaml:"tls"`

	MaxSessions          int `yaml:"max_sessions"`
	MaxStreamsPerSession int `yaml:"max_streams_per_session"`
	MaxFrameBytes        int `yaml:"max_frame_bytes"`
	MaxInflightFrames    int `yaml:"max_inflight_frames"`

	StreamsPerSecond float64 `yaml:"streams_per_second"`
	BytesPerSecond   float64 `yaml:"bytes_per_second"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Logging   LoggingConfig   `yaml:"logging"`

	MetricsBind string `yaml:"metrics_bind"` // empty disables the /metrics endpoint
}

// DefaultServerConfig returns spec-default values (§4.12, §6).
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ServerBind:           "0.0.0.0:7835",
		HTTPBind:             "0.0.0.0:8080",
		MaxSessions:          1000,
		MaxStreamsPerSession: 100,
		MaxFrameBytes:        16 * 1024 * 1024,
		MaxInflightFrames:    100_000,
		Heartbeat:            defaultHeartbeat(),
		Logging:              defaultLogging(),
	}
}

// LoadServerConfig reads and parses a server configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseServerConfig(data)
}

// ParseServerConfig parses server configuration YAML, applying defaults and
// environment expansion first.
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the server configuration for errors (spec §7:
// Configuration errors abort at startup).
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.ServerBind == "" {
		errs = append(errs, "server_bind is required")
	}
	if c.HTTPBind == "" {
		errs = append(errs, "http_bind is required")
	}
	if c.Token == "" {
		errs = append(errs, "token is required")
	}
	if c.TLS.Enabled {
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			errs = append(errs, "tls.cert and tls.key are required when tls.enabled")
		}
		if c.TLS.ClientAuth && c.TLS.CA == "" {
			errs = append(errs, "tls.ca is required when tls.client_auth is set")
		}
	}
	if c.MaxSessions < 1 {
		errs = append(errs, "max_sessions must be positive")
	}
	if c.MaxStreamsPerSession < 1 {
		errs = append(errs, "max_streams_per_session must be positive")
	}
	if c.MaxFrameBytes < 1024 {
		errs = append(errs, "max_frame_bytes must be at least 1024")
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s", c.Logging.Format))
	}
	if c.TCPBind != "" {
		if _, _, err := net.SplitHostPort(c.TCPBind); err != nil {
			errs = append(errs, fmt.Sprintf("invalid tcp_bind: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Redacted returns a copy of the config with the shared secret hidden, safe
// to log.
func (c *ServerConfig) Redacted() *ServerConfig {
	cp := *c
	if cp.Token != "" {
		cp.Token = redactedValue
	}
	return &cp
}

func (c *ServerConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// ClientConfig is the tunnelcore-client configuration (spec §6's
// server_addr/tunnel_id/local_addr/token/tls_*/reconnect_*/pool_* options).
type ClientConfig struct {
	ServerAddr string `yaml:"server_addr"`
	TunnelID   string `yaml:"tunnel_id"` // hex-encoded, empty asks the server to assign one
	LocalAddr  string `yaml:"local_addr"`

	Token string `yaml:"token"`

	TLS TLSConfig `yaml:"tls"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	ReconnectBaseMS int  `yaml:"reconnect_base_ms"`
	ReconnectMaxMS  int  `yaml:"reconnect_max_ms"`
	AutoReconnect   bool `yaml:"auto_reconnect"`

	PoolMaxIdlePerHost int  `yaml:"pool_max_idle_per_host"`
	PoolIdleTimeoutMS  int  `yaml:"pool_idle_timeout_ms"`
	PoolPreferH2       bool `yaml:"pool_prefer_h2"`

	Logging LoggingConfig `yaml:"logging"`
}

// DefaultClientConfig returns spec-default values (§4.9, §4.11, §6).
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Heartbeat:          defaultHeartbeat(),
		ReconnectBaseMS:    1000,
		ReconnectMaxMS:     60_000,
		AutoReconnect:      true,
		PoolMaxIdlePerHost: 32,
		PoolIdleTimeoutMS:  90_000,
		Logging:            defaultLogging(),
	}
}

// LoadClientConfig reads and parses a client configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseClientConfig(data)
}

// ParseClientConfig parses client configuration YAML.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the client configuration for errors.
func (c *ClientConfig) Validate() error {
	var errs []string

	if c.ServerAddr == "" {
		errs = append(errs, "server_addr is required")
	}
	if c.LocalAddr == "" {
		errs = append(errs, "local_addr is required")
	}
	if c.Token == "" {
		errs = append(errs, "token is required")
	}
	if c.TLS.Enabled && c.TLS.CA == "" && !c.TLS.ClientAuth {
		// A custom CA is optional (system roots may suffice); only flag the
		// combination that can never succeed: mTLS without a cert to present.
	}
	if c.TLS.ClientAuth && (c.TLS.Cert == "" || c.TLS.Key == "") {
		errs = append(errs, "tls.cert and tls.key are required when tls.client_auth is set")
	}
	if c.ReconnectBaseMS < 1 {
		errs = append(errs, "reconnect_base_ms must be positive")
	}
	if c.ReconnectMaxMS < c.ReconnectBaseMS {
		errs = append(errs, "reconnect_max_ms must be >= reconnect_base_ms")
	}
	if c.PoolMaxIdlePerHost < 0 {
		errs = append(errs, "pool_max_idle_per_host must not be negative")
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Redacted returns a copy of the config with the shared secret hidden.
func (c *ClientConfig) Redacted() *ClientConfig {
	cp := *c
	if cp.Token != "" {
		cp.Token = redactedValue
	}
	return &cp
}

func (c *ClientConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// envVarRegex matches ${VAR}, ${VAR:-default}, or $VAR, mirroring spec §6's
// "environment variables mapped onto the same options" requirement.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// EnvKey converts a dotted config path into the uppercase, underscore-
// joined environment variable name spec §6 specifies, e.g.
// "heartbeat.interval_ms" -> "HEARTBEAT_INTERVAL_MS".
func EnvKey(dottedPath string) string {
	return strings.ToUpper(strings.ReplaceAll(dottedPath, ".", "_"))
}

// ParseBool mirrors the CLI collaborator's lenient env-var boolean parsing
// ("1"/"true"/"yes" and case-insensitive variants all count as true).
func ParseBool(s string) bool {
	b, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		switch strings.ToLower(s) {
		case "yes", "y", "on":
			return true
		}
		return false
	}
	return b
}
