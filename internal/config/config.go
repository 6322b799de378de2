// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr             = "0.0.0.0:8080"
	DefaultAgentPath            = "/agent"
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultReconnectGracePeriod = 10 * time.Minute
	DefaultRequestTimeout       = 30 * time.Second
	DefaultEventDedupeTTL       = 10 * time.Minute
	DefaultMetricsPath          = "/metrics"
)

// Notification backends.
const (
	NotifyBackendLog    = "log"
	NotifyBackendMatrix = "matrix"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener and agent endpoint settings
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr" toml:"http_addr"`
	AgentPath string `yaml:"agent_path" toml:"agent_path"`
	// HandshakeRate is agent connection attempts per second per remote address. Zero disables limiting.
	HandshakeRate  float64 `yaml:"handshake_rate" toml:"handshake_rate"`
	HandshakeBurst int     `yaml:"handshake_burst" toml:"handshake_burst"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// AdminToken guards the /api routes. Empty leaves them open.
	AdminToken string `yaml:"admin_token" toml:"admin_token"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout     time.Duration `yaml:"-" toml:"-"`
	ReconnectGracePeriod time.Duration `yaml:"-" toml:"-"`
	RequestTimeout       time.Duration `yaml:"-" toml:"-"`
	EventDedupeTTL       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw    string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw     string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period" toml:"reconnect_grace_period"`
	RequestTimeoutRaw       string `yaml:"request_timeout" toml:"request_timeout"`
	EventDedupeTTLRaw       string `yaml:"event_dedupe_ttl" toml:"event_dedupe_ttl"`
}

// NotifyConfig selects where crash and restart notices go
type NotifyConfig struct {
	Backend string       `yaml:"backend" toml:"backend"`
	Matrix  MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// MatrixConfig holds Matrix notification settings
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath returns the config path: FLEET_CONFIG if set, else
// $XDG_CONFIG_HOME/fleet/gateway.yaml, else ~/.config/fleet/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("FLEET_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "fleet", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.AgentPath == "" {
		c.Server.AgentPath = DefaultAgentPath
	}
	if c.Server.HandshakeRate > 0 && c.Server.HandshakeBurst <= 0 {
		c.Server.HandshakeBurst = 1
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Agents.ReconnectGracePeriod == 0 {
		c.Agents.ReconnectGracePeriod = DefaultReconnectGracePeriod
	}
	if c.Agents.RequestTimeout == 0 {
		c.Agents.RequestTimeout = DefaultRequestTimeout
	}
	if c.Agents.EventDedupeTTL == 0 {
		c.Agents.EventDedupeTTL = DefaultEventDedupeTTL
	}
	if c.Notify.Backend == "" {
		c.Notify.Backend = NotifyBackendLog
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Server.AgentPath != "" && !strings.HasPrefix(c.Server.AgentPath, "/") {
		return fmt.Errorf("server.agent_path must start with /")
	}
	if c.Server.HandshakeRate < 0 {
		return fmt.Errorf("server.handshake_rate must not be negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.HeartbeatInterval < 0 || c.Agents.HeartbeatTimeout < 0 ||
		c.Agents.ReconnectGracePeriod < 0 || c.Agents.RequestTimeout < 0 {
		return fmt.Errorf("agents durations must not be negative")
	}

	switch c.Notify.Backend {
	case "", NotifyBackendLog:
	case NotifyBackendMatrix:
		m := c.Notify.Matrix
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("notify.matrix requires homeserver, user_id, access_token and room_id")
		}
	default:
		return fmt.Errorf("notify.backend %q is not one of log, matrix", c.Notify.Backend)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"reconnect_grace_period", cfg.Agents.ReconnectGracePeriodRaw, &cfg.Agents.ReconnectGracePeriod},
		{"request_timeout", cfg.Agents.RequestTimeoutRaw, &cfg.Agents.RequestTimeout},
		{"event_dedupe_ttl", cfg.Agents.EventDedupeTTLRaw, &cfg.Agents.EventDedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
