// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: YAML with environment variable expansion, duration parsing, and durable apply

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Agent     AgentConfig     `yaml:"agent"`
	Agents    []AgentEntry    `yaml:"agents"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	State     StateConfig     `yaml:"state"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the control-plane HTTP/WebSocket listener address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	ShutdownGrace    time.Duration `yaml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace"`
}

// BridgeConfig holds the device bridge listener configuration.
type BridgeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"` // TLS cert for remote nodes; empty = plaintext
	KeyFile  string `yaml:"key_file"`

	InvokeTimeout    time.Duration `yaml:"-"`
	InvokeTimeoutRaw string        `yaml:"invoke_timeout"`
}

// TailscaleConfig holds tsnet listener configuration.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// AuthConfig holds operator authentication configuration.
type AuthConfig struct {
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowSSH       bool     `yaml:"allow_ssh"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// AgentConfig holds general agent runtime settings.
type AgentConfig struct {
	Workspace string `yaml:"workspace"`
}

// AgentEntry declares one configured agent.
type AgentEntry struct {
	ID      string `yaml:"id"`
	Default bool   `yaml:"default"`
}

// SessionsConfig holds session store configuration.
type SessionsConfig struct {
	Dir     string `yaml:"dir"`
	MainKey string `yaml:"main_key"`
}

// StateConfig holds directories for durable gateway state.
type StateConfig struct {
	Dir string `yaml:"dir"` // node db, restart sentinel
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML into a validated Config. Environment variables in
// ${VAR} form are expanded first. config.apply funnels through here so a
// live-applied document gets the identical validation as a file on disk.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:18789"
	}
	if c.Bridge.Addr == "" {
		c.Bridge.Addr = "127.0.0.1:18790"
	}
	if c.Sessions.MainKey == "" {
		c.Sessions.MainKey = "main"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 5 * time.Second
	}
	if c.Bridge.InvokeTimeout == 0 {
		c.Bridge.InvokeTimeout = 30 * time.Second
	}
}

// Validate checks required fields, returning the first failure.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if (c.Bridge.CertFile == "") != (c.Bridge.KeyFile == "") {
		return fmt.Errorf("bridge.cert_file and bridge.key_file must be set together")
	}
	seen := make(map[string]bool, len(c.Agents))
	defaults := 0
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents entries require an id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one agent may be marked default")
	}
	return nil
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error
	if cfg.Server.ShutdownGraceRaw != "" {
		cfg.Server.ShutdownGrace, err = time.ParseDuration(cfg.Server.ShutdownGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_grace %q: %w", cfg.Server.ShutdownGraceRaw, err)
		}
	}
	if cfg.Bridge.InvokeTimeoutRaw != "" {
		cfg.Bridge.InvokeTimeout, err = time.ParseDuration(cfg.Bridge.InvokeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing invoke_timeout %q: %w", cfg.Bridge.InvokeTimeoutRaw, err)
		}
	}
	return nil
}

// DefaultAgentID returns the agent marked default, falling back to the
// first configured agent. Empty when no agents are configured.
func (c *Config) DefaultAgentID() string {
	for _, a := range c.Agents {
		if a.Default {
			return a.ID
		}
	}
	if len(c.Agents) > 0 {
		return c.Agents[0].ID
	}
	return ""
}

// AgentIDs returns the configured agent ids in declaration order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// SaveRaw durably writes a validated raw configuration document to path.
// The write goes through a temp file that is fsynced before the rename so
// a crash can never leave a torn config behind.
func SaveRaw(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
