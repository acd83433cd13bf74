// ABOUTME: Configuration loading and parsing for coven-dash
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-dash configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Channel      ChannelConfig      `yaml:"channel" toml:"channel"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig locates the conversational backend
type ServerConfig struct {
	URL        string `yaml:"url" toml:"url"`                 // base URL for authenticated HTTP calls
	ChannelURL string `yaml:"channel_url" toml:"channel_url"` // ws:// or wss:// URL of the real-time channel
}

// AuthConfig holds authorization collaborator settings
type AuthConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Provider string `yaml:"provider" toml:"provider"`

	RefreshBuffer    time.Duration `yaml:"-" toml:"-"`
	RefreshBufferRaw string        `yaml:"refresh_buffer" toml:"refresh_buffer"`
}

// ChannelConfig holds the handshake and reconnection policy
type ChannelConfig struct {
	ReconnectAttempts int     `yaml:"reconnect_attempts" toml:"reconnect_attempts"`
	ReconnectJitter   float64 `yaml:"reconnect_jitter" toml:"reconnect_jitter"`

	HandshakeTimeout      time.Duration `yaml:"-" toml:"-"`
	ReconnectInitialDelay time.Duration `yaml:"-" toml:"-"`
	ReconnectMaxDelay     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw      string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	ReconnectInitialDelayRaw string `yaml:"reconnect_initial_delay" toml:"reconnect_initial_delay"`
	ReconnectMaxDelayRaw     string `yaml:"reconnect_max_delay" toml:"reconnect_max_delay"`
}

// ConversationConfig tunes the session registry
type ConversationConfig struct {
	AutoApproveTools []string `yaml:"auto_approve_tools" toml:"auto_approve_tools"`
	RequestPhrases   []string `yaml:"request_phrases" toml:"request_phrases"` // added to the built-in end-of-turn phrases

	ThinkingTimeout    time.Duration `yaml:"-" toml:"-"`
	ThinkingTimeoutRaw string        `yaml:"thinking_timeout" toml:"thinking_timeout"`
}

// DatabaseConfig holds the local cache database location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration pointing at a local backend with the
// stock refresh buffer and reconnection policy.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:        "http://localhost:8080",
			ChannelURL: "ws://localhost:8080/ws",
		},
		Auth: AuthConfig{
			URL:           "http://localhost:8080",
			Provider:      "google",
			RefreshBuffer: 5 * time.Minute,
		},
		Channel: ChannelConfig{
			ReconnectAttempts:     10,
			ReconnectJitter:       0.5,
			HandshakeTimeout:      10 * time.Second,
			ReconnectInitialDelay: time.Second,
			ReconnectMaxDelay:     30 * time.Second,
		},
		Conversation: ConversationConfig{
			ThinkingTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(DataDir(), "dash.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded and unset
// fields keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Path returns the config file location.
// Priority: COVEN_DASH_CONFIG env var > XDG_CONFIG_HOME/coven/dash.yaml > ~/.config/coven/dash.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_DASH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dash.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "dash.yaml")
}

// DataDir returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if err := validateURL("server.url", c.Server.URL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("server.channel_url", c.Server.ChannelURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if err := validateURL("auth.url", c.Auth.URL, "http", "https"); err != nil {
		return err
	}
	if c.Auth.Provider == "" {
		return fmt.Errorf("auth.provider is required")
	}
	if c.Auth.RefreshBuffer < 0 {
		return fmt.Errorf("auth.refresh_buffer must not be negative")
	}

	if c.Channel.ReconnectAttempts < 1 {
		return fmt.Errorf("channel.reconnect_attempts must be at least 1")
	}
	if c.Channel.ReconnectJitter < 0 || c.Channel.ReconnectJitter > 1 {
		return fmt.Errorf("channel.reconnect_jitter must be between 0 and 1")
	}
	if c.Channel.ReconnectInitialDelay <= 0 {
		return fmt.Errorf("channel.reconnect_initial_delay must be positive")
	}
	if c.Channel.ReconnectMaxDelay < c.Channel.ReconnectInitialDelay {
		return fmt.Errorf("channel.reconnect_max_delay must be at least reconnect_initial_delay")
	}
	if c.Channel.HandshakeTimeout <= 0 {
		return fmt.Errorf("channel.handshake_timeout must be positive")
	}

	if c.Conversation.ThinkingTimeout <= 0 {
		return fmt.Errorf("conversation.thinking_timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", field, schemes, u.Scheme)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.refresh_buffer", cfg.Auth.RefreshBufferRaw, &cfg.Auth.RefreshBuffer},
		{"channel.handshake_timeout", cfg.Channel.HandshakeTimeoutRaw, &cfg.Channel.HandshakeTimeout},
		{"channel.reconnect_initial_delay", cfg.Channel.ReconnectInitialDelayRaw, &cfg.Channel.ReconnectInitialDelay},
		{"channel.reconnect_max_delay", cfg.Channel.ReconnectMaxDelayRaw, &cfg.Channel.ReconnectMaxDelay},
		{"conversation.thinking_timeout", cfg.Conversation.ThinkingTimeoutRaw, &cfg.Conversation.ThinkingTimeout},
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
