// Package config provides configuration management for the hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the control API server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite session store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds Codex agent runtime configuration.
type AgentConfig struct {
	// Binary is the agent executable looked up on PATH.
	Binary string `mapstructure:"binary"`

	// Home is the agent's state directory; journals live under
	// {home}/sessions. Empty means ~/.codex.
	Home string `mapstructure:"home"`

	// ForceMCP skips the app-server transport and goes straight to MCP.
	ForceMCP bool `mapstructure:"forceMcp"`

	// ExtraArgs are appended to the child's argument list.
	ExtraArgs []string `mapstructure:"extraArgs"`

	// BridgePort is the local port for the MCP bridge the child agent
	// calls back into. Zero picks an ephemeral port.
	BridgePort int `mapstructure:"bridgePort"`
}

// ScannerConfig holds session journal scanner configuration.
type ScannerConfig struct {
	PollInterval int `mapstructure:"pollInterval"` // in seconds
	StartWindow  int `mapstructure:"startWindow"`  // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the scanner poll interval as a time.Duration.
func (s *ScannerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// StartWindowDuration returns the start window as a time.Duration.
func (s *ScannerConfig) StartWindowDuration() time.Duration {
	return time.Duration(s.StartWindow) * time.Second
}

// SessionsDir returns the journal directory for the configured agent home.
func (a *AgentConfig) SessionsDir() string {
	home := a.Home
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err == nil {
			home = filepath.Join(userHome, ".codex")
		} else {
			home = ".codex"
		}
	}
	return filepath.Join(home, "sessions")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("HAPPY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "hub.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "happy-cluster")
	v.SetDefault("nats.clientId", "happy-hub")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.binary", "codex")
	v.SetDefault("agent.home", "")
	v.SetDefault("agent.forceMcp", false)
	v.SetDefault("agent.extraArgs", []string{})
	v.SetDefault("agent.bridgePort", 0)

	// Scanner defaults
	v.SetDefault("scanner.pollInterval", 2)
	v.SetDefault("scanner.startWindow", 120)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HAPPY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/happy/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HAPPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind the keys where env var naming differs from the config key.
	_ = v.BindEnv("agent.forceMcp", "HAPPY_AGENT_FORCE_MCP", "CODEX_USE_MCP")
	_ = v.BindEnv("agent.home", "HAPPY_AGENT_HOME", "CODEX_HOME")
	_ = v.BindEnv("agent.bridgePort", "HAPPY_AGENT_BRIDGE_PORT")
	_ = v.BindEnv("scanner.pollInterval", "HAPPY_SCANNER_POLL_INTERVAL")
	_ = v.BindEnv("scanner.startWindow", "HAPPY_SCANNER_START_WINDOW")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/happy/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Agent.Binary == "" {
		return fmt.Errorf("agent.binary must not be empty")
	}
	if cfg.Scanner.PollInterval <= 0 {
		return fmt.Errorf("scanner.pollInterval must be positive, got %d", cfg.Scanner.PollInterval)
	}
	return nil
}
