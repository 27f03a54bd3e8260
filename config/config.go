// Package config provides configuration loading and management for DeployBot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete DeployBot daemon configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Monitor MonitorConfig `yaml:"monitor"`
	Timer   TimerConfig   `yaml:"timer"`
	Paths   PathsConfig   `yaml:"paths"`
	LLM     LLMConfig     `yaml:"llm"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the client gateway listener
type ServerConfig struct {
	// Host is the listen host (default: localhost)
	Host string `yaml:"host"`
	// Port is the WebSocket listen port (default: 8765)
	Port int `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MonitorConfig configures the deploy log monitor
type MonitorConfig struct {
	// PollInterval is how often deploy logs are scanned for new lines
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TimerConfig configures the timer engine and orchestrator timing
type TimerConfig struct {
	// TickInterval is the timer broadcast cadence
	TickInterval time.Duration `yaml:"tick_interval"`
	// DefaultDuration is the propagation-window length when a project
	// config does not override it
	DefaultDuration time.Duration `yaml:"default_duration"`
	// GracePeriod is the delay before the unified suggestion is sent.
	// Both 0s and 30s appear in earlier releases; 0s is the default.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// PathsConfig configures filesystem locations
type PathsConfig struct {
	// ConfigDir holds the mapping file, the global deploy log, and the
	// wrapper script (default: ~/.deploybot)
	ConfigDir string `yaml:"config_dir"`
	// ProjectsRoot is the default directory for projects without a
	// custom location
	ProjectsRoot string `yaml:"projects_root"`
}

// LLMConfig configures the optional task-selection LLM adapter
type LLMConfig struct {
	// Enabled turns the LLM selection path on. Heuristic selection is
	// always available as the fallback.
	Enabled bool `yaml:"enabled"`
	// Provider is the provider name ("ollama", "anthropic", "openai")
	Provider string `yaml:"provider"`
	// Model is the model identifier passed to the provider
	Model string `yaml:"model"`
	// Endpoint is the provider base URL (empty = provider default)
	Endpoint string `yaml:"endpoint"`
	// Timeout is the hard deadline for a selection call
	Timeout time.Duration `yaml:"timeout"`
	// CacheTTL is how long memoised selection responses are kept
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the metrics listen address (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8765,
		},
		Monitor: MonitorConfig{
			PollInterval: 2 * time.Second,
		},
		Timer: TimerConfig{
			TickInterval:    2 * time.Second,
			DefaultDuration: 30 * time.Minute,
			GracePeriod:     0,
		},
		Paths: PathsConfig{
			ConfigDir:    filepath.Join(home, ".deploybot"),
			ProjectsRoot: filepath.Join(home, "DeployBot", "projects"),
		},
		LLM: LLMConfig{
			Enabled:  false,
			Provider: "ollama",
			Model:    "qwen2.5-coder:32b",
			Endpoint: "",
			Timeout:  10 * time.Second,
			CacheTTL: 30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Timer.TickInterval <= 0 {
		return fmt.Errorf("timer.tick_interval must be positive")
	}
	if c.Timer.DefaultDuration < 0 {
		return fmt.Errorf("timer.default_duration must not be negative")
	}
	if c.Timer.GracePeriod < 0 {
		return fmt.Errorf("timer.grace_period must not be negative")
	}
	if c.Paths.ConfigDir == "" {
		return fmt.Errorf("paths.config_dir is required")
	}
	if c.LLM.Enabled {
		if c.LLM.Provider == "" {
			return fmt.Errorf("llm.provider is required when llm is enabled")
		}
		if c.LLM.Model == "" {
			return fmt.Errorf("llm.model is required when llm is enabled")
		}
		if c.LLM.Timeout <= 0 {
			return fmt.Errorf("llm.timeout must be positive")
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Host != "" {
		c.Server.Host = other.Server.Host
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}

	// Monitor
	if other.Monitor.PollInterval != 0 {
		c.Monitor.PollInterval = other.Monitor.PollInterval
	}

	// Timer
	if other.Timer.TickInterval != 0 {
		c.Timer.TickInterval = other.Timer.TickInterval
	}
	if other.Timer.DefaultDuration != 0 {
		c.Timer.DefaultDuration = other.Timer.DefaultDuration
	}
	if other.Timer.GracePeriod != 0 {
		c.Timer.GracePeriod = other.Timer.GracePeriod
	}

	// Paths
	if other.Paths.ConfigDir != "" {
		c.Paths.ConfigDir = other.Paths.ConfigDir
	}
	if other.Paths.ProjectsRoot != "" {
		c.Paths.ProjectsRoot = other.Paths.ProjectsRoot
	}

	// LLM
	if other.LLM.Enabled {
		c.LLM.Enabled = true
	}
	if other.LLM.Provider != "" {
		c.LLM.Provider = other.LLM.Provider
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}
	if other.LLM.CacheTTL != 0 {
		c.LLM.CacheTTL = other.LLM.CacheTTL
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}

// GlobalDeployLog returns the path of the fallback deploy log shared by
// projects without their own logs directory.
func (c *Config) GlobalDeployLog() string {
	return filepath.Join(c.Paths.ConfigDir, "deploy_log.txt")
}

// MappingsFile returns the path of the project directory mapping file.
func (c *Config) MappingsFile() string {
	return filepath.Join(c.Paths.ConfigDir, "project_mappings.json")
}
