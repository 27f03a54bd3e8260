package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "localhost" {
		t.Errorf("expected default host localhost, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("expected default port 8765, got %d", cfg.Server.Port)
	}
	if cfg.Monitor.PollInterval != 2*time.Second {
		t.Errorf("expected default poll interval 2s, got %v", cfg.Monitor.PollInterval)
	}
	if cfg.Timer.DefaultDuration != 30*time.Minute {
		t.Errorf("expected default timer duration 30m, got %v", cfg.Timer.DefaultDuration)
	}
	if cfg.Timer.GracePeriod != 0 {
		t.Errorf("expected default grace period 0, got %v", cfg.Timer.GracePeriod)
	}
	if cfg.LLM.Enabled {
		t.Error("expected LLM disabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing server host",
			modify:  func(c *Config) { c.Server.Host = "" },
			wantErr: true,
		},
		{
			name:    "port too high",
			modify:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Monitor.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "negative grace period",
			modify:  func(c *Config) { c.Timer.GracePeriod = -time.Second },
			wantErr: true,
		},
		{
			name: "llm enabled without model",
			modify: func(c *Config) {
				c.LLM.Enabled = true
				c.LLM.Model = ""
			},
			wantErr: true,
		},
		{
			name: "llm enabled with full settings",
			modify: func(c *Config) {
				c.LLM.Enabled = true
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  host: "127.0.0.1"
  port: 9001
monitor:
  poll_interval: 5s
timer:
  default_duration: 10m
  grace_period: 30s
paths:
  config_dir: "/test/.deploybot"
llm:
  enabled: true
  provider: "anthropic"
  model: "claude-sonnet-4-20250514"
  timeout: 8s
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("expected port 9001, got %d", cfg.Server.Port)
	}
	if cfg.Monitor.PollInterval != 5*time.Second {
		t.Errorf("expected poll interval 5s, got %v", cfg.Monitor.PollInterval)
	}
	if cfg.Timer.DefaultDuration != 10*time.Minute {
		t.Errorf("expected timer duration 10m, got %v", cfg.Timer.DefaultDuration)
	}
	if cfg.Timer.GracePeriod != 30*time.Second {
		t.Errorf("expected grace period 30s, got %v", cfg.Timer.GracePeriod)
	}
	if !cfg.LLM.Enabled {
		t.Error("expected LLM enabled")
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %s", cfg.LLM.Provider)
	}
	// Tick interval keeps its default since the file doesn't set it
	if cfg.Timer.TickInterval != 2*time.Second {
		t.Errorf("expected tick interval to remain default, got %v", cfg.Timer.TickInterval)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Server: ServerConfig{
			Port: 9100,
		},
		Paths: PathsConfig{
			ProjectsRoot: "/override/projects",
		},
	}

	base.Merge(override)

	if base.Server.Port != 9100 {
		t.Errorf("expected port 9100, got %d", base.Server.Port)
	}
	// Host should remain from base since override didn't set it
	if base.Server.Host != "localhost" {
		t.Errorf("expected host to remain default, got %s", base.Server.Host)
	}
	if base.Paths.ProjectsRoot != "/override/projects" {
		t.Errorf("expected projects root /override/projects, got %s", base.Paths.ProjectsRoot)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 9200

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Server.Port != 9200 {
		t.Errorf("expected port 9200, got %d", loaded.Server.Port)
	}
}

func TestServerAddr(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Server.Addr(); got != "localhost:8765" {
		t.Errorf("expected localhost:8765, got %s", got)
	}
}
