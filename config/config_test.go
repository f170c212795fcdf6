package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, dir string, cfg map[string]interface{}) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.json")
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		config   map[string]interface{}
		wantErr  bool
		validate func(*testing.T, *Config)
	}{
		{
			name:    "Empty config uses defaults",
			config:  map[string]interface{}{},
			wantErr: false,
			validate: func(t *testing.T, c *Config) {
				if c.Server.Address != ":8000" {
					t.Errorf("expected default server address, got %s", c.Server.Address)
				}
				if c.Redis.URL != "redis://localhost:6379/0" {
					t.Errorf("expected default redis url, got %s", c.Redis.URL)
				}
				if c.Redis.CommandStream != "device_commands" {
					t.Errorf("expected default command stream, got %s", c.Redis.CommandStream)
				}
				if c.Redis.CommandStreamStart != "0-0" {
					t.Errorf("expected default command stream start, got %s", c.Redis.CommandStreamStart)
				}
				if c.Redis.CommandMaxLen != 500 {
					t.Errorf("expected default command maxlen, got %d", c.Redis.CommandMaxLen)
				}
				if c.Redis.StatusStreamStart != "0-0" {
					t.Errorf("expected default status stream start, got %s", c.Redis.StatusStreamStart)
				}
				if c.Redis.StatusMaxLen != 500 {
					t.Errorf("expected default status maxlen, got %d", c.Redis.StatusMaxLen)
				}
				if c.Registry.StaleTimeoutSeconds != 600 {
					t.Errorf("expected default stale timeout, got %d", c.Registry.StaleTimeoutSeconds)
				}
				if c.Registry.PruneIntervalSeconds != 30 {
					t.Errorf("expected default prune interval, got %d", c.Registry.PruneIntervalSeconds)
				}
				if !c.Logging.LogToStdout {
					t.Error("expected stdout logging by default")
				}
			},
		},
		{
			name: "Explicit values kept",
			config: map[string]interface{}{
				"server": map[string]interface{}{"address": ":9000"},
				"redis": map[string]interface{}{
					"url":           "redis://redis:6379/1",
					"commandStream": "cmds",
					"statusStream":  "status",
					"statusMaxLen":  100,
				},
				"registry": map[string]interface{}{
					"staleTimeoutSeconds":  120,
					"pruneIntervalSeconds": 10,
				},
			},
			wantErr: false,
			validate: func(t *testing.T, c *Config) {
				if c.Server.Address != ":9000" {
					t.Errorf("expected :9000, got %s", c.Server.Address)
				}
				if c.Redis.CommandStream != "cmds" {
					t.Errorf("expected cmds, got %s", c.Redis.CommandStream)
				}
				if c.Registry.StaleTimeout() != 120*time.Second {
					t.Errorf("expected 120s stale timeout, got %s", c.Registry.StaleTimeout())
				}
				if c.Registry.PruneInterval() != 10*time.Second {
					t.Errorf("expected 10s prune interval, got %s", c.Registry.PruneInterval())
				}
			},
		},
		{
			name: "Identical streams rejected",
			config: map[string]interface{}{
				"redis": map[string]interface{}{
					"commandStream": "same",
					"statusStream":  "same",
				},
			},
			wantErr: true,
		},
		{
			name: "Invalid log level rejected",
			config: map[string]interface{}{
				"logging": map[string]interface{}{"level": "verbose"},
			},
			wantErr: true,
		},
		{
			name: "Prune interval below minimum rejected",
			config: map[string]interface{}{
				"registry": map[string]interface{}{"pruneIntervalSeconds": 2},
			},
			wantErr: true,
		},
		{
			name: "Invalid metrics interval rejected",
			config: map[string]interface{}{
				"metrics": map[string]interface{}{
					"enabled":        true,
					"updateInterval": "often",
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfigFile(t, tmpDir, tt.config)

			cfg, err := Load(configPath)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err == nil && tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfigFile(t, tmpDir, map[string]interface{}{
		"redis": map[string]interface{}{"url": "redis://file:6379/0"},
	})

	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("REDIS_COMMAND_STREAM", "env_commands")
	t.Setenv("REGISTRY_STALE_TIMEOUT_SECONDS", "90")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Redis.URL != "redis://env:6379/0" {
		t.Errorf("expected env redis url to win, got %s", cfg.Redis.URL)
	}
	if cfg.Redis.CommandStream != "env_commands" {
		t.Errorf("expected env command stream, got %s", cfg.Redis.CommandStream)
	}
	if cfg.Registry.StaleTimeoutSeconds != 90 {
		t.Errorf("expected env stale timeout 90, got %d", cfg.Registry.StaleTimeoutSeconds)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Address: ":8000"},
		Metrics: MetricsConfig{
			Address:        ":2112",
			Path:           "/metrics",
			UpdateInterval: "15s",
		},
	}

	tests := []struct {
		name            string
		serverAddr      string
		metricsAddr     string
		metricsPath     string
		metricsInterval time.Duration
		validate        func(*testing.T, *Config)
	}{
		{
			name:            "Override all values",
			serverAddr:      ":8080",
			metricsAddr:     ":3000",
			metricsPath:     "/prometheus",
			metricsInterval: 30 * time.Second,
			validate: func(t *testing.T, c *Config) {
				if c.Server.Address != ":8080" {
					t.Errorf("expected Address=:8080, got %s", c.Server.Address)
				}
				if c.Metrics.Address != ":3000" {
					t.Errorf("expected Address=:3000, got %s", c.Metrics.Address)
				}
				if c.Metrics.Path != "/prometheus" {
					t.Errorf("expected Path=/prometheus, got %s", c.Metrics.Path)
				}
				if c.Metrics.UpdateInterval != "30s" {
					t.Errorf("expected UpdateInterval=30s, got %s", c.Metrics.UpdateInterval)
				}
			},
		},
		{
			name: "No overrides",
			validate: func(t *testing.T, c *Config) {
				if c.Server.Address != ":8000" {
					t.Errorf("expected Address=:8000, got %s", c.Server.Address)
				}
				if c.Metrics.Address != ":2112" {
					t.Errorf("expected Address=:2112, got %s", c.Metrics.Address)
				}
				if c.Metrics.UpdateInterval != "15s" {
					t.Errorf("expected UpdateInterval=15s, got %s", c.Metrics.UpdateInterval)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testCfg := *cfg
			testCfg.ApplyOverrides(tt.serverAddr, tt.metricsAddr, tt.metricsPath, tt.metricsInterval)
			tt.validate(t, &testCfg)
		})
	}
}
