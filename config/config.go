package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Redis    RedisConfig    `json:"redis"`
	Registry RegistryConfig `json:"registry"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type ServerConfig struct {
	Address string `json:"address" envconfig:"SERVER_ADDRESS"`
}

type RedisConfig struct {
	URL                string `json:"url" envconfig:"REDIS_URL"`
	CommandStream      string `json:"commandStream" envconfig:"REDIS_COMMAND_STREAM"`
	CommandStreamStart string `json:"commandStreamStart" envconfig:"REDIS_COMMAND_STREAM_START"`
	CommandMaxLen      int64  `json:"commandMaxLen" envconfig:"REDIS_COMMAND_MAXLEN"`
	StatusStream       string `json:"statusStream" envconfig:"REDIS_STATUS_STREAM"`
	StatusStreamStart  string `json:"statusStreamStart" envconfig:"REDIS_STATUS_STREAM_START"`
	StatusMaxLen       int64  `json:"statusMaxLen" envconfig:"REDIS_STATUS_MAXLEN"`
}

type RegistryConfig struct {
	StaleTimeoutSeconds  int `json:"staleTimeoutSeconds" envconfig:"REGISTRY_STALE_TIMEOUT_SECONDS"`
	PruneIntervalSeconds int `json:"pruneIntervalSeconds" envconfig:"REGISTRY_PRUNE_INTERVAL_SECONDS"`
}

type LoggingConfig struct {
	Level       string `json:"level"` // debug, info, warn, error
	LogToFile   bool   `json:"logToFile"`
	LogToStdout bool   `json:"logToStdout"`
	Directory   string `json:"directory"`
	MaxSize     int    `json:"maxSize"` // megabytes
	MaxAge      int    `json:"maxAge"`  // days
	MaxBackups  int    `json:"maxBackups"`
	Compress    bool   `json:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled"`
	Address        string `json:"address"`
	Path           string `json:"path"`
	UpdateInterval string `json:"updateInterval"` // Duration string
}

// StaleTimeout returns the registry stale timeout as a duration.
func (r RegistryConfig) StaleTimeout() time.Duration {
	return time.Duration(r.StaleTimeoutSeconds) * time.Second
}

// PruneInterval returns the registry prune interval as a duration.
func (r RegistryConfig) PruneInterval() time.Duration {
	return time.Duration(r.PruneIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file, then applies environment
// variable overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables win over the file
	if err := envconfig.Process("", &config); err != nil {
		return nil, fmt.Errorf("failed to process environment overrides: %w", err)
	}

	setDefaults(&config)

	// Validate the configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(config *Config) {
	// Set defaults for the server
	if config.Server.Address == "" {
		config.Server.Address = ":8000"
	}

	// Set defaults for redis
	if config.Redis.URL == "" {
		config.Redis.URL = "redis://localhost:6379/0"
	}
	if config.Redis.CommandStream == "" {
		config.Redis.CommandStream = "device_commands"
	}
	if config.Redis.CommandStreamStart == "" {
		config.Redis.CommandStreamStart = "0-0"
	}
	if config.Redis.CommandMaxLen <= 0 {
		config.Redis.CommandMaxLen = 500
	}
	if config.Redis.StatusStream == "" {
		config.Redis.StatusStream = "device_status"
	}
	if config.Redis.StatusStreamStart == "" {
		// Replay retained history on startup so late-joiner caches reseed
		config.Redis.StatusStreamStart = "0-0"
	}
	if config.Redis.StatusMaxLen <= 0 {
		config.Redis.StatusMaxLen = 500
	}

	// Set defaults for the registry
	if config.Registry.StaleTimeoutSeconds <= 0 {
		config.Registry.StaleTimeoutSeconds = 600
	}
	if config.Registry.PruneIntervalSeconds <= 0 {
		config.Registry.PruneIntervalSeconds = 30
	}

	// Set defaults for logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if !config.Logging.LogToFile && !config.Logging.LogToStdout {
		config.Logging.LogToStdout = true
	}
	if config.Logging.LogToFile && config.Logging.Directory == "" {
		config.Logging.Directory = "logs"
	}

	// Set defaults for metrics
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":2112"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.UpdateInterval == "" {
		config.Metrics.UpdateInterval = "15s"
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	if cfg.Redis.CommandStream == cfg.Redis.StatusStream {
		return fmt.Errorf("command and status streams must be distinct")
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	// Validate registry config
	if cfg.Registry.StaleTimeoutSeconds < 1 {
		return fmt.Errorf("registry stale timeout must be greater than 0")
	}
	if cfg.Registry.PruneIntervalSeconds < 5 {
		return fmt.Errorf("registry prune interval must be at least 5 seconds")
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(serverAddr, metricsAddr, metricsPath string, metricsInterval time.Duration) {
	if serverAddr != "" {
		c.Server.Address = serverAddr
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}
