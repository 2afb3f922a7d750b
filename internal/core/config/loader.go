package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML content and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	var cfg AppConfig
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = time.Second
	}
	if cfg.Client.Strategy == "" {
		cfg.Client.Strategy = "random"
	}

	if cfg.Pool.ConnectTimeout == 0 {
		cfg.Pool.ConnectTimeout = 2 * time.Second
	}
	if cfg.Pool.HealthCheckInterval == 0 {
		cfg.Pool.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Pool.MaxSize == 0 {
		cfg.Pool.MaxSize = 64
	}

	if cfg.Cluster.Name == "" {
		cfg.Cluster.Name = "courier"
	}
	if cfg.Cluster.Host == "" {
		cfg.Cluster.Host = "127.0.0.1"
	}
	if cfg.Cluster.BasePort == 0 {
		cfg.Cluster.BasePort = 3000
	}
	if cfg.Cluster.Size == 0 {
		cfg.Cluster.Size = 2
	}
	if cfg.Client.Service == "" {
		cfg.Client.Service = cfg.Cluster.Name
	}

	if cfg.Redis.MaxEntries == 0 {
		cfg.Redis.MaxEntries = 100
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
}
