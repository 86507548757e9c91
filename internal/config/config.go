package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Cache        CacheConfig        `json:"cache"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// OrchestratorConfig tunes the decision pipeline.
type OrchestratorConfig struct {
	ChannelCapacity  int     `json:"channel_capacity"`
	LayerTimeoutMS   int     `json:"layer_timeout_ms"`
	ArchiveThreshold float64 `json:"archive_threshold"`
}

// CacheConfig tunes the partial-result cache.
type CacheConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Orchestrator.ChannelCapacity == 0 {
		c.Orchestrator.ChannelCapacity = 1000
	}
	if c.Orchestrator.LayerTimeoutMS == 0 {
		c.Orchestrator.LayerTimeoutMS = 2000
	}
	if c.Orchestrator.ArchiveThreshold == 0 {
		c.Orchestrator.ArchiveThreshold = 0.8
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 3600
	}
}

// Validate rejects the configuration classes that are fatal at startup.
// Everything else degrades gracefully at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Orchestrator.ChannelCapacity < 0 {
		return fmt.Errorf("channel capacity must be positive, got %d", c.Orchestrator.ChannelCapacity)
	}
	if c.Orchestrator.LayerTimeoutMS < 0 {
		return fmt.Errorf("layer timeout must be positive, got %dms", c.Orchestrator.LayerTimeoutMS)
	}
	if c.Orchestrator.ArchiveThreshold < 0 || c.Orchestrator.ArchiveThreshold > 1 {
		return fmt.Errorf("archive threshold must be in [0,1], got %f", c.Orchestrator.ArchiveThreshold)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache ttl must be positive, got %ds", c.Cache.TTLSeconds)
	}
	return nil
}

// LayerTimeout returns the per-layer budget as a duration.
func (c *Config) LayerTimeout() time.Duration {
	return time.Duration(c.Orchestrator.LayerTimeoutMS) * time.Millisecond
}

// CacheTTL returns the partial-result lifetime as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
