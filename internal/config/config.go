// Package config loads studysync configuration from a YAML file and
// STUDYSYNC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full studysync configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	Server ServerConfig `mapstructure:"server"`
	Agent  AgentConfig  `mapstructure:"agent"`
}

// ServerConfig configures the sync server.
type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	DBPath   string `mapstructure:"db_path"`
	JWTKey   string `mapstructure:"jwt_key"`
	TokenTTL string `mapstructure:"token_ttl"`
}

// AgentConfig configures the client agent.
type AgentConfig struct {
	ServerURL string `mapstructure:"server_url"`
	StorePath string `mapstructure:"store_path"`

	DebounceMS      int `mapstructure:"debounce_ms"`
	MaxBatchDelayMS int `mapstructure:"max_batch_delay_ms"`

	HeartbeatSeconds     int `mapstructure:"heartbeat_seconds"`
	BackoffBaseMS        int `mapstructure:"backoff_base_ms"`
	BackoffCapSeconds    int `mapstructure:"backoff_cap_seconds"`
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`

	OperationDeadlineSeconds int `mapstructure:"operation_deadline_seconds"`
	MaxOperationAttempts     int `mapstructure:"max_operation_attempts"`

	// SettingsFile, when set, is mirrored into the settings data type.
	SettingsFile string `mapstructure:"settings_file"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("STUDYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("server.addr", ":8600")
	v.SetDefault("server.db_path", filepath.Join(dataDir, "server.db"))
	v.SetDefault("server.token_ttl", "24h")

	v.SetDefault("agent.server_url", "ws://localhost:8600/sync")
	v.SetDefault("agent.store_path", filepath.Join(dataDir, "agent.db"))
	v.SetDefault("agent.debounce_ms", 1000)
	v.SetDefault("agent.max_batch_delay_ms", 2000)
	v.SetDefault("agent.heartbeat_seconds", 30)
	v.SetDefault("agent.backoff_base_ms", 1000)
	v.SetDefault("agent.backoff_cap_seconds", 30)
	v.SetDefault("agent.max_reconnect_attempts", 10)
	v.SetDefault("agent.operation_deadline_seconds", 10)
	v.SetDefault("agent.max_operation_attempts", 3)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".studysync"
	}
	return filepath.Join(home, ".studysync")
}

func (c *Config) validate() error {
	if c.Agent.DebounceMS <= 0 {
		return fmt.Errorf("agent.debounce_ms must be positive")
	}
	if c.Agent.MaxBatchDelayMS < c.Agent.DebounceMS {
		return fmt.Errorf("agent.max_batch_delay_ms must be at least agent.debounce_ms")
	}
	if c.Agent.MaxOperationAttempts <= 0 {
		return fmt.Errorf("agent.max_operation_attempts must be positive")
	}
	if _, err := c.ParsedTokenTTL(); err != nil {
		return err
	}
	return nil
}

// ParsedTokenTTL returns the server token lifetime.
func (c *Config) ParsedTokenTTL() (time.Duration, error) {
	ttl, err := time.ParseDuration(c.Server.TokenTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid server.token_ttl %q: %w", c.Server.TokenTTL, err)
	}
	return ttl, nil
}
