package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration.
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AgentConfig defines the enforcement agent settings.
type AgentConfig struct {
	StatePath string `mapstructure:"state_path"`
	SyncURL   string `mapstructure:"sync_url"`

	// SyncTimeout bounds every network call; sync is advisory and must
	// never hold up the tick loop.
	SyncTimeout string `mapstructure:"sync_timeout"`

	// PersistEveryTicks is how many one-second ticks pass between state
	// flushes (each flush also dispatches a sync attempt).
	PersistEveryTicks int `mapstructure:"persist_every_ticks"`

	GraceWindow   string `mapstructure:"grace_window"`
	WarnThreshold string `mapstructure:"warn_threshold"`
	FinalWarning  string `mapstructure:"final_warning"`

	// ShutdownThreshold selects shutdown over log-off when the next wake
	// boundary is at most this close.
	ShutdownThreshold string `mapstructure:"shutdown_threshold"`
}

// ServerConfig defines the sync service settings.
type ServerConfig struct {
	BindAddress   string `mapstructure:"bind_address"`
	Port          int    `mapstructure:"port"`
	MetricsPort   int    `mapstructure:"metrics_port"`
	LockCacheSize int    `mapstructure:"lock_cache_size"`

	// Store selects the record store backend: "redis" or "memory".
	// Memory is single-node only; records die with the process.
	Store string      `mapstructure:"store"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the record store connection.
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TIMEWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Agent defaults
	v.SetDefault("agent.state_path", "/var/lib/timewarden/state.bolt")
	v.SetDefault("agent.sync_url", "")
	v.SetDefault("agent.sync_timeout", "10s")
	v.SetDefault("agent.persist_every_ticks", 10)
	v.SetDefault("agent.grace_window", "30s")
	v.SetDefault("agent.warn_threshold", "10m")
	v.SetDefault("agent.final_warning", "30s")
	v.SetDefault("agent.shutdown_threshold", "10s")

	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.lock_cache_size", 1024)
	v.SetDefault("server.store", "redis")

	// Redis defaults
	v.SetDefault("server.redis.host", "localhost")
	v.SetDefault("server.redis.port", 6379)
	v.SetDefault("server.redis.db", 0)
	v.SetDefault("server.redis.pool_size", 10)
	v.SetDefault("server.redis.min_idle_conns", 2)
	v.SetDefault("server.redis.dial_timeout", "5s")
	v.SetDefault("server.redis.read_timeout", "3s")
	v.SetDefault("server.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.LockCacheSize <= 0 {
		return fmt.Errorf("lock cache size must be positive: %d", cfg.Server.LockCacheSize)
	}
	if cfg.Server.Store != "redis" && cfg.Server.Store != "memory" {
		return fmt.Errorf("unknown server store type: %q", cfg.Server.Store)
	}
	if cfg.Agent.StatePath == "" {
		return fmt.Errorf("agent state path is required")
	}
	if cfg.Agent.PersistEveryTicks <= 0 {
		return fmt.Errorf("persist_every_ticks must be positive: %d", cfg.Agent.PersistEveryTicks)
	}
	if cfg.Agent.SyncURL != "" {
		if _, err := url.Parse(cfg.Agent.SyncURL); err != nil {
			return fmt.Errorf("invalid sync_url: %w", err)
		}
	}
	return nil
}
