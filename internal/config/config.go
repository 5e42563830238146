package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/conductor-core/conductor/internal/budget"
	"github.com/conductor-core/conductor/internal/llm"
	"github.com/conductor-core/conductor/internal/policy"
	"github.com/conductor-core/conductor/internal/tracing"
)

// APIConfig controls the operational HTTP surface.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// RedisConfig locates the task list and memory store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// SessionConfig controls PTY sessions.
type SessionConfig struct {
	Shell string `mapstructure:"shell"`
}

// HistoryConfig locates the SQLite audit trail.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ObservabilityConfig groups metrics and logging knobs.
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// Config is the full process configuration.
type Config struct {
	API           APIConfig              `mapstructure:"api"`
	Provider      llm.HTTPProviderConfig `mapstructure:"provider"`
	Redis         RedisConfig            `mapstructure:"redis"`
	Session       SessionConfig          `mapstructure:"session"`
	History       HistoryConfig          `mapstructure:"history"`
	Policy        policy.Config          `mapstructure:"policy"`
	Budget        budget.Config          `mapstructure:"budget"`
	Observability ObservabilityConfig    `mapstructure:"observability"`
}

// Load reads conductor.yaml from CONDUCTOR_CONFIG or the default path.
// A missing file yields defaults rather than an error.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONDUCTOR_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/conductor.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("provider.base_url", "http://localhost:8000/v1")
	v.SetDefault("provider.model", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("session.shell", "/bin/bash")
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "conductor.db")
	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.mode", "off")
	v.SetDefault("budget.max_iterations", 24)
	v.SetDefault("budget.max_extensions", 2)
	v.SetDefault("budget.extension_iterations", 8)
	v.SetDefault("budget.provider_rps", 2)
	v.SetDefault("budget.provider_burst", 4)
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "conductor")
}
