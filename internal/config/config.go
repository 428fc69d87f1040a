package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
	IdleTimeout  int `mapstructure:"idle_timeout"`  // seconds
}

type SandboxConfig struct {
	MemoryMB       int `mapstructure:"memory_mb"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

func (c SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type PipelineConfig struct {
	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queue_capacity"`
	BatchParallel int `mapstructure:"batch_parallel"`
}

type APIConfig struct {
	MaxCodeChars int `mapstructure:"max_code_chars"`
	MaxArchiveMB int `mapstructure:"max_archive_mb"`
}

type HistoryConfig struct {
	DBPath      string `mapstructure:"db_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type LimiterConfig struct {
	GlobalRPS     float64 `mapstructure:"global_rps"`
	PerIPRPS      float64 `mapstructure:"per_ip_rps"`
	PerIPBurst    int     `mapstructure:"per_ip_burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

type LanguagesConfig struct {
	File string `mapstructure:"file"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	API       APIConfig       `mapstructure:"api"`
	History   HistoryConfig   `mapstructure:"history"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Languages LanguagesConfig `mapstructure:"languages"`
}

// Load reads runbox.yaml when present and applies RUNBOX_-prefixed
// environment overrides (RUNBOX_SERVER_PORT, RUNBOX_SANDBOX_MEMORY_MB,
// ...). Every key has a default, so no config file is required.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("runbox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runbox")

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.idle_timeout", 60)

	v.SetDefault("sandbox.memory_mb", 128)
	v.SetDefault("sandbox.timeout_seconds", 10)

	v.SetDefault("pipeline.workers", 5)
	v.SetDefault("pipeline.queue_capacity", 100)
	v.SetDefault("pipeline.batch_parallel", 5)

	v.SetDefault("api.max_code_chars", 5000)
	v.SetDefault("api.max_archive_mb", 10)

	v.SetDefault("history.db_path", "data/runbox.db")
	v.SetDefault("history.postgres_dsn", "")

	v.SetDefault("limiter.global_rps", 100.0)
	v.SetDefault("limiter.per_ip_rps", 10.0)
	v.SetDefault("limiter.per_ip_burst", 20)
	v.SetDefault("limiter.max_concurrent", 50)

	v.SetDefault("languages.file", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}
