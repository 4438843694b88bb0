package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Docker       DockerConfig       `mapstructure:"docker"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// DatabaseConfig holds the run-history database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OrchestratorConfig holds startup and supervision tuning.
type OrchestratorConfig struct {
	// DependencyTimeout bounds how long a service waits for its
	// dependencies to become ready.
	DependencyTimeout time.Duration `mapstructure:"dependency_timeout"`

	// StopTimeout is the grace period for container stop before kill.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	// RestartBackoffBase is the first restart delay; doubled per attempt.
	RestartBackoffBase time.Duration `mapstructure:"restart_backoff_base"`

	// RestartBackoffMax caps the restart delay.
	RestartBackoffMax time.Duration `mapstructure:"restart_backoff_max"`

	// MaxRestarts caps restart attempts for the on-failure policy.
	MaxRestarts int `mapstructure:"max_restarts"`

	// SupervisePoll is the container state polling interval.
	SupervisePoll time.Duration `mapstructure:"supervise_poll"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("database.dsn", defaultDSN())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("orchestrator.dependency_timeout", "2m")
	v.SetDefault("orchestrator.stop_timeout", "10s")
	v.SetDefault("orchestrator.restart_backoff_base", "1s")
	v.SetDefault("orchestrator.restart_backoff_max", "1m")
	v.SetDefault("orchestrator.max_restarts", 5)
	v.SetDefault("orchestrator.supervise_poll", "3s")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("CONVOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// defaultDSN places the run-history database under the user state dir.
func defaultDSN() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "./convoy.db"
	}
	return dir + "/convoy/convoy.db"
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
