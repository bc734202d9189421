package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "nightwatch.db")

	// Daemon defaults
	v.SetDefault("daemon.workers", 1)
	v.SetDefault("daemon.ticker_interval_seconds", 1)
	v.SetDefault("daemon.poll_interval_seconds", 5)
	v.SetDefault("daemon.launches_per_minute", 30)
	v.SetDefault("daemon.retention_days", 30)

	// Runner defaults
	v.SetDefault("runner.workspace_root", "workspaces")
	v.SetDefault("runner.cache_dir", "cache")
	v.SetDefault("runner.step_timeout_seconds", 3600) // 60 minutes, matching the test step budget
	v.SetDefault("runner.log_tail_bytes", 64*1024)

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "NIGHTWATCH_DATABASE_PATH")
	v.BindEnv("runner.workspace_root", "NIGHTWATCH_RUNNER_WORKSPACE_ROOT")
	v.BindEnv("runner.cache_dir", "NIGHTWATCH_RUNNER_CACHE_DIR")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "nightwatch.db" // Fallback default
	}
	return c.Database.Path
}

// GetStepTimeoutSeconds returns the default per-step timeout in seconds
func (c *Config) GetStepTimeoutSeconds() int {
	if c.Runner.StepTimeoutSeconds <= 0 {
		return 3600
	}
	return c.Runner.StepTimeoutSeconds
}

// GetLogTailBytes returns how much step output to keep per step result
func (c *Config) GetLogTailBytes() int {
	if c.Runner.LogTailBytes <= 0 {
		return 64 * 1024
	}
	return c.Runner.LogTailBytes
}

// GetServerAllowedOrigins returns the allowed WebSocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"http://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Daemon: {Workers: %d}, Runner: {WorkspaceRoot: %s}}",
		c.Database.Path, c.Daemon.Workers, c.Runner.WorkspaceRoot)
}
