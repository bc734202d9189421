// Package config provides nightwatch configuration loading and live reload.
package config

// Config represents the nightwatch daemon configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DaemonConfig configures the scheduler ticker and worker pool
type DaemonConfig struct {
	Workers               int `mapstructure:"workers"`                 // Number of concurrent run workers (default: 1)
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // How often to check for due pipelines (default: 1)
	PollIntervalSeconds   int `mapstructure:"poll_interval_seconds"`   // How often workers poll the queue (default: 5)
	LaunchesPerMinute     int `mapstructure:"launches_per_minute"`     // Rate limit on run launches (default: 30)
	RetentionDays         int `mapstructure:"retention_days"`          // Completed run jobs kept this long (default: 30)
}

// RunnerConfig configures run execution
type RunnerConfig struct {
	WorkspaceRoot      string            `mapstructure:"workspace_root"`       // Per-pipeline checkout directories live here
	CacheDir           string            `mapstructure:"cache_dir"`            // Dependency cache archives live here
	StepTimeoutSeconds int               `mapstructure:"step_timeout_seconds"` // Default per-step timeout (default: 3600)
	LogTailBytes       int               `mapstructure:"log_tail_bytes"`       // Bytes of step output kept per step result (default: 64KiB)
	Env                map[string]string `mapstructure:"env"`                  // Injected into every step (e.g. build tool verbosity, stack size)
}

// ServerConfig configures the WebSocket status server
type ServerConfig struct {
	Port           int      `mapstructure:"port"` // Status server port (default: 4242)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is the default status server port
const DefaultServerPort = 4242

// DefaultSchedule is the cron expression used when a pipeline does not
// specify one: daily at 00:00 UTC.
const DefaultSchedule = "0 0 * * *"
