package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nightwatch.db", cfg.GetDatabasePath())
	assert.Equal(t, 1, cfg.Daemon.Workers)
	assert.Equal(t, 1, cfg.Daemon.TickerIntervalSeconds)
	assert.Equal(t, 3600, cfg.GetStepTimeoutSeconds())
	assert.Equal(t, 64*1024, cfg.GetLogTailBytes())
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightwatch.toml")

	content := `
[database]
path = "/tmp/test.db"

[daemon]
workers = 3
ticker_interval_seconds = 2

[runner]
workspace_root = "/var/lib/nightwatch/workspaces"
step_timeout_seconds = 1800

[runner.env]
BUILD_LOG = "info"
BUILD_MIN_STACK = "67108864"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Daemon.Workers)
	assert.Equal(t, 2, cfg.Daemon.TickerIntervalSeconds)
	assert.Equal(t, "/var/lib/nightwatch/workspaces", cfg.Runner.WorkspaceRoot)
	assert.Equal(t, 1800, cfg.GetStepTimeoutSeconds())
	assert.Equal(t, "info", cfg.Runner.Env["BUILD_LOG"])
	assert.Equal(t, "67108864", cfg.Runner.Env["BUILD_MIN_STACK"])

	// Unset values still fall back to defaults
	assert.Equal(t, 5, cfg.Daemon.PollIntervalSeconds)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	t.Setenv("NIGHTWATCH_DATABASE_PATH", "/custom/path.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/custom/path.db", cfg.Database.Path)
}

func TestGetterFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "nightwatch.db", cfg.GetDatabasePath())
	assert.Equal(t, 3600, cfg.GetStepTimeoutSeconds())
	assert.Equal(t, 64*1024, cfg.GetLogTailBytes())
	assert.NotEmpty(t, cfg.GetServerAllowedOrigins())
}
