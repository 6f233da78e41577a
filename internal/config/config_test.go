package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8420, config.Server.Port)
	assert.Equal(t, 250*time.Millisecond, config.Scheduler.PollInterval)
	assert.Equal(t, 3, config.Resources.MaxConcurrentSlots)
	assert.False(t, config.Rollout.UseNewQueueSystem)
	assert.Equal(t, "@hourly", config.Maintenance.Schedule)
	assert.Equal(t, 500, config.Broadcast.BufferSize)
	assert.Equal(t, 7*24*time.Hour, config.Maintenance.DeadLetterRetention)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	payload := `
server:
  port: 9000
  auth_token: hunter2
scheduler:
  mode: priority
  max_queue_depth: 42
rollout:
  use_new_queue_system: true
  rollout_percent: 25
`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "hunter2", config.Server.AuthToken)
	assert.Equal(t, "priority", config.Scheduler.Mode)
	assert.Equal(t, 42, config.Scheduler.MaxQueueDepth)
	assert.True(t, config.Rollout.UseNewQueueSystem)
	assert.Equal(t, 25, config.Rollout.RolloutPercent)
	// Untouched keys keep defaults.
	assert.Equal(t, 3, config.Retry.MaxRetries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_SERVER_PORT", "7777")
	t.Setenv("FOREMAN_ROLLOUT_SHADOW_MODE", "true")

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, config.Server.Port)
	assert.True(t, config.Rollout.ShadowMode)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("FOREMAN_ROLLOUT_ROLLOUT_PERCENT", "150")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/foreman.yaml")
	assert.Error(t, err)
}
