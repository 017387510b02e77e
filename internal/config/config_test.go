package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:3600", cfg.Addr)
	assert.Equal(t, 3*time.Second, cfg.Notifications.Debounce)
	assert.Equal(t, 2, cfg.Queue.Concurrency)
	assert.True(t, cfg.Notifications.Triggers["agent:waiting"])
	assert.False(t, cfg.Notifications.Triggers["agent:active"], "agent:active defaults off")
	require.NotEmpty(t, cfg.Agents, "a default agent definition is always present")
	assert.Equal(t, "claude", cfg.Agents[0].ID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", t.TempDir())
	t.Setenv("AGENT_CONSOLE_ADDR", "127.0.0.1:9999")
	t.Setenv("AGENT_CONSOLE_QUEUE__CONCURRENCY", "8")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: "127.0.0.1:4000"
notifications:
  debounce: 5s
agents:
  - id: claude
    command: claude
    continue_args: ["-c"]
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.Notifications.Debounce)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, []string{"-c"}, cfg.Agents[0].ContinueArgs)
}

func TestConfig_Paths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENT_CONSOLE_HOME", home)

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(home, "console.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join(home, "sessions"), cfg.SessionsDir())
	assert.Equal(t,
		filepath.Join(home, "sessions", "s1", "workers", "w1"),
		cfg.WorkerDir("s1", "w1"))
	assert.DirExists(t, cfg.SessionsDir())
}

func TestConfig_Validate(t *testing.T) {
	cfg := &config.Config{Home: t.TempDir()}
	assert.Error(t, cfg.Validate(), "addr is required")

	cfg.Addr = "127.0.0.1:3600"
	cfg.Queue.Concurrency = 0
	assert.Error(t, cfg.Validate(), "concurrency must be positive")

	cfg.Queue.Concurrency = 1
	assert.NoError(t, cfg.Validate())
}

func TestConfig_AgentLookup(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.NotNil(t, cfg.Agent("claude"))
	assert.Nil(t, cfg.Agent("unknown"))
}
