// Package config loads the server configuration from layered sources:
// built-in defaults, an optional YAML file, and AGENT_CONSOLE_*
// environment variables (highest precedence).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the server's runtime configuration.
type Config struct {
	Addr     string `koanf:"addr"`      // listen address
	Home     string `koanf:"home"`      // configuration root (AGENT_CONSOLE_HOME)
	LogLevel string `koanf:"log_level"` // debug, info, warn, error

	Notifications struct {
		Debounce time.Duration   `koanf:"debounce"` // agent-activity debounce window
		Triggers map[string]bool `koanf:"triggers"` // event type -> enabled
	} `koanf:"notifications"`

	Queue struct {
		Concurrency  int           `koanf:"concurrency"`
		PollInterval time.Duration `koanf:"poll_interval"`
	} `koanf:"queue"`

	Maintenance struct {
		FetchSpec    string        `koanf:"fetch_spec"`    // cron spec for periodic remote fetch
		JobRetention time.Duration `koanf:"job_retention"` // completed-job retention
	} `koanf:"maintenance"`

	Agents []AgentDefinition `koanf:"agents"`
}

// AgentDefinition describes an agent CLI that can back agent workers.
type AgentDefinition struct {
	ID           string   `koanf:"id"`
	Command      string   `koanf:"command"`
	Args         []string `koanf:"args"`
	ContinueArgs []string `koanf:"continue_args"` // appended to resume a prior conversation
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":                     "127.0.0.1:3600",
		"home":                     defaultHome(),
		"log_level":                "info",
		"notifications.debounce":   3 * time.Second,
		"queue.concurrency":        2,
		"queue.poll_interval":      500 * time.Millisecond,
		"maintenance.fetch_spec":   "*/10 * * * *",
		"maintenance.job_retention": 7 * 24 * time.Hour,
	}
}

func defaultHome() string {
	if h := os.Getenv("AGENT_CONSOLE_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-console"
	}
	return filepath.Join(home, ".agent-console")
}

// Load reads configuration from defaults, then the given YAML file (if
// non-empty and present), then the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	// AGENT_CONSOLE_QUEUE__CONCURRENCY=4 -> queue.concurrency.
	err := k.Load(env.Provider("AGENT_CONSOLE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "AGENT_CONSOLE_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if c.Notifications.Triggers == nil {
		c.Notifications.Triggers = DefaultTriggers()
	}
	if len(c.Agents) == 0 {
		c.Agents = []AgentDefinition{{
			ID:           "claude",
			Command:      "claude",
			ContinueArgs: []string{"-c"},
		}}
	}

	return &c, nil
}

// DefaultTriggers returns the default per-event enablement map.
func DefaultTriggers() map[string]bool {
	return map[string]bool{
		"agent:waiting": true,
		"agent:idle":    true,
		"agent:active":  false,
		"worker:error":  true,
		"worker:exited": true,
	}
}

// Validate checks the configuration values and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}

	if err := os.MkdirAll(c.Home, 0o750); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	if err := os.MkdirAll(c.SessionsDir(), 0o750); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.Home, "console.db")
}

// SessionsDir returns the root directory for per-session files.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Home, "sessions")
}

// WorkerDir returns the directory holding a worker's on-disk state
// (JSONL message files, saved screen buffers).
func (c *Config) WorkerDir(sessionID, workerID string) string {
	return filepath.Join(c.SessionsDir(), sessionID, "workers", workerID)
}

// Agent returns the agent definition with the given id, or nil.
func (c *Config) Agent(defID string) *AgentDefinition {
	for i := range c.Agents {
		if c.Agents[i].ID == defID {
			return &c.Agents[i]
		}
	}
	return nil
}
