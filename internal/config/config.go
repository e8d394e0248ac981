// Package config loads the TOML application config for chatmux.
//
// The config file lives at ~/.chatmux/config.toml. A missing file is not an
// error: every field has a usable default so a fresh install works with no
// setup beyond the machines.json fleet file (which is itself optional).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file inside the chatmux directory.
const ConfigFileName = "config.toml"

// MachinesFileName is the JSON fleet file consumed by the machine registry.
const MachinesFileName = "machines.json"

// Config represents user-facing configuration in TOML format.
type Config struct {
	// TmuxSession is the tmux session name chatmux owns on every machine.
	// It doubles as the local-namespace prefix in the session-map file.
	TmuxSession string `toml:"tmux_session"`

	// ClaudeCommand is the command started in new windows.
	ClaudeCommand string `toml:"claude_command"`

	// ProjectsDir is where transcript files live, relative to each
	// machine's home when prefixed with ~/.
	ProjectsDir string `toml:"projects_dir"`

	// PollIntervalMS is the session monitor poll interval (default: 1000)
	PollIntervalMS int `toml:"poll_interval_ms"`

	// Logs defines log file settings
	Logs LogSettings `toml:"logs"`

	dir string
}

// LogSettings defines log file management configuration.
type LogSettings struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int `toml:"max_backups"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		TmuxSession:    "chatmux",
		ClaudeCommand:  "claude",
		ProjectsDir:    "~/.claude/projects",
		PollIntervalMS: 1000,
		dir:            Dir(),
	}
}

// Dir returns the chatmux state directory (~/.chatmux).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatmux"
	}
	return filepath.Join(home, ".chatmux")
}

// Load reads the config file at path. A missing file returns defaults.
// A malformed file returns an error; callers decide whether that is fatal.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = filepath.Join(Dir(), ConfigFileName)
	}
	cfg.dir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.TmuxSession == "" {
		c.TmuxSession = "chatmux"
	}
	if c.ClaudeCommand == "" {
		c.ClaudeCommand = "claude"
	}
	if c.ProjectsDir == "" {
		c.ProjectsDir = "~/.claude/projects"
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 1000
	}
}

// PollInterval returns the monitor poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// MachinesFile returns the path to the machines.json fleet file.
func (c *Config) MachinesFile() string {
	return filepath.Join(c.dir, MachinesFileName)
}

// SessionMapFile returns the path to the externally written session map.
func (c *Config) SessionMapFile() string {
	return filepath.Join(c.dir, "session_map.json")
}

// RegistryFile returns the path of the persisted session registry.
func (c *Config) RegistryFile() string {
	return filepath.Join(c.dir, "registry.json")
}

// MonitorStateFile returns the path of the persisted monitor offsets.
func (c *Config) MonitorStateFile() string {
	return filepath.Join(c.dir, "monitor_state.json")
}

// StateDir returns the directory holding all chatmux state files.
func (c *Config) StateDir() string {
	return c.dir
}

// ExpandTilde expands a leading ~/ against the current user's home directory.
// Paths without the prefix are returned unchanged.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
