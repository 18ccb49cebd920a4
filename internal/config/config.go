// Package config manages wfr configuration and the .wfr directory structure.
// It handles loading, saving, and initializing the project configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	WFRDir       = ".wfr"
	ConfigFile   = "config"
	DatabaseFile = "wfr.db"
	LogsDir      = "logs"

	DefaultWorkflowsDir     = ".github/workflows"
	DefaultKillGraceSeconds = 5
	DefaultKeepRuns         = 50

	// TokenEnv holds the report server token; it is never written to disk
	TokenEnv = "WFR_TOKEN"
)

// ErrNotInitialized is returned when no .wfr directory is found
var ErrNotInitialized = errors.New("not a wfr project (or any parent up to root); run 'wfr init'")

// Config represents the wfr configuration
type Config struct {
	WorkflowsDir     string       `toml:"workflows_dir"`
	Shell            string       `toml:"shell,omitempty"`
	KillGraceSeconds int          `toml:"kill_grace_seconds"`
	KeepRuns         int          `toml:"keep_runs"`
	LogLevel         string       `toml:"log_level,omitempty"`
	Server           ServerConfig `toml:"server"`

	path      string // path to .wfr directory; empty when running without one
	workspace string // directory containing .wfr
}

// ServerConfig points at a report server for `wfr push`
type ServerConfig struct {
	URL     string `toml:"url,omitempty"`
	Project string `toml:"project,omitempty"`
}

// Default returns the configuration used for a workspace without .wfr
func Default(workspace string) *Config {
	return &Config{
		WorkflowsDir:     DefaultWorkflowsDir,
		KillGraceSeconds: DefaultKillGraceSeconds,
		KeepRuns:         DefaultKeepRuns,
		workspace:        workspace,
	}
}

// FindRoot finds the .wfr directory by walking up from the current directory
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return FindRootFrom(dir)
}

// FindRootFrom finds the .wfr directory by walking up from dir
func FindRootFrom(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		wfrPath := filepath.Join(dir, WFRDir)
		if info, err := os.Stat(wfrPath); err == nil && info.IsDir() {
			return wfrPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Load loads the configuration from the .wfr directory above the cwd
func Load() (*Config, error) {
	wfrPath, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(wfrPath)
}

// LoadFrom loads the configuration from a .wfr directory
func LoadFrom(wfrPath string) (*Config, error) {
	configPath := filepath.Join(wfrPath, ConfigFile)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default(filepath.Dir(wfrPath))
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.WorkflowsDir == "" {
		cfg.WorkflowsDir = DefaultWorkflowsDir
	}

	cfg.path = wfrPath
	return cfg, nil
}

// LoadOrDefault loads the project configuration, or returns defaults for
// the current directory when there is no .wfr directory.
func LoadOrDefault() (*Config, error) {
	cfg, err := Load()
	if errors.Is(err, ErrNotInitialized) {
		cwd, cerr := os.Getwd()
		if cerr != nil {
			return nil, cerr
		}
		return Default(cwd), nil
	}
	return cfg, err
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	if c.path == "" {
		return ErrNotInitialized
	}
	configPath := filepath.Join(c.path, ConfigFile)
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// Initialized reports whether the config came from a .wfr directory
func (c *Config) Initialized() bool {
	return c.path != ""
}

// WFRPath returns the path to the .wfr directory
func (c *Config) WFRPath() string {
	return c.path
}

// Workspace returns the directory workflows run in
func (c *Config) Workspace() string {
	return c.workspace
}

// DatabasePath returns the path to the SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// LogsPath returns the directory step logs are written to
func (c *Config) LogsPath() string {
	if c.path == "" {
		return filepath.Join(os.TempDir(), "wfr-logs")
	}
	return filepath.Join(c.path, LogsDir)
}

// WorkflowsPath returns the absolute workflows directory
func (c *Config) WorkflowsPath() string {
	if filepath.IsAbs(c.WorkflowsDir) {
		return c.WorkflowsDir
	}
	return filepath.Join(c.workspace, c.WorkflowsDir)
}

// KillGrace returns the SIGTERM to SIGKILL delay for background processes
func (c *Config) KillGrace() time.Duration {
	if c.KillGraceSeconds <= 0 {
		return DefaultKillGraceSeconds * time.Second
	}
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// Token returns the report server token from the environment
func Token() string {
	return os.Getenv(TokenEnv)
}

// Initialize creates a new .wfr directory in dir with initial configuration
func Initialize(dir, workflowsDir string) (*Config, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	wfrPath := filepath.Join(dir, WFRDir)

	// Check if already initialized
	if _, err := os.Stat(wfrPath); err == nil {
		return nil, fmt.Errorf("wfr project already exists at %s", wfrPath)
	}

	if err := os.MkdirAll(filepath.Join(wfrPath, LogsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create .wfr directory: %w", err)
	}

	cfg := Default(dir)
	if workflowsDir != "" {
		cfg.WorkflowsDir = workflowsDir
	}
	cfg.path = wfrPath

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(wfrPath)
		return nil, err
	}

	return cfg, nil
}
