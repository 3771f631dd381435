// Package config loads plugenv settings, resolves its directories and holds
// the encrypted credential store.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type SystemConfig struct {
	DataDirectory string `toml:"data_directory"`
}

type PresetsConfig struct {
	Minimal []string `toml:"minimal"`
}

type CredentialsConfig struct {
	Storage    SecurityMethod `toml:"storage"`
	SSHKeyPath string         `toml:"ssh_key_path,omitempty"`
}

type UserConfig struct {
	PluginDirectories    []string                  `toml:"plugin_directories"`
	EntryPointsDirectory string                    `toml:"entry_points_directory,omitempty"`
	Backend              string                    `toml:"backend"`
	Python               string                    `toml:"python,omitempty"`
	Workers              int                       `toml:"workers"`
	InstallTimeout       Duration                  `toml:"install_timeout"`
	DiscoveryTimeout     Duration                  `toml:"discovery_timeout"`
	AutoResolveConflicts bool                      `toml:"auto_resolve_conflicts"`
	CollisionPolicy      string                    `toml:"collision_policy"`
	Presets              PresetsConfig             `toml:"presets"`
	Credentials          CredentialsConfig         `toml:"credentials"`
	Plugins              map[string]PluginSettings `toml:"plugins,omitempty"`
}

// Config is the effective configuration after files and environment
// overrides have been applied.
type Config struct {
	DataDirectory        string
	PluginDirectories    []string
	EntryPointsDirectory string
	Backend              string
	Python               string
	Workers              int
	InstallTimeout       time.Duration
	DiscoveryTimeout     time.Duration
	AutoResolveConflicts bool
	CollisionPolicy      string
	MinimalPreset        []string
	CredentialStorage    SecurityMethod
	SSHKeyPath           string
	Plugins              map[string]PluginSettings
}

// Duration is a time.Duration written as a string such as "10m" in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

func (c *Config) EnvsDir() string {
	return filepath.Join(c.DataDir(), "envs")
}

func (c *Config) DownloadsDir() string {
	return filepath.Join(GetCacheDir(), "downloads")
}

// Directories returns the expanded plugin directories.
func (c *Config) Directories() []string {
	dirs := make([]string, 0, len(c.PluginDirectories))
	for _, d := range c.PluginDirectories {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, ExpandPath(d))
		}
	}
	return dirs
}

func (c *Config) EntryPointsDir() string {
	if c.EntryPointsDirectory == "" {
		return ""
	}
	return ExpandPath(c.EntryPointsDirectory)
}

// PluginCredentials returns the credential key ids a plugin is configured
// to need.
func (c *Config) PluginCredentials(plugin string) []string {
	return c.Plugins[plugin].Credentials
}

func (c *Config) applyUser(u *UserConfig) {
	if u.PluginDirectories != nil {
		c.PluginDirectories = u.PluginDirectories
	}
	if u.EntryPointsDirectory != "" {
		c.EntryPointsDirectory = u.EntryPointsDirectory
	}
	if u.Backend != "" {
		c.Backend = u.Backend
	}
	if u.Python != "" {
		c.Python = u.Python
	}
	if u.Workers != 0 {
		c.Workers = u.Workers
	}
	if u.InstallTimeout != 0 {
		c.InstallTimeout = time.Duration(u.InstallTimeout)
	}
	if u.DiscoveryTimeout != 0 {
		c.DiscoveryTimeout = time.Duration(u.DiscoveryTimeout)
	}
	c.AutoResolveConflicts = u.AutoResolveConflicts
	if u.CollisionPolicy != "" {
		c.CollisionPolicy = u.CollisionPolicy
	}
	if u.Presets.Minimal != nil {
		c.MinimalPreset = u.Presets.Minimal
	}
	if u.Credentials.Storage != "" {
		c.CredentialStorage = u.Credentials.Storage
	}
	if u.Credentials.SSHKeyPath != "" {
		c.SSHKeyPath = u.Credentials.SSHKeyPath
	}
	if u.Plugins != nil {
		c.Plugins = u.Plugins
	}
}

func (c *Config) applyEnvOverrides() error {
	if backend := os.Getenv("PLUGENV_BACKEND"); backend != "" {
		c.Backend = backend
	}
	if workers := os.Getenv("PLUGENV_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("PLUGENV_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

// Validate rejects settings that would make every run fail.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case "auto", "venv", "conda":
	default:
		return fmt.Errorf("backend must be auto, venv or conda, got %q", c.Backend)
	}
	switch c.CollisionPolicy {
	case "last-wins", "first-wins", "reject":
	default:
		return fmt.Errorf("collision_policy must be last-wins, first-wins or reject, got %q", c.CollisionPolicy)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.InstallTimeout < 0 || c.DiscoveryTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if !c.CredentialStorage.Valid() {
		return fmt.Errorf("credentials.storage must be ssh_key or keyfile, got %q", c.CredentialStorage)
	}
	return nil
}

// CredentialStore opens the credential store described by the configuration.
func (c *Config) CredentialStore(logger *slog.Logger) *CredentialStore {
	keyPath := c.SSHKeyPath
	if c.CredentialStorage == SecuritySSHKey && keyPath == "" {
		if keys, err := FindSSHKeys(); err == nil && len(keys) > 0 {
			keyPath = keys[0]
		}
	}
	if c.CredentialStorage == SecurityKeyfile {
		keyPath = ""
	}
	return NewCredentialStore(c.DataDir(), c.CredentialStorage, ExpandPath(keyPath), logger)
}

func CheckDebug() bool {
	debug := os.Getenv("PLUGENV_DEBUG")
	return debug == "true" || debug == "1"
}

// OpenDebugLog opens <dataDir>/debug.log when PLUGENV_DEBUG is set. It
// returns nil when debug logging is off.
func OpenDebugLog(dataDir string) (io.WriteCloser, error) {
	if !CheckDebug() {
		return nil, nil
	}
	logPath := filepath.Join(dataDir, "debug.log")
	// 0600: may contain paths and plugin output
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not open debug log at %s: %w", logPath, err)
	}
	return f, nil
}

// Load reads settings.toml for the data directory, then <data>/config.toml,
// then applies PLUGENV_* overrides. Missing files are created from the
// commented templates.
func Load() (*Config, error) {
	systemCfg, err := LoadSystemConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load system config: %w", err)
	}
	dataDir := systemCfg.DataDirectory
	if env := os.Getenv("PLUGENV_DATA_DIR"); env != "" {
		dataDir = env
	}
	return LoadFromDataDir(dataDir)
}

// LoadFromDataDir loads <dataDir>/config.toml without consulting settings.toml.
func LoadFromDataDir(dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.DataDirectory = dataDir

	dir := cfg.DataDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := EnsureDataDirPermissions(dir); err != nil {
		return nil, fmt.Errorf("failed to set data directory permissions: %w", err)
	}

	userCfg, err := LoadUserConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	}
	cfg.applyUser(userCfg)

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
