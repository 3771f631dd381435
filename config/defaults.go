package config

import "time"

const (
	DefaultWorkers          = 4
	DefaultInstallTimeout   = 10 * time.Minute
	DefaultDiscoveryTimeout = 30 * time.Second
)

func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		DataDirectory: "~/.local/share/plugenv",
	}
}

func DefaultUserConfig() *UserConfig {
	return &UserConfig{
		PluginDirectories: []string{"~/.local/share/plugenv/plugins"},
		Backend:           "auto",
		Workers:           DefaultWorkers,
		InstallTimeout:    Duration(DefaultInstallTimeout),
		DiscoveryTimeout:  Duration(DefaultDiscoveryTimeout),
		CollisionPolicy:   "last-wins",
		Credentials:       CredentialsConfig{Storage: SecurityKeyfile},
	}
}

func DefaultConfig() *Config {
	cfg := &Config{DataDirectory: DefaultSystemConfig().DataDirectory}
	cfg.applyUser(DefaultUserConfig())
	return cfg
}

func GenerateSystemConfigTemplate() string {
	return `# plugenv System Configuration
# Location: ~/.config/plugenv/settings.toml
# This file uses TOML format: https://toml.io

# Directory where the manifest, environments and user config are stored
data_directory = "~/.local/share/plugenv"
`
}

func GenerateUserConfigTemplate() string {
	return `# plugenv User Configuration
# Location: <data_directory>/config.toml
# This file uses TOML format: https://toml.io

# Directories scanned for plugin files, in order. Files starting with "_"
# are ignored.
plugin_directories = ["~/.local/share/plugenv/plugins"]

# Directory of package metadata files (*.toml) whose [installer_plugins]
# table lists plugins to load (optional)
# entry_points_directory = "~/.local/share/plugenv/entry_points"

# Environment backend: "auto", "venv" or "conda"
# auto uses conda when it is on PATH or PLUGENV_USE_CONDA is set
backend = "auto"

# Python interpreter used to create venvs (optional, default python3)
# python = "python3.12"

# Plugins provisioned in parallel
workers = 4

# Upper bound for provisioning one plugin
install_timeout = "10m"

# Upper bound for one plugin's registration during discovery
discovery_timeout = "30s"

# Pick the highest version when a plugin pins the same package twice
auto_resolve_conflicts = false

# What happens when two plugins register the same name:
# "last-wins", "first-wins" or "reject"
collision_policy = "last-wins"

[presets]
# Plugins installed by the Minimal preset
minimal = []

[credentials]
# Where the encryption key comes from: "keyfile" or "ssh_key"
storage = "keyfile"
# ssh_key_path = "~/.ssh/id_ed25519"

# Per-plugin settings. enabled = false keeps a plugin out of the Full and
# Minimal presets; credentials are looked up before it is provisioned.
# [plugins.weather]
# enabled = true
# credentials = ["openweather_api_key"]
`
}
