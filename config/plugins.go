package config

// PluginSettings is the [plugins.<name>] table of config.toml.
type PluginSettings struct {
	// Enabled defaults to true; false keeps the plugin out of every preset.
	Enabled *bool `toml:"enabled,omitempty"`
	// Credentials are key ids looked up in the credential store before the
	// plugin is provisioned.
	Credentials []string `toml:"credentials,omitempty"`
}

func (c *Config) PluginEnabled(plugin string) bool {
	s, ok := c.Plugins[plugin]
	if !ok || s.Enabled == nil {
		return true
	}
	return *s.Enabled
}
