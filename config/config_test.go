package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, k := range []string{"PLUGENV_DATA_DIR", "PLUGENV_BACKEND", "PLUGENV_WORKERS", "XDG_CACHE_HOME"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return home
}

func TestLoadCreatesTemplates(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(home, ".config", "plugenv", "settings.toml"))
	assert.FileExists(t, filepath.Join(home, ".local", "share", "plugenv", UserConfigFile))
	assert.Equal(t, filepath.Join(home, ".local", "share", "plugenv"), cfg.DataDir())
	assert.Equal(t, "auto", cfg.Backend)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultInstallTimeout, cfg.InstallTimeout)
	assert.Equal(t, DefaultDiscoveryTimeout, cfg.DiscoveryTimeout)
	assert.Equal(t, "last-wins", cfg.CollisionPolicy)
	assert.Equal(t, SecurityKeyfile, cfg.CredentialStorage)
	assert.Equal(t, []string{filepath.Join(home, ".local", "share", "plugenv", "plugins")}, cfg.Directories())

	info, err := os.Stat(cfg.DataDir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	// The generated template must load back to the same settings.
	again, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadFromDataDir(t *testing.T) {
	isolateHome(t)
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, UserConfigFile), []byte(`
plugin_directories = ["/opt/plugins", "  "]
entry_points_directory = "/opt/meta"
backend = "venv"
workers = 2
install_timeout = "90s"
discovery_timeout = "5s"
auto_resolve_conflicts = true
collision_policy = "reject"

[presets]
minimal = ["core"]

[credentials]
storage = "keyfile"

[plugins.weather]
credentials = ["owm_key"]

[plugins.legacy]
enabled = false
`), 0o600))

	cfg, err := LoadFromDataDir(dataDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"/opt/plugins"}, cfg.Directories())
	assert.Equal(t, "/opt/meta", cfg.EntryPointsDir())
	assert.Equal(t, "venv", cfg.Backend)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.InstallTimeout)
	assert.Equal(t, 5*time.Second, cfg.DiscoveryTimeout)
	assert.True(t, cfg.AutoResolveConflicts)
	assert.Equal(t, "reject", cfg.CollisionPolicy)
	assert.Equal(t, []string{"core"}, cfg.MinimalPreset)
	assert.Equal(t, []string{"owm_key"}, cfg.PluginCredentials("weather"))
	assert.Nil(t, cfg.PluginCredentials("other"))
	assert.False(t, cfg.PluginEnabled("legacy"))
	assert.True(t, cfg.PluginEnabled("weather"))
	assert.True(t, cfg.PluginEnabled("unknown"))
}

func TestEnvOverrides(t *testing.T) {
	isolateHome(t)
	dataDir := t.TempDir()
	t.Setenv("PLUGENV_DATA_DIR", dataDir)
	t.Setenv("PLUGENV_BACKEND", "conda")
	t.Setenv("PLUGENV_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.DataDir())
	assert.Equal(t, "conda", cfg.Backend)
	assert.Equal(t, 8, cfg.Workers)
	assert.FileExists(t, filepath.Join(dataDir, UserConfigFile))
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown key", content: `wokers = 3`, wantErr: "unknown key"},
		{name: "bad duration", content: `install_timeout = "soon"`, wantErr: "invalid duration"},
		{name: "bad backend", content: `backend = "docker"`, wantErr: "backend must be"},
		{name: "bad policy", content: `collision_policy = "random"`, wantErr: "collision_policy"},
		{name: "bad workers", content: `workers = -1`, wantErr: "workers must be"},
		{name: "bad storage", content: "[credentials]\nstorage = \"plaintext\"", wantErr: "credentials.storage"},
		{name: "bad env workers", env: map[string]string{"PLUGENV_WORKERS": "many"}, wantErr: "PLUGENV_WORKERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateHome(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dataDir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dataDir, UserConfigFile), []byte(tt.content), 0o600))

			_, err := LoadFromDataDir(dataDir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandPath(t *testing.T) {
	home := isolateHome(t)
	t.Setenv("PLUGENV_TEST_ROOT", "/srv")

	assert.Equal(t, filepath.Join(home, "plugins"), ExpandPath("~/plugins"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, "/srv/plugins", ExpandPath("$PLUGENV_TEST_ROOT/plugins/"))
	assert.Equal(t, "", ExpandPath(""))
}

func TestOpenDebugLog(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("PLUGENV_DEBUG", "")
	w, err := OpenDebugLog(dir)
	require.NoError(t, err)
	assert.Nil(t, w)

	t.Setenv("PLUGENV_DEBUG", "1")
	w, err = OpenDebugLog(dir)
	require.NoError(t, err)
	require.NotNil(t, w)
	require.NoError(t, w.Close())

	info, err := os.Stat(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
