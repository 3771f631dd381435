package envmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugenv/depspec"
	"plugenv/storage"
)

const installedFile = "installed.json"

// fakeBackend installs from an in-memory version index and records what it
// was asked to do.
type fakeBackend struct {
	mu       sync.Mutex
	index    map[string][]string
	creates  int
	installs [][]string
	hook     func(ctx context.Context) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{index: map[string][]string{
		"requests": {"1.2.0", "2.31.0"},
		"six":      {"1.0.0", "2.0.0"},
		"numpy":    {"1.26.4"},
	}}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Create(ctx context.Context, path string) error {
	b.mu.Lock()
	b.creates++
	b.mu.Unlock()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	return writeInstalled(path, map[string]string{})
}

func (b *fakeBackend) Install(ctx context.Context, path string, reqs []string) error {
	b.mu.Lock()
	b.installs = append(b.installs, reqs)
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	installed, err := readInstalled(path)
	if err != nil {
		return err
	}
	for _, s := range reqs {
		r, err := depspec.Parse(s)
		if err != nil {
			return err
		}
		if r.IsDirect() {
			installed[r.Name] = "1.0.0"
			continue
		}
		versions := b.index[r.Name]
		found := ""
		for i := len(versions) - 1; i >= 0; i-- {
			if r.Allows(versions[i]) {
				found = versions[i]
				break
			}
		}
		if found == "" {
			return fmt.Errorf("no matching distribution found for %s", s)
		}
		installed[r.Name] = found
	}
	return writeInstalled(path, installed)
}

func (b *fakeBackend) Installed(ctx context.Context, path string) (map[string]string, error) {
	return readInstalled(path)
}

func (b *fakeBackend) createCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

func writeInstalled(dir string, pkgs map[string]string) error {
	data, err := json.Marshal(pkgs)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, installedFile), data, 0o644)
}

func readInstalled(dir string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, installedFile))
	if err != nil {
		return nil, err
	}
	pkgs := map[string]string{}
	return pkgs, json.Unmarshal(data, &pkgs)
}

type fixture struct {
	manager  *Manager
	backend  *fakeBackend
	manifest *storage.MemoryManifest
	envs     string
	events   []Event
	eventsMu sync.Mutex
}

func newFixture(t *testing.T, opts Options, records ...*storage.EnvironmentRecord) *fixture {
	t.Helper()
	f := &fixture{
		backend:  newFakeBackend(),
		manifest: storage.NewMemoryManifest(records...),
		envs:     filepath.Join(t.TempDir(), "envs"),
	}
	opts.EnvsDir = f.envs
	opts.Backend = f.backend
	opts.Manifest = f.manifest
	opts.Progress = func(e Event) {
		f.eventsMu.Lock()
		f.events = append(f.events, e)
		f.eventsMu.Unlock()
	}
	m, err := New(opts)
	require.NoError(t, err)
	f.manager = m
	return f
}

func (f *fixture) stages(plugin string) []string {
	f.eventsMu.Lock()
	defer f.eventsMu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.Plugin == plugin {
			out = append(out, e.Stage)
		}
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{EnvsDir: t.TempDir()})
	assert.Error(t, err)
	_, err = New(Options{EnvsDir: t.TempDir(), Backend: newFakeBackend()})
	assert.Error(t, err)
}

func TestConflictingPluginsGetSeparateEnvironments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	a, err := f.manager.EnsureEnvironment(ctx, "plugin-a", []string{"requests>=2.0"})
	require.NoError(t, err)
	b, err := f.manager.EnsureEnvironment(ctx, "plugin-b", []string{"requests<2.0"})
	require.NoError(t, err)

	assert.Equal(t, storage.StatusReady, a.Status)
	assert.Equal(t, storage.StatusReady, b.Status)
	assert.Equal(t, "2.31.0", a.Packages["requests"])
	assert.Equal(t, "1.2.0", b.Packages["requests"])
	assert.NotEqual(t, a.EnvironmentPath, b.EnvironmentPath)
	assert.True(t, dirExists(a.EnvironmentPath))
	assert.True(t, dirExists(b.EnvironmentPath))

	pkgs, err := readInstalled(a.EnvironmentPath)
	require.NoError(t, err)
	assert.Equal(t, "2.31.0", pkgs["requests"])
}

func TestEnsureEnvironmentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	first, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"requests>=2.0", "numpy"})
	require.NoError(t, err)
	writes := f.manifest.Writes()

	second, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"numpy", "requests >= 2.0"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.backend.createCount())
	assert.Equal(t, writes, f.manifest.Writes(), "a no-op run must not write the manifest")
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.EnvironmentPath, second.EnvironmentPath)
	assert.Contains(t, f.stages("alpha"), StageUpToDate)
}

func TestEnsureEnvironmentReprovisionsOnChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	first, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"requests>=2.0"})
	require.NoError(t, err)
	oldDir := currentTarget(first.EnvironmentPath)
	require.NotEmpty(t, oldDir)

	second, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"requests>=2.0", "numpy"})
	require.NoError(t, err)

	assert.Equal(t, 2, f.backend.createCount())
	assert.Equal(t, first.EnvironmentPath, second.EnvironmentPath)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, second.Fingerprint, second.ActiveFingerprint)
	assert.Equal(t, "1.26.4", second.Packages["numpy"])
	assert.NoDirExists(t, oldDir)
	assert.True(t, dirExists(second.EnvironmentPath))
}

func TestFailedReprovisionKeepsPreviousEnvironment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	first, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"requests>=2.0"})
	require.NoError(t, err)
	oldDir := currentTarget(first.EnvironmentPath)

	_, err = f.manager.EnsureEnvironment(ctx, "alpha", []string{"requests>=3.0"})
	require.Error(t, err)
	assert.Equal(t, KindInstallation, KindOf(err))

	rec, err := f.manifest.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, string(KindInstallation), rec.ErrorKind)
	assert.Contains(t, rec.Error, "no matching distribution")
	assert.Equal(t, first.Fingerprint, rec.ActiveFingerprint)
	assert.Equal(t, oldDir, currentTarget(rec.EnvironmentPath))
	assert.DirExists(t, oldDir)

	entries, err := os.ReadDir(filepath.Join(f.envs, versionsDir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the failed build directory is removed")

	// The next run retries and succeeds once the requirement is satisfiable.
	again, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"requests>=2.0"})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReady, again.Status)
}

func TestEnsureEnvironmentTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{InstallTimeout: 50 * time.Millisecond})
	f.backend.hook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := f.manager.EnsureEnvironment(ctx, "slow", []string{"numpy"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))

	rec, err := f.manifest.Get(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, string(KindTimeout), rec.ErrorKind)
}

func TestEnsureEnvironmentCancelledStillRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Options{})
	f.backend.hook = func(attempt context.Context) error {
		cancel()
		<-attempt.Done()
		return attempt.Err()
	}

	_, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"numpy"})
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))

	rec, err := f.manifest.Get(context.Background(), "alpha")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, string(KindCancelled), rec.ErrorKind)
}

func TestEnsureEnvironmentAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFixture(t, Options{})

	_, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"numpy"})
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Zero(t, f.backend.createCount())
	assert.Zero(t, f.manifest.Writes())
}

func TestEnsureEnvironmentResolution(t *testing.T) {
	tests := []struct {
		name        string
		deps        []string
		autoResolve bool
		wantKind    Kind
		wantSix     string
	}{
		{name: "conflicting pins rejected", deps: []string{"six==1.0", "six==2.0"}, wantKind: KindResolution},
		{name: "conflicting pins resolved to highest", deps: []string{"six==1.0", "six==2.0"}, autoResolve: true, wantSix: "2.0.0"},
		{name: "malformed requirement", deps: []string{"six>>1"}, wantKind: KindResolution},
		{name: "ranges merged", deps: []string{"six>=1.0", "six<2.0"}, wantSix: "1.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Options{AutoResolveConflicts: tt.autoResolve})

			rec, err := f.manager.EnsureEnvironment(ctx, "alpha", tt.deps)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err))
				stored, gerr := f.manifest.Get(ctx, "alpha")
				require.NoError(t, gerr)
				assert.Equal(t, storage.StatusFailed, stored.Status)
				assert.Zero(t, f.backend.createCount())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSix, rec.Packages["six"])
		})
	}
}

func TestEnsureEnvironmentFingerprintsResolvedRequirements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoResolveConflicts: true})

	first, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"six==1.0", "six==2.0"})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", first.Packages["six"])

	// Dropping the losing pin describes the same environment.
	second, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"six==2.0"})
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 1, f.backend.createCount())
	assert.Contains(t, f.stages("alpha"), StageUpToDate)
}

func TestEnsureEnvironmentPathConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	require.NoError(t, f.manifest.Upsert(ctx, &storage.EnvironmentRecord{
		PluginName:      "squatter",
		EnvironmentPath: f.manager.environmentPath("alpha"),
		Status:          storage.StatusFailed,
	}))

	_, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"numpy"})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.ErrorIs(t, err, storage.ErrPathConflict)
	assert.Zero(t, f.backend.createCount())

	other, err := f.manager.EnsureEnvironment(ctx, "beta", []string{"numpy"})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReady, other.Status)
}

func TestEnsureEnvironmentRecoversPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	path := f.manager.environmentPath("alpha")
	require.NoError(t, f.manifest.Upsert(ctx, &storage.EnvironmentRecord{
		PluginName:      "alpha",
		EnvironmentPath: path,
		Fingerprint:     "sha256:stale",
		Status:          storage.StatusPending,
	}))
	require.NoError(t, os.MkdirAll(path, 0o755))

	rec, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"numpy"})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReady, rec.Status)
	assert.Equal(t, path, rec.EnvironmentPath)
	assert.NotEmpty(t, currentTarget(path))
}

func TestEnsureEnvironmentProgress(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.manager.EnsureEnvironment(context.Background(), "alpha", []string{"numpy"})
	require.NoError(t, err)

	assert.Equal(t, []string{StageChecking, StageCreating, StageInstalling, StageVerifying, StageReady}, f.stages("alpha"))
}

func TestEnsureEnvironmentDirectReference(t *testing.T) {
	ctx := context.Background()
	artifact := filepath.Join(t.TempDir(), "tool-1.0.0.whl")
	require.NoError(t, os.WriteFile(artifact, []byte("wheel bytes"), 0o644))
	good := digest.FromString("wheel bytes").Encoded()
	bad := digest.FromString("something else").Encoded()

	t.Run("checksum mismatch fails the plugin", func(t *testing.T) {
		f := newFixture(t, Options{Fetcher: NewFetcher(filepath.Join(t.TempDir(), "cache"), nil)})
		_, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"tool @ file://" + artifact + "#sha256=" + bad})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrChecksumMismatch)
		assert.Equal(t, KindInstallation, KindOf(err))

		rec, err := f.manifest.Get(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusFailed, rec.Status)
	})

	t.Run("verified artifact installs from the cache", func(t *testing.T) {
		cache := filepath.Join(t.TempDir(), "cache")
		f := newFixture(t, Options{Fetcher: NewFetcher(cache, nil)})
		rec, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"tool @ file://" + artifact + "#sha256=" + good})
		require.NoError(t, err)
		assert.Equal(t, storage.StatusReady, rec.Status)

		require.Len(t, f.backend.installs, 1)
		installed := f.backend.installs[0][0]
		assert.True(t, strings.HasPrefix(installed, "tool @ file://"), installed)
		assert.Contains(t, installed, filepath.ToSlash(filepath.Join(cache, "sha256", good)))
	})

	t.Run("direct references need a fetcher", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"tool @ https://example.invalid/tool.whl#sha256=" + good})
		require.Error(t, err)
		assert.Equal(t, KindInstallation, KindOf(err))
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	rec, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"requests>=2.0"})
	require.NoError(t, err)

	verified, err := f.manager.Verify(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReady, verified.Status)

	require.NoError(t, writeInstalled(rec.EnvironmentPath, map[string]string{"requests": "1.2.0"}))
	_, err = f.manager.Verify(ctx, "alpha")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)

	stored, err := f.manifest.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, stored.Status)

	_, err = f.manager.Verify(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	rec, err := f.manager.EnsureEnvironment(ctx, "alpha", []string{"numpy"})
	require.NoError(t, err)
	target := currentTarget(rec.EnvironmentPath)

	require.NoError(t, f.manager.Remove(ctx, "alpha"))
	assert.NoDirExists(t, target)
	_, err = os.Lstat(rec.EnvironmentPath)
	assert.True(t, os.IsNotExist(err))

	stored, err := f.manifest.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, stored)

	assert.ErrorIs(t, f.manager.Remove(ctx, "alpha"), storage.ErrNotFound)
}

func TestVerifyRequirements(t *testing.T) {
	spec, err := depspec.NewSpec([]string{"requests>=2.0", "pywin32; sys_platform == 'win32'"})
	require.NoError(t, err)

	assert.NoError(t, verify(spec.Requirements(), map[string]string{"requests": "2.31.0"}))
	assert.ErrorIs(t, verify(spec.Requirements(), map[string]string{"requests": "1.0.0"}), ErrVerification)
	assert.ErrorIs(t, verify(spec.Requirements(), map[string]string{}), ErrVerification)
}
