package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugenv/discovery"
	"plugenv/envmgr"
	"plugenv/registry"
	"plugenv/storage"
)

type fakeDiscoverer struct {
	plugins map[string][]string
	broken  map[string]error
	err     error
}

func (d *fakeDiscoverer) Discover(_ context.Context, _ []string) (*discovery.Result, error) {
	if d.err != nil {
		return nil, d.err
	}
	reg := registry.New(registry.LastWins, nil)
	for name, deps := range d.plugins {
		h := reg.NewHandle(name, "test:"+name)
		for _, dep := range deps {
			h.AddDependency(dep)
		}
		if err := reg.Commit(h); err != nil {
			return nil, err
		}
	}
	res := &discovery.Result{Registry: reg}
	for name, err := range d.broken {
		res.Errors = append(res.Errors, &discovery.Error{Plugin: name, Source: "test:" + name, Err: err})
	}
	return res, nil
}

type fakeProvisioner struct {
	mu       sync.Mutex
	calls    map[string][]string
	failures map[string]error
	delay    time.Duration
	hook     func(name string)

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (p *fakeProvisioner) EnsureEnvironment(ctx context.Context, name string, deps []string) (*storage.EnvironmentRecord, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	p.mu.Lock()
	if p.calls == nil {
		p.calls = map[string][]string{}
	}
	p.calls[name] = deps
	p.mu.Unlock()

	if p.hook != nil {
		p.hook(name)
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if err := p.failures[name]; err != nil {
		return nil, err
	}
	return &storage.EnvironmentRecord{
		PluginName:      name,
		EnvironmentPath: "/envs/" + name,
		Status:          storage.StatusReady,
	}, nil
}

func (p *fakeProvisioner) called() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for n := range p.calls {
		names = append(names, n)
	}
	return names
}

type fakeCredentials map[string]string

func (c fakeCredentials) Get(key string) (string, bool) {
	v, ok := c[key]
	return v, ok
}

func newOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Provisioner: &fakeProvisioner{}})
	assert.Error(t, err)
	_, err = New(Options{Discoverer: &fakeDiscoverer{}})
	assert.Error(t, err)
}

func TestParsePreset(t *testing.T) {
	tests := []struct {
		in      string
		want    Preset
		wantErr bool
	}{
		{in: "Minimal", want: PresetMinimal},
		{in: "full", want: PresetFull},
		{in: "CUSTOM", want: PresetCustom},
		{in: "everything", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePreset(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunPresets(t *testing.T) {
	plugins := map[string][]string{
		"core":    {"requests>=2"},
		"weather": {"httpx"},
		"legacy":  {"six"},
	}

	tests := []struct {
		name     string
		sel      Selection
		enabled  func(string) bool
		want     map[string]Status
		provided []string
	}{
		{
			name:     "full provisions everything",
			sel:      Selection{Preset: PresetFull},
			want:     map[string]Status{"core": StatusReady, "weather": StatusReady, "legacy": StatusReady},
			provided: []string{"core", "legacy", "weather"},
		},
		{
			name:     "empty preset defaults to full",
			sel:      Selection{},
			want:     map[string]Status{"core": StatusReady, "weather": StatusReady, "legacy": StatusReady},
			provided: []string{"core", "legacy", "weather"},
		},
		{
			name:     "minimal uses configured list",
			sel:      Selection{Preset: PresetMinimal},
			want:     map[string]Status{"core": StatusReady, "weather": StatusSkipped, "legacy": StatusSkipped},
			provided: []string{"core"},
		},
		{
			name:     "custom provisions only requested",
			sel:      Selection{Preset: PresetCustom, Plugins: []string{"weather", "weather"}},
			want:     map[string]Status{"core": StatusSkipped, "weather": StatusReady, "legacy": StatusSkipped},
			provided: []string{"weather"},
		},
		{
			name:     "disabled plugins skipped by full",
			sel:      Selection{Preset: PresetFull},
			enabled:  func(n string) bool { return n != "legacy" },
			want:     map[string]Status{"core": StatusReady, "weather": StatusReady, "legacy": StatusSkipped},
			provided: []string{"core", "weather"},
		},
		{
			name:     "custom overrides disabled",
			sel:      Selection{Preset: PresetCustom, Plugins: []string{"legacy"}},
			enabled:  func(n string) bool { return n != "legacy" },
			want:     map[string]Status{"core": StatusSkipped, "weather": StatusSkipped, "legacy": StatusReady},
			provided: []string{"legacy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &fakeProvisioner{}
			o := newOrchestrator(t, Options{
				Discoverer:    &fakeDiscoverer{plugins: plugins},
				Provisioner:   prov,
				MinimalPreset: []string{"core"},
				Enabled:       tt.enabled,
			})

			report, err := o.Run(context.Background(), tt.sel, nil)
			require.NoError(t, err)
			require.Len(t, report.Results, len(tt.want))
			for name, status := range tt.want {
				r, ok := report.Result(name)
				require.True(t, ok, name)
				assert.Equal(t, status, r.Status, name)
			}
			assert.ElementsMatch(t, tt.provided, prov.called())
			assert.True(t, report.OK())
			assert.NotEmpty(t, report.RunID)
		})
	}
}

func TestRunPassesDependencies(t *testing.T) {
	prov := &fakeProvisioner{}
	o := newOrchestrator(t, Options{
		Discoverer:  &fakeDiscoverer{plugins: map[string][]string{"core": {"requests>=2", "six"}}},
		Provisioner: prov,
	})

	report, err := o.Run(context.Background(), Selection{Preset: PresetFull}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"requests>=2", "six"}, prov.calls["core"])

	r, _ := report.Result("core")
	assert.Equal(t, "/envs/core", r.EnvironmentPath)
}

func TestRunResultsAreSorted(t *testing.T) {
	o := newOrchestrator(t, Options{
		Discoverer:  &fakeDiscoverer{plugins: map[string][]string{"zeta": nil, "alpha": nil, "mid": nil}},
		Provisioner: &fakeProvisioner{},
	})
	report, err := o.Run(context.Background(), Selection{Preset: PresetCustom, Plugins: []string{"mid"}}, nil)
	require.NoError(t, err)

	var names []string
	for _, r := range report.Results {
		names = append(names, r.Plugin)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRunIsolatesFailures(t *testing.T) {
	prov := &fakeProvisioner{failures: map[string]error{
		"bad": &envmgr.Error{Plugin: "bad", Kind: envmgr.KindInstallation, Err: errors.New("pip exited with status 1")},
		"odd": errors.New("boom"),
	}}
	o := newOrchestrator(t, Options{
		Discoverer:  &fakeDiscoverer{plugins: map[string][]string{"good": nil, "bad": nil, "odd": nil}},
		Provisioner: prov,
	})

	report, err := o.Run(context.Background(), Selection{Preset: PresetFull}, nil)
	require.NoError(t, err)

	good, _ := report.Result("good")
	assert.Equal(t, StatusReady, good.Status)

	bad, _ := report.Result("bad")
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Equal(t, "installation", bad.ErrorKind)
	assert.Equal(t, "pip exited with status 1", bad.Detail)

	odd, _ := report.Result("odd")
	assert.Equal(t, StatusFailed, odd.Status)
	assert.Empty(t, odd.ErrorKind)
	assert.Equal(t, "boom", odd.Detail)

	ready, failed, skipped := report.Counts()
	assert.Equal(t, []int{1, 2, 0}, []int{ready, failed, skipped})
	assert.False(t, report.OK())
}

func TestRunDiscoveryProblems(t *testing.T) {
	disc := &fakeDiscoverer{
		plugins: map[string][]string{"core": nil},
		broken:  map[string]error{"crashy": errors.New("syntax error")},
	}

	t.Run("full marks broken plugins failed", func(t *testing.T) {
		o := newOrchestrator(t, Options{Discoverer: disc, Provisioner: &fakeProvisioner{}})
		report, err := o.Run(context.Background(), Selection{Preset: PresetFull}, nil)
		require.NoError(t, err)

		r, ok := report.Result("crashy")
		require.True(t, ok)
		assert.Equal(t, StatusFailed, r.Status)
		assert.Equal(t, "discovery", r.ErrorKind)
		assert.Contains(t, r.Detail, "syntax error")
		assert.Len(t, report.DiscoveryErrors, 1)
		assert.False(t, report.OK())
	})

	t.Run("unselected broken plugins are only reported", func(t *testing.T) {
		o := newOrchestrator(t, Options{Discoverer: disc, Provisioner: &fakeProvisioner{}})
		report, err := o.Run(context.Background(), Selection{Preset: PresetCustom, Plugins: []string{"core"}}, nil)
		require.NoError(t, err)

		_, ok := report.Result("crashy")
		assert.False(t, ok)
		assert.Len(t, report.DiscoveryErrors, 1)
		assert.True(t, report.OK())
	})

	t.Run("requested plugin that was never found", func(t *testing.T) {
		o := newOrchestrator(t, Options{Discoverer: disc, Provisioner: &fakeProvisioner{}})
		report, err := o.Run(context.Background(), Selection{Preset: PresetCustom, Plugins: []string{"ghost"}}, nil)
		require.NoError(t, err)

		r, ok := report.Result("ghost")
		require.True(t, ok)
		assert.Equal(t, StatusFailed, r.Status)
		assert.False(t, report.OK())
	})

	t.Run("discovery itself fails", func(t *testing.T) {
		o := newOrchestrator(t, Options{
			Discoverer:  &fakeDiscoverer{err: errors.New("permission denied")},
			Provisioner: &fakeProvisioner{},
		})
		_, err := o.Run(context.Background(), Selection{Preset: PresetFull}, nil)
		require.ErrorIs(t, err, ErrDiscoveryFailed)
		assert.Contains(t, err.Error(), "permission denied")
	})
}

func TestRunEmptyCustomSelection(t *testing.T) {
	o := newOrchestrator(t, Options{Discoverer: &fakeDiscoverer{}, Provisioner: &fakeProvisioner{}})
	_, err := o.Run(context.Background(), Selection{Preset: PresetCustom}, nil)
	assert.ErrorIs(t, err, ErrEmptySelection)
}

func TestRunBoundsConcurrency(t *testing.T) {
	plugins := map[string][]string{}
	for i := range 8 {
		plugins[fmt.Sprintf("p%d", i)] = nil
	}
	prov := &fakeProvisioner{delay: 20 * time.Millisecond}
	o := newOrchestrator(t, Options{
		Discoverer:  &fakeDiscoverer{plugins: plugins},
		Provisioner: prov,
		Workers:     2,
	})

	report, err := o.Run(context.Background(), Selection{Preset: PresetFull}, nil)
	require.NoError(t, err)

	ready, _, _ := report.Counts()
	assert.Equal(t, 8, ready)
	assert.LessOrEqual(t, prov.maxSeen.Load(), int32(2))
	assert.GreaterOrEqual(t, prov.maxSeen.Load(), int32(1))
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := &fakeProvisioner{
		failures: map[string]error{
			"a": &envmgr.Error{Plugin: "a", Kind: envmgr.KindCancelled, Err: context.Canceled},
		},
		hook: func(string) { cancel() },
	}
	o := newOrchestrator(t, Options{
		Discoverer:  &fakeDiscoverer{plugins: map[string][]string{"a": nil, "b": nil, "c": nil}},
		Provisioner: prov,
		Workers:     1,
	})

	report, err := o.Run(ctx, Selection{Preset: PresetFull}, nil)
	require.NoError(t, err)

	a, _ := report.Result("a")
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "cancelled", a.ErrorKind)

	for _, name := range []string{"b", "c"} {
		r, _ := report.Result(name)
		assert.Equal(t, StatusSkipped, r.Status, name)
		assert.Equal(t, ReasonCancelled, r.Detail, name)
	}
	assert.Equal(t, []string{"a"}, prov.called())
	assert.False(t, report.OK())
}

func TestRunMissingCredentialsWarn(t *testing.T) {
	o := newOrchestrator(t, Options{
		Discoverer:  &fakeDiscoverer{plugins: map[string][]string{"weather": nil, "core": nil}},
		Provisioner: &fakeProvisioner{},
		Credentials: fakeCredentials{"present": "x"},
		RequiredCredentials: func(name string) []string {
			if name == "weather" {
				return []string{"present", "owm_key"}
			}
			return nil
		},
	})

	report, err := o.Run(context.Background(), Selection{Preset: PresetFull}, nil)
	require.NoError(t, err)

	r, _ := report.Result("weather")
	assert.Equal(t, StatusReady, r.Status)
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "owm_key")

	core, _ := report.Result("core")
	assert.Empty(t, core.Warnings)
	assert.True(t, report.OK())
}

func TestRunObserverSeesEveryPlugin(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]Status{}
	o := newOrchestrator(t, Options{
		Discoverer:  &fakeDiscoverer{plugins: map[string][]string{"a": nil, "b": nil, "c": nil}},
		Provisioner: &fakeProvisioner{},
		Observer: func(r PluginResult) {
			mu.Lock()
			seen[r.Plugin] = r.Status
			mu.Unlock()
		},
	})

	_, err := o.Run(context.Background(), Selection{Preset: PresetCustom, Plugins: []string{"a", "b"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{"a": StatusReady, "b": StatusReady, "c": StatusSkipped}, seen)
}

func TestRunLogsPendingRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	manifest := storage.NewMemoryManifest(&storage.EnvironmentRecord{
		PluginName:      "core",
		EnvironmentPath: "/envs/core",
		Status:          storage.StatusPending,
	})

	o := newOrchestrator(t, Options{
		Discoverer:  &fakeDiscoverer{plugins: map[string][]string{"core": nil}},
		Provisioner: &fakeProvisioner{},
		Manifest:    manifest,
		Logger:      logger,
	})
	report, err := o.Run(context.Background(), Selection{Preset: PresetFull}, nil)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "interrupted run")
	assert.Contains(t, buf.String(), "plugin=core")
	assert.Contains(t, buf.String(), "run="+report.RunID)
}

func TestRunWithRealDiscovery(t *testing.T) {
	eps := discovery.NewStaticEntryPoints().
		Add(discovery.Group, "core", func(_ context.Context, h *registry.PluginHandle) error {
			h.AddDependency("requests")
			return nil
		}).
		Add(discovery.Group, "broken", func(context.Context, *registry.PluginHandle) error {
			return errors.New("import failed")
		})

	prov := &fakeProvisioner{}
	o := newOrchestrator(t, Options{
		Discoverer:  discovery.New(discovery.Options{EntryPoints: []discovery.EntryPointSource{eps}}),
		Provisioner: prov,
	})

	report, err := o.Run(context.Background(), Selection{Preset: PresetFull}, []string{t.TempDir()})
	require.NoError(t, err)

	core, _ := report.Result("core")
	assert.Equal(t, StatusReady, core.Status)
	assert.Equal(t, []string{"requests"}, prov.calls["core"])

	broken, _ := report.Result("broken")
	assert.Equal(t, StatusFailed, broken.Status)
	assert.Contains(t, broken.Detail, "import failed")
}
