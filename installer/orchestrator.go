// Package installer drives one installation run: discover plugins, pick the
// ones the preset selects, provision each in its own environment and report
// what happened to every plugin.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"plugenv/discovery"
	"plugenv/envmgr"
	"plugenv/storage"
)

type Preset string

const (
	PresetMinimal Preset = "Minimal"
	PresetFull    Preset = "Full"
	PresetCustom  Preset = "Custom"
)

func ParsePreset(s string) (Preset, error) {
	for _, p := range []Preset{PresetMinimal, PresetFull, PresetCustom} {
		if strings.EqualFold(s, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown preset %q (want Minimal, Full or Custom)", s)
}

// Selection says which plugins a run provisions. Plugins is only used by
// the Custom preset.
type Selection struct {
	Preset  Preset
	Plugins []string
}

var (
	ErrDiscoveryFailed = errors.New("plugin discovery failed")
	ErrEmptySelection  = errors.New("custom preset needs at least one plugin")
)

const DefaultWorkers = 4

type Discoverer interface {
	Discover(ctx context.Context, directories []string) (*discovery.Result, error)
}

type Provisioner interface {
	EnsureEnvironment(ctx context.Context, plugin string, deps []string) (*storage.EnvironmentRecord, error)
}

type CredentialLookup interface {
	Get(keyID string) (string, bool)
}

type Options struct {
	Discoverer  Discoverer
	Provisioner Provisioner
	// Manifest is read at the start of a run to report interrupted attempts.
	Manifest    storage.Manifest
	Credentials CredentialLookup
	// RequiredCredentials returns the key ids a plugin needs.
	RequiredCredentials func(plugin string) []string
	// Enabled reports whether presets may select a plugin. Nil enables all.
	Enabled       func(plugin string) bool
	MinimalPreset []string
	Workers       int
	// Observer is called once per plugin as soon as its result is known.
	Observer func(PluginResult)
	Logger   *slog.Logger
	Now      func() time.Time
}

type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	observeMu sync.Mutex
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Discoverer == nil {
		return nil, errors.New("discoverer is required")
	}
	if opts.Provisioner == nil {
		return nil, errors.New("provisioner is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Enabled == nil {
		opts.Enabled = func(string) bool { return true }
	}
	return &Orchestrator{opts: opts, logger: opts.Logger}, nil
}

// Run performs one installation run. Per-plugin failures end up in the
// report; the error return is for discovery failure and invalid selections.
func (o *Orchestrator) Run(ctx context.Context, sel Selection, directories []string) (*Report, error) {
	if sel.Preset == "" {
		sel.Preset = PresetFull
	}
	if sel.Preset == PresetCustom && len(sel.Plugins) == 0 {
		return nil, ErrEmptySelection
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Preset:    sel.Preset,
		StartedAt: o.opts.Now(),
	}
	logger := o.logger.With("run", report.RunID)
	logger.Info("installation run started", "preset", sel.Preset, "directories", directories)

	o.recoverPending(ctx, logger)

	res, err := o.opts.Discoverer.Discover(ctx, directories)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	defer func() {
		if err := res.Registry.Close(); err != nil {
			logger.Warn("failed to release plugin handles", "error", err)
		}
	}()
	report.DiscoveryErrors = res.Errors
	report.Warnings = append(report.Warnings, res.Registry.Warnings()...)

	plan := o.plan(sel, res)
	deps := res.Registry.Dependencies()

	results := make([]PluginResult, len(plan.provision))
	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for i, name := range plan.provision {
		if ctx.Err() != nil {
			results[i] = o.observe(PluginResult{Plugin: name, Status: StatusSkipped, Detail: ReasonCancelled})
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = o.observe(PluginResult{Plugin: name, Status: StatusSkipped, Detail: ReasonCancelled})
				return nil
			}
			results[i] = o.observe(o.provision(ctx, logger, name, deps[name]))
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range plan.settled {
		o.observe(r)
	}
	report.Results = append(results, plan.settled...)
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Plugin < report.Results[j].Plugin
	})
	report.FinishedAt = o.opts.Now()

	ready, failed, skipped := report.Counts()
	logger.Info("installation run finished",
		"ready", ready, "failed", failed, "skipped", skipped,
		"discovery_errors", len(report.DiscoveryErrors),
		"duration", report.Duration())
	return report, nil
}

type plan struct {
	provision []string
	settled   []PluginResult
}

// plan decides the fate of every plugin known to this run.
func (o *Orchestrator) plan(sel Selection, res *discovery.Result) plan {
	discovered := map[string]bool{}
	for _, n := range res.Registry.Names() {
		discovered[n] = true
	}
	broken := map[string]*discovery.Error{}
	for _, e := range res.Errors {
		if !discovered[e.Plugin] {
			broken[e.Plugin] = e
		}
	}

	var wanted []string
	explicit := false
	switch sel.Preset {
	case PresetFull:
		wanted = res.Registry.Names()
		for n := range broken {
			wanted = append(wanted, n)
		}
	case PresetMinimal:
		wanted = o.opts.MinimalPreset
	case PresetCustom:
		wanted = sel.Plugins
		explicit = true
	}

	var p plan
	selected := map[string]bool{}
	for _, name := range dedupe(wanted) {
		selected[name] = true
		switch {
		case broken[name] != nil:
			p.settled = append(p.settled, PluginResult{Plugin: name, Status: StatusFailed, Detail: broken[name].Error(), ErrorKind: "discovery"})
		case !discovered[name]:
			p.settled = append(p.settled, PluginResult{Plugin: name, Status: StatusFailed, Detail: "plugin not discovered", ErrorKind: "discovery"})
		case !explicit && !o.opts.Enabled(name):
			p.settled = append(p.settled, PluginResult{Plugin: name, Status: StatusSkipped, Detail: ReasonDisabled})
		default:
			p.provision = append(p.provision, name)
		}
	}

	for _, name := range res.Registry.Names() {
		if !selected[name] {
			p.settled = append(p.settled, PluginResult{
				Plugin: name,
				Status: StatusSkipped,
				Detail: fmt.Sprintf("%s by the %s preset", ReasonNotSelected, sel.Preset),
			})
		}
	}

	sort.Strings(p.provision)
	return p
}

func (o *Orchestrator) provision(ctx context.Context, logger *slog.Logger, name string, deps []string) PluginResult {
	start := o.opts.Now()
	result := PluginResult{Plugin: name, Warnings: o.checkCredentials(logger, name)}

	rec, err := o.opts.Provisioner.EnsureEnvironment(ctx, name, deps)
	result.Duration = o.opts.Now().Sub(start)
	if err != nil {
		result.Status = StatusFailed
		result.Detail = err.Error()
		var perr *envmgr.Error
		if errors.As(err, &perr) {
			result.Detail = perr.Err.Error()
			result.ErrorKind = string(perr.Kind)
		}
		return result
	}

	result.Status = StatusReady
	result.EnvironmentPath = rec.EnvironmentPath
	return result
}

// checkCredentials looks up the keys a plugin needs. Missing keys are
// warnings; the plugin is provisioned regardless.
func (o *Orchestrator) checkCredentials(logger *slog.Logger, name string) []string {
	if o.opts.RequiredCredentials == nil {
		return nil
	}
	var warnings []string
	for _, key := range o.opts.RequiredCredentials(name) {
		if o.opts.Credentials == nil {
			warnings = append(warnings, fmt.Sprintf("credential %q needed but no credential store is configured", key))
			continue
		}
		if _, ok := o.opts.Credentials.Get(key); !ok {
			warnings = append(warnings, fmt.Sprintf("credential %q not found", key))
		}
	}
	for _, w := range warnings {
		logger.Warn("plugin credential missing", "plugin", name, "detail", w)
	}
	return warnings
}

// recoverPending logs records an interrupted run left Pending. They are
// reprovisioned like any other plugin.
func (o *Orchestrator) recoverPending(ctx context.Context, logger *slog.Logger) {
	if o.opts.Manifest == nil {
		return
	}
	records, err := o.opts.Manifest.Load(ctx)
	if err != nil {
		logger.Warn("could not read manifest", "error", err)
		return
	}
	for _, rec := range records {
		if rec.Status == storage.StatusPending {
			logger.Warn("found environment left pending by an interrupted run",
				"plugin", rec.PluginName, "path", rec.EnvironmentPath, "since", rec.UpdatedAt)
		}
	}
}

func (o *Orchestrator) observe(r PluginResult) PluginResult {
	if o.opts.Observer != nil {
		o.observeMu.Lock()
		o.opts.Observer(r)
		o.observeMu.Unlock()
	}
	return r
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
