// Package envmgr provisions one isolated environment per plugin and keeps
// the manifest in step with what is on disk.
package envmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"plugenv/depspec"
	"plugenv/storage"
)

const DefaultInstallTimeout = 10 * time.Minute

type Options struct {
	// EnvsDir holds one link per plugin plus the .versions directory.
	EnvsDir  string
	Backend  Backend
	Manifest storage.Manifest
	// Fetcher downloads direct references. Nil disables them.
	Fetcher *Fetcher
	// InstallTimeout bounds a single provisioning attempt. Zero means
	// DefaultInstallTimeout, negative means no limit.
	InstallTimeout       time.Duration
	AutoResolveConflicts bool
	Logger               *slog.Logger
	Progress             ProgressFunc
	Now                  func() time.Time
}

type Manager struct {
	envsDir     string
	backend     Backend
	manifest    storage.Manifest
	fetcher     *Fetcher
	timeout     time.Duration
	autoResolve bool
	logger      *slog.Logger
	progress    ProgressFunc
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(opts Options) (*Manager, error) {
	if opts.EnvsDir == "" {
		return nil, errors.New("environments directory is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("environment backend is required")
	}
	if opts.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InstallTimeout == 0 {
		opts.InstallTimeout = DefaultInstallTimeout
	}
	if err := os.MkdirAll(opts.EnvsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating environments directory: %w", err)
	}

	return &Manager{
		envsDir:     opts.EnvsDir,
		backend:     opts.Backend,
		manifest:    opts.Manifest,
		fetcher:     opts.Fetcher,
		timeout:     opts.InstallTimeout,
		autoResolve: opts.AutoResolveConflicts,
		logger:      opts.Logger,
		progress:    opts.Progress,
		now:         opts.Now,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) Backend() Backend {
	return m.backend
}

// lock serializes all work on one plugin.
func (m *Manager) lock(name string) func() {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) emit(plugin, stage string, percent float64, msg string) {
	if m.progress != nil {
		m.progress(Event{Plugin: plugin, Stage: stage, Percent: percent, Message: msg})
	}
}

// EnsureEnvironment makes the plugin's environment match deps. It is a
// no-op when the recorded environment is Ready for the same dependency
// fingerprint. Otherwise a new environment is built next to the current one
// and swapped in only once it has been verified, so a failed attempt leaves
// the previous environment usable.
//
// Failures are returned as *Error and, except for manifest failures, are
// recorded as a Failed record so the next run retries.
func (m *Manager) EnsureEnvironment(ctx context.Context, name string, deps []string) (*storage.EnvironmentRecord, error) {
	unlock := m.lock(name)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, &Error{Plugin: name, Kind: KindCancelled, Err: err}
	}

	m.emit(name, StageChecking, 0, "Checking environment...")

	existing, err := m.manifest.Get(ctx, name)
	if err != nil {
		return nil, &Error{Plugin: name, Kind: KindManifest, Err: err}
	}

	rec := existing.Clone()
	if rec == nil {
		rec = &storage.EnvironmentRecord{PluginName: name, CreatedAt: m.now().UTC()}
	}
	if rec.EnvironmentPath == "" {
		rec.EnvironmentPath = m.environmentPath(name)
	}

	spec, err := depspec.NewSpec(deps)
	var res depspec.Resolution
	if err == nil {
		res, err = spec.Resolve(m.autoResolve)
	}
	if err != nil {
		return nil, m.fail(ctx, rec, KindResolution, err)
	}
	for pkg, clash := range res.Conflicts {
		m.logger.Warn("resolved conflicting requirements", "plugin", name, "package", pkg, "requirements", clash)
	}

	fingerprint := res.Fingerprint().String()
	if existing != nil &&
		existing.Status == storage.StatusReady &&
		existing.Fingerprint == fingerprint &&
		existing.ActiveFingerprint == fingerprint &&
		existing.Backend == m.backend.Name() &&
		dirExists(existing.EnvironmentPath) {
		m.logger.Debug("environment up to date", "plugin", name, "fingerprint", fingerprint)
		m.emit(name, StageUpToDate, 100, "Environment up to date")
		return existing, nil
	}

	if existing == nil {
		if _, err := os.Lstat(rec.EnvironmentPath); err == nil {
			m.logger.Warn("reusing environment path without a manifest record", "plugin", name, "path", rec.EnvironmentPath)
		}
	} else if existing.Status == storage.StatusPending {
		m.logger.Warn("previous provisioning attempt did not finish", "plugin", name, "path", rec.EnvironmentPath)
	}

	requirements := make([]string, len(res.Requirements))
	for i, r := range res.Requirements {
		requirements[i] = r.String()
	}

	rec.Fingerprint = fingerprint
	rec.Backend = m.backend.Name()
	rec.Requirements = requirements
	rec.Status = storage.StatusPending
	rec.Error = ""
	rec.ErrorKind = ""
	rec.UpdatedAt = m.now().UTC()
	if err := m.manifest.Upsert(ctx, rec); err != nil {
		kind := KindManifest
		if errors.Is(err, storage.ErrPathConflict) {
			kind = KindConfiguration
		}
		return nil, &Error{Plugin: name, Kind: kind, Err: err}
	}

	m.logger.Info("provisioning environment", "plugin", name, "fingerprint", fingerprint, "backend", rec.Backend)

	previous := currentTarget(rec.EnvironmentPath)
	build := m.versionDir(name, fingerprint)
	if build == previous {
		build += "-" + uuid.NewString()[:8]
	}

	attempt, cancel := m.attemptContext(ctx)
	defer cancel()

	packages, err := m.materialize(attempt, name, build, res.Requirements)
	if err == nil {
		err = activate(rec.EnvironmentPath, build)
	}
	if err != nil {
		if rmErr := os.RemoveAll(build); rmErr != nil {
			m.logger.Warn("failed to clean up partial environment", "plugin", name, "path", build, "error", rmErr)
		}
		return nil, m.fail(ctx, rec, classify(attempt, err), err)
	}

	if previous != "" && previous != build {
		if err := os.RemoveAll(previous); err != nil {
			m.logger.Warn("failed to remove replaced environment", "plugin", name, "path", previous, "error", err)
		}
	}

	now := m.now().UTC()
	rec.Status = storage.StatusReady
	rec.ActiveFingerprint = fingerprint
	rec.Packages = packages
	rec.LastVerifiedAt = now
	rec.UpdatedAt = now
	if err := m.manifest.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		return nil, &Error{Plugin: name, Kind: KindManifest, Err: err}
	}

	m.logger.Info("environment ready", "plugin", name, "path", rec.EnvironmentPath)
	m.emit(name, StageReady, 100, "Environment ready")
	return rec, nil
}

func (m *Manager) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// fail records a failed attempt. The record is written even when ctx has
// been cancelled.
func (m *Manager) fail(ctx context.Context, rec *storage.EnvironmentRecord, kind Kind, cause error) error {
	perr := &Error{Plugin: rec.PluginName, Kind: kind, Err: cause}
	m.logger.Error("provisioning failed", "plugin", rec.PluginName, "kind", kind, "error", cause)
	m.emit(rec.PluginName, StageFailed, 100, cause.Error())

	rec.Status = storage.StatusFailed
	rec.Error = cause.Error()
	rec.ErrorKind = string(kind)
	rec.UpdatedAt = m.now().UTC()
	if err := m.manifest.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Error("failed to record provisioning failure", "plugin", rec.PluginName, "error", err)
		if errors.Is(err, storage.ErrPathConflict) {
			perr.Kind = KindConfiguration
			perr.Err = errors.Join(cause, err)
		}
	}
	return perr
}

func (m *Manager) materialize(ctx context.Context, name, dir string, reqs []depspec.Requirement) (map[string]string, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing build directory: %w", err)
	}

	m.emit(name, StageCreating, 10, "Creating environment...")
	if err := m.backend.Create(ctx, dir); err != nil {
		return nil, err
	}

	install := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if !r.IsDirect() || (isLocalFile(r.URL) && r.Digest == "") {
			install = append(install, r.String())
			continue
		}
		if m.fetcher == nil {
			return nil, fmt.Errorf("%s: direct references need a download cache", r.Name)
		}
		m.emit(name, StageDownloading, 30, "Downloading "+r.Name+"...")
		file, err := m.fetcher.Fetch(ctx, r)
		if err != nil {
			return nil, err
		}
		install = append(install, localRequirement(r, file))
	}

	m.emit(name, StageInstalling, 50, "Installing dependencies...")
	if err := m.backend.Install(ctx, dir, install); err != nil {
		return nil, err
	}

	m.emit(name, StageVerifying, 85, "Verifying installation...")
	installed, err := m.backend.Installed(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := verify(reqs, installed); err != nil {
		return nil, err
	}
	return installed, nil
}

// verify checks every requirement against the versions the backend
// reports. Requirements with a marker may legitimately be absent.
func verify(reqs []depspec.Requirement, installed map[string]string) error {
	var problems []error
	for _, r := range reqs {
		v, ok := installed[r.Name]
		switch {
		case !ok && r.Marker != "":
		case !ok:
			problems = append(problems, fmt.Errorf("%s is not installed", r.Name))
		case !r.Allows(v):
			problems = append(problems, fmt.Errorf("%s %s does not satisfy %s", r.Name, v, r))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrVerification, errors.Join(problems...))
	}
	return nil
}

func isLocalFile(u string) bool {
	return strings.HasPrefix(u, "file:")
}

// Remove deletes a plugin's environment and its manifest record.
func (m *Manager) Remove(ctx context.Context, name string) error {
	unlock := m.lock(name)
	defer unlock()

	rec, err := m.manifest.Get(ctx, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%s: %w", name, storage.ErrNotFound)
	}

	if target := currentTarget(rec.EnvironmentPath); target != "" {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing environment of %s: %w", name, err)
		}
	}
	if err := os.RemoveAll(rec.EnvironmentPath); err != nil {
		return fmt.Errorf("removing environment of %s: %w", name, err)
	}
	if err := m.manifest.Delete(ctx, name); err != nil {
		return err
	}

	m.logger.Info("environment removed", "plugin", name, "path", rec.EnvironmentPath)
	return nil
}

// Verify re-checks a Ready environment against its recorded requirements.
// A mismatch marks the record Failed so the next run reprovisions it.
func (m *Manager) Verify(ctx context.Context, name string) (*storage.EnvironmentRecord, error) {
	unlock := m.lock(name)
	defer unlock()

	rec, err := m.manifest.Get(ctx, name)
	if err != nil {
		return nil, &Error{Plugin: name, Kind: KindManifest, Err: err}
	}
	if rec == nil {
		return nil, fmt.Errorf("%s: %w", name, storage.ErrNotFound)
	}
	if rec.Status != storage.StatusReady {
		return rec, &Error{Plugin: name, Kind: KindInstallation, Err: fmt.Errorf("%w: environment is %s", ErrVerification, rec.Status)}
	}

	m.emit(name, StageVerifying, 50, "Verifying environment...")
	spec, err := depspec.NewSpec(rec.Requirements)
	if err != nil {
		return nil, m.fail(ctx, rec, KindResolution, err)
	}

	if !dirExists(rec.EnvironmentPath) {
		return nil, m.fail(ctx, rec, KindInstallation, fmt.Errorf("%w: %s is missing", ErrVerification, rec.EnvironmentPath))
	}
	installed, err := m.backend.Installed(ctx, rec.EnvironmentPath)
	if err == nil {
		err = verify(spec.Requirements(), installed)
	}
	if err != nil {
		return nil, m.fail(ctx, rec, classify(ctx, err), err)
	}

	now := m.now().UTC()
	rec.Packages = installed
	rec.LastVerifiedAt = now
	rec.UpdatedAt = now
	if err := m.manifest.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		return nil, &Error{Plugin: name, Kind: KindManifest, Err: err}
	}
	m.emit(name, StageReady, 100, "Environment verified")
	return rec, nil
}
