package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"plugenv/cli/flags/log"
	"plugenv/config"
	"plugenv/discovery"
	"plugenv/envmgr"
	"plugenv/registry"
	"plugenv/storage"
	"plugenv/ui"
)

const (
	dataDirFlag = "data-dir"
	outputFlag  = "output"
)

// app holds what a command needs once configuration and logging are set
// up. Resources are released by close in reverse order of acquisition.
type app struct {
	opts    Options
	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
}

func setup(cmd *cobra.Command, opts Options) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, setupError(err)
	}

	a := &app{opts: opts, cfg: cfg}

	debugLog, err := config.OpenDebugLog(cfg.DataDir())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	var debug io.Writer
	if debugLog != nil {
		debug = debugLog
		a.closers = append(a.closers, debugLog.Close)
	}

	logger, err := log.GetBaseLogger(cmd, debug)
	if err != nil {
		a.close()
		return nil, setupError(err)
	}
	a.logger = logger.With("cmd", cmd.Name())
	a.logger.Debug("configuration loaded", "data_dir", cfg.DataDir(), "backend", cfg.Backend, "workers", cfg.Workers)
	return a, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dataDir, _ := cmd.Flags().GetString(dataDirFlag)
	if dataDir != "" {
		return config.LoadFromDataDir(dataDir)
	}
	return config.Load()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("cleanup failed", "error", err)
		}
	}
	a.closers = nil
}

// lock takes the data directory lock. When another live process holds it an
// interactive user may choose to break it.
func (a *app) lock(cmd *cobra.Command) error {
	dataDir := a.cfg.DataDir()
	l, err := storage.LockInstance(dataDir)
	if errors.Is(err, storage.ErrLocked) && interactive(cmd) {
		_, pid, _ := storage.CheckInstanceLock(dataDir)
		force, perr := ui.PromptInstanceLocked(pid, dataDir)
		if perr == nil && force {
			a.logger.Warn("force deleting instance lock", "pid", pid)
			if rerr := storage.RemoveInstanceLock(dataDir); rerr != nil {
				return setupError(rerr)
			}
			l, err = storage.LockInstance(dataDir)
		}
	}
	if err != nil {
		return setupError(err)
	}
	a.closers = append(a.closers, l.Unlock)
	return nil
}

func (a *app) openManifest(ctx context.Context) (storage.Manifest, error) {
	m, err := storage.OpenManifest(ctx, a.cfg.DataDir(), a.logger)
	if err != nil {
		return nil, setupError(err)
	}
	if q := m.Quarantined(); q != nil {
		a.logger.Error("manifest was corrupt and has been quarantined",
			"path", q.Path, "moved_to", q.QuarantinedTo, "salvaged", q.Salvaged, "dropped", q.Dropped)
	}
	a.closers = append(a.closers, m.Close)
	return m, nil
}

func (a *app) backend() (envmgr.Backend, error) {
	if a.opts.Backend != nil {
		return a.opts.Backend, nil
	}
	return envmgr.SelectBackend(a.cfg.Backend, a.cfg.Python, nil, a.logger)
}

// manager builds the environment manager. A positive timeout overrides
// install_timeout.
func (a *app) manager(manifest storage.Manifest, backend envmgr.Backend, timeout time.Duration, progress envmgr.ProgressFunc) (*envmgr.Manager, error) {
	opts := envmgr.Options{
		EnvsDir:              a.cfg.EnvsDir(),
		Backend:              backend,
		Manifest:             manifest,
		Fetcher:              envmgr.NewFetcher(a.cfg.DownloadsDir(), a.logger),
		InstallTimeout:       a.cfg.InstallTimeout,
		AutoResolveConflicts: a.cfg.AutoResolveConflicts,
		Logger:               a.logger,
		Progress:             progress,
	}
	if timeout > 0 {
		opts.InstallTimeout = timeout
	}
	m, err := envmgr.New(opts)
	if err != nil {
		return nil, setupError(err)
	}
	return m, nil
}

func (a *app) discoverer() (*discovery.Discoverer, error) {
	policy, err := registry.ParseCollisionPolicy(a.cfg.CollisionPolicy)
	if err != nil {
		return nil, setupError(err)
	}
	sources := append([]discovery.EntryPointSource(nil), a.opts.EntryPoints...)
	if dir := a.cfg.EntryPointsDir(); dir != "" {
		sources = append(sources, &discovery.MetadataEntryPoints{Dir: dir, Logger: a.logger})
	}
	return discovery.New(discovery.Options{
		EntryPoints: sources,
		Policy:      policy,
		Timeout:     a.cfg.DiscoveryTimeout,
		Logger:      a.logger,
	}), nil
}

// credentials opens the credential store, unlocking an encrypted SSH key
// from PLUGENV_SSH_PASSPHRASE or an interactive prompt. A store that stays
// locked reads as empty.
func (a *app) credentials(cmd *cobra.Command) *config.CredentialStore {
	store := a.cfg.CredentialStore(a.logger)
	keyPath, needed := store.NeedsPassphrase()
	if !needed {
		return store
	}

	if p := os.Getenv("PLUGENV_SSH_PASSPHRASE"); p != "" {
		store.SetPassphrase(p)
		return store
	}
	if !interactive(cmd) {
		a.logger.Warn("credential store key is encrypted and no passphrase is available, set PLUGENV_SSH_PASSPHRASE", "key", keyPath)
		return store
	}

	p, err := ui.PromptPassphrase(keyPath, func(p string) error {
		_, err := config.LoadSSHPrivateKeyWithPassphrase(keyPath, p)
		return err
	})
	if err != nil {
		a.logger.Warn("credential store left locked", "error", err)
		return store
	}
	store.SetPassphrase(p)
	return store
}

func (a *app) directories(extra []string) []string {
	dirs := a.cfg.Directories()
	for _, d := range extra {
		dirs = append(dirs, config.ExpandPath(d))
	}
	return dirs
}

// interactive reports whether both ends of the command are a terminal.
func interactive(cmd *cobra.Command) bool {
	in, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(in.Fd()) {
		return false
	}
	out, ok := cmd.OutOrStdout().(*os.File)
	return ok && term.IsTerminal(out.Fd())
}
