package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"plugenv/cli/flags/enum"
	"plugenv/config"
	"plugenv/envmgr"
	"plugenv/installer"
	"plugenv/ui"
)

type installFlags struct {
	preset  string
	plugins []string
	dirs    []string
	workers int
	timeout time.Duration
	tui     bool
}

func (f *installFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.preset, "preset", "", "plugin selection: Full, Minimal or Custom (default Full, or Custom when --plugin is given)")
	flags.StringArrayVar(&f.plugins, "plugin", nil, "plugin to provision with the Custom preset (repeatable)")
	flags.StringArrayVar(&f.dirs, "dir", nil, "additional plugin directory to scan (repeatable)")
	flags.IntVar(&f.workers, "workers", 0, "number of plugins provisioned concurrently (default from config)")
	flags.DurationVar(&f.timeout, "timeout", 0, "time limit for provisioning one plugin (default from config)")
	flags.BoolVar(&f.tui, "tui", false, "show live progress in a terminal UI")
	enum.VarP(flags, outputFlag, "o", ui.Formats, "report format")
}

func (f *installFlags) selection() (installer.Selection, error) {
	sel := installer.Selection{Preset: installer.PresetFull, Plugins: f.plugins}
	switch {
	case f.preset != "":
		p, err := installer.ParsePreset(f.preset)
		if err != nil {
			return sel, err
		}
		sel.Preset = p
	case len(f.plugins) > 0:
		sel.Preset = installer.PresetCustom
	}
	if sel.Preset != installer.PresetCustom && len(f.plugins) > 0 {
		return sel, fmt.Errorf("--plugin can only be used with the Custom preset")
	}
	return sel, nil
}

func newInstallCmd(opts Options) *cobra.Command {
	var flags installFlags
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Provision environments for the selected plugins",
		Example: `  plugenv install
  plugenv install --preset Minimal
  plugenv install --plugin weather --plugin maps --tui`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInstall(cmd, opts, &flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func runInstall(cmd *cobra.Command, opts Options, flags *installFlags) error {
	sel, err := flags.selection()
	if err != nil {
		return setupError(err)
	}
	output, err := enum.Get(cmd.Flags(), outputFlag)
	if err != nil {
		return setupError(err)
	}

	a, err := setup(cmd, opts)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.lock(cmd); err != nil {
		return err
	}
	manifest, err := a.openManifest(cmd.Context())
	if err != nil {
		return err
	}
	backend, err := a.backend()
	if err != nil {
		return setupError(err)
	}
	disc, err := a.discoverer()
	if err != nil {
		return err
	}

	var feed *ui.Feed
	var progress envmgr.ProgressFunc
	if flags.tui {
		feed = ui.NewFeed()
		progress = feed.Progress
	}
	mgr, err := a.manager(manifest, backend, flags.timeout, progress)
	if err != nil {
		return err
	}

	workers := a.cfg.Workers
	if flags.workers > 0 {
		workers = flags.workers
	}

	orchOpts := installer.Options{
		Discoverer:          disc,
		Provisioner:         mgr,
		Manifest:            manifest,
		RequiredCredentials: a.cfg.PluginCredentials,
		Enabled:             a.cfg.PluginEnabled,
		MinimalPreset:       a.cfg.MinimalPreset,
		Workers:             workers,
		Logger:              a.logger,
	}
	if needsCredentials(a.cfg) {
		orchOpts.Credentials = a.credentials(cmd)
	}
	if feed != nil {
		orchOpts.Observer = feed.Observe
	} else if output == ui.FormatTable {
		orchOpts.Observer = func(r installer.PluginResult) {
			if r.Status != installer.StatusSkipped || r.Detail == installer.ReasonCancelled {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", ui.StatusStyle(r.Status).Render(string(r.Status)), r.Plugin)
			}
		}
	}
	orch, err := installer.New(orchOpts)
	if err != nil {
		return setupError(err)
	}

	dirs := a.directories(flags.dirs)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var report *installer.Report
	if feed != nil {
		go func() {
			r, err := orch.Run(ctx, sel, dirs)
			feed.Finish(r, err)
		}()
		report, err = ui.RunProgress(fmt.Sprintf("Installing plugins (%s preset)", sel.Preset), feed, cancel)
	} else {
		report, err = orch.Run(ctx, sel, dirs)
	}

	switch {
	case errors.Is(err, installer.ErrDiscoveryFailed):
		return &ExitError{Code: ExitDiscoveryFailed, Err: err}
	case err != nil:
		return setupError(err)
	}

	if err := ui.EncodeReport(cmd.OutOrStdout(), output, report); err != nil {
		return setupError(err)
	}
	if !report.OK() {
		if _, failed, _ := report.Counts(); failed > 0 {
			return &ExitError{Code: ExitPluginsFailed, Err: fmt.Errorf("%d plugin(s) failed to provision", failed)}
		}
		return &ExitError{Code: ExitPluginsFailed, Err: errors.New("installation was cancelled")}
	}
	return nil
}

func needsCredentials(cfg *config.Config) bool {
	for name := range cfg.Plugins {
		if len(cfg.PluginCredentials(name)) > 0 {
			return true
		}
	}
	return false
}
