package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"plugenv/envmgr"
	"plugenv/installer"
	"plugenv/storage"
	"plugenv/ui"
)

func newVerifyCmd(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [plugin...]",
		Short: "Check Ready environments against their recorded requirements",
		Long: `verify inspects each environment and compares the installed packages with
the requirements it was provisioned for. An environment that no longer
matches is marked Failed so the next install run rebuilds it. Without
arguments every Ready environment is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			mgr, err := a.manager(manifest, backend, 0, nil)
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				records, err := manifest.Load(cmd.Context())
				if err != nil {
					return setupError(fmt.Errorf("reading manifest: %w", err))
				}
				for _, r := range records {
					if r.Status == storage.StatusReady {
						names = append(names, r.PluginName)
					}
				}
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, name := range names {
				rec, err := mgr.Verify(cmd.Context(), name)
				if err != nil {
					failed++
					detail := err.Error()
					var perr *envmgr.Error
					if errors.As(err, &perr) {
						detail = fmt.Sprintf("%s: %v", perr.Kind, perr.Err)
					}
					fmt.Fprintf(out, "%s %s %s\n", ui.StatusStyle(installer.StatusFailed).Render("✗"), name, ui.DimStyle.Render(detail))
					continue
				}
				fmt.Fprintf(out, "%s %s %s\n", ui.StatusStyle(installer.StatusReady).Render("✓"), name,
					ui.DimStyle.Render(fmt.Sprintf("%d packages", len(rec.Packages))))
			}
			if len(names) == 0 {
				fmt.Fprintln(out, "no Ready environments to verify")
			}
			if failed > 0 {
				return &ExitError{Code: ExitPluginsFailed, Err: fmt.Errorf("%d environment(s) failed verification", failed)}
			}
			return nil
		},
	}
}
