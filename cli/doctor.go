package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"plugenv/cli/flags/enum"
	"plugenv/envmgr"
	"plugenv/ui"
)

func newDoctorCmd(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Report the interpreters the environment backends need",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, err := enum.Get(cmd.Flags(), outputFlag)
			if err != nil {
				return setupError(err)
			}
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			checker := envmgr.NewRuntimeChecker(a.cfg.Python)
			checker.DetectAll()
			if err := ui.EncodeRuntimes(cmd.OutOrStdout(), output, checker.GetAll()); err != nil {
				return setupError(err)
			}

			backend, err := envmgr.SelectBackend(a.cfg.Backend, a.cfg.Python, checker, a.logger)
			if err != nil {
				return &ExitError{Code: ExitSetupFailed, Err: fmt.Errorf("no usable backend: %w", err)}
			}
			if output == ui.FormatTable {
				fmt.Fprintf(cmd.OutOrStdout(), "\nbackend: %s\n", backend.Name())
			}
			return nil
		},
	}
	enum.VarP(cmd.Flags(), outputFlag, "o", ui.Formats, "output format")
	return cmd
}
