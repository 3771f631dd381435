package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"plugenv/cli/flags/enum"
	"plugenv/storage"
	"plugenv/ui"
)

func newStatusCmd(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [plugin...]",
		Short: "Show the recorded environment of each plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := enum.Get(cmd.Flags(), outputFlag)
			if err != nil {
				return setupError(err)
			}

			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			manifest, err := a.openManifest(cmd.Context())
			if err != nil {
				return err
			}
			records, err := manifest.Load(cmd.Context())
			if err != nil {
				return setupError(fmt.Errorf("reading manifest: %w", err))
			}

			if len(args) > 0 {
				records = slices.DeleteFunc(records, func(r *storage.EnvironmentRecord) bool {
					return !slices.Contains(args, r.PluginName)
				})
				if len(records) == 0 {
					return &ExitError{Code: ExitPluginsFailed, Err: fmt.Errorf("no environment recorded for %v", args)}
				}
			}
			return ui.EncodeRecords(cmd.OutOrStdout(), output, records)
		},
	}
	enum.VarP(cmd.Flags(), outputFlag, "o", ui.Formats, "output format")
	return cmd
}
