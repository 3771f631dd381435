package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"plugenv/envmgr"
	"plugenv/storage"
)

func newRemoveCmd(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove plugin...",
		Short: "Delete plugin environments and their manifest records",
		Args:  cobra.MinimumNArgs(1),
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
				// Remove never runs the backend.
				a.logger.Debug("no usable backend, removing without one", "error", err)
				backend = &envmgr.VenvBackend{}
			}
			mgr, err := a.manager(manifest, backend, 0, nil)
			if err != nil {
				return err
			}

			var errs []error
			for _, name := range args {
				if err := mgr.Remove(cmd.Context(), name); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						err = fmt.Errorf("no environment recorded for %s", name)
					}
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
			}
			if len(errs) > 0 {
				return &ExitError{Code: ExitPluginsFailed, Err: errors.Join(errs...)}
			}
			return nil
		},
	}
}
