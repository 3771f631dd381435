// Package cli implements the plugenv command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"plugenv/cli/flags/log"
	"plugenv/discovery"
	"plugenv/envmgr"
)

// Options lets a host program or a test replace parts of the wiring.
type Options struct {
	// EntryPoints are registered in addition to the configured metadata
	// directory.
	EntryPoints []discovery.EntryPointSource
	// Backend replaces the configured environment backend.
	Backend envmgr.Backend
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, New(Options{}))
}

func run(ctx context.Context, cmd *cobra.Command) int {
	err := cmd.ExecuteContext(ctx)
	var exitErr *ExitError
	if err != nil && (!errors.As(err, &exitErr) || exitErr.Err != nil) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return exitCode(err)
}

func New(opts Options) *cobra.Command {
	var install installFlags

	cmd := &cobra.Command{
		Use:   "plugenv",
		Short: "Discover installer plugins and provision an isolated environment for each",
		Long: `plugenv discovers installer plugins from entry-point metadata and plugin
directories, resolves the dependencies each plugin declares and provisions
one isolated Python environment per plugin. Environments that already match
their dependency set are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all, _ := cmd.Flags().GetBool("install-all"); all {
				return runInstall(cmd, opts, &install)
			}
			return cmd.Help()
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	cmd.PersistentFlags().String(dataDirFlag, "", "data directory (overrides settings.toml and PLUGENV_DATA_DIR)")
	log.RegisterLoggingFlags(cmd.PersistentFlags())

	cmd.Flags().Bool("install-all", false, "discover every plugin and provision its environment (same as install --preset Full)")
	install.register(cmd)

	cmd.AddCommand(
		newInstallCmd(opts),
		newDiscoverCmd(opts),
		newStatusCmd(opts),
		newRemoveCmd(opts),
		newVerifyCmd(opts),
		newCredentialsCmd(opts),
		newDoctorCmd(opts),
	)
	return cmd
}
