package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"plugenv/cli/flags/enum"
	"plugenv/ui"
)

func newCredentialsCmd(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage secrets plugins need during provisioning",
	}
	cmd.AddCommand(
		newCredentialsSetCmd(opts),
		newCredentialsGetCmd(opts),
		newCredentialsDeleteCmd(opts),
		newCredentialsListCmd(opts),
	)
	return cmd
}

func newCredentialsSetCmd(opts Options) *cobra.Command {
	var (
		plugin string
		value  string
	)
	cmd := &cobra.Command{
		Use:   "set key",
		Short: "Store a secret, read from --value or the first line of stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			if value == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return setupError(errors.New("no secret given on --value or stdin"))
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return setupError(errors.New("secret is empty"))
			}

			store := a.credentials(cmd)
			if err := store.PutForPlugin(args[0], value, plugin); err != nil {
				return &ExitError{Code: ExitPluginsFailed, Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&plugin, "plugin", "", "plugin the secret belongs to")
	cmd.Flags().StringVar(&value, "value", "", "secret value (prefer stdin, flags end up in shell history)")
	return cmd
}

func newCredentialsGetCmd(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get key",
		Short: "Print a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			secret, ok := a.credentials(cmd).Get(args[0])
			if !ok {
				return &ExitError{Code: ExitPluginsFailed, Err: fmt.Errorf("credential %q not found", args[0])}
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
}

func newCredentialsDeleteCmd(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete key",
		Short: "Delete a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			if !a.credentials(cmd).Delete(args[0]) {
				return &ExitError{Code: ExitPluginsFailed, Err: fmt.Errorf("credential %q not found", args[0])}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newCredentialsListCmd(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored credential ids (never the secrets)",
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

			return ui.EncodeCredentials(cmd.OutOrStdout(), output, a.credentials(cmd).List())
		},
	}
	enum.VarP(cmd.Flags(), outputFlag, "o", ui.Formats, "output format")
	return cmd
}
