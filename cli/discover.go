package cli

import (
	"sort"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"plugenv/cli/flags/enum"
	"plugenv/ui"
)

func newDiscoverCmd(opts Options) *cobra.Command {
	var (
		dirs   []string
		search string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the plugins discovery finds and the dependencies they declare",
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

			disc, err := a.discoverer()
			if err != nil {
				return err
			}
			res, err := disc.Discover(cmd.Context(), a.directories(dirs))
			if err != nil {
				return &ExitError{Code: ExitDiscoveryFailed, Err: err}
			}
			defer func() { _ = res.Registry.Close() }()

			var plugins []ui.DiscoveredPlugin
			for _, name := range res.Registry.Names() {
				entry, _ := res.Registry.Entry(name)
				components := make([]string, 0, len(entry.UIComponents))
				for key := range entry.UIComponents {
					components = append(components, key)
				}
				sort.Strings(components)
				plugins = append(plugins, ui.DiscoveredPlugin{
					Name:         name,
					Source:       entry.Source,
					Dependencies: entry.Dependencies,
					UIComponents: components,
				})
			}
			for _, e := range res.Errors {
				plugins = append(plugins, ui.DiscoveredPlugin{Name: e.Plugin, Source: e.Source, Error: e.Err.Error()})
			}

			if search != "" {
				plugins = filterPlugins(plugins, search)
			}
			return ui.EncodeDiscovery(cmd.OutOrStdout(), output, plugins)
		},
	}
	cmd.Flags().StringArrayVar(&dirs, "dir", nil, "additional plugin directory to scan (repeatable)")
	cmd.Flags().StringVarP(&search, "search", "s", "", "fuzzy filter on plugin names")
	enum.VarP(cmd.Flags(), outputFlag, "o", ui.Formats, "output format")
	return cmd
}

// filterPlugins keeps the plugins whose name fuzzy-matches query.
func filterPlugins(plugins []ui.DiscoveredPlugin, query string) []ui.DiscoveredPlugin {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	matches := fuzzy.Find(query, names)
	out := make([]ui.DiscoveredPlugin, 0, len(matches))
	for _, m := range matches {
		out = append(out, plugins[m.Index])
	}
	return out
}
