package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/idflow/internal/definitions"
)

func newImportCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle.yaml>",
		Short: "Import connections, data sources, actions and workflows",
		Long: `Import a YAML definitions bundle. Entries are matched by name: existing
ones are updated (workflows get a new version), missing ones are created.
The whole bundle is validated before anything is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := definitions.LoadFile(args[0])
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			importer, err := definitions.NewImporter(st, root.logger)
			if err != nil {
				return err
			}
			report, err := importer.Import(cmd.Context(), bundle)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, row := range []struct {
				kind   string
				counts definitions.Counts
			}{
				{"connections", report.Connections},
				{"datasources", report.DataSources},
				{"actions", report.Actions},
				{"workflows", report.Workflows},
				{"bindings", report.Bindings},
			} {
				fmt.Fprintf(out, "%-12s created=%d updated=%d unchanged=%d\n",
					row.kind, row.counts.Created, row.counts.Updated, row.counts.Unchanged)
			}
			return nil
		},
	}
}
