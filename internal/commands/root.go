package commands

import (
	"github.com/spf13/cobra"
)

var version = "1.0.0"

// NewRootCmd builds the ingester command tree
func NewRootCmd() *cobra.Command {
	g := &GlobalOptions{}

	root := &cobra.Command{
		Use:   "ingester",
		Short: "Load station weather files and derive yearly statistics",
		Long: `ingester loads daily weather station files into the database,
skipping files that earlier runs already committed, and recomputes
per-station yearly statistics from the stored observations.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(root, g)

	root.AddCommand(
		NewIngestCmd(g),
		NewStatsCmd(g),
		NewInspectCmd(),
		NewMigrateCmd(g),
	)

	return root
}
