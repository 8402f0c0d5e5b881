package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"weather-pipeline/internal/config"
	"weather-pipeline/pkg/logging"
)

// NewMigrateCmd creates the migrate command with up and down subcommands
func NewMigrateCmd(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or drop the database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Create missing tables and indexes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), cmd.OutOrStdout(), g, true)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Drop every pipeline table",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), cmd.OutOrStdout(), g, false)
			},
		},
	)

	return cmd
}

// NewMigrateRootCmd builds migrate as a standalone program
func NewMigrateRootCmd() *cobra.Command {
	g := &GlobalOptions{}
	root := NewMigrateCmd(g)
	root.Version = version
	root.SilenceUsage = true
	root.SilenceErrors = true
	addGlobalFlags(root, g)
	return root
}

func runMigrate(ctx context.Context, out io.Writer, g *GlobalOptions, up bool) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return migrate(ctx, out, cfg, up)
}

func migrate(ctx context.Context, out io.Writer, cfg *config.Config, up bool) error {
	rt, err := newRuntime(cfg, "weather-migrate")
	if err != nil {
		return err
	}
	defer rt.Close()

	direction := "down"
	apply := rt.db.DropSchema
	if up {
		direction = "up"
		apply = rt.db.ApplySchema
	}

	fmt.Fprintf(out, "Running migration %s on %s\n", direction, rt.db.Dialect().Name())
	if err := apply(ctx); err != nil {
		rt.logger.Error(ctx, "[MIGRATE_ERROR] Migration failed", logging.Fields{"direction": direction}, err)
		return fmt.Errorf("migration %s: %w", direction, err)
	}

	rt.logger.Info(ctx, "[MIGRATE_COMPLETE] Migration applied", logging.Fields{"direction": direction})
	fmt.Fprintln(out, color.GreenString("Migration completed successfully"))
	return nil
}
