package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"weather-pipeline/internal/config"
	"weather-pipeline/internal/repository"
	"weather-pipeline/internal/services"
)

// NewStatsCmd creates the stats command
func NewStatsCmd(g *GlobalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Recompute yearly statistics from stored observations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.Ingest.DryRun = dryRun
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runStats(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the statistics, then roll back")

	return cmd
}

func runStats(ctx context.Context, out io.Writer, cfg *config.Config) error {
	rt, err := newRuntime(cfg, "weather-stats")
	if err != nil {
		return err
	}
	defer rt.Close()
	defer rt.pushMetrics(ctx, "weather_stats")

	if err := rt.db.ApplySchema(ctx); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	repo := repository.NewWeatherRepository(rt.db, rt.logger, rt.metrics)
	stats := services.NewStatisticsService(rt.db, repo, rt.logger, rt.metrics, cfg.Ingest.DryRun)
	return runStatistics(ctx, out, stats, cfg.Ingest.DryRun)
}

func runStatistics(ctx context.Context, out io.Writer, stats *services.StatisticsService, dryRun bool) error {
	fmt.Fprintln(out)
	banner(out, "CALCULATING STATISTICS")

	written, err := stats.CalculateAllStatistics(ctx)
	if err != nil {
		fmt.Fprintf(out, "Statistics calculation failed: %s\n", color.RedString("%s", err))
		return err
	}

	if dryRun {
		fmt.Fprintf(out, "Station-years computed: %d %s\n", written, color.YellowString("(rolled back)"))
		return nil
	}
	fmt.Fprintf(out, "Station-years written:  %s\n", color.GreenString("%d", written))
	return nil
}
