package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"weather-pipeline/internal/config"
	"weather-pipeline/internal/repository"
	"weather-pipeline/internal/services"
	"weather-pipeline/internal/tracker"
	"weather-pipeline/pkg/logging"
)

type ingestOptions struct {
	dataDir      string
	extension    string
	batchSize    int
	workers      int
	dryRun       bool
	computeStats bool
}

// NewIngestCmd creates the ingest command
func NewIngestCmd(g *GlobalOptions) *cobra.Command {
	o := &ingestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest every station file in the data directory",
		Long: `Ingest reads each station file in the data directory inside its own
transaction. Files already recorded as ingested are skipped. The run stops
at the first malformed file; files committed before it stay committed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			o.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runIngest(cmd.Context(), cmd.OutOrStdout(), cfg, o.computeStats)
		},
	}

	cmd.Flags().StringVar(&o.dataDir, "data-dir", "", "directory containing station files (default from config)")
	cmd.Flags().StringVar(&o.extension, "extension", "", "station file extension (default .txt)")
	cmd.Flags().IntVar(&o.batchSize, "batch-size", 0, "observations per insert statement")
	cmd.Flags().IntVar(&o.workers, "workers", 0, "files ingested concurrently")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "parse and insert, then roll back every transaction")
	cmd.Flags().BoolVar(&o.computeStats, "compute-stats", false, "recompute yearly statistics after a successful ingest")

	return cmd
}

// apply copies explicitly set flags over the loaded config
func (o *ingestOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.Ingest.DataDir = o.dataDir
	}
	if flags.Changed("extension") {
		cfg.Ingest.Extension = o.extension
	}
	if flags.Changed("batch-size") {
		cfg.Ingest.BatchSize = o.batchSize
	}
	if flags.Changed("workers") {
		cfg.Ingest.Workers = o.workers
	}
	if flags.Changed("dry-run") {
		cfg.Ingest.DryRun = o.dryRun
	}
}

func runIngest(ctx context.Context, out io.Writer, cfg *config.Config, computeStats bool) error {
	rt, err := newRuntime(cfg, "weather-ingester")
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.Info(ctx, "[INGESTER_START] Starting weather data ingestion", logging.Fields{
		"version":       version,
		"driver":        rt.db.Dialect().Name(),
		"data_dir":      cfg.Ingest.DataDir,
		"batch_size":    cfg.Ingest.BatchSize,
		"workers":       cfg.Ingest.Workers,
		"dry_run":       cfg.Ingest.DryRun,
		"compute_stats": computeStats,
	})
	defer rt.pushMetrics(ctx, "weather_ingest")

	if err := rt.db.ApplySchema(ctx); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	repo := repository.NewWeatherRepository(rt.db, rt.logger, rt.metrics)
	ingestion := services.NewIngestionService(rt.db, repo, tracker.New(rt.db.Dialect()), rt.logger, rt.metrics, services.IngestOptions{
		Extension: cfg.Ingest.Extension,
		BatchSize: cfg.Ingest.BatchSize,
		Workers:   cfg.Ingest.Workers,
		DryRun:    cfg.Ingest.DryRun,
	})

	result, err := ingestion.IngestDirectory(ctx, cfg.Ingest.DataDir)
	if result != nil {
		printIngestSummary(out, result, err)
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	if !computeStats {
		return nil
	}

	stats := services.NewStatisticsService(rt.db, repo, rt.logger, rt.metrics, cfg.Ingest.DryRun)
	return runStatistics(ctx, out, stats, cfg.Ingest.DryRun)
}
