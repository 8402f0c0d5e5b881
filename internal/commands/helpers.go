// Package commands implements the ingester and migrate command lines.
package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"

	"weather-pipeline/internal/config"
	"weather-pipeline/internal/services"
	"weather-pipeline/pkg/database"
	"weather-pipeline/pkg/logging"
	"weather-pipeline/pkg/metrics"
)

// GlobalOptions are the flags shared by every subcommand
type GlobalOptions struct {
	ConfigPath string
	DBURL      string
	Verbose    bool
}

func addGlobalFlags(cmd *cobra.Command, g *GlobalOptions) {
	cmd.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to a YAML or TOML config file")
	cmd.PersistentFlags().StringVar(&g.DBURL, "db-url", "", "database URL (postgres://... or a SQLite file path)")
	cmd.PersistentFlags().BoolVarP(&g.Verbose, "verbose", "v", false, "enable debug logging")
}

// loadConfig reads the config file and environment, then applies flags
func loadConfig(g *GlobalOptions) (*config.Config, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if g.DBURL != "" {
		cfg.Database.URL = g.DBURL
		cfg.Database.Driver = database.DriverFromURL(g.DBURL)
	}
	if g.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// runtime bundles the per-invocation handles every subcommand needs
type runtime struct {
	cfg      *config.Config
	logger   *logging.StructuredLogger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	db       *database.DB
}

func newRuntime(cfg *config.Config, service string) (*runtime, error) {
	logger := logging.NewStructuredLogger(service, version, logging.ParseLevel(cfg.Logging.Level))

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(cfg.Metrics.Namespace, registry)

	db, err := database.New(cfg.ToDatabaseConfig(), logger, collector)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  collector,
		db:       db,
	}, nil
}

func (rt *runtime) Close() {
	_ = rt.db.Close()
	_ = rt.logger.Sync()
}

// pushMetrics sends the run's metrics to the configured Pushgateway, if any.
// A push failure is logged and does not fail the run.
func (rt *runtime) pushMetrics(ctx context.Context, job string) {
	url := rt.cfg.Metrics.PushGatewayURL
	if url == "" {
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := push.New(url, job).Gatherer(rt.registry).PushContext(pushCtx)
	if err != nil {
		rt.logger.Warn(ctx, "[METRICS_PUSH_ERROR] Failed to push metrics", logging.Fields{
			"pushgateway_url": url,
			"job":             job,
			"error":           err.Error(),
		})
		return
	}
	rt.logger.Debug(ctx, "[METRICS_PUSH] Metrics pushed", logging.Fields{"job": job})
}

func banner(w io.Writer, title string) {
	bold := color.New(color.Bold)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	_, _ = bold.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", 60))
}

func printIngestSummary(w io.Writer, result *services.IngestionResult, runErr error) {
	switch {
	case runErr != nil:
		banner(w, color.RedString("INGESTION FAILED"))
	case result.DryRun:
		banner(w, color.YellowString("INGESTION COMPLETE (DRY RUN, NOTHING COMMITTED)"))
	default:
		banner(w, color.GreenString("INGESTION COMPLETE"))
	}

	fmt.Fprintf(w, "Run ID:             %s\n", result.RunID)
	fmt.Fprintf(w, "Files found:        %d\n", result.FilesFound)
	fmt.Fprintf(w, "Files processed:    %d\n", result.FilesProcessed)
	fmt.Fprintf(w, "Files skipped:      %d\n", result.FilesSkipped)
	fmt.Fprintf(w, "Records parsed:     %d\n", result.RecordsParsed)
	fmt.Fprintf(w, "Records inserted:   %d\n", result.RecordsInserted)
	fmt.Fprintf(w, "Duplicates ignored: %d\n", result.RecordsDuplicate)
	fmt.Fprintf(w, "Duration:           %v\n", result.Duration.Round(time.Millisecond))
	if runErr != nil {
		fmt.Fprintf(w, "Error:              %s\n", color.RedString("%s", runErr))
	}
}
