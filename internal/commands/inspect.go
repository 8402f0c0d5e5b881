package commands

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"weather-pipeline/internal/models"
	"weather-pipeline/internal/parser"
	"weather-pipeline/internal/services"
)

// fileReport summarises one station file without touching the database
type fileReport struct {
	name     string
	station  string
	records  int
	missing  [3]int // tmax, tmin, precipitation
	first    models.Date
	last     models.Date
	years    map[int]struct{}
	parseErr error
}

// NewInspectCmd creates the inspect command
func NewInspectCmd() *cobra.Command {
	var extension string

	cmd := &cobra.Command{
		Use:   "inspect <data-dir>",
		Short: "Parse station files and report their contents without a database",
		Long: `Inspect parses every station file in a directory the same way ingest
does and prints record counts, date ranges and missing-value counts per
station. It exits non-zero if any file is malformed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], extension)
		},
	}

	cmd.Flags().StringVar(&extension, "extension", services.DefaultExtension, "station file extension")

	return cmd
}

func runInspect(out io.Writer, dir, extension string) error {
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	files, err := parser.StationFiles(dir, extension)
	if err != nil {
		return err
	}

	banner(out, "STATION FILE INSPECTION")
	fmt.Fprintf(out, "Found %d station files in %s\n\n", len(files), dir)

	var (
		total     int
		totalMiss int
		malformed int
	)
	for _, path := range files {
		r := inspectFile(path)
		printFileReport(out, r)

		total += r.records
		totalMiss += r.missing[0] + r.missing[1] + r.missing[2]
		if r.parseErr != nil {
			malformed++
		}
	}

	fmt.Fprintln(out)
	banner(out, "SUMMARY")
	fmt.Fprintf(out, "Station files:       %d\n", len(files))
	fmt.Fprintf(out, "Valid records:       %d\n", total)
	fmt.Fprintf(out, "Missing data points: %d\n", totalMiss)
	if malformed > 0 {
		fmt.Fprintf(out, "Malformed files:     %s\n", color.RedString("%d", malformed))
		return fmt.Errorf("%d of %d station files are malformed", malformed, len(files))
	}
	fmt.Fprintf(out, "Malformed files:     %s\n", color.GreenString("0"))
	return nil
}

func inspectFile(path string) *fileReport {
	r := &fileReport{
		name:    filepath.Base(path),
		station: parser.StationID(path),
		years:   make(map[int]struct{}),
	}

	for obs, err := range parser.Records(path) {
		if err != nil {
			r.parseErr = err
			break
		}

		if r.records == 0 || obs.Date.Before(r.first.Time) {
			r.first = obs.Date
		}
		if r.records == 0 || obs.Date.After(r.last.Time) {
			r.last = obs.Date
		}
		r.records++
		r.years[obs.Date.Year()] = struct{}{}

		for i, v := range []*int{obs.TMax, obs.TMin, obs.Precipitation} {
			if v == nil {
				r.missing[i]++
			}
		}
	}
	return r
}

func printFileReport(out io.Writer, r *fileReport) {
	status := color.GreenString("ok")
	if r.parseErr != nil {
		status = color.RedString("MALFORMED")
	}

	fmt.Fprintf(out, "%-16s station=%-12s %s\n", r.name, r.station, status)
	if r.records > 0 {
		fmt.Fprintf(out, "  records: %d  range: %s .. %s  years: %d\n",
			r.records, r.first, r.last, len(r.years))
		fmt.Fprintf(out, "  missing: tmax=%d tmin=%d precipitation=%d\n",
			r.missing[0], r.missing[1], r.missing[2])
	}
	if r.parseErr != nil {
		fmt.Fprintf(out, "  %s\n", color.RedString("%s", r.parseErr))
	}
}
