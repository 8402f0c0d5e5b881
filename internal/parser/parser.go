// Package parser reads station files: one observation per line, four
// tab-separated integer fields (YYYYMMDD, tmax, tmin, precipitation) with
// -9999 marking a missing measurement.
package parser

import (
	"bufio"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"weather-pipeline/internal/models"
)

// Missing is the source sentinel for an absent measurement
const Missing = -9999

const (
	fieldCount = 4
	dateLayout = "20060102"
)

// Record is one parsed line. Values are kept in source units.
type Record struct {
	Date          models.Date
	TMax          *int
	TMin          *int
	Precipitation *int
}

// ParseError reports a malformed line
type ParseError struct {
	File string
	Line int
	Text string
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	loc := "line"
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	} else if e.Line > 0 {
		loc = fmt.Sprintf("line %d", e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("parse error at %s: %s: %v", loc, e.Msg, e.Err)
	}
	return fmt.Sprintf("parse error at %s: %s", loc, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsTransient returns false: re-reading the same file fails the same way
func (e *ParseError) IsTransient() bool {
	return false
}

// ParseLine parses a single line of a station file
func ParseLine(line string) (Record, error) {
	line = strings.TrimSpace(line)
	parts := strings.Split(line, "\t")
	if len(parts) != fieldCount {
		return Record{}, &ParseError{
			Text: line,
			Msg:  fmt.Sprintf("expected %d tab-separated fields, got %d", fieldCount, len(parts)),
		}
	}

	dateStr := strings.TrimSpace(parts[0])
	if !isDigits(dateStr, len(dateLayout)) {
		return Record{}, &ParseError{Text: line, Msg: fmt.Sprintf("invalid date %q, expected YYYYMMDD", dateStr)}
	}
	date, err := models.ParseDate(dateLayout, dateStr)
	if err != nil {
		return Record{}, &ParseError{Text: line, Msg: fmt.Sprintf("invalid date %q", dateStr), Err: err}
	}

	values := make([]*int, 0, fieldCount-1)
	for i, name := range []string{"max temperature", "min temperature", "precipitation"} {
		v, err := parseValue(parts[i+1])
		if err != nil {
			return Record{}, &ParseError{Text: line, Msg: "invalid " + name, Err: err}
		}
		values = append(values, v)
	}

	return Record{
		Date:          date,
		TMax:          values[0],
		TMin:          values[1],
		Precipitation: values[2],
	}, nil
}

// Format renders a record back into the source line format
func Format(r Record) string {
	return strings.Join([]string{
		r.Date.Format(dateLayout),
		formatValue(r.TMax),
		formatValue(r.TMin),
		formatValue(r.Precipitation),
	}, "\t")
}

// StationID derives the station identifier from a file path: the base name
// without its extension.
func StationID(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// StationFiles returns the regular files in dir whose extension is ext
// (leading dot included), in lexical order.
func StationFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) != ext {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// Records lazily yields the observations of a station file in line order.
// Iteration stops at the first error, which is yielded with a zero
// observation. The sequence opens the file on each call and is not
// resumable part way through.
func Records(path string) iter.Seq2[models.Observation, error] {
	return func(yield func(models.Observation, error) bool) {
		file, err := os.Open(path)
		if err != nil {
			yield(models.Observation{}, fmt.Errorf("failed to open file: %w", err))
			return
		}
		defer file.Close()

		stationID := StationID(path)
		name := filepath.Base(path)

		scanner := bufio.NewScanner(file)
		lineNo := 0
		for scanner.Scan() {
			lineNo++

			rec, err := ParseLine(scanner.Text())
			if err != nil {
				if pe, ok := err.(*ParseError); ok {
					pe.File = name
					pe.Line = lineNo
				}
				yield(models.Observation{}, err)
				return
			}

			obs := models.Observation{
				StationID:     stationID,
				Date:          rec.Date,
				TMax:          rec.TMax,
				TMin:          rec.TMin,
				Precipitation: rec.Precipitation,
			}
			if !yield(obs, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield(models.Observation{}, &ParseError{File: name, Line: lineNo + 1, Msg: "unreadable line", Err: err})
		}
	}
}

func parseValue(s string) (*int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if v == Missing {
		return nil, nil
	}
	return &v, nil
}

func formatValue(v *int) string {
	if v == nil {
		return strconv.Itoa(Missing)
	}
	return strconv.Itoa(*v)
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
