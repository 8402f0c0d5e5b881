// Package tracker records which source files have been fully ingested.
// A row is written inside the file's own transaction, so it becomes visible
// exactly when the file's observations do.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"weather-pipeline/internal/models"
	"weather-pipeline/pkg/database"
)

// ErrAlreadyIngested is returned by MarkIngested when another transaction
// committed the same file first.
var ErrAlreadyIngested = errors.New("file already ingested")

// Tracker reads and writes ingested_file rows
type Tracker struct {
	dialect database.Dialect
}

// New creates a tracker for the given dialect
func New(dialect database.Dialect) *Tracker {
	return &Tracker{dialect: dialect}
}

// IsIngested reports whether a committed record exists for fileName
func (t *Tracker) IsIngested(ctx context.Context, q sqlx.ExtContext, fileName string) (bool, error) {
	var n int
	query := q.Rebind(`SELECT COUNT(*) FROM ingested_file WHERE file_name = ?`)
	if err := sqlx.GetContext(ctx, q, &n, query, fileName); err != nil {
		return false, fmt.Errorf("failed to check ingested file %s: %w", fileName, err)
	}
	return n > 0, nil
}

// MarkIngested inserts the tracking row for fileName. It must run inside the
// transaction that writes the file's observations.
func (t *Tracker) MarkIngested(ctx context.Context, tx sqlx.ExtContext, fileName string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO ingested_file (file_name, ingested_at) VALUES (?, ?)`),
		fileName, at.UTC())
	if err != nil {
		if t.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%s: %w", fileName, ErrAlreadyIngested)
		}
		return fmt.Errorf("failed to mark %s ingested: %w", fileName, err)
	}
	return nil
}

// List returns all tracked files ordered by name
func (t *Tracker) List(ctx context.Context, q sqlx.ExtContext) ([]models.IngestedFile, error) {
	var files []models.IngestedFile
	err := sqlx.SelectContext(ctx, q, &files,
		`SELECT file_name, ingested_at FROM ingested_file ORDER BY file_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingested files: %w", err)
	}
	return files, nil
}
