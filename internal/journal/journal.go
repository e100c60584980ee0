// Package journal persists batch-run outcomes to a local SQLite file so
// an operator can see which mapping files succeeded or failed across runs.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as RFC3339Nano TEXT: SQLite has no native
// timestamp type and TEXT round-trips reliably and stays debuggable.
const schema = `
CREATE TABLE IF NOT EXISTS batch_runs (
  run_id       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  mapping_file TEXT NOT NULL,
  section      TEXT,
  status       TEXT NOT NULL,
  entries      INTEGER NOT NULL,
  duration_ms  INTEGER NOT NULL,
  error        TEXT,
  PRIMARY KEY (run_id, mapping_file)
);
`

// File statuses recorded per mapping file.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Journal is one batch run's journal handle. All files recorded through
// it share the run id minted at Open.
type Journal struct {
	db        *sql.DB
	runID     string
	startedAt time.Time
}

// Open opens (creating if needed) the journal database at path and mints
// a fresh run id.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{
		db:        db,
		runID:     uuid.NewString(),
		startedAt: time.Now().UTC(),
	}, nil
}

// RunID returns the identifier shared by every record of this run.
func (j *Journal) RunID() string { return j.runID }

// FileResult is one mapping file's outcome within a batch run.
type FileResult struct {
	MappingFile string
	Section     string
	Status      string // StatusOK or StatusFailed
	Entries     int
	Duration    time.Duration
	Err         error // nil unless Status is StatusFailed
}

// RecordFile inserts one file outcome. Re-recording the same file within
// a run replaces the earlier row.
func (j *Journal) RecordFile(ctx context.Context, res FileResult) error {
	var errText sql.NullString
	if res.Err != nil {
		errText = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO batch_runs
		  (run_id, started_at, mapping_file, section, status, entries, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID,
		j.startedAt.Format(time.RFC3339Nano),
		res.MappingFile,
		res.Section,
		res.Status,
		res.Entries,
		res.Duration.Milliseconds(),
		errText,
	)
	if err != nil {
		return fmt.Errorf("record journal entry for %s: %w", res.MappingFile, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
