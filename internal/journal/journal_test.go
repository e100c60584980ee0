package journal

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// TestRecordFile verifies rows land with the run id, RFC3339Nano start
// time, and the error text for failures.
func TestRecordFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if j.RunID() == "" {
		t.Fatal("empty run id")
	}

	ok := FileResult{
		MappingFile: "tww.json",
		Section:     "TWW",
		Status:      StatusOK,
		Entries:     12,
		Duration:    1500 * time.Millisecond,
	}
	failed := FileResult{
		MappingFile: "tp.json",
		Section:     "TP",
		Status:      StatusFailed,
		Entries:     3,
		Duration:    200 * time.Millisecond,
		Err:         errors.New("row not found"),
	}
	if err := j.RecordFile(ctx, ok); err != nil {
		t.Fatalf("RecordFile ok: %v", err)
	}
	if err := j.RecordFile(ctx, failed); err != nil {
		t.Fatalf("RecordFile failed: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var startedAt, status string
	var durMs int64
	var errText sql.NullString
	row := db.QueryRowContext(ctx,
		`SELECT started_at, status, duration_ms, error FROM batch_runs WHERE run_id = ? AND mapping_file = ?`,
		j.RunID(), "tp.json")
	if err := row.Scan(&startedAt, &status, &durMs, &errText); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := time.Parse(time.RFC3339Nano, startedAt); err != nil {
		t.Fatalf("started_at %q not RFC3339Nano: %v", startedAt, err)
	}
	if status != StatusFailed || durMs != 200 {
		t.Fatalf("row = %s %d", status, durMs)
	}
	if !errText.Valid || errText.String != "row not found" {
		t.Fatalf("error column = %#v", errText)
	}

	// The ok row records NULL error.
	row = db.QueryRowContext(ctx,
		`SELECT error FROM batch_runs WHERE run_id = ? AND mapping_file = ?`,
		j.RunID(), "tww.json")
	if err := row.Scan(&errText); err != nil {
		t.Fatal(err)
	}
	if errText.Valid {
		t.Fatalf("expected NULL error, got %q", errText.String)
	}
}

// TestRecordFile_Rerecord verifies re-recording a file within one run
// replaces the earlier row instead of erroring on the primary key.
func TestRecordFile_Rerecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, err := Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	res := FileResult{MappingFile: "tww.json", Status: StatusFailed, Err: errors.New("boom")}
	if err := j.RecordFile(ctx, res); err != nil {
		t.Fatal(err)
	}
	res.Status = StatusOK
	res.Err = nil
	if err := j.RecordFile(ctx, res); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_runs`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}
