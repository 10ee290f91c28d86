// Package journal keeps a history of download outcomes in SQLite. It is write-only as far as downloading is
// concerned: whether a file needs fetching is decided from the file on disk, never from the journal.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/replicate/batchget/pkg/batch"
	"github.com/replicate/batchget/pkg/transfer"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var ErrNoRuns = errors.New("no runs recorded")

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

var _ batch.Observer = &Journal{}

// Entry is one recorded outcome.
type Entry struct {
	RunID      string
	Attempt    int
	URL        string
	Path       string
	Success    bool
	Error      string
	Bytes      int64
	RecordedAt time.Time
}

// outcomeDBO maps to the outcomes table
type outcomeDBO struct {
	RunID      string         `db:"run_id"`
	Attempt    int            `db:"attempt"`
	URL        string         `db:"url"`
	Path       sql.NullString `db:"path"`
	Success    bool           `db:"success"`
	Error      sql.NullString `db:"error"`
	Bytes      int64          `db:"bytes"`
	RecordedAt int64          `db:"recorded_at"`
}

func (o *outcomeDBO) ToEntry() Entry {
	return Entry{
		RunID:      o.RunID,
		Attempt:    o.Attempt,
		URL:        o.URL,
		Path:       o.Path.String,
		Success:    o.Success,
		Error:      o.Error.String,
		Bytes:      o.Bytes,
		RecordedAt: time.Unix(0, o.RecordedAt),
	}
}

func (o *outcomeDBO) FromOutcome(runID string, attempt int, outcome transfer.Outcome, at time.Time) {
	o.RunID = runID
	o.Attempt = attempt
	o.URL = outcome.URL
	o.Path = sql.NullString{String: outcome.Path, Valid: outcome.Path != ""}
	o.Success = outcome.OK()
	o.Error = sql.NullString{String: outcome.Message(), Valid: !outcome.OK()}
	o.Bytes = outcome.Bytes
	o.RecordedAt = at.UnixNano()
}

// Open opens (creating when needed) the journal database at path and brings its schema up to date.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	j := &Journal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Observe records the outcomes of one attempt in a single transaction.
func (j *Journal) Observe(ctx context.Context, runID string, attempt int, outcomes []transfer.Outcome) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO outcomes (run_id, attempt, url, path, success, error, bytes, recorded_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	at := j.now()
	for _, outcome := range outcomes {
		var row outcomeDBO
		row.FromOutcome(runID, attempt, outcome, at)
		if _, err := stmt.ExecContext(ctx, row.RunID, row.Attempt, row.URL, row.Path, row.Success, row.Error, row.Bytes, row.RecordedAt); err != nil {
			return fmt.Errorf("failed to record outcome for %s: %w", outcome.URL, err)
		}
	}
	return tx.Commit()
}

// LatestRun returns the ID of the most recently recorded run.
func (j *Journal) LatestRun(ctx context.Context) (string, error) {
	var runID string
	err := j.db.QueryRowContext(ctx, "SELECT run_id FROM outcomes ORDER BY id DESC LIMIT 1").Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRuns
	}
	return runID, err
}

// Outcomes returns every outcome recorded for runID, in the order they were recorded.
func (j *Journal) Outcomes(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT run_id, attempt, url, path, success, error, bytes, recorded_at
              FROM outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var row outcomeDBO
		if err := rows.Scan(&row.RunID, &row.Attempt, &row.URL, &row.Path, &row.Success, &row.Error, &row.Bytes, &row.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, row.ToEntry())
	}
	return entries, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
