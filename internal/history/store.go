// Package history persists per-file print statistics pulled from the
// printer, so stats survive restarts and Moonraker history rotation.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/printvault/printvault/internal/logging"
	"github.com/printvault/printvault/internal/metrics"
	"github.com/printvault/printvault/internal/printer"
)

const schema = `
CREATE TABLE IF NOT EXISTS print_stats (
	filename       TEXT PRIMARY KEY,
	print_count    INTEGER NOT NULL DEFAULT 0,
	successful     INTEGER NOT NULL DEFAULT 0,
	cancelled      INTEGER NOT NULL DEFAULT 0,
	avg_duration   INTEGER NOT NULL DEFAULT 0,
	total_filament REAL    NOT NULL DEFAULT 0,
	last_print_at  INTEGER NOT NULL DEFAULT 0,
	last_status    TEXT    NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL DEFAULT 0
);`

// Store is a SQLite-backed statistics store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Client is the slice of the printer client the store needs.
type Client interface {
	History(ctx context.Context, limit int) ([]printer.Job, error)
}

// New opens (creating if needed) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Upsert writes one file's statistics.
func (s *Store) Upsert(ctx context.Context, st printer.Stats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO print_stats
			(filename, print_count, successful, cancelled, avg_duration,
			 total_filament, last_print_at, last_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			print_count    = excluded.print_count,
			successful     = excluded.successful,
			cancelled      = excluded.cancelled,
			avg_duration   = excluded.avg_duration,
			total_filament = excluded.total_filament,
			last_print_at  = excluded.last_print_at,
			last_status    = excluded.last_status,
			updated_at     = excluded.updated_at`,
		st.Filename, st.PrintCount, st.Successful, st.Cancelled,
		int64(st.AvgDuration/time.Second), st.TotalFilament,
		unixOrZero(st.LastPrintAt), st.LastStatus, time.Now().Unix())
	return err
}

// Get returns the statistics for one file; found is false when the
// file has never been printed.
func (s *Store) Get(ctx context.Context, filename string) (printer.Stats, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT filename, print_count, successful, cancelled, avg_duration,
		       total_filament, last_print_at, last_status
		FROM print_stats WHERE filename = ?`, filename)
	st, err := scanStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return printer.Stats{}, false, nil
	}
	if err != nil {
		return printer.Stats{}, false, err
	}
	return st, true, nil
}

// All returns statistics for every known file, most recently printed
// first.
func (s *Store) All(ctx context.Context) ([]printer.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, print_count, successful, cancelled, avg_duration,
		       total_filament, last_print_at, last_status
		FROM print_stats ORDER BY last_print_at DESC, filename ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []printer.Stats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ReplaceAll swaps the whole table for the given statistics in one
// transaction.
func (s *Store) ReplaceAll(ctx context.Context, stats map[string]printer.Stats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM print_stats`); err != nil {
		return err
	}
	now := time.Now().Unix()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO print_stats
			(filename, print_count, successful, cancelled, avg_duration,
			 total_filament, last_print_at, last_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range stats {
		if _, err := stmt.ExecContext(ctx,
			st.Filename, st.PrintCount, st.Successful, st.Cancelled,
			int64(st.AvgDuration/time.Second), st.TotalFilament,
			unixOrZero(st.LastPrintAt), st.LastStatus, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RefreshFromPrinter pulls the full printer history and replaces the
// stored statistics with a fresh aggregation.
func (s *Store) RefreshFromPrinter(ctx context.Context, c Client) error {
	start := time.Now()
	jobs, err := c.History(ctx, 0)
	if err != nil {
		return err
	}
	stats := printer.Aggregate(jobs)
	if err := s.ReplaceAll(ctx, stats); err != nil {
		return err
	}
	metrics.RecordHistoryRefresh(time.Since(start))
	logging.Info("print history refreshed",
		logging.Int("jobs", len(jobs)), logging.Int("files", len(stats)))
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStats(row scanner) (printer.Stats, error) {
	var st printer.Stats
	var avgSec, lastAt int64
	err := row.Scan(&st.Filename, &st.PrintCount, &st.Successful, &st.Cancelled,
		&avgSec, &st.TotalFilament, &lastAt, &st.LastStatus)
	if err != nil {
		return printer.Stats{}, err
	}
	st.AvgDuration = time.Duration(avgSec) * time.Second
	if lastAt > 0 {
		st.LastPrintAt = time.Unix(lastAt, 0)
	}
	return st, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
