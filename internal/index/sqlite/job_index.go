// Package sqlite provides a SQLite-backed job index.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	finished_at DATETIME,
	total       INTEGER NOT NULL DEFAULT 0,
	completed   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	partial     INTEGER NOT NULL DEFAULT 0
);`

// Config points at the database file.
type Config struct {
	Path string `mapstructure:"path"`
}

// JobIndex keeps job summaries in a SQLite table.
type JobIndex struct {
	db *sql.DB
}

var _ harvest.JobIndex = (*JobIndex)(nil)

// Open opens (creating if needed) the database and its schema.
func Open(ctx context.Context, cfg Config) (*JobIndex, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("index.sqlite.path is required")
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &JobIndex{db: db}, nil
}

// Close closes the database.
func (i *JobIndex) Close() error {
	return i.db.Close()
}

// UpsertJob inserts or replaces the summary of one job.
func (i *JobIndex) UpsertJob(ctx context.Context, s harvest.JobSummary) error {
	var finished any
	if s.FinishedAt != nil {
		finished = s.FinishedAt.UTC()
	}
	_, err := i.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (job_id, status, created_at, finished_at, total, completed, failed, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, string(s.Status), s.CreatedAt.UTC(), finished,
		s.Counters.Total, s.Counters.Completed, s.Counters.Failed, s.Counters.Partial,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", s.ID, err)
	}
	return nil
}

// ListJobs returns every indexed job, oldest first.
func (i *JobIndex) ListJobs(ctx context.Context) ([]harvest.JobSummary, error) {
	rows, err := i.db.QueryContext(ctx,
		`SELECT job_id, status, created_at, finished_at, total, completed, failed, partial
		FROM jobs ORDER BY created_at, job_id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []harvest.JobSummary{}
	for rows.Next() {
		var (
			s        harvest.JobSummary
			status   string
			finished sql.NullTime
		)
		if err := rows.Scan(&s.ID, &status, &s.CreatedAt, &finished,
			&s.Counters.Total, &s.Counters.Completed, &s.Counters.Failed, &s.Counters.Partial); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		s.Status = harvest.JobStatus(status)
		if finished.Valid {
			t := finished.Time.In(time.UTC)
			s.FinishedAt = &t
		}
		jobs = append(jobs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
