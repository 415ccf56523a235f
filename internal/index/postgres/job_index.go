// Package postgres provides a Postgres-backed job index.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool of the index.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// JobIndex upserts job summaries into a Postgres table.
type JobIndex struct {
	pool  pool
	table string
}

var _ harvest.JobIndex = (*JobIndex)(nil)

// New connects to Postgres and ensures the index table exists.
func New(ctx context.Context, cfg Config) (*JobIndex, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	idx, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := idx.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return idx, nil
}

// NewWithPool builds an index over an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*JobIndex, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "harvest_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobIndex{pool: p, table: table}, nil
}

// Close releases the pool.
func (i *JobIndex) Close() {
	i.pool.Close()
}

// EnsureSchema creates the index table when missing.
func (i *JobIndex) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		job_id      TEXT PRIMARY KEY,
		status      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		total       INTEGER NOT NULL DEFAULT 0,
		completed   INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		partial     INTEGER NOT NULL DEFAULT 0
	)`, i.table)
	if _, err := i.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", i.table, err)
	}
	return nil
}

// UpsertJob inserts or replaces the summary of one job.
func (i *JobIndex) UpsertJob(ctx context.Context, s harvest.JobSummary) error {
	query := fmt.Sprintf(`INSERT INTO %s (job_id, status, created_at, finished_at, total, completed, failed, partial)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			total = EXCLUDED.total,
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			partial = EXCLUDED.partial`, i.table)
	_, err := i.pool.Exec(ctx, query,
		s.ID,
		string(s.Status),
		s.CreatedAt,
		s.FinishedAt,
		s.Counters.Total,
		s.Counters.Completed,
		s.Counters.Failed,
		s.Counters.Partial,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", s.ID, err)
	}
	return nil
}

// ListJobs returns every indexed job, oldest first.
func (i *JobIndex) ListJobs(ctx context.Context) ([]harvest.JobSummary, error) {
	query := fmt.Sprintf(`SELECT job_id, status, created_at, finished_at, total, completed, failed, partial
		FROM %s ORDER BY created_at, job_id`, i.table)
	rows, err := i.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []harvest.JobSummary{}
	for rows.Next() {
		var (
			s      harvest.JobSummary
			status string
		)
		if err := rows.Scan(
			&s.ID,
			&status,
			&s.CreatedAt,
			&s.FinishedAt,
			&s.Counters.Total,
			&s.Counters.Completed,
			&s.Counters.Failed,
			&s.Counters.Partial,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		s.Status = harvest.JobStatus(status)
		jobs = append(jobs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
