// Package postgres records crawl runs in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mostlyserious/csp-crawler/internal/crawler"
	"github.com/mostlyserious/csp-crawler/internal/report"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "csp_runs"

// Config controls the Postgres connection pool used for run rows.
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

// RunStore writes one row per finished run.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore connects using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &RunStore{pool: p, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveRun inserts the run row. A repeated run ID updates the report URI.
func (s *RunStore) SaveRun(ctx context.Context, sum report.Summary, stats crawler.Stats) error {
	if sum.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	base_url,
	started_at,
	finished_at,
	partial,
	visited,
	failed,
	abandoned,
	errors,
	pages_without_policy,
	report_uri,
	stats
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (run_id) DO UPDATE SET report_uri = EXCLUDED.report_uri`, s.table)

	args := []any{
		sum.RunID,
		sum.BaseURL,
		sum.StartedAt,
		sum.FinishedAt,
		sum.Partial,
		sum.Pages,
		sum.Failed,
		sum.Abandoned,
		sum.Errors,
		sum.PagesWithoutPolicy,
		sum.ReportURI,
		statsJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecentRuns lists the latest runs for baseURL, newest first.
func (s *RunStore) RecentRuns(ctx context.Context, baseURL string, limit int) ([]report.Summary, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
SELECT run_id, base_url, started_at, finished_at, partial, visited, failed, abandoned, errors, pages_without_policy, report_uri
FROM %s
WHERE base_url = $1
ORDER BY finished_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, baseURL, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []report.Summary
	for rows.Next() {
		var sum report.Summary
		if err := rows.Scan(
			&sum.RunID,
			&sum.BaseURL,
			&sum.StartedAt,
			&sum.FinishedAt,
			&sum.Partial,
			&sum.Pages,
			&sum.Failed,
			&sum.Abandoned,
			&sum.Errors,
			&sum.PagesWithoutPolicy,
			&sum.ReportURI,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
