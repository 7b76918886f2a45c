// Package migrations applies the embedded SQL schema migrations in order.
// Each migration runs in its own transaction and is recorded in the
// schema_migrations table so reruns are no-ops.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql
var embeddedMigrations embed.FS

// Applied describes one migration recorded in schema_migrations.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// Runner applies SQL migrations from a filesystem against a pool.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	fsys   fs.FS
}

// NewRunner returns a Runner over the migrations embedded in the binary.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return NewRunnerWithFS(pool, logger, embeddedMigrations)
}

// NewRunnerWithFS returns a Runner over an arbitrary filesystem. Migration
// files live under sql/ and are applied in lexical order.
func NewRunnerWithFS(pool *pgxpool.Pool, logger *slog.Logger, fsys fs.FS) *Runner {
	return &Runner{pool: pool, logger: logger, fsys: fsys}
}

// Bootstrap creates the schema_migrations tracking table. Safe to call
// repeatedly.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	return nil
}

// Run applies every pending migration and returns how many were applied.
// A failing migration rolls back atomically and stops the run; prior
// migrations from the same run stay applied.
func (r *Runner) Run(ctx context.Context) (int, error) {
	names, err := r.pending(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, name := range names {
		if err := r.apply(ctx, name); err != nil {
			return applied, fmt.Errorf("applying %s: %w", name, err)
		}
		r.logger.Info("applied migration", "name", name)
		applied++
	}
	return applied, nil
}

// GetApplied returns the recorded migrations in lexical order.
func (r *Runner) GetApplied(ctx context.Context) ([]Applied, error) {
	rows, err := r.pool.Query(ctx, "SELECT name, applied_at FROM schema_migrations ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Runner) pending(ctx context.Context) ([]string, error) {
	done, err := r.GetApplied(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(done))
	for _, a := range done {
		seen[a.Name] = true
	}

	entries, err := fs.Glob(r.fsys, "sql/*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(entries)

	var names []string
	for _, path := range entries {
		name := strings.TrimPrefix(path, "sql/")
		if !seen[name] {
			names = append(names, name)
		}
	}
	return names, nil
}

func (r *Runner) apply(ctx context.Context, name string) error {
	sql, err := fs.ReadFile(r.fsys, "sql/"+name)
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (name) VALUES ($1)", name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}
