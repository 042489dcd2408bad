package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"
)

// Runner executes database migrations.
type Runner struct {
	db   *sql.DB
	fsys fs.FS
}

// NewRunner creates a new migration runner over fsys.
func NewRunner(db *sql.DB, fsys fs.FS) *Runner {
	return &Runner{db: db, fsys: fsys}
}

// Record represents a migration in the schema_migrations table.
type Record struct {
	Version   string
	AppliedAt time.Time
}

// Status is one line of the migration status report.
type Status struct {
	Version   string     `json:"version" yaml:"version"`
	Name      string     `json:"name" yaml:"name"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// Applied reports whether the migration has run.
func (s Status) Applied() bool {
	return s.AppliedAt != nil
}

// EnsureMigrationTable creates the schema_migrations table if it doesn't exist.
func (r *Runner) EnsureMigrationTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(14) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// AppliedMigrations returns all applied migration versions.
func (r *Runner) AppliedMigrations(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Version, &rec.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Pending returns the up migrations that have not been applied.
func (r *Runner) Pending(ctx context.Context) ([]Migration, error) {
	available, err := Load(r.fsys, DirectionUp)
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}

	applied, err := r.AppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return pending(available, applied), nil
}

func pending(available []Migration, applied []Record) []Migration {
	done := make(map[string]bool, len(applied))
	for _, rec := range applied {
		done[rec.Version] = true
	}
	var out []Migration
	for _, m := range available {
		if !done[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// Up runs all pending migrations and returns the versions it applied.
func (r *Runner) Up(ctx context.Context) ([]string, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure migration table: %w", err)
	}

	todo, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range todo {
		if err := r.run(ctx, m, true); err != nil {
			return applied, fmt.Errorf("migration %s failed: %w", m.Version, err)
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// Down rolls back the last applied migration and returns its version, or ""
// when nothing was applied.
func (r *Runner) Down(ctx context.Context) (string, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return "", fmt.Errorf("failed to ensure migration table: %w", err)
	}

	applied, err := r.AppliedMigrations(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", nil
	}
	last := applied[len(applied)-1]

	downs, err := Load(r.fsys, DirectionDown)
	if err != nil {
		return "", err
	}
	for _, m := range downs {
		if m.Version == last.Version {
			if err := r.run(ctx, m, false); err != nil {
				return "", fmt.Errorf("rollback %s failed: %w", m.Version, err)
			}
			return m.Version, nil
		}
	}
	return "", fmt.Errorf("down migration for version %s not found", last.Version)
}

// Status reports every known migration and when it was applied.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := r.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	available, err := Load(r.fsys, DirectionUp)
	if err != nil {
		return nil, err
	}

	at := make(map[string]time.Time, len(applied))
	for _, rec := range applied {
		at[rec.Version] = rec.AppliedAt
	}

	out := make([]Status, 0, len(available))
	for _, m := range available {
		s := Status{Version: m.Version, Name: m.Name}
		if t, ok := at[m.Version]; ok {
			s.AppliedAt = &t
		}
		out = append(out, s)
	}
	return out, nil
}

// run executes one migration file and its bookkeeping in a transaction.
func (r *Runner) run(ctx context.Context, m Migration, up bool) error {
	content, err := fs.ReadFile(r.fsys, m.Path)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return err
	}

	if up {
		_, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version)
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.Version)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}
