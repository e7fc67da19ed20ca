package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// MigrationRecord tracks applied migrations.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

type migration struct {
	version int
	name    string
	sql     string
}

// Migrate applies every pending migration, each in its own transaction.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	pending, err := pendingMigrations(migrationsFS, applied)
	if err != nil {
		return fmt.Errorf("get pending migrations: %w", err)
	}

	for _, mig := range pending {
		if err := db.applyMigration(ctx, mig); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.name, err)
		}
	}
	return nil
}

// MigrateDown rolls back the last steps migrations.
func (db *DB) MigrateDown(ctx context.Context, steps int) error {
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	sort.Slice(applied, func(i, j int) bool {
		return applied[i].Version > applied[j].Version
	})
	steps = min(steps, len(applied))

	for _, mig := range applied[:steps] {
		if err := db.rollbackMigration(ctx, mig); err != nil {
			return fmt.Errorf("rollback migration %s: %w", mig.Name, err)
		}
	}
	return nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.pool.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (MigrationRecord, error) {
		var r MigrationRecord
		err := row.Scan(&r.Version, &r.Name, &r.AppliedAt)
		return r, err
	})
}

// parseMigrationName splits "001_create_chain_events.up.sql" into its
// version and name. ok is false for files that are not up migrations.
func parseMigrationName(file string) (version int, name string, ok bool) {
	base := path.Base(file)
	if !strings.HasSuffix(base, ".up.sql") {
		return 0, "", false
	}
	prefix, _, found := strings.Cut(base, "_")
	if !found {
		return 0, "", false
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false
	}
	return v, strings.TrimSuffix(base, ".up.sql"), true
}

// pendingMigrations lists the up migrations in fsys not yet applied,
// ordered by version.
func pendingMigrations(fsys fs.FS, applied []MigrationRecord) ([]migration, error) {
	done := make(map[int]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}

	var pending []migration
	err := fs.WalkDir(fsys, "migrations", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		version, name, ok := parseMigrationName(p)
		if !ok || done[version] {
			return nil
		}
		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		pending = append(pending, migration{version: version, name: name, sql: string(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].version < pending[j].version
	})
	return pending, nil
}

func (db *DB) applyMigration(ctx context.Context, mig migration) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.sql); err != nil {
			return fmt.Errorf("execute sql: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

func (db *DB) rollbackMigration(ctx context.Context, mig MigrationRecord) error {
	content, err := fs.ReadFile(migrationsFS, "migrations/"+mig.Name+".down.sql")
	if err != nil {
		return fmt.Errorf("read down migration: %w", err)
	}

	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("execute rollback: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		return nil
	})
}
