// Package migrations applies the kernel object store's numbered schema
// migrations (V1...V7) to a Postgres database, once each, in order —
// the same numbered-migration discipline as the teacher's
// internal/storage/dolt/migrations package, adapted from per-migration Go
// functions to embedded SQL files since Postgres DDL needs no host-language
// conditionals the way the teacher's ALTER-TABLE-if-column-missing
// migrations do.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

var nameExpr = regexp.MustCompile(`^V(\d+)__(.+)\.sql$`)

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(sqlFiles, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: read embedded sql dir: %w", err)
	}
	out := make([]migration, 0, len(entries))
	for _, ent := range entries {
		m := nameExpr.FindStringSubmatch(ent.Name())
		if m == nil {
			return nil, fmt.Errorf("migrations: unexpected file name %q", ent.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migrations: bad version in %q: %w", ent.Name(), err)
		}
		body, err := sqlFiles.ReadFile(path.Join("sql", ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("migrations: read %q: %w", ent.Name(), err)
		}
		out = append(out, migration{version: version, name: m[2], sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Run applies every migration not yet recorded in kernel_schema_migrations,
// in ascending version order, each in its own transaction. It is safe to
// call on every process startup — already-applied versions are skipped.
func Run(ctx context.Context, pool *pgxpool.Pool) error {
	migs, err := loadMigrations()
	if err != nil {
		return err
	}

	// V1 creates the bookkeeping table itself, so for V1 an error from the
	// "already applied?" check (the table may not exist yet) is tolerated
	// and V1 is applied.
	for _, m := range migs {
		applied, err := isApplied(ctx, pool, m.version)
		if err != nil && m.version != 1 {
			return err
		}
		if applied {
			continue
		}
		if err := applyOne(ctx, pool, m); err != nil {
			return fmt.Errorf("migrations: apply V%d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func isApplied(ctx context.Context, pool *pgxpool.Pool, version int) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM kernel_schema_migrations WHERE version = $1)`, version).Scan(&exists)
	if err != nil {
		// Most likely kernel_schema_migrations doesn't exist yet (pre-V1).
		return false, err
	}
	return exists, nil
}

func applyOne(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO kernel_schema_migrations (version, name) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
		m.version, m.name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
