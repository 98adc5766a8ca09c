package workflow

import (
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations of the PostgreSQL store.
func Migrations() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFiles,
		Root:       "migrations",
	}
}

// Migrate applies (up) or rolls back (down) the store schema. max limits the
// number of migrations applied; zero means all of them.
func Migrate(pool *pgxpool.Pool, up bool, max int) (int, error) {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	dir := migrate.Up
	if !up {
		dir = migrate.Down
	}

	n, err := migrate.ExecMax(db, "postgres", Migrations(), dir, max)
	if err != nil {
		return n, fmt.Errorf("run migrations: %w", err)
	}
	return n, nil
}
