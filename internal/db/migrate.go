package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/pressly/goose/v3"

	"jobmate/vagas-service/internal/db/migrations"
)

// OpenSQL opens a database/sql handle on the pgx driver. goose requires
// *sql.DB; everything else in the service uses pgxpool.
func OpenSQL(ctx context.Context, databaseURL string) (*sql.DB, error) {
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return sqlDB, nil
}

// NewMigrator returns a goose provider over the embedded migrations.
// goose.NewProvider handles $$-delimited PL/pgSQL bodies correctly.
func NewMigrator(sqlDB *sql.DB) (*goose.Provider, error) {
	return NewMigratorFS(sqlDB, migrations.FS)
}

// NewMigratorFS is NewMigrator over an arbitrary migrations filesystem.
func NewMigratorFS(sqlDB *sql.DB, fsys fs.FS) (*goose.Provider, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose new provider: %w", err)
	}
	return provider, nil
}

// MigrateUp applies every pending migration and returns how many ran.
func MigrateUp(ctx context.Context, sqlDB *sql.DB) (int, error) {
	provider, err := NewMigrator(sqlDB)
	if err != nil {
		return 0, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("goose up: %w", err)
	}
	return len(results), nil
}
