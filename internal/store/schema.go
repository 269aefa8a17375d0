package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// EnsureTenantSchema creates the tenant schema if needed and brings its
// tables up to the current migration version.
func EnsureTenantSchema(ctx context.Context, db *sql.DB, tenantSchema string) error {
	if db == nil {
		return fmt.Errorf("database handle is required")
	}
	if !tenantSchemaPattern.MatchString(tenantSchema) {
		return fmt.Errorf("invalid tenant schema %q", tenantSchema)
	}

	if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pq.QuoteIdentifier(tenantSchema)); err != nil {
		return fmt.Errorf("failed to create tenant schema %s: %w", tenantSchema, err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      tenantSchema,
		MigrationsTable: "metriclift_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to prepare migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate tenant schema %s: %w", tenantSchema, err)
	}
	return nil
}
