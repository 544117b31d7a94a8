package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/docmesh-ai/extraction-engine/internal/config"
)

// Open connects to the configured database, applies pool settings, and
// verifies the connection. Driver registration is the caller's concern:
// binaries and tests blank-import the drivers they need.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	var driver, dsn string
	switch cfg.Driver {
	case "sqlite":
		driver = "sqlite3"
		dsn = cfg.SQLite.Path
	case "postgres":
		driver = "postgres"
		dsn = cfg.Postgres.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch cfg.Driver {
	case "sqlite":
		// SQLite serializes writers; a small pool avoids lock contention.
		db.SetMaxOpenConns(cfg.SQLite.MaxOpenConns)
	case "postgres":
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// Migrate creates the schema when missing. The statements stay within the
// SQL subset shared by SQLite and Postgres so both drivers run the same DDL.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS document_types (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			schema TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			document_type_id TEXT NOT NULL REFERENCES document_types(id),
			name TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS extraction_results (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id),
			data TEXT NOT NULL,
			extracted_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(document_type_id)`,
		`CREATE INDEX IF NOT EXISTS idx_extraction_results_document ON extraction_results(document_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
