package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_accounts",
		SQL: `
			CREATE TABLE IF NOT EXISTS accounts (
				id            VARCHAR(36)  PRIMARY KEY,
				email         VARCHAR(255) NOT NULL UNIQUE,
				role          VARCHAR(16)  NOT NULL DEFAULT 'CLIENT',
				password_hash VARCHAR(255) NOT NULL,
				created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000002_create_transfers",
		SQL: `
			CREATE TABLE IF NOT EXISTS transfers (
				id               VARCHAR(36)  PRIMARY KEY,
				sender_id        VARCHAR(36)  NOT NULL REFERENCES accounts(id),
				receiver_id      VARCHAR(36)  NOT NULL REFERENCES accounts(id),
				access_code_hash VARCHAR(255) NOT NULL,
				code_hint        VARCHAR(32),
				status           VARCHAR(16)  NOT NULL DEFAULT 'pending',
				failed_attempts  INTEGER      NOT NULL DEFAULT 0,
				opened_at        TIMESTAMPTZ,
				expires_at       TIMESTAMPTZ,
				created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_transfers_sender_id ON transfers(sender_id);
			CREATE INDEX IF NOT EXISTS idx_transfers_receiver_id ON transfers(receiver_id);
			CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
		`,
	},
	{
		Version: "000003_create_transfer_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS transfer_files (
				id                  VARCHAR(36)  PRIMARY KEY,
				transfer_id         VARCHAR(36)  NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
				seq                 BIGSERIAL,
				blob_ref            VARCHAR(128) NOT NULL,
				original_filename   VARCHAR(255) NOT NULL,
				content_type        VARCHAR(255),
				size_bytes          BIGINT       NOT NULL DEFAULT 0,
				visible_to_sender   BOOLEAN      NOT NULL DEFAULT TRUE,
				visible_to_receiver BOOLEAN      NOT NULL DEFAULT TRUE,
				created_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_transfer_files_transfer_id ON transfer_files(transfer_id);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	// Create migrations tracking table
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		// Check if already applied
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		// Execute migration in a transaction
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
