package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/cloudsync/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a file or transfer record does not exist
var ErrNotFound = errors.New("record not found")

// DB wraps the database connection pool
type DB struct {
	Pool   *pgxpool.Pool
	config *config.DatabaseConfig
	Schema string
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Workers and reconcile share the pool
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return &DB{
		Pool:   pool,
		config: cfg,
		Schema: cfg.Schema,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "" {
		return nil
	}

	_, err := db.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", db.Schema, err)
	}

	slog.Info("schema ready", "schema", db.Schema)
	return nil
}

// RunMigrations applies the embedded migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	stdDB, err := db.openGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	if err := goose.UpContext(ctx, stdDB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", db.Schema)
	return nil
}

// MigrationStatus prints the state of every embedded migration
func (db *DB) MigrationStatus(ctx context.Context) error {
	stdDB, err := db.openGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	return goose.StatusContext(ctx, stdDB, "migrations")
}

func (db *DB) openGoose() (*sql.DB, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	}

	// Keep the version table next to the account's tables
	if db.Schema != "" {
		goose.SetTableName(db.Schema + ".goose_db_version")
	}

	stdDB, err := sql.Open("pgx", db.config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	return stdDB, nil
}

// GetStatus returns file and transfer counts
func (db *DB) GetStatus(ctx context.Context) (*SyncStatus, error) {
	status := &SyncStatus{
		Connected:         true,
		TransfersByStatus: make(map[TransferStatus]int),
	}

	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE NOT is_dir),
			COUNT(*) FILTER (WHERE NOT is_dir AND local_path IS NOT NULL),
			MAX(last_sync_at)
		FROM files
	`).Scan(&status.TotalFiles, &status.LocalFiles, &status.LastSyncTime)
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	rows, err := db.Pool.Query(ctx, "SELECT status, COUNT(*) FROM transfers GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count transfers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st TransferStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan transfer count: %w", err)
		}
		status.TransfersByStatus[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resumable, err := db.ListResumableUploads(ctx, "")
	if err != nil {
		slog.Warn("failed to count resumable uploads", "error", err)
	}
	status.ResumableUploads = len(resumable)

	return status, nil
}
