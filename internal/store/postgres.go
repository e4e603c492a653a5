package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/cardforge/cardfed/internal/config"
	"github.com/cardforge/cardfed/internal/platform"
)

// PostgresStore is the shared-database sync state backend, used when
// several editor instances reconcile against the same state.
type PostgresStore struct {
	Pool   *pgxpool.Pool
	cfg    *config.DatabaseConfig
	Schema string
}

// syncStateRow mirrors the sync_states table.
type syncStateRow struct {
	ID          uuid.UUID `db:"id"`
	LocalID     string    `db:"local_id"`
	FederatedID string    `db:"federated_id"`
	PlatformIDs []byte    `db:"platform_ids"`
	LastSync    []byte    `db:"last_sync"`
	VersionHash string    `db:"version_hash"`
	Status      string    `db:"status"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// NewPostgresStore creates a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg *config.DatabaseConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure pool settings
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to sync state database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return &PostgresStore{
		Pool:   pool,
		cfg:    cfg,
		Schema: cfg.Schema,
	}, nil
}

// Close closes the connection pool.
func (ps *PostgresStore) Close() error {
	if ps.Pool != nil {
		ps.Pool.Close()
		slog.Info("sync state database connection closed")
	}
	return nil
}

// Ping checks if the database is reachable.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist.
func (ps *PostgresStore) EnsureSchema(ctx context.Context) error {
	if ps.Schema == "" {
		return nil
	}

	_, err := ps.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", ps.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", ps.Schema, err)
	}

	slog.Info("schema ready", "schema", ps.Schema)
	return nil
}

// RunMigrations executes all pending database migrations.
func (ps *PostgresStore) RunMigrations(ctx context.Context, migrationsDir string) error {
	if err := ps.EnsureSchema(ctx); err != nil {
		return err
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", ps.cfg.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	defer stdDB.Close()

	// Scope the goose version table to our schema to avoid conflicts
	if ps.Schema != "" {
		goose.SetTableName(ps.Schema + ".goose_db_version")
	}

	if err := goose.Up(stdDB, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", ps.Schema)
	return nil
}

// List returns every record.
func (ps *PostgresStore) List(ctx context.Context) ([]*CardSyncState, error) {
	rows, err := ps.Pool.Query(ctx, `
		SELECT id, local_id, federated_id, platform_ids, last_sync,
			version_hash, status, updated_at
		FROM sync_states
		ORDER BY federated_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CardSyncState
	for rows.Next() {
		row := &syncStateRow{}
		if err := rows.Scan(
			&row.ID, &row.LocalID, &row.FederatedID, &row.PlatformIDs,
			&row.LastSync, &row.VersionHash, &row.Status, &row.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// Get returns the record for a federated id, or nil.
func (ps *PostgresStore) Get(ctx context.Context, federatedID string) (*CardSyncState, error) {
	return ps.queryOne(ctx, `
		SELECT id, local_id, federated_id, platform_ids, last_sync,
			version_hash, status, updated_at
		FROM sync_states WHERE federated_id = $1
	`, federatedID)
}

// Set upserts a record keyed by federated id.
func (ps *PostgresStore) Set(ctx context.Context, record *CardSyncState) error {
	if record.FederatedID == "" {
		return fmt.Errorf("record has no federated id")
	}

	platformIDs, err := json.Marshal(record.PlatformIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal platform ids: %w", err)
	}
	lastSync, err := json.Marshal(record.LastSync)
	if err != nil {
		return fmt.Errorf("failed to marshal sync timestamps: %w", err)
	}

	_, err = ps.Pool.Exec(ctx, `
		INSERT INTO sync_states (
			local_id, federated_id, platform_ids, last_sync,
			version_hash, status
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (federated_id) DO UPDATE SET
			local_id = EXCLUDED.local_id,
			platform_ids = EXCLUDED.platform_ids,
			last_sync = EXCLUDED.last_sync,
			version_hash = EXCLUDED.version_hash,
			status = EXCLUDED.status,
			updated_at = NOW()
	`,
		record.LocalID, record.FederatedID, platformIDs, lastSync,
		record.VersionHash, string(record.Status),
	)

	return err
}

// Delete removes a record.
func (ps *PostgresStore) Delete(ctx context.Context, federatedID string) error {
	_, err := ps.Pool.Exec(ctx, "DELETE FROM sync_states WHERE federated_id = $1", federatedID)
	return err
}

// FindByPlatformID returns the record holding remoteID for a platform.
func (ps *PostgresStore) FindByPlatformID(ctx context.Context, id platform.ID, remoteID string) (*CardSyncState, error) {
	if remoteID == "" {
		return nil, nil
	}
	return ps.queryOne(ctx, `
		SELECT id, local_id, federated_id, platform_ids, last_sync,
			version_hash, status, updated_at
		FROM sync_states WHERE platform_ids->>$1 = $2
		LIMIT 1
	`, string(id), remoteID)
}

func (ps *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*CardSyncState, error) {
	row := &syncStateRow{}
	err := ps.Pool.QueryRow(ctx, query, args...).Scan(
		&row.ID, &row.LocalID, &row.FederatedID, &row.PlatformIDs,
		&row.LastSync, &row.VersionHash, &row.Status, &row.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

func (row *syncStateRow) toRecord() (*CardSyncState, error) {
	rec := &CardSyncState{
		LocalID:     row.LocalID,
		FederatedID: row.FederatedID,
		VersionHash: row.VersionHash,
		Status:      Status(row.Status),
		PlatformIDs: make(map[platform.ID]string),
		LastSync:    make(map[platform.ID]time.Time),
	}
	if len(row.PlatformIDs) > 0 {
		if err := json.Unmarshal(row.PlatformIDs, &rec.PlatformIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal platform ids: %w", err)
		}
	}
	if len(row.LastSync) > 0 {
		if err := json.Unmarshal(row.LastSync, &rec.LastSync); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sync timestamps: %w", err)
		}
	}
	return rec, nil
}
