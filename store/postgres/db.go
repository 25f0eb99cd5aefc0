package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// tableDescriptor statically declares one table: its name and DDL. The set of
// descriptors is fixed at build time; no schema information is inferred at
// runtime.
type tableDescriptor struct {
	Name string
	DDL  string
}

// tables lists every table the store owns, in creation order.
var tables = []tableDescriptor{
	{
		Name: "fanverse_broadcasts",
		DDL: `
	CREATE TABLE IF NOT EXISTS fanverse_broadcasts (
		broadcast_id VARCHAR(255) PRIMARY KEY,
		message JSONB NOT NULL,
		target_user_ids TEXT[],
		priority VARCHAR(16) NOT NULL DEFAULT 'normal'
			CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
		status VARCHAR(16) NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
		total BIGINT NOT NULL DEFAULT 0,
		delivered BIGINT NOT NULL DEFAULT 0,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		last_delivery_at TIMESTAMP,
		expires_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_fanverse_broadcasts_status
		ON fanverse_broadcasts(status, created_at);
	`,
	},
	{
		Name: "fanverse_registrations",
		DDL: `
	CREATE TABLE IF NOT EXISTS fanverse_registrations (
		user_id VARCHAR(255) PRIMARY KEY,
		shard_id INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_fanverse_registrations_shard
		ON fanverse_registrations(shard_id, active);
	`,
	},
	{
		Name: "fanverse_pending_messages",
		DDL: `
	CREATE TABLE IF NOT EXISTS fanverse_pending_messages (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		session_id VARCHAR(255),
		msg_type VARCHAR(64) NOT NULL DEFAULT 'broadcast',
		broadcast_id VARCHAR(255),
		payload BYTEA NOT NULL,
		priority VARCHAR(16) NOT NULL DEFAULT 'normal'
			CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
		priority_rank INTEGER NOT NULL DEFAULT 1,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		scheduled_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_fanverse_pending_user_sched
		ON fanverse_pending_messages(user_id, scheduled_at);
	`,
	},
	{
		Name: "fanverse_cleanup_operations",
		DDL: `
	CREATE TABLE IF NOT EXISTS fanverse_cleanup_operations (
		cleanup_id VARCHAR(255) PRIMARY KEY,
		shard_id INTEGER NOT NULL,
		removed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'completed', 'failed')),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`,
	},
}

// DB wraps a PostgreSQL database connection with utility methods
type DB struct {
	conn   *sql.DB
	config *Config
}

// NewDB creates a new database connection using the provided configuration
func NewDB(config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:   conn,
		config: config,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Connection returns the underlying sql.DB connection
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InitSchema creates every table from the static descriptors.
func (db *DB) InitSchema(ctx context.Context) error {
	for _, table := range tables {
		if _, err := db.conn.ExecContext(ctx, table.DDL); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
	}
	return nil
}

// TableNames returns the names of all tables the store owns.
func TableNames() []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name)
	}
	return names
}
