package database

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
)

// Database keeps the durable trail of frame results, alert transitions and
// heatmap exports. The live analytics state is in memory only.
type Database struct {
	DB  *sql.DB
	log zerolog.Logger
}

// New opens the connection and verifies it.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{DB: db, log: log.With().Str("component", "database").Logger()}, nil
}

// Init creates the required tables if they don't exist
func (d *Database) Init(ctx context.Context) error {
	createTables := `
	CREATE TABLE IF NOT EXISTS frame_results (
		frame_id TEXT PRIMARY KEY,
		camera_id TEXT NOT NULL,
		frame_time TIMESTAMPTZ NOT NULL,
		detections INTEGER NOT NULL,
		total_gaps INTEGER NOT NULL,
		queue_length DOUBLE PRECISION,
		queue_alert BOOLEAN,
		heatmap_updated BOOLEAN NOT NULL,
		errors INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS gap_reports (
		frame_id TEXT NOT NULL REFERENCES frame_results(frame_id) ON DELETE CASCADE,
		shelf_id TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		PRIMARY KEY (frame_id, shelf_id)
	);

	CREATE TABLE IF NOT EXISTS queue_alerts (
		id TEXT PRIMARY KEY,
		camera_id TEXT NOT NULL,
		alert BOOLEAN NOT NULL,
		queue_length DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		changed_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS queue_alerts_camera_idx ON queue_alerts (camera_id, changed_at DESC);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		camera_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;

	CREATE TABLE IF NOT EXISTS heatmap_exports (
		export_id TEXT PRIMARY KEY,
		camera_id TEXT NOT NULL,
		object_key TEXT NOT NULL,
		total_footfall BIGINT NOT NULL,
		session_started TIMESTAMPTZ NOT NULL,
		exported_at TIMESTAMPTZ NOT NULL,
		reset BOOLEAN NOT NULL
	);
	`

	_, err := d.DB.ExecContext(ctx, createTables)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.DB.Close()
}
