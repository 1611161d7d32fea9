package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/ride-tracker/internal/models"
)

// PostgresArchive stores finished rides in the ride_history table.
type PostgresArchive struct {
	db *sqlx.DB
}

func NewPostgresArchive(ctx context.Context, dsn string) (*PostgresArchive, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresArchive{db: db}, nil
}

// Migrate applies a schema file, e.g. migrations/001_create_ride_history.sql.
func (p *PostgresArchive) Migrate(ctx context.Context, path string) error {
	ddl, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

const upsertHistory = `
INSERT INTO ride_history (
	ride_id, phase, pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address, driver_id, driver_name,
	fare_amount, currency, archived_at
) VALUES (
	:ride_id, :phase, :pickup_lat, :pickup_lng, :pickup_address,
	:dropoff_lat, :dropoff_lng, :dropoff_address, :driver_id, :driver_name,
	:fare_amount, :currency, :archived_at
)
ON CONFLICT (ride_id) DO UPDATE SET
	phase = EXCLUDED.phase,
	driver_id = EXCLUDED.driver_id,
	driver_name = EXCLUDED.driver_name,
	fare_amount = EXCLUDED.fare_amount,
	currency = EXCLUDED.currency,
	archived_at = EXCLUDED.archived_at`

func (p *PostgresArchive) ArchiveRide(ctx context.Context, h models.HistoryEntry) error {
	if _, err := p.db.NamedExecContext(ctx, upsertHistory, h); err != nil {
		return fmt.Errorf("archive ride %s: %w", h.RideID, err)
	}
	return nil
}

func (p *PostgresArchive) History(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.HistoryEntry
	err := p.db.SelectContext(ctx, &out, `
SELECT ride_id, phase, pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address, driver_id, driver_name,
	fare_amount, currency, archived_at
FROM ride_history
ORDER BY archived_at DESC, ride_id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ride history: %w", err)
	}
	return out, nil
}

func (p *PostgresArchive) Close() error { return p.db.Close() }
