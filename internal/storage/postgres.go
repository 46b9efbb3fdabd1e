package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trip_archiver/internal/trip"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresStore wraps a PostgreSQL connection pool for trip metadata storage.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateSchema creates the PostgreSQL tables.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := `
	-- Trip metadata from completion records
	CREATE TABLE IF NOT EXISTS trips (
		trip_id              TEXT PRIMARY KEY,
		start_date           TEXT NOT NULL,
		service_date         TEXT,
		vehicle_id           BIGINT,
		route_id             TEXT,
		route_short_name     TEXT,
		route_long_name      TEXT,
		license_plate        TEXT,
		start_time           TIMESTAMPTZ,
		end_time             TIMESTAMPTZ,
		scheduled_start_time TEXT,
		scheduled_end_time   TEXT,
		completed_at         TIMESTAMPTZ,
		duration_seconds     BIGINT,
		status               TEXT NOT NULL DEFAULT 'completed',
		stops_served         INTEGER,
		total_positions      INTEGER,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_trips_start_date ON trips(start_date);
	CREATE INDEX IF NOT EXISTS idx_trips_vehicle ON trips(vehicle_id);
	CREATE INDEX IF NOT EXISTS idx_trips_route ON trips(route_id);

	-- Audit: one row per trip instance, latest outcome wins
	CREATE TABLE IF NOT EXISTS trip_processing_log (
		id                SERIAL PRIMARY KEY,
		trip_id           TEXT NOT NULL,
		start_date        TEXT NOT NULL,
		processing_status TEXT NOT NULL,
		parquet_file_path TEXT,
		error_message     TEXT,
		processed_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (trip_id, start_date)
	);

	CREATE INDEX IF NOT EXISTS idx_processing_log_status ON trip_processing_log(processing_status);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}

// UpsertTrip inserts or updates a trip metadata record.
func (s *PostgresStore) UpsertTrip(ctx context.Context, rec TripRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trips (
			trip_id, start_date, service_date, vehicle_id, route_id,
			route_short_name, route_long_name, license_plate,
			start_time, end_time, scheduled_start_time, scheduled_end_time,
			completed_at, duration_seconds, status, stops_served, total_positions
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (trip_id) DO UPDATE SET
			start_date = EXCLUDED.start_date,
			service_date = EXCLUDED.service_date,
			vehicle_id = EXCLUDED.vehicle_id,
			route_id = EXCLUDED.route_id,
			route_short_name = EXCLUDED.route_short_name,
			route_long_name = EXCLUDED.route_long_name,
			license_plate = EXCLUDED.license_plate,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			scheduled_start_time = EXCLUDED.scheduled_start_time,
			scheduled_end_time = EXCLUDED.scheduled_end_time,
			completed_at = EXCLUDED.completed_at,
			duration_seconds = EXCLUDED.duration_seconds,
			status = EXCLUDED.status,
			stops_served = EXCLUDED.stops_served,
			total_positions = EXCLUDED.total_positions,
			updated_at = NOW()
	`, rec.TripID, rec.StartDate, rec.ServiceDate, rec.VehicleID, rec.RouteID,
		rec.RouteShortName, rec.RouteLongName, rec.LicensePlate,
		rec.StartTime, rec.EndTime, rec.ScheduledStartTime, rec.ScheduledEndTime,
		rec.CompletedAt, rec.DurationSeconds, rec.Status, rec.StopsServed, rec.TotalPositions)
	return err
}

// GetTrip retrieves a trip metadata record by trip ID.
func (s *PostgresStore) GetTrip(ctx context.Context, tripID string) (*TripRecord, error) {
	var rec TripRecord
	var startTime, endTime, completedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT trip_id, start_date, service_date, vehicle_id, route_id,
			route_short_name, route_long_name, license_plate,
			start_time, end_time, scheduled_start_time, scheduled_end_time,
			completed_at, duration_seconds, status, stops_served, total_positions, updated_at
		FROM trips WHERE trip_id = $1
	`, tripID).Scan(&rec.TripID, &rec.StartDate, &rec.ServiceDate, &rec.VehicleID, &rec.RouteID,
		&rec.RouteShortName, &rec.RouteLongName, &rec.LicensePlate,
		&startTime, &endTime, &rec.ScheduledStartTime, &rec.ScheduledEndTime,
		&completedAt, &rec.DurationSeconds, &rec.Status, &rec.StopsServed, &rec.TotalPositions, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.StartTime = startTime
	rec.EndTime = endTime
	rec.CompletedAt = completedAt
	return &rec, nil
}

// RecordOutcome inserts or updates the audit row for a trip instance.
func (s *PostgresStore) RecordOutcome(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trip_processing_log (trip_id, start_date, processing_status, parquet_file_path, error_message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (trip_id, start_date) DO UPDATE SET
			processing_status = EXCLUDED.processing_status,
			parquet_file_path = EXCLUDED.parquet_file_path,
			error_message = EXCLUDED.error_message,
			processed_at = NOW()
	`, e.TripID, e.StartDate, string(e.Status), e.TrackFilePath, e.ErrorMessage)
	return err
}

// GetOutcome retrieves the audit row for a trip instance.
func (s *PostgresStore) GetOutcome(ctx context.Context, ref trip.Ref) (*AuditEntry, error) {
	var e AuditEntry
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT trip_id, start_date, processing_status, parquet_file_path, error_message, processed_at
		FROM trip_processing_log WHERE trip_id = $1 AND start_date = $2
	`, ref.TripID, ref.StartDate).Scan(&e.TripID, &e.StartDate, &status, &e.TrackFilePath, &e.ErrorMessage, &e.ProcessedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Status = Outcome(status)
	return &e, nil
}
