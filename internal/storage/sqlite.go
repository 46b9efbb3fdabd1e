package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"trip_archiver/internal/trip"
)

// SQLiteStore wraps a SQLite database for trip metadata storage. Timestamps
// are stored as RFC3339 text.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSchema creates the SQLite tables.
func (s *SQLiteStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS trips (
		trip_id              TEXT PRIMARY KEY,
		start_date           TEXT NOT NULL,
		service_date         TEXT,
		vehicle_id           INTEGER,
		route_id             TEXT,
		route_short_name     TEXT,
		route_long_name      TEXT,
		license_plate        TEXT,
		start_time           TEXT,
		end_time             TEXT,
		scheduled_start_time TEXT,
		scheduled_end_time   TEXT,
		completed_at         TEXT,
		duration_seconds     INTEGER,
		status               TEXT NOT NULL DEFAULT 'completed',
		stops_served         INTEGER,
		total_positions      INTEGER,
		created_at           TEXT DEFAULT (datetime('now')),
		updated_at           TEXT DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_trips_start_date ON trips(start_date);
	CREATE INDEX IF NOT EXISTS idx_trips_vehicle ON trips(vehicle_id);

	CREATE TABLE IF NOT EXISTS trip_processing_log (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		trip_id           TEXT NOT NULL,
		start_date        TEXT NOT NULL,
		processing_status TEXT NOT NULL,
		parquet_file_path TEXT,
		error_message     TEXT,
		processed_at      TEXT DEFAULT (datetime('now')),
		UNIQUE (trip_id, start_date)
	);

	CREATE INDEX IF NOT EXISTS idx_processing_log_status ON trip_processing_log(processing_status);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

// UpsertTrip inserts or updates a trip metadata record.
func (s *SQLiteStore) UpsertTrip(ctx context.Context, rec TripRecord) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trips (
			trip_id, start_date, service_date, vehicle_id, route_id,
			route_short_name, route_long_name, license_plate,
			start_time, end_time, scheduled_start_time, scheduled_end_time,
			completed_at, duration_seconds, status, stops_served, total_positions, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id) DO UPDATE SET
			start_date = excluded.start_date,
			service_date = excluded.service_date,
			vehicle_id = excluded.vehicle_id,
			route_id = excluded.route_id,
			route_short_name = excluded.route_short_name,
			route_long_name = excluded.route_long_name,
			license_plate = excluded.license_plate,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			scheduled_start_time = excluded.scheduled_start_time,
			scheduled_end_time = excluded.scheduled_end_time,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			status = excluded.status,
			stops_served = excluded.stops_served,
			total_positions = excluded.total_positions,
			updated_at = excluded.updated_at
	`, rec.TripID, rec.StartDate, rec.ServiceDate, rec.VehicleID, rec.RouteID,
		rec.RouteShortName, rec.RouteLongName, rec.LicensePlate,
		timeText(rec.StartTime), timeText(rec.EndTime), rec.ScheduledStartTime, rec.ScheduledEndTime,
		timeText(rec.CompletedAt), rec.DurationSeconds, rec.Status, rec.StopsServed, rec.TotalPositions, now)
	return err
}

// GetTrip retrieves a trip metadata record by trip ID.
func (s *SQLiteStore) GetTrip(ctx context.Context, tripID string) (*TripRecord, error) {
	var rec TripRecord
	var startTime, endTime, completedAt, updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT trip_id, start_date, service_date, vehicle_id, route_id,
			route_short_name, route_long_name, license_plate,
			start_time, end_time, scheduled_start_time, scheduled_end_time,
			completed_at, duration_seconds, status, stops_served, total_positions, updated_at
		FROM trips WHERE trip_id = ?
	`, tripID).Scan(&rec.TripID, &rec.StartDate, &rec.ServiceDate, &rec.VehicleID, &rec.RouteID,
		&rec.RouteShortName, &rec.RouteLongName, &rec.LicensePlate,
		&startTime, &endTime, &rec.ScheduledStartTime, &rec.ScheduledEndTime,
		&completedAt, &rec.DurationSeconds, &rec.Status, &rec.StopsServed, &rec.TotalPositions, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if startTime.Valid {
		if t, err := time.Parse(time.RFC3339, startTime.String); err == nil {
			rec.StartTime = &t
		}
	}
	if endTime.Valid {
		if t, err := time.Parse(time.RFC3339, endTime.String); err == nil {
			rec.EndTime = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			rec.CompletedAt = &t
		}
	}
	if updatedAt.Valid {
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}
	return &rec, nil
}

// RecordOutcome inserts or updates the audit row for a trip instance.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, e AuditEntry) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trip_processing_log (trip_id, start_date, processing_status, parquet_file_path, error_message, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id, start_date) DO UPDATE SET
			processing_status = excluded.processing_status,
			parquet_file_path = excluded.parquet_file_path,
			error_message = excluded.error_message,
			processed_at = excluded.processed_at
	`, e.TripID, e.StartDate, string(e.Status), e.TrackFilePath, e.ErrorMessage, now)
	return err
}

// GetOutcome retrieves the audit row for a trip instance.
func (s *SQLiteStore) GetOutcome(ctx context.Context, ref trip.Ref) (*AuditEntry, error) {
	var e AuditEntry
	var status string
	var processedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT trip_id, start_date, processing_status, parquet_file_path, error_message, processed_at
		FROM trip_processing_log WHERE trip_id = ? AND start_date = ?
	`, ref.TripID, ref.StartDate).Scan(&e.TripID, &e.StartDate, &status, &e.TrackFilePath, &e.ErrorMessage, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.Status = Outcome(status)
	if processedAt.Valid {
		e.ProcessedAt, _ = time.Parse(time.RFC3339, processedAt.String)
	}
	return &e, nil
}

// timeText formats an optional timestamp for storage, passing NULL through.
func timeText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
