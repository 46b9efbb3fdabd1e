// Package storage persists trip metadata and processing outcomes. PostgreSQL
// is the production backend; SQLite serves single-host and development
// deployments behind the same interface.
package storage

import (
	"context"
	"fmt"
	"time"

	"trip_archiver/internal/trip"
)

// Outcome is a terminal processing state recorded in the audit log. Only
// terminal states are persisted; in-flight states live in process memory.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// TripRecord is one row of the trips table, built from a completion record.
type TripRecord struct {
	TripID             string
	StartDate          string
	ServiceDate        string
	VehicleID          int64
	RouteID            string
	RouteShortName     string
	RouteLongName      string
	LicensePlate       string
	StartTime          *time.Time
	EndTime            *time.Time
	ScheduledStartTime string
	ScheduledEndTime   string
	CompletedAt        *time.Time
	DurationSeconds    int64
	Status             string
	StopsServed        int64
	TotalPositions     int64
	UpdatedAt          time.Time
}

// AuditEntry is one row of the trip processing log, keyed by
// (trip_id, start_date).
type AuditEntry struct {
	TripID        string
	StartDate     string
	Status        Outcome
	TrackFilePath string
	ErrorMessage  string
	ProcessedAt   time.Time
}

// NewTripRecord maps a completion record onto the trips row. Field values
// arrive as strings or numbers depending on how the producer stored them;
// missing identifiers fall back to the trip reference.
func NewTripRecord(ref trip.Ref, c trip.Completion) TripRecord {
	rec := TripRecord{
		TripID:             c.String("trip_id", "id"),
		StartDate:          c.String("start_date"),
		ServiceDate:        c.String("service_date"),
		VehicleID:          c.Int64("vehicle_id"),
		RouteID:            c.String("route_id"),
		RouteShortName:     c.String("route_short_name"),
		RouteLongName:      c.String("route_long_name"),
		LicensePlate:       c.String("license_plate"),
		ScheduledStartTime: c.String("scheduled_start_time"),
		ScheduledEndTime:   c.String("scheduled_end_time"),
		DurationSeconds:    c.Int64("duration_seconds"),
		Status:             c.String("status"),
		StopsServed:        c.Int64("stops_served"),
		TotalPositions:     c.Int64("total_positions"),
	}
	if rec.TripID == "" {
		rec.TripID = ref.TripID
	}
	if rec.StartDate == "" {
		rec.StartDate = ref.StartDate
	}
	if rec.Status == "" {
		rec.Status = "completed"
	}
	if t := c.Time("start_time"); !t.IsZero() {
		rec.StartTime = &t
	}
	if t := c.Time("end_time"); !t.IsZero() {
		rec.EndTime = &t
	}
	if t := c.Time("completed_at"); !t.IsZero() {
		rec.CompletedAt = &t
	}
	return rec
}

// Store is the metadata backend: trip rows keyed by trip_id and audit rows
// keyed by (trip_id, start_date), both with upsert semantics.
type Store interface {
	CreateSchema(ctx context.Context) error
	UpsertTrip(ctx context.Context, rec TripRecord) error
	GetTrip(ctx context.Context, tripID string) (*TripRecord, error)
	RecordOutcome(ctx context.Context, e AuditEntry) error
	GetOutcome(ctx context.Context, ref trip.Ref) (*AuditEntry, error)
	Close() error
}

// Config selects and configures the metadata backend.
type Config struct {
	Driver     string // "postgres" or "sqlite"
	Postgres   PostgresConfig
	SQLitePath string
}

// Open opens the configured metadata store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, cfg.Postgres)
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
