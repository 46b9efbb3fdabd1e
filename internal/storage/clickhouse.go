package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"trip_archiver/internal/normalize"
	"trip_archiver/internal/trip"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseMirror wraps a ClickHouse connection for the analytical copy of
// track positions. The parquet file in object storage stays the source of
// truth; this table exists for ad hoc queries.
type ClickHouseMirror struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseMirror, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseMirror{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (m *ClickHouseMirror) Close() error {
	return m.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (m *ClickHouseMirror) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trip_positions (
			trip_id         LowCardinality(String),
			start_date      LowCardinality(String),
			message_id      String,
			timestamp       DateTime,
			latitude        Float64,
			longitude       Float64,
			vehicle_id      UInt32,
			route_id        LowCardinality(String),
			status          UInt8,
			speed           Float64,
			bearing         Float64,
			inserted_at     DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (trip_id, start_date, timestamp)
		SETTINGS index_granularity = 8192`,
	}

	for _, q := range queries {
		if err := m.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	return nil
}

// InsertPositions mirrors a normalized track into trip_positions. Columns the
// track does not carry are written as zero values.
func (m *ClickHouseMirror) InsertPositions(ctx context.Context, ref trip.Ref, rs *normalize.RowSet) error {
	if rs.Len() == 0 {
		return nil
	}

	batch, err := m.conn.PrepareBatch(ctx, `
		INSERT INTO trip_positions (trip_id, start_date, message_id, timestamp, latitude, longitude, vehicle_id, route_id, status, speed, bearing)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	messageID, _ := rs.Column("message_id")
	timestamp, _ := rs.Column("timestamp")
	latitude := firstColumn(rs, "latitude", "lat")
	longitude := firstColumn(rs, "longitude", "lon")
	vehicleID, _ := rs.Column("vehicle_id")
	routeID, _ := rs.Column("route_id")
	status := firstColumn(rs, "current_status", "status")
	speed, _ := rs.Column("speed")
	bearing, _ := rs.Column("bearing")

	for i := 0; i < rs.Len(); i++ {
		ts := time.Unix(columnInt64(timestamp, i), 0).UTC()
		err := batch.Append(
			ref.TripID,
			ref.StartDate,
			columnString(messageID, i),
			ts,
			columnFloat64(latitude, i),
			columnFloat64(longitude, i),
			uint32(columnInt64(vehicleID, i)),
			columnString(routeID, i),
			uint8(columnInt64(status, i)),
			columnFloat64(speed, i),
			columnFloat64(bearing, i),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// firstColumn returns the first of the named columns present in the row set.
func firstColumn(rs *normalize.RowSet, names ...string) *normalize.Column {
	for _, name := range names {
		if col, ok := rs.Column(name); ok {
			return col
		}
	}
	return nil
}

// columnFloat64 reads a cell as float64 regardless of the column's width.
func columnFloat64(col *normalize.Column, i int) float64 {
	if col == nil {
		return 0
	}
	switch v := col.Values[i].(type) {
	case float64:
		return v
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// columnInt64 reads a cell as int64 regardless of the column's width.
func columnInt64(col *normalize.Column, i int) int64 {
	if col == nil {
		return 0
	}
	switch v := col.Values[i].(type) {
	case float64:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// columnString reads a cell as text.
func columnString(col *normalize.Column, i int) string {
	if col == nil {
		return ""
	}
	if s, ok := col.Values[i].(string); ok {
		return s
	}
	return fmt.Sprint(col.Values[i])
}
