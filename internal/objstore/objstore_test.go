package objstore

import (
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	date := time.Date(2025, 9, 1, 6, 15, 0, 0, time.UTC)

	tests := []struct {
		prefix   string
		filename string
		want     string
	}{
		{"trips", "trip_21520_20250901_20250901_061500.parquet", "trips/2025/09/01/trip_21520_20250901_20250901_061500.parquet"},
		{"archive/tracks", "t.parquet", "archive/tracks/2025/09/01/t.parquet"},
	}
	for _, tt := range tests {
		got := objectKey(tt.prefix, date, tt.filename)
		if got != tt.want {
			t.Errorf("objectKey(%q, ..., %q) = %q, want %q", tt.prefix, tt.filename, got, tt.want)
		}
	}
}

func TestURI(t *testing.T) {
	c := &Client{bucket: "vehicle-tracks", prefix: "trips"}

	got := c.URI("trips/2025/09/01/t.parquet")
	want := "s3://vehicle-tracks/trips/2025/09/01/t.parquet"
	if got != want {
		t.Errorf("URI = %q, want %q", got, want)
	}
}

func TestDayPrefix(t *testing.T) {
	c := &Client{bucket: "vehicle-tracks", prefix: "trips"}

	got := c.DayPrefix(time.Date(2025, 9, 1, 23, 59, 0, 0, time.UTC))
	want := "trips/2025/09/01/"
	if got != want {
		t.Errorf("DayPrefix = %q, want %q", got, want)
	}
}
