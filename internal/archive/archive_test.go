package archive

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"trip_archiver/internal/cache"
	"trip_archiver/internal/normalize"
	"trip_archiver/internal/storage"
	"trip_archiver/internal/trackfile"
	"trip_archiver/internal/trip"
)

type harness struct {
	redis   *miniredis.Miniredis
	cache   *cache.Client
	store   *storage.SQLiteStore
	tracks  *trackfile.Writer
	dir     string
	clients Clients
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cc, err := cache.New(ctx, cache.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("connect cache: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })

	st, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "trips.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.CreateSchema(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	dir := t.TempDir()
	tw, err := trackfile.New(dir)
	if err != nil {
		t.Fatalf("track writer: %v", err)
	}

	return &harness{
		redis:  mr,
		cache:  cc,
		store:  st,
		tracks: tw,
		dir:    dir,
		clients: Clients{
			Cache:  cc,
			Store:  st,
			Tracks: tw,
		},
	}
}

// seedTrip loads one completed trip into the fake cache, optionally with a
// three-entry track stream.
func (h *harness) seedTrip(tripID, startDate string, withStream bool) trip.Ref {
	ref := trip.Ref{TripID: tripID, StartDate: startDate}

	h.redis.Set("trip:"+tripID+":"+startDate+":status", "completed")
	h.redis.Set("trip:"+tripID+":"+startDate+":completion",
		`{"trip_id":"`+tripID+`","start_date":"`+startDate+`","vehicle_id":42,"route_id":"L1",`+
			`"start_time":"2025-09-01T05:00:00Z","status":"completed","total_positions":3}`)

	if withStream {
		stream := "trip:" + tripID + ":" + startDate + ":track"
		h.redis.XAdd(stream, "1756702800000-0", []string{
			"latitude", "40.4168", "longitude", "-3.7038", "current_status", "IN_TRANSIT_TO", "vehicle_id", "42",
		})
		h.redis.XAdd(stream, "1756702815000-0", []string{
			"latitude", "40.4171", "longitude", "-3.7031", "current_status", "STOPPED_AT", "vehicle_id", "42",
		})
		h.redis.XAdd(stream, "1756702830000-0", []string{
			"latitude", "40.4175", "longitude", "-3.7026", "current_status", "IN_TRANSIT_TO", "vehicle_id", "42",
		})
	}
	return ref
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type uploadCall struct {
	path string
	date time.Time
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []uploadCall
	fail  bool
}

func (f *fakeUploader) Upload(_ context.Context, localPath string, tripDate time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("connection refused")
	}
	f.calls = append(f.calls, uploadCall{path: localPath, date: tripDate})
	return "trips/" + tripDate.Format("2006/01/02") + "/" + filepath.Base(localPath), nil
}

func (f *fakeUploader) URI(key string) string {
	return "s3://test-bucket/" + key
}

type fakeMirror struct {
	mu   sync.Mutex
	rows int
	err  error
}

func (f *fakeMirror) InsertPositions(_ context.Context, _ trip.Ref, rs *normalize.RowSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows += rs.Len()
	return nil
}

func TestRunArchivesTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.seedTrip("21520", "20250901", true)

	up := &fakeUploader{}
	mirror := &fakeMirror{}
	h.clients.Uploads = up
	h.clients.Mirror = mirror

	c := New(h.clients, Options{Workers: 2}, testLogger())
	var events []*Event
	c.OnArchived(func(ev *Event) { events = append(events, ev) })

	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Discovered != 1 || sum.Archived != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 discovered, 1 archived, 0 failed", sum)
	}
	if sum.Rows != 3 {
		t.Errorf("Rows = %d, want 3", sum.Rows)
	}

	// Upload keyed by the trip's own start date.
	if len(up.calls) != 1 {
		t.Fatalf("uploader called %d times, want 1", len(up.calls))
	}
	if got := up.calls[0].date.Format("2006/01/02"); got != "2025/09/01" {
		t.Errorf("upload partition date = %s, want 2025/09/01", got)
	}

	// Local file removed after a successful upload.
	if _, err := os.Stat(up.calls[0].path); !os.IsNotExist(err) {
		t.Errorf("local file %s still present after upload", up.calls[0].path)
	}

	// Source keys cleaned up.
	for _, key := range []string{
		"trip:21520:20250901:status",
		"trip:21520:20250901:completion",
		"trip:21520:20250901:track",
	} {
		if h.redis.Exists(key) {
			t.Errorf("source key %s still present", key)
		}
	}

	// Metadata row stored.
	rec, err := h.store.GetTrip(ctx, "21520")
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	if rec == nil {
		t.Fatal("trips row missing")
	}
	if rec.VehicleID != 42 {
		t.Errorf("VehicleID = %d, want 42", rec.VehicleID)
	}

	// Audit row points at the remote copy.
	out, err := h.store.GetOutcome(ctx, ref)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out == nil || out.Status != storage.OutcomeCompleted {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	if !strings.HasPrefix(out.TrackFilePath, "s3://test-bucket/trips/2025/09/01/") {
		t.Errorf("TrackFilePath = %q, want s3://test-bucket/trips/2025/09/01/...", out.TrackFilePath)
	}

	if mirror.rows != 3 {
		t.Errorf("mirror received %d rows, want 3", mirror.rows)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].TripID != "21520" || events[0].Rows != 3 {
		t.Errorf("event = %+v, want trip 21520 with 3 rows", events[0])
	}
	if events[0].RunID != c.RunID() {
		t.Errorf("event RunID = %q, want %q", events[0].RunID, c.RunID())
	}
}

func TestRunUploadDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.seedTrip("21520", "20250901", true)

	c := New(h.clients, Options{}, testLogger())
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Archived != 1 {
		t.Fatalf("summary = %+v, want 1 archived", sum)
	}

	// Without an uploader the local file is the archive.
	out, err := h.store.GetOutcome(ctx, ref)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out == nil || out.Status != storage.OutcomeCompleted {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	if _, err := os.Stat(out.TrackFilePath); err != nil {
		t.Errorf("local track file %s: %v", out.TrackFilePath, err)
	}

	// Source keys are still removed once the file is durable locally.
	if h.redis.Exists("trip:21520:20250901:status") {
		t.Error("status key still present")
	}
}

func TestRunNoTrackData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.seedTrip("21520", "20250901", false)

	c := New(h.clients, Options{}, testLogger())
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Empty != 1 || sum.Archived != 0 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 empty", sum)
	}

	out, err := h.store.GetOutcome(ctx, ref)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out == nil || out.Status != storage.OutcomeCompleted {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	if out.TrackFilePath != "" {
		t.Errorf("TrackFilePath = %q, want empty", out.TrackFilePath)
	}

	// No file written, source keys retained for a later replay.
	files, err := h.tracks.ListTripFiles("21520")
	if err != nil {
		t.Fatalf("ListTripFiles: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("found %d track files, want 0", len(files))
	}
	if !h.redis.Exists("trip:21520:20250901:status") {
		t.Error("status key removed, want retained")
	}
	if !h.redis.Exists("trip:21520:20250901:completion") {
		t.Error("completion key removed, want retained")
	}
}

func TestRunUploadFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.seedTrip("21520", "20250901", true)

	h.clients.Uploads = &fakeUploader{fail: true}

	c := New(h.clients, Options{}, testLogger())
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 || sum.Archived != 0 {
		t.Fatalf("summary = %+v, want 1 failed", sum)
	}

	out, err := h.store.GetOutcome(ctx, ref)
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out == nil || out.Status != storage.OutcomeFailed {
		t.Fatalf("outcome = %+v, want failed", out)
	}
	if !strings.Contains(out.ErrorMessage, "upload track file") {
		t.Errorf("ErrorMessage = %q, want upload step named", out.ErrorMessage)
	}

	// Local file and source keys survive for the retry.
	if out.TrackFilePath == "" {
		t.Fatal("TrackFilePath empty, want the local file")
	}
	if _, err := os.Stat(out.TrackFilePath); err != nil {
		t.Errorf("local track file %s: %v", out.TrackFilePath, err)
	}
	if !h.redis.Exists("trip:21520:20250901:status") {
		t.Error("status key removed, want retained")
	}
	if !h.redis.Exists("trip:21520:20250901:track") {
		t.Error("stream key removed, want retained")
	}
}

func TestRunMirrorFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTrip("21520", "20250901", true)

	h.clients.Mirror = &fakeMirror{err: errors.New("clickhouse down")}

	c := New(h.clients, Options{}, testLogger())
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Archived != 1 || sum.Failed != 0 {
		t.Errorf("summary = %+v, want 1 archived despite mirror failure", sum)
	}
}

func TestRunFiltersByTripID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTrip("21520", "20250901", true)
	h.seedTrip("21999", "20250901", true)

	c := New(h.clients, Options{TripID: "21520"}, testLogger())
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Discovered != 1 || sum.Archived != 1 {
		t.Fatalf("summary = %+v, want exactly the filtered trip", sum)
	}

	// The other trip is untouched.
	if !h.redis.Exists("trip:21999:20250901:status") {
		t.Error("unfiltered trip's status key removed")
	}
	rec, err := h.store.GetTrip(ctx, "21999")
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	if rec != nil {
		t.Errorf("unfiltered trip stored: %+v", rec)
	}
}

func TestRunMissingCompletionFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Status key with no completion record.
	h.redis.Set("trip:77:20250901:status", "completed")

	c := New(h.clients, Options{}, testLogger())
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", sum)
	}

	out, err := h.store.GetOutcome(ctx, trip.Ref{TripID: "77", StartDate: "20250901"})
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out == nil || out.Status != storage.OutcomeFailed {
		t.Fatalf("outcome = %+v, want failed", out)
	}
	if !strings.Contains(out.ErrorMessage, "completion record missing") {
		t.Errorf("ErrorMessage = %q, want completion record missing", out.ErrorMessage)
	}
}

func TestPartitionDate(t *testing.T) {
	ref := trip.Ref{TripID: "21520", StartDate: "20250903"}
	tests := []struct {
		name string
		comp trip.Completion
		want string
	}{
		{"start_time wins", trip.Completion{"start_time": "2025-09-01T05:00:00Z", "end_time": "2025-09-02T01:00:00Z"}, "2025/09/01"},
		{"end_time fallback", trip.Completion{"end_time": "2025-09-02T01:00:00Z"}, "2025/09/02"},
		{"epoch seconds", trip.Completion{"start_time": float64(1756702800)}, "2025/09/01"},
		{"service day fallback", trip.Completion{}, "2025/09/03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := partitionDate(ref, tt.comp).UTC().Format("2006/01/02")
			if got != tt.want {
				t.Errorf("partitionDate = %s, want %s", got, tt.want)
			}
		})
	}

	t.Run("defaults to now", func(t *testing.T) {
		got := partitionDate(trip.Ref{TripID: "x", StartDate: "not-a-date"}, trip.Completion{})
		if time.Since(got) > time.Minute {
			t.Errorf("partitionDate = %v, want close to now", got)
		}
	})
}
