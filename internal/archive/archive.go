// Package archive coordinates the end-to-end archival of completed trips:
// discovery in the cache, metadata upsert, track normalization, parquet
// export, upload and source cleanup. Every trip ends in the audit log as
// completed or failed.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"trip_archiver/internal/cache"
	"trip_archiver/internal/normalize"
	"trip_archiver/internal/storage"
	"trip_archiver/internal/trackfile"
	"trip_archiver/internal/trip"
)

// Uploader sends finished track files to object storage.
type Uploader interface {
	Upload(ctx context.Context, localPath string, tripDate time.Time) (string, error)
	URI(key string) string
}

// PositionMirror receives an analytical copy of each normalized track.
type PositionMirror interface {
	InsertPositions(ctx context.Context, ref trip.Ref, rs *normalize.RowSet) error
}

// Clients bundles the backends one run works against. Cache, Store and
// Tracks are required; Uploads and Mirror may be nil to disable those
// stages. The concrete clients pool their own connections, so one bundle
// serves all workers.
type Clients struct {
	Cache   *cache.Client
	Store   storage.Store
	Tracks  *trackfile.Writer
	Uploads Uploader
	Mirror  PositionMirror
}

// Options tunes a coordinator run.
type Options struct {
	Workers    int    // concurrent trips, default 5
	MinAgeDays int    // only archive trips whose start date is at least this old
	TripID     string // restrict the run to one trip ID
	StartDate  string // restrict the run to one start date
}

// Summary aggregates one run's results. Empty counts trips that completed
// without track data to export.
type Summary struct {
	Discovered int
	Archived   int
	Empty      int
	Failed     int
	Rows       int64
}

// Event describes one archived trip for downstream consumers.
type Event struct {
	RunID      string    `json:"run_id"`
	TripID     string    `json:"trip_id"`
	StartDate  string    `json:"start_date"`
	Rows       int       `json:"rows"`
	Path       string    `json:"path"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Coordinator fans eligible trips out over a fixed-size worker pool.
type Coordinator struct {
	clients Clients
	opts    Options
	log     *slog.Logger
	runID   string

	onArchived func(*Event)

	mu  sync.Mutex
	sum Summary
}

// New creates a coordinator with its own run ID.
func New(clients Clients, opts Options, log *slog.Logger) *Coordinator {
	if opts.Workers < 1 {
		opts.Workers = 5
	}
	return &Coordinator{
		clients: clients,
		opts:    opts,
		log:     log,
		runID:   uuid.NewString(),
	}
}

// OnArchived sets a callback invoked after each successfully archived trip.
func (c *Coordinator) OnArchived(fn func(*Event)) {
	c.onArchived = fn
}

// RunID identifies this coordinator in logs and events.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Run archives every eligible completed trip and reports the totals. A
// canceled context stops dispatching new trips; trips already in flight
// finish first.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	refs, err := c.clients.Cache.CompletedTrips(ctx, c.opts.MinAgeDays)
	if err != nil {
		return Summary{}, fmt.Errorf("discover completed trips: %w", err)
	}
	refs = c.filter(refs)

	c.mu.Lock()
	c.sum = Summary{Discovered: len(refs)}
	c.mu.Unlock()

	if len(refs) == 0 {
		c.log.Info("no completed trips ready to archive", "run_id", c.runID)
		return c.summary(), nil
	}

	c.log.Info("archiving completed trips",
		"run_id", c.runID,
		"count", len(refs),
		"workers", c.opts.Workers)

	sem := make(chan struct{}, c.opts.Workers)
	var wg sync.WaitGroup

	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(ref trip.Ref) {
			defer wg.Done()
			defer func() { <-sem }()
			c.archiveTrip(ctx, ref)
		}(ref)
	}

	wg.Wait()

	sum := c.summary()
	c.log.Info("run finished",
		"run_id", c.runID,
		"discovered", sum.Discovered,
		"archived", sum.Archived,
		"empty", sum.Empty,
		"failed", sum.Failed,
		"rows", sum.Rows)
	return sum, ctx.Err()
}

// archiveTrip walks one trip through the pipeline. Failures keep the source
// keys and any local file so the next run can retry.
func (c *Coordinator) archiveTrip(ctx context.Context, ref trip.Ref) {
	log := c.log.With("run_id", c.runID, "trip_id", ref.TripID, "start_date", ref.StartDate)

	defer func() {
		if r := recover(); r != nil {
			log.Error("archive panicked", "panic", r)
			c.fail(ctx, ref, "", fmt.Sprintf("panic: %v", r))
		}
	}()

	comp, err := c.clients.Cache.Completion(ctx, ref)
	if err != nil {
		log.Error("read completion record", "error", err)
		c.fail(ctx, ref, "", fmt.Sprintf("read completion record: %v", err))
		return
	}
	if comp == nil {
		log.Error("completion record missing")
		c.fail(ctx, ref, "", "completion record missing")
		return
	}

	if err := c.clients.Store.UpsertTrip(ctx, storage.NewTripRecord(ref, comp)); err != nil {
		log.Error("store trip metadata", "error", err)
		c.fail(ctx, ref, "", fmt.Sprintf("store trip metadata: %v", err))
		return
	}

	streamKey, err := c.clients.Cache.FindStream(ctx, ref)
	if err != nil {
		log.Error("find track stream", "error", err)
		c.fail(ctx, ref, "", fmt.Sprintf("find track stream: %v", err))
		return
	}

	var entries []trip.StreamEntry
	if streamKey != "" {
		entries, err = c.clients.Cache.StreamEntries(ctx, streamKey)
		if err != nil {
			log.Error("read track stream", "stream", streamKey, "error", err)
			c.fail(ctx, ref, "", fmt.Sprintf("read track stream: %v", err))
			return
		}
	}

	if len(entries) == 0 {
		// Metadata is stored but there is nothing to export. Keep the
		// source keys in case the track shows up before the next run.
		log.Warn("no track data", "stream", streamKey)
		e := storage.AuditEntry{TripID: ref.TripID, StartDate: ref.StartDate, Status: storage.OutcomeCompleted}
		if err := c.clients.Store.RecordOutcome(ctx, e); err != nil {
			log.Error("record outcome", "error", err)
			c.fail(ctx, ref, "", fmt.Sprintf("record outcome: %v", err))
			return
		}
		c.mu.Lock()
		c.sum.Empty++
		c.mu.Unlock()
		return
	}

	rs := normalize.Normalize(entries)
	localPath, err := c.clients.Tracks.Write(ref, rs)
	if err != nil {
		log.Error("write track file", "error", err)
		c.fail(ctx, ref, "", fmt.Sprintf("write track file: %v", err))
		return
	}

	if c.clients.Mirror != nil {
		// The mirror is advisory; a failed insert never blocks archival.
		if err := c.clients.Mirror.InsertPositions(ctx, ref, rs); err != nil {
			log.Warn("mirror positions", "error", err)
		}
	}

	archivePath := localPath
	uploaded := false
	if c.clients.Uploads != nil {
		key, err := c.clients.Uploads.Upload(ctx, localPath, partitionDate(ref, comp))
		if err != nil {
			log.Error("upload track file", "error", err)
			c.fail(ctx, ref, localPath, fmt.Sprintf("upload track file: %v", err))
			return
		}
		archivePath = c.clients.Uploads.URI(key)
		uploaded = true
	}

	// The audit row lands before anything is deleted, so a crash between
	// here and cleanup can only leave extra data behind, never lose it.
	entry := storage.AuditEntry{
		TripID:        ref.TripID,
		StartDate:     ref.StartDate,
		Status:        storage.OutcomeCompleted,
		TrackFilePath: archivePath,
	}
	if err := c.clients.Store.RecordOutcome(ctx, entry); err != nil {
		log.Error("record outcome", "error", err)
		c.fail(ctx, ref, localPath, fmt.Sprintf("record outcome: %v", err))
		return
	}

	if uploaded {
		if err := os.Remove(localPath); err != nil {
			log.Warn("remove local track file", "path", localPath, "error", err)
		}
	}
	if err := c.clients.Cache.DeleteTrip(ctx, ref); err != nil {
		log.Warn("delete source keys", "error", err)
	}

	c.mu.Lock()
	c.sum.Archived++
	c.sum.Rows += int64(rs.Len())
	c.mu.Unlock()

	if c.onArchived != nil {
		c.onArchived(&Event{
			RunID:      c.runID,
			TripID:     ref.TripID,
			StartDate:  ref.StartDate,
			Rows:       rs.Len(),
			Path:       archivePath,
			ArchivedAt: time.Now().UTC(),
		})
	}

	log.Info("trip archived", "rows", rs.Len(), "path", archivePath, "uploaded", uploaded)
}

// fail records a failed outcome. The audit write itself is best-effort.
func (c *Coordinator) fail(ctx context.Context, ref trip.Ref, path, msg string) {
	e := storage.AuditEntry{
		TripID:        ref.TripID,
		StartDate:     ref.StartDate,
		Status:        storage.OutcomeFailed,
		TrackFilePath: path,
		ErrorMessage:  msg,
	}
	if err := c.clients.Store.RecordOutcome(ctx, e); err != nil {
		c.log.Error("record failed outcome", "trip_id", ref.TripID, "error", err)
	}

	c.mu.Lock()
	c.sum.Failed++
	c.mu.Unlock()
}

func (c *Coordinator) filter(refs []trip.Ref) []trip.Ref {
	if c.opts.TripID == "" && c.opts.StartDate == "" {
		return refs
	}
	var out []trip.Ref
	for _, r := range refs {
		if c.opts.TripID != "" && r.TripID != c.opts.TripID {
			continue
		}
		if c.opts.StartDate != "" && r.StartDate != c.opts.StartDate {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (c *Coordinator) summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sum
}

// partitionDate picks the object storage date partition for a trip: its own
// start time when the completion record carries one, otherwise its end time,
// otherwise the service day from the reference, otherwise the upload day.
func partitionDate(ref trip.Ref, c trip.Completion) time.Time {
	if t := c.Time("start_time"); !t.IsZero() {
		return t
	}
	if t := c.Time("end_time"); !t.IsZero() {
		return t
	}
	if t, err := time.Parse("20060102", ref.StartDate); err == nil {
		return t
	}
	return time.Now().UTC()
}
