// Command trip_archiver moves completed transit trips out of the live Redis
// cache: trip metadata into the trip store, track points into parquet files,
// and optionally on to object storage, a ClickHouse mirror and NATS events.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trip_archiver/internal/archive"
	"trip_archiver/internal/cache"
	"trip_archiver/internal/config"
	"trip_archiver/internal/objstore"
	"trip_archiver/internal/storage"
	"trip_archiver/internal/trackfile"
	"trip_archiver/internal/trip"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "trip_archiver - archive completed trips out of the live cache")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run    Archive eligible completed trips")
	fmt.Fprintln(w, "  list   List completed trips waiting in the cache")
	fmt.Fprintln(w, "  info   Show stored metadata and track files for one trip")
	fmt.Fprintln(w, "  init   Create store schemas and the upload bucket")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  trip_archiver run [-config FILE] [-workers N] [-min-age-days N] [-output-dir DIR] [-trip-id ID] [-start-date YYYYMMDD] [-verbose]")
	fmt.Fprintln(w, "  trip_archiver list [-config FILE] [-min-age-days N]")
	fmt.Fprintln(w, "  trip_archiver info -trip-id ID [-config FILE]")
	fmt.Fprintln(w, "  trip_archiver init [-config FILE]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - Without -config the built-in defaults apply: local Redis, SQLite")
	fmt.Fprintln(w, "    store, upload / mirror / events disabled.")
	fmt.Fprintln(w, "  - Credentials may come from TRIP_REDIS_PASSWORD, TRIP_POSTGRES_PASSWORD,")
	fmt.Fprintln(w, "    TRIP_CLICKHOUSE_PASSWORD, TRIP_S3_ACCESS_KEY and TRIP_S3_SECRET_KEY.")
	fmt.Fprintln(w, "  - run exits 0 on full success, 1 if any trip failed, 130 on interrupt.")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "run":
		os.Exit(runArchive(os.Args[2:]))
	case "list":
		os.Exit(runList(os.Args[2:]))
	case "info":
		os.Exit(runInfo(os.Args[2:]))
	case "init":
		os.Exit(runInit(os.Args[2:]))
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
}

// runArchive is the main archival entry point. Subcommands return exit codes
// instead of calling os.Exit directly so deferred closes still run.
func runArchive(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	workers := fs.Int("workers", 0, "concurrent trips (overrides config)")
	minAge := fs.Int("min-age-days", -1, "only archive trips at least this many days old, 0 disables (overrides config)")
	outputDir := fs.String("output-dir", "", "directory for track files (overrides config)")
	tripID := fs.String("trip-id", "", "archive only this trip ID")
	startDate := fs.String("start-date", "", "archive only trips with this start date (YYYYMMDD)")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	_ = fs.Parse(args)

	log := newLogger(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *workers > 0 {
		cfg.Archive.Workers = *workers
	}
	if *minAge >= 0 {
		cfg.Archive.MinAgeDays = *minAge
	}
	if *outputDir != "" {
		cfg.Archive.OutputDir = *outputDir
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cc, err := cache.New(ctx, cache.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Redis: %v\n", err)
		return 1
	}
	defer cc.Close()

	store, err := storage.Open(ctx, storeConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open trip store: %v\n", err)
		return 1
	}
	defer store.Close()
	// Schema creation is idempotent, so every run may do it.
	if err := store.CreateSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create store schema: %v\n", err)
		return 1
	}

	tracks, err := trackfile.New(cfg.Archive.OutputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare output dir: %v\n", err)
		return 1
	}

	clients := archive.Clients{Cache: cc, Store: store, Tracks: tracks}

	if cfg.S3.Enabled {
		up, err := objstore.New(ctx, objstoreConfig(cfg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to object storage: %v\n", err)
			return 1
		}
		clients.Uploads = up

		// With upload on, the output dir is a staging area; sweep what a
		// crashed run left behind. Without upload local files are the
		// archive itself and must stay.
		if n, err := tracks.Cleanup(); err != nil {
			log.Warn("cleanup leftover track files", "error", err)
		} else if n > 0 {
			log.Info("removed leftover track files", "count", n)
		}
	}

	if cfg.ClickHouse.Enabled {
		mirror, err := storage.OpenClickHouse(ctx, clickhouseConfig(cfg))
		if err != nil {
			// The mirror is advisory. An unreachable ClickHouse degrades
			// the run rather than blocking it.
			log.Warn("clickhouse mirror unavailable", "error", err)
		} else {
			defer mirror.Close()
			if err := mirror.CreateSchema(ctx); err != nil {
				log.Warn("create mirror schema", "error", err)
			} else {
				clients.Mirror = mirror
			}
		}
	}

	coord := archive.New(clients, archive.Options{
		Workers:    cfg.Archive.Workers,
		MinAgeDays: cfg.Archive.MinAgeDays,
		TripID:     *tripID,
		StartDate:  *startDate,
	}, log)

	if cfg.NATS.Enabled {
		pub, err := archive.NewEventPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Warn("nats unavailable, events disabled", "error", err)
		} else {
			defer pub.Close()
			coord.OnArchived(pub.TripArchived)
		}
	}

	sum, err := coord.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "Interrupted")
			return 130
		}
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}

	fmt.Println()
	fmt.Println("Processing summary:")
	fmt.Printf("  Discovered: %d\n", sum.Discovered)
	fmt.Printf("  Archived:   %d\n", sum.Archived)
	fmt.Printf("  No data:    %d\n", sum.Empty)
	fmt.Printf("  Failed:     %d\n", sum.Failed)
	fmt.Printf("  Rows:       %d\n", sum.Rows)

	if sum.Failed > 0 {
		return 1
	}
	return 0
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	minAge := fs.Int("min-age-days", 0, "only list trips at least this many days old, 0 lists all")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cc, err := cache.New(ctx, cache.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Redis: %v\n", err)
		return 1
	}
	defer cc.Close()

	refs, err := cc.CompletedTrips(ctx, *minAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list completed trips: %v\n", err)
		return 1
	}
	if len(refs) == 0 {
		fmt.Println("No completed trips in the cache.")
		return 0
	}
	fmt.Printf("Found %d completed trips:\n", len(refs))
	for _, r := range refs {
		fmt.Printf("  - %s (start date %s)\n", r.TripID, r.StartDate)
	}
	return 0
}

func runInfo(args []string) int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	tripID := fs.String("trip-id", "", "trip ID to inspect")
	_ = fs.Parse(args)

	id := *tripID
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "info requires -trip-id")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, storeConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open trip store: %v\n", err)
		return 1
	}
	defer store.Close()

	rec, err := store.GetTrip(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read trip %s: %v\n", id, err)
		return 1
	}
	if rec == nil {
		fmt.Printf("No stored metadata for trip %s.\n", id)
	} else {
		printTrip(rec)
		out, err := store.GetOutcome(ctx, trip.Ref{TripID: rec.TripID, StartDate: rec.StartDate})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read processing log: %v\n", err)
			return 1
		}
		if out != nil {
			printOutcome(out)
		}
	}

	tracks, err := trackfile.New(cfg.Archive.OutputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open output dir: %v\n", err)
		return 1
	}
	files, err := tracks.ListTripFiles(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list track files: %v\n", err)
		return 1
	}
	if len(files) == 0 {
		fmt.Println("\nNo local track files.")
	} else {
		fmt.Printf("\nLocal track files (%d):\n", len(files))
		for _, p := range files {
			info, err := trackfile.FileInfo(p)
			if err != nil {
				fmt.Printf("  %s (unreadable: %v)\n", p, err)
				continue
			}
			fmt.Printf("  %s\n", p)
			fmt.Printf("    Rows:    %d\n", info.Rows)
			fmt.Printf("    Columns: %d (%s)\n", len(info.Columns), strings.Join(info.Columns, ", "))
			fmt.Printf("    Size:    %d bytes\n", info.Size)
			fmt.Printf("    Written: %s\n", info.Modified.Format(time.RFC3339))
		}
	}

	// With upload enabled, check what made it to the bucket for that day.
	if cfg.S3.Enabled && rec != nil && rec.StartTime != nil {
		oc, err := objstore.New(ctx, objstoreConfig(cfg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to object storage: %v\n", err)
			return 1
		}
		keys, err := oc.List(ctx, oc.DayPrefix(*rec.StartTime), 1000)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list remote objects: %v\n", err)
			return 1
		}
		var mine []string
		for _, k := range keys {
			if strings.Contains(k, "/trip_"+id+"_") {
				mine = append(mine, k)
			}
		}
		if len(mine) == 0 {
			fmt.Println("\nNo uploaded track files for that day.")
		} else {
			fmt.Printf("\nUploaded track files (%d):\n", len(mine))
			for _, k := range mine {
				fmt.Printf("  %s\n", oc.URI(k))
			}
		}
	}

	return 0
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, storeConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open trip store: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.CreateSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create store schema: %v\n", err)
		return 1
	}
	fmt.Printf("Trip store ready (%s).\n", cfg.Store.Driver)

	if cfg.ClickHouse.Enabled {
		mirror, err := storage.OpenClickHouse(ctx, clickhouseConfig(cfg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to ClickHouse: %v\n", err)
			return 1
		}
		defer mirror.Close()
		if err := mirror.CreateSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create mirror schema: %v\n", err)
			return 1
		}
		fmt.Println("ClickHouse mirror ready.")
	}

	if cfg.S3.Enabled {
		if err := objstore.EnsureBucket(ctx, objstoreConfig(cfg)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to prepare bucket: %v\n", err)
			return 1
		}
		fmt.Printf("Bucket %s ready.\n", cfg.S3.Bucket)
	}

	return 0
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func storeConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver: cfg.Store.Driver,
		Postgres: storage.PostgresConfig{
			Host:     cfg.Store.Postgres.Host,
			Port:     cfg.Store.Postgres.Port,
			Database: cfg.Store.Postgres.Database,
			User:     cfg.Store.Postgres.User,
			Password: cfg.Store.Postgres.Password,
		},
		SQLitePath: cfg.Store.SQLitePath,
	}
}

func clickhouseConfig(cfg *config.Config) storage.ClickHouseConfig {
	return storage.ClickHouseConfig{
		Host:     cfg.ClickHouse.Host,
		Port:     cfg.ClickHouse.Port,
		Database: cfg.ClickHouse.Database,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
	}
}

func objstoreConfig(cfg *config.Config) objstore.Config {
	return objstore.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		Prefix:    cfg.S3.Prefix,
		UseSSL:    cfg.S3.UseSSL,
	}
}

func printTrip(rec *storage.TripRecord) {
	fmt.Printf("Trip %s\n", rec.TripID)
	fmt.Printf("  Start date:    %s\n", rec.StartDate)
	if rec.ServiceDate != "" {
		fmt.Printf("  Service date:  %s\n", rec.ServiceDate)
	}
	fmt.Printf("  Vehicle:       %d\n", rec.VehicleID)
	if rec.RouteID != "" {
		route := rec.RouteID
		if rec.RouteShortName != "" {
			route += " (" + rec.RouteShortName + ")"
		}
		fmt.Printf("  Route:         %s\n", route)
	}
	if rec.LicensePlate != "" {
		fmt.Printf("  License plate: %s\n", rec.LicensePlate)
	}
	fmt.Printf("  Started:       %s\n", fmtTime(rec.StartTime))
	fmt.Printf("  Ended:         %s\n", fmtTime(rec.EndTime))
	if rec.DurationSeconds > 0 {
		fmt.Printf("  Duration:      %s\n", time.Duration(rec.DurationSeconds)*time.Second)
	}
	fmt.Printf("  Status:        %s\n", rec.Status)
	if rec.StopsServed > 0 {
		fmt.Printf("  Stops served:  %d\n", rec.StopsServed)
	}
	if rec.TotalPositions > 0 {
		fmt.Printf("  Positions:     %d\n", rec.TotalPositions)
	}
	fmt.Printf("  Updated:       %s\n", rec.UpdatedAt.Format(time.RFC3339))
}

func printOutcome(e *storage.AuditEntry) {
	fmt.Println("\nLast processing outcome:")
	fmt.Printf("  Status:       %s\n", e.Status)
	if e.TrackFilePath != "" {
		fmt.Printf("  Track file:   %s\n", e.TrackFilePath)
	}
	if e.ErrorMessage != "" {
		fmt.Printf("  Error:        %s\n", e.ErrorMessage)
	}
	fmt.Printf("  Processed at: %s\n", e.ProcessedAt.Format(time.RFC3339))
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
