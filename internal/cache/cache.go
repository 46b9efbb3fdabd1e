// Package cache reads trip data out of the ephemeral Redis store and is the
// only package that knows the cache key conventions.
//
// Key layout per trip:
//
//	trip:{trip_id}:{start_date}:status      string, "completed" when done
//	trip:{trip_id}:{start_date}:completion  hash or JSON string summary
//	trip:{trip_id}:{start_date}:{track|stream|location|gps}  position stream
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"trip_archiver/internal/trip"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a Redis connection with trip-aware accessors.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// CompletedTrips scans the status markers and returns trips recorded as
// completed whose start date is strictly older than minAgeDays days ago.
// minAgeDays 0 disables the age filter. Keys that do not match the
// trip:{id}:{date}:status shape are skipped. Sorted by date then ID so
// logs read chronologically.
func (c *Client) CompletedTrips(ctx context.Context, minAgeDays int) ([]trip.Ref, error) {
	keys, err := c.rdb.Keys(ctx, "trip:*:*:status").Result()
	if err != nil {
		return nil, fmt.Errorf("scan status keys: %w", err)
	}

	var cutoff string
	if minAgeDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -minAgeDays).Format("20060102")
	}

	var refs []trip.Ref
	for _, key := range keys {
		status, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("read status %s: %w", key, err)
		}
		if !strings.EqualFold(status, "completed") {
			continue
		}

		parts := strings.Split(key, ":")
		if len(parts) != 4 || parts[0] != "trip" || parts[3] != "status" {
			continue
		}
		ref := trip.Ref{TripID: parts[1], StartDate: parts[2]}
		if cutoff != "" && ref.StartDate >= cutoff {
			continue // too recent, may still be settling
		}
		refs = append(refs, ref)
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].StartDate != refs[j].StartDate {
			return refs[i].StartDate < refs[j].StartDate
		}
		return refs[i].TripID < refs[j].TripID
	})
	return refs, nil
}

// Completion fetches the trip completion record. Producers have written it
// both as a hash and as a JSON string over time, so the key type picks the
// read path. A string that fails to decode is preserved under a single
// raw_data field. Returns nil with no error when the record is absent.
func (c *Client) Completion(ctx context.Context, ref trip.Ref) (trip.Completion, error) {
	key := completionKey(ref)
	kind, err := c.rdb.Type(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("type of %s: %w", key, err)
	}

	switch kind {
	case "hash":
		fields, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read completion hash %s: %w", key, err)
		}
		if len(fields) == 0 {
			return nil, nil
		}
		comp := make(trip.Completion, len(fields))
		for k, v := range fields {
			comp[k] = v
		}
		return comp, nil

	case "string":
		raw, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read completion %s: %w", key, err)
		}
		if raw == "" {
			return nil, nil
		}
		var comp trip.Completion
		if err := json.Unmarshal([]byte(raw), &comp); err != nil {
			return trip.Completion{"raw_data": raw}, nil
		}
		return comp, nil

	default:
		// "none" or an unexpected type: no completion record.
		return nil, nil
	}
}

var streamSuffixes = []string{"track", "stream", "location", "gps"}

// FindStream locates the trip's position stream key. Conventional suffixes
// are probed first; failing those, any stream-typed key mentioning the trip
// ID is accepted. Empty string when the trip has no stream.
func (c *Client) FindStream(ctx context.Context, ref trip.Ref) (string, error) {
	for _, suffix := range streamSuffixes {
		key := fmt.Sprintf("trip:%s:%s:%s", ref.TripID, ref.StartDate, suffix)
		n, err := c.rdb.Exists(ctx, key).Result()
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", key, err)
		}
		if n == 0 {
			continue
		}
		kind, err := c.rdb.Type(ctx, key).Result()
		if err != nil {
			return "", fmt.Errorf("type of %s: %w", key, err)
		}
		if kind == "stream" {
			return key, nil
		}
	}

	// Last resort for producers that used their own key shape.
	keys, err := c.rdb.Keys(ctx, "*"+ref.TripID+"*").Result()
	if err != nil {
		return "", fmt.Errorf("scan for stream of trip %s: %w", ref.TripID, err)
	}
	sort.Strings(keys)
	for _, key := range keys {
		kind, err := c.rdb.Type(ctx, key).Result()
		if err != nil {
			return "", fmt.Errorf("type of %s: %w", key, err)
		}
		if kind == "stream" {
			return key, nil
		}
	}
	return "", nil
}

// StreamEntries reads the whole stream in order.
func (c *Client) StreamEntries(ctx context.Context, key string) ([]trip.StreamEntry, error) {
	msgs, err := c.rdb.XRange(ctx, key, "0", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", key, err)
	}

	entries := make([]trip.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		data := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				data[k] = s
			} else {
				data[k] = fmt.Sprint(v)
			}
		}
		entries = append(entries, trip.StreamEntry{ID: m.ID, Data: data})
	}
	return entries, nil
}

// DeleteTrip removes the trip's completion, status, and stream keys. Callers
// must only do this once the archived artifacts are durable.
func (c *Client) DeleteTrip(ctx context.Context, ref trip.Ref) error {
	keys := []string{completionKey(ref), statusKey(ref)}
	streamKey, err := c.FindStream(ctx, ref)
	if err != nil {
		return err
	}
	if streamKey != "" {
		keys = append(keys, streamKey)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete keys for trip %s: %w", ref, err)
	}
	return nil
}

func statusKey(r trip.Ref) string {
	return fmt.Sprintf("trip:%s:%s:status", r.TripID, r.StartDate)
}

func completionKey(r trip.Ref) string {
	return fmt.Sprintf("trip:%s:%s:completion", r.TripID, r.StartDate)
}
