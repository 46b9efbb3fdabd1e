// Package trip provides the core types shared across the archival pipeline.
package trip

import (
	"strconv"
	"strings"
	"time"
)

// Ref identifies one trip instance. TripID alone is not unique because trip
// numbers recur daily; StartDate (YYYYMMDD service day) disambiguates.
type Ref struct {
	TripID    string
	StartDate string
}

func (r Ref) String() string {
	return r.TripID + "/" + r.StartDate
}

// ServiceDate parses the 8-digit StartDate. ok is false when the date is
// missing or malformed.
func (r Ref) ServiceDate() (time.Time, bool) {
	t, err := time.Parse("20060102", r.StartDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Completion is a trip completion record: a flat attribute map whose value
// types depend on how the record was stored (hash fields arrive as strings,
// JSON documents as decoded values). Accessors tolerate both.
type Completion map[string]any

// String returns the first non-empty value among keys, rendered as a string.
func (c Completion) String(keys ...string) string {
	for _, k := range keys {
		switch t := c[k].(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return t
			}
		case float64:
			if t == float64(int64(t)) {
				return strconv.FormatInt(int64(t), 10)
			}
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(t, 10)
		case bool:
			if t {
				return "true"
			}
			return "false"
		}
	}
	return ""
}

// Int64 returns the first value among keys that parses as an integer.
func (c Completion) Int64(keys ...string) int64 {
	for _, k := range keys {
		switch t := c[k].(type) {
		case float64:
			return int64(t)
		case int64:
			return t
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return i
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return int64(f)
			}
		}
	}
	return 0
}

// Time returns the first value among keys that parses as a time. Producers
// have written both Unix seconds and RFC 3339 strings, so both are accepted.
// Zero time when nothing parses.
func (c Completion) Time(keys ...string) time.Time {
	for _, k := range keys {
		switch t := c[k].(type) {
		case float64:
			if t > 0 {
				return time.Unix(int64(t), 0).UTC()
			}
		case int64:
			if t > 0 {
				return time.Unix(t, 0).UTC()
			}
		case string:
			s := strings.TrimSpace(t)
			if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
				return time.Unix(int64(f), 0).UTC()
			}
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}

// StreamEntry is one position report from a trip's telemetry stream,
// in stream order.
type StreamEntry struct {
	ID   string            // stream entry ID, "<unix-ms>-<seq>"
	Data map[string]string // field/value pairs as stored
}

// Timestamp extracts the entry time from the millisecond prefix of the
// stream ID. ok is false when the ID has no parsable prefix.
func (e StreamEntry) Timestamp() (time.Time, bool) {
	head, _, _ := strings.Cut(e.ID, "-")
	ms, err := strconv.ParseInt(head, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// VehicleStatus is the progress state of a vehicle relative to its next stop,
// stored compactly in archived track files.
type VehicleStatus uint8

const (
	StatusIncomingAt  VehicleStatus = 0
	StatusStoppedAt   VehicleStatus = 1
	StatusInTransitTo VehicleStatus = 2
	StatusUnknown     VehicleStatus = 3
)

var statusNames = map[string]VehicleStatus{
	"INCOMING_AT":   StatusIncomingAt,
	"STOPPED_AT":    StatusStoppedAt,
	"IN_TRANSIT_TO": StatusInTransitTo,
	"UNKNOWN":       StatusUnknown,
}

// ParseVehicleStatus maps a raw status value to its compact code. Both the
// symbolic names and their numeric codes ("0".."3") are accepted; anything
// else is StatusUnknown.
func ParseVehicleStatus(raw string) VehicleStatus {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if st, ok := statusNames[s]; ok {
		return st
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && n <= 3 {
		return VehicleStatus(n)
	}
	return StatusUnknown
}

func (s VehicleStatus) String() string {
	switch s {
	case StatusIncomingAt:
		return "INCOMING_AT"
	case StatusStoppedAt:
		return "STOPPED_AT"
	case StatusInTransitTo:
		return "IN_TRANSIT_TO"
	default:
		return "UNKNOWN"
	}
}
