// Package normalize turns loosely typed position stream entries into a
// strictly typed columnar row set ready for archival encoding.
//
// Typing is column-wise: every row of a column shares one narrowed type, so
// a file's schema is uniform no matter how ragged the source entries were.
// Known fields are typed by an explicit policy table; anything else goes
// through numeric-fit inference.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"trip_archiver/internal/trip"
)

// Kind is the narrowed physical type of a column.
type Kind uint8

const (
	Uint8 Kind = iota
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float64
	String
)

func (k Kind) String() string {
	switch k {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	default:
		return "string"
	}
}

// Column holds one narrowed column. Values has one element per row, each
// already carrying the concrete Go type matching Kind.
type Column struct {
	Name   string
	Kind   Kind
	Values []any
}

// RowSet is the normalized output. Column order is first appearance across
// the input, with the seeded message_id and timestamp columns leading.
type RowSet struct {
	columns []Column
	index   map[string]int
}

// Len reports the row count, always equal to the input entry count.
func (rs *RowSet) Len() int {
	if len(rs.columns) == 0 {
		return 0
	}
	return len(rs.columns[0].Values)
}

func (rs *RowSet) Columns() []Column {
	return rs.columns
}

// Column looks a column up by name.
func (rs *RowSet) Column(name string) (*Column, bool) {
	i, ok := rs.index[name]
	if !ok {
		return nil, false
	}
	return &rs.columns[i], true
}

// Row materializes row i as a field map.
func (rs *RowSet) Row(i int) map[string]any {
	row := make(map[string]any, len(rs.columns))
	for _, col := range rs.columns {
		row[col.Name] = col.Values[i]
	}
	return row
}

type policy uint8

const (
	policyInfer policy = iota
	policyFloat
	policyPin32
	policyStatus
	policyNarrow
	policyText
)

// fieldPolicies is the schema table for known stream fields. Coordinates stay
// double precision, identifiers and times are pinned to 32-bit unsigned for
// downstream readers, integer telemetry narrows to its observed range, and
// identifier-like strings are never coerced to numbers.
var fieldPolicies = map[string]policy{
	"latitude":  policyFloat,
	"longitude": policyFloat,
	"lat":       policyFloat,
	"lon":       policyFloat,

	"vehicle_id":   policyPin32,
	"timestamp":    policyPin32,
	"start_date":   policyPin32,
	"service_date": policyPin32,

	"status":         policyStatus,
	"current_status": policyStatus,

	"bearing":       policyNarrow,
	"speed":         policyNarrow,
	"odometer":      policyNarrow,
	"stop_sequence": policyNarrow,
	"direction_id":  policyNarrow,

	"message_id": policyText,
	"trip_id":    policyText,
	"route_id":   policyText,
	"stop_id":    policyText,
}

// Normalize flattens entries and narrows every column. The result always has
// exactly one row per entry.
func Normalize(entries []trip.StreamEntry) *RowSet {
	rs := &RowSet{index: make(map[string]int)}
	if len(entries) == 0 {
		return rs
	}

	records := make([]map[string]any, len(entries))
	order := []string{"message_id", "timestamp"}
	seen := map[string]bool{"message_id": true, "timestamp": true}

	for i, e := range entries {
		rec := flatten(e)
		records[i] = rec

		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
	}

	rs.columns = make([]Column, 0, len(order))
	for _, name := range order {
		raw := make([]any, len(records))
		for i, rec := range records {
			raw[i] = rec[name] // nil when the entry lacked the field
		}
		rs.index[name] = len(rs.columns)
		rs.columns = append(rs.columns, buildColumn(name, raw))
	}
	return rs
}

// flatten produces one record per entry: the stream ID and its embedded
// timestamp are seeded first, then the data fields, so a field named like a
// seeded column wins. String values holding JSON objects are merged one
// level deep as {field}_{subfield}. Keys iterate sorted so same-named
// collisions resolve the same way on every run.
func flatten(e trip.StreamEntry) map[string]any {
	rec := make(map[string]any, len(e.Data)+2)
	rec["message_id"] = e.ID
	if ts, ok := e.Timestamp(); ok {
		rec["timestamp"] = float64(ts.Unix())
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := e.Data[k]
		if strings.HasPrefix(strings.TrimSpace(v), "{") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(v), &obj); err == nil {
				nested := make([]string, 0, len(obj))
				for nk := range obj {
					nested = append(nested, nk)
				}
				sort.Strings(nested)
				for _, nk := range nested {
					rec[k+"_"+nk] = obj[nk]
				}
				continue
			}
		}
		rec[k] = v
	}
	return rec
}

func policyFor(name string) policy {
	if p, ok := fieldPolicies[name]; ok {
		return p
	}
	return policyInfer
}

func buildColumn(name string, raw []any) Column {
	switch policyFor(name) {
	case policyFloat:
		return floatColumn(name, raw)
	case policyPin32:
		return pin32Column(name, raw)
	case policyStatus:
		return statusColumn(name, raw)
	case policyText:
		return textColumn(name, raw)
	case policyNarrow:
		return numberColumn(name, raw, false)
	default:
		return numberColumn(name, raw, true)
	}
}

func floatColumn(name string, raw []any) Column {
	vals := make([]any, len(raw))
	for i, v := range raw {
		f, ok := asFloat(v)
		if !ok {
			f = 0
		}
		vals[i] = f
	}
	return Column{Name: name, Kind: Float64, Values: vals}
}

func pin32Column(name string, raw []any) Column {
	vals := make([]any, len(raw))
	for i, v := range raw {
		var n int64
		if f, ok := asFloat(v); ok {
			n = int64(f)
		}
		if n < 0 {
			n = 0
		} else if n > math.MaxUint32 {
			n = math.MaxUint32
		}
		vals[i] = uint32(n)
	}
	return Column{Name: name, Kind: Uint32, Values: vals}
}

func statusColumn(name string, raw []any) Column {
	vals := make([]any, len(raw))
	for i, v := range raw {
		vals[i] = uint8(trip.ParseVehicleStatus(stringify(v)))
	}
	return Column{Name: name, Kind: Uint8, Values: vals}
}

func textColumn(name string, raw []any) Column {
	vals := make([]any, len(raw))
	for i, v := range raw {
		vals[i] = stringify(v)
	}
	return Column{Name: name, Kind: String, Values: vals}
}

// numberColumn narrows a column to the smallest integer type covering its
// observed range, or float64 when fractional values appear. With gated set,
// numeric typing is only adopted when more than half the non-missing values
// coerce; otherwise the column stays text. A column with no usable values
// at all becomes zero-filled uint8 so sparse trips keep a stable schema.
func numberColumn(name string, raw []any, gated bool) Column {
	floats := make([]float64, len(raw))
	parsed := make([]bool, len(raw))
	numeric, nonMissing := 0, 0
	integral := true

	for i, v := range raw {
		if v == nil {
			continue
		}
		nonMissing++
		f, ok := asFloat(v)
		if !ok {
			continue
		}
		floats[i] = f
		parsed[i] = true
		numeric++
		if f != math.Trunc(f) {
			integral = false
		}
	}

	if nonMissing == 0 {
		vals := make([]any, len(raw))
		for i := range vals {
			vals[i] = uint8(0)
		}
		return Column{Name: name, Kind: Uint8, Values: vals}
	}

	if gated && numeric*2 <= nonMissing {
		return textColumn(name, raw)
	}

	if !integral {
		vals := make([]any, len(raw))
		for i := range vals {
			vals[i] = floats[i]
		}
		return Column{Name: name, Kind: Float64, Values: vals}
	}

	lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
	found := false
	for i := range raw {
		if !parsed[i] {
			continue
		}
		n := int64(floats[i])
		if !found || n < lo {
			lo = n
		}
		if !found || n > hi {
			hi = n
		}
		found = true
	}
	if !found {
		vals := make([]any, len(raw))
		for i := range vals {
			vals[i] = uint8(0)
		}
		return Column{Name: name, Kind: Uint8, Values: vals}
	}

	kind := intKind(lo, hi)
	vals := make([]any, len(raw))
	for i := range raw {
		var n int64
		if parsed[i] {
			n = int64(floats[i])
		}
		vals[i] = emitInt(kind, n)
	}
	return Column{Name: name, Kind: kind, Values: vals}
}

// intKind picks the smallest fixed width covering [lo, hi], preferring
// unsigned when no negatives were observed.
func intKind(lo, hi int64) Kind {
	if lo >= 0 {
		switch {
		case hi <= math.MaxUint8:
			return Uint8
		case hi <= math.MaxUint16:
			return Uint16
		case hi <= math.MaxUint32:
			return Uint32
		default:
			return Uint64
		}
	}
	switch {
	case lo >= math.MinInt8 && hi <= math.MaxInt8:
		return Int8
	case lo >= math.MinInt16 && hi <= math.MaxInt16:
		return Int16
	case lo >= math.MinInt32 && hi <= math.MaxInt32:
		return Int32
	default:
		return Int64
	}
}

func emitInt(kind Kind, n int64) any {
	switch kind {
	case Uint8:
		return uint8(n)
	case Uint16:
		return uint16(n)
	case Uint32:
		return uint32(n)
	case Uint64:
		return uint64(n)
	case Int8:
		return int8(n)
	case Int16:
		return int16(n)
	case Int32:
		return int32(n)
	default:
		return n
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
