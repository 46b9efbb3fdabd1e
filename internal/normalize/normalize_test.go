package normalize

import (
	"reflect"
	"testing"

	"trip_archiver/internal/trip"
)

func entry(id string, kv ...string) trip.StreamEntry {
	data := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i]] = kv[i+1]
	}
	return trip.StreamEntry{ID: id, Data: data}
}

func column(t *testing.T, rs *RowSet, name string) *Column {
	t.Helper()
	col, ok := rs.Column(name)
	if !ok {
		t.Fatalf("column %q missing from row set", name)
	}
	return col
}

func TestNormalizeRowCount(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1756702800000-0", "latitude", "40.1", "speed", "12"),
		entry("1756702830000-0"), // no data fields at all
		entry("garbage-id", "speed", "not a number"),
	}

	rs := Normalize(entries)
	if rs.Len() != len(entries) {
		t.Errorf("Len() = %d, want %d (no rows may be dropped)", rs.Len(), len(entries))
	}
	for _, col := range rs.Columns() {
		if len(col.Values) != len(entries) {
			t.Errorf("column %q has %d values, want %d", col.Name, len(col.Values), len(entries))
		}
	}
}

func TestNormalizeEmpty(t *testing.T) {
	rs := Normalize(nil)
	if rs.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rs.Len())
	}
	if len(rs.Columns()) != 0 {
		t.Errorf("Columns() = %v, want none", rs.Columns())
	}
}

func TestStatusMapping(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1-1", "status", "STOPPED_AT"),
		entry("1-2", "status", "1"),
		entry("1-3", "status", "IN_TRANSIT_TO"),
		entry("1-4", "status", "layover"), // unrecognized
		entry("1-5"),                      // absent
		entry("1-6", "status", ""),
	}

	rs := Normalize(entries)
	col := column(t, rs, "status")
	if col.Kind != Uint8 {
		t.Fatalf("status kind = %v, want uint8", col.Kind)
	}
	want := []uint8{1, 1, 2, 3, 3, 3}
	for i, w := range want {
		if got := col.Values[i].(uint8); got != w {
			t.Errorf("status[%d] = %d, want %d", i, got, w)
		}
	}
}

func TestSeededColumns(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1756702800000-0", "latitude", "40.1"),
		entry("1756702830000-5", "latitude", "40.2"),
	}

	rs := Normalize(entries)
	cols := rs.Columns()
	if cols[0].Name != "message_id" || cols[1].Name != "timestamp" {
		t.Fatalf("leading columns = %q, %q, want message_id, timestamp", cols[0].Name, cols[1].Name)
	}

	ids := column(t, rs, "message_id")
	if ids.Kind != String {
		t.Errorf("message_id kind = %v, want string", ids.Kind)
	}
	if got := ids.Values[0].(string); got != "1756702800000-0" {
		t.Errorf("message_id[0] = %q, want the stream entry ID", got)
	}

	ts := column(t, rs, "timestamp")
	if ts.Kind != Uint32 {
		t.Errorf("timestamp kind = %v, want uint32 (pinned)", ts.Kind)
	}
	if got := ts.Values[0].(uint32); got != 1756702800 {
		t.Errorf("timestamp[0] = %d, want 1756702800", got)
	}
}

func TestDataTimestampOverridesStreamID(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1756702800000-0", "timestamp", "1756709999"),
	}

	rs := Normalize(entries)
	ts := column(t, rs, "timestamp")
	if got := ts.Values[0].(uint32); got != 1756709999 {
		t.Errorf("timestamp = %d, want the data field value 1756709999", got)
	}
}

func TestFlattenNestedJSON(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1-1",
			"vehicle", `{"id": 42, "label": "bus-7"}`,
			"position", `{"latitude": 40.1}`,
			"note", `[1,2,3]`, // JSON but not an object, passes through
			"free", `{broken json`,
		),
	}

	rs := Normalize(entries)

	if got := column(t, rs, "vehicle_id").Values[0].(uint32); got != 42 {
		t.Errorf("vehicle_id = %d, want 42", got)
	}
	if got := column(t, rs, "vehicle_label").Values[0].(string); got != "bus-7" {
		t.Errorf("vehicle_label = %q, want %q", got, "bus-7")
	}
	if got := column(t, rs, "position_latitude").Values[0].(float64); got != 40.1 {
		t.Errorf("position_latitude = %v, want 40.1", got)
	}
	if got := column(t, rs, "note").Values[0].(string); got != "[1,2,3]" {
		t.Errorf("note = %q, want raw passthrough", got)
	}
	if got := column(t, rs, "free").Values[0].(string); got != "{broken json" {
		t.Errorf("free = %q, want raw passthrough", got)
	}
	if _, ok := rs.Column("vehicle"); ok {
		t.Error("flattened object should not leave the outer field behind")
	}
}

func TestFlattenCollisionIsDeterministic(t *testing.T) {
	// "vehicle" expands to vehicle_id before the literal "vehicle_id" field
	// is visited, so the literal wins under sorted iteration.
	e := entry("1-1",
		"vehicle", `{"id": 5}`,
		"vehicle_id", "42",
	)

	for range 20 {
		rs := Normalize([]trip.StreamEntry{e})
		if got := column(t, rs, "vehicle_id").Values[0].(uint32); got != 42 {
			t.Fatalf("vehicle_id = %d, want 42 on every run", got)
		}
	}
}

func TestCoordinatesStayFloat(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1-1", "latitude", "40", "longitude", "-3"),
		entry("1-2", "latitude", "41", "longitude", "-4"),
	}

	rs := Normalize(entries)
	for _, name := range []string{"latitude", "longitude"} {
		col := column(t, rs, name)
		if col.Kind != Float64 {
			t.Errorf("%s kind = %v, want float64 even for integral values", name, col.Kind)
		}
	}
	if got := column(t, rs, "longitude").Values[0].(float64); got != -3 {
		t.Errorf("longitude[0] = %v, want -3", got)
	}
}

func TestPinnedUint32Fields(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1-1", "vehicle_id", "42", "start_date", "20250901", "service_date", "20250901"),
	}

	rs := Normalize(entries)
	for _, name := range []string{"vehicle_id", "start_date", "service_date"} {
		col := column(t, rs, name)
		if col.Kind != Uint32 {
			t.Errorf("%s kind = %v, want uint32 regardless of fitting range", name, col.Kind)
		}
	}
	if got := column(t, rs, "start_date").Values[0].(uint32); got != 20250901 {
		t.Errorf("start_date = %d, want 20250901", got)
	}
}

func TestIntegerNarrowing(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		values []string
		want   Kind
	}{
		{"small range", "speed", []string{"0", "30", "12"}, Uint8},
		{"bearing range", "bearing", []string{"0", "359"}, Uint16},
		{"negative small", "speed", []string{"-5", "12"}, Int8},
		{"negative wide", "bearing", []string{"-300", "300"}, Int16},
		{"wide unsigned", "odometer", []string{"70000", "4000000"}, Uint32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := make([]trip.StreamEntry, len(tt.values))
			for i, v := range tt.values {
				entries[i] = entry("1-1", tt.field, v)
			}
			rs := Normalize(entries)
			if got := column(t, rs, tt.field).Kind; got != tt.want {
				t.Errorf("%s kind = %v, want %v", tt.field, got, tt.want)
			}
		})
	}
}

func TestUnlistedFieldInference(t *testing.T) {
	t.Run("majority numeric adopts integer", func(t *testing.T) {
		entries := []trip.StreamEntry{
			entry("1-1", "passengers", "12"),
			entry("1-2", "passengers", "15"),
			entry("1-3", "passengers", "n/a"),
		}
		col := column(t, Normalize(entries), "passengers")
		if col.Kind != Uint8 {
			t.Errorf("kind = %v, want uint8", col.Kind)
		}
		if got := col.Values[2].(uint8); got != 0 {
			t.Errorf("unparsable value = %d, want 0 fill", got)
		}
	})

	t.Run("fractional values adopt float64", func(t *testing.T) {
		entries := []trip.StreamEntry{
			entry("1-1", "fuel_level", "0.82"),
			entry("1-2", "fuel_level", "0.79"),
		}
		if got := column(t, Normalize(entries), "fuel_level").Kind; got != Float64 {
			t.Errorf("kind = %v, want float64", got)
		}
	})

	t.Run("exactly half numeric stays text", func(t *testing.T) {
		entries := []trip.StreamEntry{
			entry("1-1", "door_state", "1"),
			entry("1-2", "door_state", "open"),
		}
		if got := column(t, Normalize(entries), "door_state").Kind; got != String {
			t.Errorf("kind = %v, want string (strict majority required)", got)
		}
	})

	t.Run("mostly text stays text", func(t *testing.T) {
		entries := []trip.StreamEntry{
			entry("1-1", "operator", "north depot"),
			entry("1-2", "operator", "south depot"),
			entry("1-3", "operator", "7"),
		}
		if got := column(t, Normalize(entries), "operator").Kind; got != String {
			t.Errorf("kind = %v, want string", got)
		}
	})
}

func TestAllMissingColumnFallsBackToUint8(t *testing.T) {
	// A nested null is the one way a column exists with no usable values.
	entries := []trip.StreamEntry{
		entry("1-1", "meta", `{"detour": null}`),
		entry("1-2", "meta", `{"detour": null}`),
	}

	rs := Normalize(entries)
	col := column(t, rs, "meta_detour")
	if col.Kind != Uint8 {
		t.Fatalf("kind = %v, want uint8 fallback", col.Kind)
	}
	for i, v := range col.Values {
		if v.(uint8) != 0 {
			t.Errorf("value[%d] = %v, want 0 fill", i, v)
		}
	}
}

func TestSparseListedFieldKeepsColumn(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1-1", "bearing", "90"),
		entry("1-2"), // no bearing
	}

	rs := Normalize(entries)
	col := column(t, rs, "bearing")
	if len(col.Values) != 2 {
		t.Fatalf("bearing has %d values, want 2", len(col.Values))
	}
	if got := col.Values[1].(uint8); got != 0 {
		t.Errorf("missing bearing = %d, want 0 fill", got)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1756702800000-0",
			"latitude", "40.1", "longitude", "-3.7", "status", "STOPPED_AT",
			"vehicle", `{"id": 42, "label": "bus-7"}`, "bearing", "180"),
		entry("1756702830000-0",
			"latitude", "40.2", "longitude", "-3.8", "status", "1", "bearing", "181"),
	}

	first := Normalize(entries)
	for range 10 {
		again := Normalize(entries)
		if len(again.Columns()) != len(first.Columns()) {
			t.Fatalf("column count changed between runs: %d vs %d",
				len(again.Columns()), len(first.Columns()))
		}
		for i, col := range again.Columns() {
			ref := first.Columns()[i]
			if col.Name != ref.Name || col.Kind != ref.Kind {
				t.Fatalf("column[%d] = %s/%v, want %s/%v", i, col.Name, col.Kind, ref.Name, ref.Kind)
			}
			if !reflect.DeepEqual(col.Values, ref.Values) {
				t.Fatalf("column %q values differ between runs", col.Name)
			}
		}
	}
}

func TestRowMaterialization(t *testing.T) {
	entries := []trip.StreamEntry{
		entry("1756702800000-0", "latitude", "40.1", "status", "STOPPED_AT"),
	}

	rs := Normalize(entries)
	row := rs.Row(0)
	if row["latitude"].(float64) != 40.1 {
		t.Errorf("row latitude = %v, want 40.1", row["latitude"])
	}
	if row["status"].(uint8) != 1 {
		t.Errorf("row status = %v, want 1", row["status"])
	}
	if row["message_id"].(string) != "1756702800000-0" {
		t.Errorf("row message_id = %v, want the entry ID", row["message_id"])
	}
}
