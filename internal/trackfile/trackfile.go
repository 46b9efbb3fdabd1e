// Package trackfile writes normalized track row sets to Parquet files in a
// single process-owned output directory.
package trackfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"trip_archiver/internal/normalize"
	"trip_archiver/internal/trip"
)

// Writer owns one output directory. Files are archival, so the codec is
// tuned for ratio over speed.
type Writer struct {
	dir string
}

// New creates the output directory if needed.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Write encodes the row set to a new Parquet file and returns its path. The
// filename carries the trip ID, its service date, and the write time, so
// retried archivals never collide. Empty row sets produce no file and no
// error. A failed write leaves nothing behind.
func (w *Writer) Write(ref trip.Ref, rs *normalize.RowSet) (string, error) {
	if rs.Len() == 0 {
		return "", nil
	}

	name := fmt.Sprintf("trip_%s_%s_%s.parquet",
		ref.TripID, ref.StartDate, time.Now().Format("20060102_150405"))
	path := filepath.Join(w.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create track file: %w", err)
	}

	pw := parquet.NewGenericWriter[map[string]any](f, schemaFor(rs),
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBestCompression}))

	rows := make([]map[string]any, rs.Len())
	for i := range rows {
		rows[i] = rs.Row(i)
	}
	if _, err := pw.Write(rows); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write track rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("finalize track file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close track file: %w", err)
	}
	return path, nil
}

// Cleanup removes Parquet files left in the output directory by a previous
// run. The directory belongs to one archiver process at a time, so anything
// found at startup is stale: either uploaded long ago or orphaned by a
// crash, and the trips behind orphans will be rediscovered.
func (w *Writer) Cleanup() (int, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*.parquet"))
	if err != nil {
		return 0, fmt.Errorf("scan output dir: %w", err)
	}
	removed := 0
	for _, p := range matches {
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("remove leftover %s: %w", p, err)
		}
		removed++
	}
	return removed, nil
}

// ListTripFiles returns the track files for one trip, or all track files
// when tripID is empty. Sorted by name, which also sorts by write time.
func (w *Writer) ListTripFiles(tripID string) ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".parquet") {
			continue
		}
		if tripID != "" && !strings.HasPrefix(name, "trip_"+tripID+"_") {
			continue
		}
		files = append(files, filepath.Join(w.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Info describes an existing track file.
type Info struct {
	Path     string
	Size     int64
	Rows     int64
	Columns  []string
	Types    map[string]string
	Modified time.Time
}

// FileInfo reads a track file's metadata without decoding its rows.
func FileInfo(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open track file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat track file: %w", err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("parse track file %s: %w", path, err)
	}

	info := &Info{
		Path:     path,
		Size:     st.Size(),
		Rows:     pf.NumRows(),
		Types:    make(map[string]string),
		Modified: st.ModTime(),
	}
	for _, field := range pf.Schema().Fields() {
		info.Columns = append(info.Columns, field.Name())
		info.Types[field.Name()] = field.Type().String()
	}
	return info, nil
}

func schemaFor(rs *normalize.RowSet) *parquet.Schema {
	group := parquet.Group{}
	for _, col := range rs.Columns() {
		group[col.Name] = nodeFor(col.Kind)
	}
	return parquet.NewSchema("trip_track", group)
}

func nodeFor(k normalize.Kind) parquet.Node {
	switch k {
	case normalize.Uint8:
		return parquet.Uint(8)
	case normalize.Uint16:
		return parquet.Uint(16)
	case normalize.Uint32:
		return parquet.Uint(32)
	case normalize.Uint64:
		return parquet.Uint(64)
	case normalize.Int8:
		return parquet.Int(8)
	case normalize.Int16:
		return parquet.Int(16)
	case normalize.Int32:
		return parquet.Int(32)
	case normalize.Int64:
		return parquet.Int(64)
	case normalize.Float64:
		return parquet.Leaf(parquet.DoubleType)
	default:
		return parquet.String()
	}
}
