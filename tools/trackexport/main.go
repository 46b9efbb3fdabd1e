// Package main provides a tool to export archived trip tracks to KML or CSV.
// KML (Keyhole Markup Language) files can be viewed in Google Earth, Google Maps,
// and other mapping applications.
package main

import (
	"encoding/csv"
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"trip_archiver/internal/trackfile"
)

// KML structures for XML marshalling.
// These follow the KML 2.2 specification: https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string     `xml:"id,attr"`
	LineStyle *LineStyle `xml:"LineStyle,omitempty"`
	IconStyle *IconStyle `xml:"IconStyle,omitempty"`
}

// LineStyle defines how track lines are drawn. Color is aabbggrr hex.
type LineStyle struct {
	Color string `xml:"color"`
	Width int    `xml:"width"`
}

// IconStyle defines how point icons are displayed.
type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

// Icon specifies the icon image.
type Icon struct {
	Href string `xml:"href"`
}

// Placemark represents a geographic feature with geometry and metadata.
type Placemark struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	StyleURL    string      `xml:"styleUrl,omitempty"`
	Point       *Point      `xml:"Point,omitempty"`
	LineString  *LineString `xml:"LineString,omitempty"`
}

// Point represents a geographic location.
type Point struct {
	Coordinates string `xml:"coordinates"` // Format: lon,lat,altitude
}

// LineString represents a connected path of locations.
type LineString struct {
	Tessellate  int    `xml:"tessellate"`
	Coordinates string `xml:"coordinates"`
}

func main() {
	dir := flag.String("dir", "output/parquet", "Directory holding archived track files")
	tripID := flag.String("trip-id", "", "Export the newest track file for this trip ID")
	file := flag.String("file", "", "Export a specific track file")
	format := flag.String("format", "kml", "Output format: kml or csv")
	output := flag.String("output", "", "Output file (default: stdout)")
	points := flag.Bool("points", false, "Include one placemark per position (KML only)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	path := *file
	if path == "" {
		if *tripID == "" {
			fmt.Fprintf(os.Stderr, "Either -file or -trip-id is required\n")
			os.Exit(2)
		}
		w, err := trackfile.New(*dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening track dir: %v\n", err)
			os.Exit(1)
		}
		files, err := w.ListTripFiles(*tripID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing track files: %v\n", err)
			os.Exit(1)
		}
		if len(files) == 0 {
			fmt.Fprintf(os.Stderr, "No track files for trip %s in %s\n", *tripID, *dir)
			os.Exit(1)
		}
		// Filenames sort by write time, so the last entry is the newest.
		path = files[len(files)-1]
	}

	rows, names, err := readTrack(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading track file: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Fprintf(os.Stderr, "Track file has no rows\n")
		os.Exit(0)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d positions from %s\n", len(rows), path)
	}

	switch *format {
	case "kml":
		exportKML(path, rows, *points, *output, *verbose)
	case "csv":
		exportCSV(rows, names, *output, *verbose)
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		os.Exit(2)
	}
}

// readTrack decodes every row of a track file into name-keyed values.
func readTrack(path string) ([]map[string]parquet.Value, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, nil, err
	}

	paths := pf.Schema().Columns()
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = p[len(p)-1]
	}

	var out []map[string]parquet.Value
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 256)
		for {
			n, err := rows.ReadRows(buf)
			for _, r := range buf[:n] {
				m := make(map[string]parquet.Value, len(r))
				for _, v := range r {
					// Clone detaches the value from the read buffer.
					m[names[v.Column()]] = v.Clone()
				}
				out = append(out, m)
			}
			if err != nil {
				rows.Close()
				if err == io.EOF {
					break
				}
				return nil, nil, fmt.Errorf("read rows: %w", err)
			}
		}
	}
	return out, names, nil
}

// exportKML renders the track as a LineString, optionally with one placemark
// per position.
func exportKML(path string, rows []map[string]parquet.Value, withPoints bool, output string, verbose bool) {
	lat, lon := coordColumns(rows[0])
	if lat == "" || lon == "" {
		fmt.Fprintf(os.Stderr, "Track file has no latitude/longitude columns\n")
		os.Exit(1)
	}

	// KML coordinates are in the format: longitude,latitude,altitude
	var sb strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&sb, "%.6f,%.6f,0 ", r[lon].Double(), r[lat].Double())
	}

	doc := Document{
		Name: strings.TrimSuffix(filepath.Base(path), ".parquet"),
		Description: fmt.Sprintf("Vehicle track with %d positions. Generated %s.",
			len(rows), time.Now().Format("2006-01-02 15:04:05")),
		Styles: []Style{
			{ID: "trackStyle", LineStyle: &LineStyle{Color: "ff0000ff", Width: 3}},
			{ID: "pointStyle", IconStyle: &IconStyle{
				Scale: 0.6,
				Icon:  Icon{Href: "http://maps.google.com/mapfiles/kml/shapes/placemark_circle.png"},
			}},
		},
		Placemarks: []Placemark{
			{
				Name:     "Track",
				StyleURL: "#trackStyle",
				LineString: &LineString{
					Tessellate:  1,
					Coordinates: strings.TrimSpace(sb.String()),
				},
			},
		},
	}

	if withPoints {
		for i, r := range rows {
			pm := Placemark{
				Name:     fmt.Sprintf("#%d", i+1),
				StyleURL: "#pointStyle",
				Point:    &Point{Coordinates: fmt.Sprintf("%.6f,%.6f,0", r[lon].Double(), r[lat].Double())},
			}
			if ts, ok := r["timestamp"]; ok {
				pm.Description = time.Unix(ts.Int64(), 0).UTC().Format("2006-01-02 15:04:05 UTC")
			}
			doc.Placemarks = append(doc.Placemarks, pm)
		}
	}

	kml := KML{Namespace: "http://www.opengis.net/kml/2.2", Document: doc}

	xmlData, err := xml.MarshalIndent(kml, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating KML: %v\n", err)
		os.Exit(1)
	}
	xmlOutput := xml.Header + string(xmlData)

	if output != "" {
		if err := os.WriteFile(output, []byte(xmlOutput), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", output)
		}
	} else {
		fmt.Println(xmlOutput)
	}
}

// exportCSV writes every column of every position, one row per position.
func exportCSV(rows []map[string]parquet.Value, names []string, output string, verbose bool) {
	var writer *csv.Writer
	if output != "" {
		file, err := os.Create(output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating file: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = file.Close() }()
		writer = csv.NewWriter(file)
	} else {
		writer = csv.NewWriter(os.Stdout)
	}

	if err := writer.Write(names); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing header: %v\n", err)
		os.Exit(1)
	}
	record := make([]string, len(names))
	for _, r := range rows {
		for i, n := range names {
			record[i] = r[n].String()
		}
		if err := writer.Write(record); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing row: %v\n", err)
			os.Exit(1)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing CSV: %v\n", err)
		os.Exit(1)
	}

	if verbose && output != "" {
		fmt.Fprintf(os.Stderr, "Wrote %d positions to %s\n", len(rows), output)
	}
}

// coordColumns returns the latitude and longitude column names, allowing for
// producers that abbreviate them.
func coordColumns(row map[string]parquet.Value) (string, string) {
	lat, lon := "", ""
	for _, n := range []string{"latitude", "lat"} {
		if _, ok := row[n]; ok {
			lat = n
			break
		}
	}
	for _, n := range []string{"longitude", "lon"} {
		if _, ok := row[n]; ok {
			lon = n
			break
		}
	}
	return lat, lon
}
