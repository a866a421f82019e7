package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StopRecord is one static stop: display name, coordinates as (lat, lon), and
// optionally the lines serving it.
type StopRecord struct {
	Name   string     `json:"name"`
	Coords [2]float64 `json:"coords"`
	Lines  []string   `json:"lines,omitempty"`
}

// Directory is the read-only stop lookup table. Realtime feeds often append a
// platform-direction suffix (N/S/E/W) that the static stop table lacks, so
// lookups are suffix-tolerant via Candidates.
type Directory struct {
	stops map[string]StopRecord
}

func NewDirectory(stops map[string]StopRecord) *Directory {
	if stops == nil {
		stops = map[string]StopRecord{}
	}
	return &Directory{stops: stops}
}

// LoadDirectoryJSON reads a {stopID: StopRecord} object file.
func LoadDirectoryJSON(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stops map[string]StopRecord
	if err := json.Unmarshal(data, &stops); err != nil {
		return nil, fmt.Errorf("parse stop map %s: %w", path, err)
	}
	return NewDirectory(stops), nil
}

// LoadDirectoryGTFSZip builds a directory from a GTFS static zip's stops.txt.
// Serving lines are not present in stops.txt and stay empty.
func LoadDirectoryGTFSZip(path string) (*Directory, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if strings.EqualFold(f.Name, "stops.txt") {
			return consumeStopsCSV(f)
		}
	}
	return nil, fmt.Errorf("no stops.txt in %s", path)
}

func consumeStopsCSV(f *zip.File) (*Directory, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	csvr := csv.NewReader(r)
	rec, err := csvr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rec) == 0 {
		return NewDirectory(nil), nil
	}
	head := rec[0]
	idx := func(col string) int {
		for i, h := range head {
			if strings.EqualFold(strings.TrimSpace(h), col) {
				return i
			}
		}
		return -1
	}
	sID := idx("stop_id")
	sN := idx("stop_name")
	sLat := idx("stop_lat")
	sLon := idx("stop_lon")
	if sID < 0 || sN < 0 || sLat < 0 || sLon < 0 {
		return nil, fmt.Errorf("stops.txt missing required columns")
	}
	stops := make(map[string]StopRecord, len(rec)-1)
	for _, row := range rec[1:] {
		lat, errLat := strconv.ParseFloat(row[sLat], 64)
		lon, errLon := strconv.ParseFloat(row[sLon], 64)
		if errLat != nil || errLon != nil {
			continue
		}
		stops[row[sID]] = StopRecord{Name: row[sN], Coords: [2]float64{lat, lon}}
	}
	return NewDirectory(stops), nil
}

func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.stops)
}

func (d *Directory) Lookup(id string) (StopRecord, bool) {
	if d == nil {
		return StopRecord{}, false
	}
	rec, ok := d.stops[id]
	return rec, ok
}

// Candidates returns the lookup keys for a raw stop identifier: the identifier
// itself, then (if it ends with N/S/E/W in either case) the identifier with
// that trailing character stripped.
func Candidates(stopID string) []string {
	candidates := []string{stopID}
	if n := len(stopID); n > 0 {
		switch stopID[n-1] {
		case 'N', 'S', 'E', 'W', 'n', 's', 'e', 'w':
			candidates = append(candidates, stopID[:n-1])
		}
	}
	return candidates
}

// Resolve tries each candidate key in order; the first hit wins. On a miss the
// raw identifier is kept with no record attached.
func (d *Directory) Resolve(raw string) (string, *StopRecord) {
	for _, cand := range Candidates(raw) {
		if rec, ok := d.Lookup(cand); ok {
			return cand, &rec
		}
	}
	return raw, nil
}
