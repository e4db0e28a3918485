// Package tabular reads uploaded batch files into named-field rows and writes
// flattened result artifacts.
package tabular

import (
	"math"
	"strconv"
	"strings"
)

// Canonical coordinate column names expected by the parcel resolver
const (
	LatitudeColumn  = "PropertyLatitude"
	LongitudeColumn = "PropertyLongitude"
)

var (
	latitudeSynonyms  = []string{"latitude", "lat"}
	longitudeSynonyms = []string{"longitude", "lon", "lng"}
)

// Row holds one input record keyed by column name
type Row map[string]string

// Table is a parsed batch file. Columns keeps the source header order.
type Table struct {
	Columns []string
	Rows    []Row
}

// Rename applies a caller supplied source->target column mapping to the
// header and every row. All columns are renamed at once from their original
// names, so chained and swapped mappings are stable. Keys and targets are
// trimmed; unknown source columns are ignored. A renamed column replaces an
// untouched column of the same name, and of two columns renamed onto one
// target the leftmost is kept.
func (t *Table) Rename(mapping map[string]string) {
	clean := make(map[string]string, len(mapping))
	for from, to := range mapping {
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if from == "" || to == "" || from == to {
			continue
		}
		clean[from] = to
	}
	if len(clean) == 0 {
		return
	}

	names := make([]string, len(t.Columns))
	touched := make([]bool, len(t.Columns))
	targets := make(map[string]bool, len(clean))
	for i, col := range t.Columns {
		names[i] = col
		if to, ok := clean[strings.TrimSpace(col)]; ok {
			names[i] = to
			touched[i] = true
			targets[to] = true
		}
	}

	keep := make([]int, 0, len(t.Columns))
	columns := make([]string, 0, len(t.Columns))
	seen := make(map[string]bool, len(t.Columns))
	for i, name := range names {
		if (!touched[i] && targets[name]) || seen[name] {
			continue
		}
		seen[name] = true
		keep = append(keep, i)
		columns = append(columns, name)
	}

	for r, row := range t.Rows {
		next := make(Row, len(keep))
		for _, i := range keep {
			if v, ok := row[t.Columns[i]]; ok {
				next[names[i]] = v
			}
		}
		t.Rows[r] = next
	}
	t.Columns = columns
}

// NormalizeCoordinates maps latitude/longitude synonyms onto the canonical
// column names, matching case-insensitively. A canonical column that already
// exists, from the source or from an explicit mapping, is never replaced.
func (t *Table) NormalizeCoordinates() {
	t.renameSynonym(LatitudeColumn, latitudeSynonyms)
	t.renameSynonym(LongitudeColumn, longitudeSynonyms)
}

func (t *Table) renameSynonym(canonical string, synonyms []string) {
	if t.columnIndex(canonical) >= 0 {
		return
	}
	for i, col := range t.Columns {
		name := strings.ToLower(strings.TrimSpace(col))
		for _, syn := range synonyms {
			if name == syn {
				t.renameAt(i, canonical)
				return
			}
		}
	}
}

func (t *Table) columnIndex(name string) int {
	for i, col := range t.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

func (t *Table) renameAt(idx int, to string) {
	from := t.Columns[idx]

	// Renaming onto an existing column replaces it
	if existing := t.columnIndex(to); existing >= 0 {
		t.Columns = append(t.Columns[:existing], t.Columns[existing+1:]...)
		if existing < idx {
			idx--
		}
	}
	t.Columns[idx] = to

	for _, row := range t.Rows {
		if v, ok := row[from]; ok {
			delete(row, from)
			row[to] = v
		}
	}
}

// Coordinates parses the canonical latitude/longitude fields. ok is false when
// either is missing, unparsable or out of range.
func (r Row) Coordinates() (lat, lon float64, ok bool) {
	lat, err := parseCoordinate(r[LatitudeColumn])
	if err != nil || lat < -90 || lat > 90 {
		return 0, 0, false
	}
	lon, err = parseCoordinate(r[LongitudeColumn])
	if err != nil || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func parseCoordinate(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, strconv.ErrRange
	}
	return v, nil
}
