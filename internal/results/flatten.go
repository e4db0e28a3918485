package results

// ColumnAnalysisError carries the per-row error marker, e.g. "No parcel found"
const ColumnAnalysisError = "analysis_error"

// Row is one input row with its analysis outcome
type Row struct {
	Source   map[string]string
	Analysis map[string]any
	Err      string
}

// Failed reports whether the row has no usable analysis
func (r Row) Failed() bool {
	if r.Err != "" || r.Analysis == nil {
		return true
	}
	_, hasErr := r.Analysis["error"]
	return hasErr
}

func (r Row) errorText() string {
	if r.Err != "" {
		return r.Err
	}
	if msg, ok := r.Analysis["error"].(string); ok {
		return msg
	}
	if r.Analysis == nil {
		return "No analysis result"
	}
	return "Analysis failed"
}

// Columns returns the artifact header: source columns in their original
// order, then the derived columns not already present, then the error marker.
func Columns(sourceColumns []string) []string {
	seen := make(map[string]bool, len(sourceColumns))
	cols := make([]string, 0, len(sourceColumns)+len(DerivedColumns)+1)
	for _, c := range sourceColumns {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for _, c := range DerivedColumns {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	if !seen[ColumnAnalysisError] {
		cols = append(cols, ColumnAnalysisError)
	}
	return cols
}

// Flatten produces one record per row in input order. Source fields are copied
// verbatim and win over a derived column of the same name; derived columns are
// filled only for rows with a usable analysis.
func Flatten(rows []Row) []map[string]string {
	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		rec := make(map[string]string, len(row.Source)+len(DerivedColumns)+1)
		for k, v := range row.Source {
			rec[k] = v
		}

		if row.Failed() {
			rec[ColumnAnalysisError] = row.errorText()
		} else {
			for k, v := range Extract(row.Analysis).Values() {
				if _, ok := row.Source[k]; !ok {
					rec[k] = v
				}
			}
		}
		out[i] = rec
	}
	return out
}
