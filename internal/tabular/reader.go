package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned for file extensions other than csv/xls/xlsx
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrNoRows is returned when a file has a header but no data rows
	ErrNoRows = errors.New("file contains no data rows")
)

// SupportedExtension reports whether filename has an accepted batch extension
func SupportedExtension(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".xls", ".xlsx", ".xlsm":
		return true
	}
	return false
}

// Parse decodes a batch file, choosing the reader from the file extension.
func Parse(filename string, data []byte) (*Table, error) {
	var (
		records [][]string
		err     error
	)

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		records, err = readCSV(bytes.NewReader(data))
	case ".xls", ".xlsx", ".xlsm":
		records, err = readWorkbook(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
	if err != nil {
		return nil, err
	}

	return fromRecords(records)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return records, nil
}

func readWorkbook(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func fromRecords(records [][]string) (*Table, error) {
	if len(records) == 0 {
		return nil, ErrNoRows
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		header[i] = h
	}

	t := &Table{Columns: header}
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = strings.TrimSpace(rec[i])
			} else {
				row[col] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}

	if len(t.Rows) == 0 {
		return nil, ErrNoRows
	}
	return t, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
