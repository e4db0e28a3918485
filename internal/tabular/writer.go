package tabular

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// Format selects the artifact encoding
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Extension returns the file extension including the dot
func (f Format) Extension() string {
	if f == FormatXLSX {
		return ".xlsx"
	}
	return ".csv"
}

// Write encodes records in the given column order. Missing fields are written empty.
func Write(w io.Writer, format Format, columns []string, records []map[string]string) error {
	if format == FormatXLSX {
		return writeXLSX(w, columns, records)
	}
	return writeCSV(w, columns, records)
}

func writeCSV(w io.Writer, columns []string, records []map[string]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	line := make([]string, len(columns))
	for _, rec := range records {
		for i, col := range columns {
			line[i] = rec[col]
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, columns []string, records []map[string]string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)

	for i, col := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return fmt.Errorf("failed to write header %s: %w", col, err)
		}
	}

	for r, rec := range records {
		for i, col := range columns {
			v, ok := rec[col]
			if !ok || v == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(i+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellStr(sheet, cell, v); err != nil {
				return fmt.Errorf("failed to write cell %s: %w", cell, err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to encode workbook: %w", err)
	}
	return nil
}
