// Package spreadsheet reads discharge rows from xlsx/csv uploads and writes
// evaluation outcomes back as a workbook.
package spreadsheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/psi/internal/domain/discharge"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoHeader          = errors.New("file has no header row")
)

// Read dispatches on the file extension of name.
func Read(name string, r io.Reader) ([]discharge.RawRow, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return ReadXLSX(r)
	case ".csv", ".txt":
		return ReadCSV(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// ReadXLSX reads the first sheet. Cells are read raw so dates arrive as
// serial numbers rather than in the workbook's display format.
func ReadXLSX(r io.Reader) ([]discharge.RawRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrNoHeader
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return toRawRows(rows)
}

// ReadCSV reads comma separated rows, tolerating a UTF-8 BOM, ragged rows and
// stray quotes.
func ReadCSV(r io.Reader) ([]discharge.RawRow, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return toRawRows(records)
}

func toRawRows(rows [][]string) ([]discharge.RawRow, error) {
	if len(rows) == 0 {
		return nil, ErrNoHeader
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}
	out := make([]discharge.RawRow, 0, len(rows)-1)
	for i, cells := range rows[1:] {
		if blank(cells) {
			continue
		}
		fields := make(map[string]string, len(header))
		for j, h := range header {
			if h == "" || j >= len(cells) {
				continue
			}
			fields[h] = cells[j]
		}
		// Line numbers count the header as row 1.
		out = append(out, discharge.RawRow{Line: i + 2, Fields: fields})
	}
	return out, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
