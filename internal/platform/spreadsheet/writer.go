package spreadsheet

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/psi/internal/domain/aggregate"
	"github.com/ehr/psi/internal/domain/evaluation"
)

const (
	SheetResults  = "Results"
	SheetReport   = "Report"
	SheetRejected = "Rejected"
)

var (
	resultsHeader  = []any{"EncounterID", "PSI", "Status", "Rule", "Category", "Facility"}
	reportHeader   = []any{"PSI", "Facility", "Age Band", "Sex", "Category", "Denominator", "Numerator", "Excluded", "Rate"}
	rejectedHeader = []any{"Row", "EncounterID", "Reason", "Message"}
)

// WriteResults renders out as an xlsx workbook with Results, Report and
// Rejected sheets.
func WriteResults(w io.Writer, out *evaluation.Outcome) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetResults); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetReport, SheetRejected} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	results := make([][]any, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, []any{r.RecordID, r.IndicatorID, string(r.Status()), r.Rule(), r.Category, r.Key.Facility})
	}
	if err := writeSheet(f, SheetResults, resultsHeader, results, headerStyle); err != nil {
		return err
	}

	var report [][]any
	for _, rep := range out.Reports {
		for _, s := range rep.Strata {
			report = append(report, stratumRow(rep.IndicatorID, s))
		}
		total := stratumRow(rep.IndicatorID, rep.Totals)
		total[1] = "ALL"
		report = append(report, total)
	}
	if err := writeSheet(f, SheetReport, reportHeader, report, headerStyle); err != nil {
		return err
	}

	rejected := make([][]any, 0, len(out.Rejected))
	for _, r := range out.Rejected {
		rejected = append(rejected, []any{r.Row, r.RecordID, r.Reason, r.Message})
	}
	if err := writeSheet(f, SheetRejected, rejectedHeader, rejected, headerStyle); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func stratumRow(indicatorID string, s aggregate.Stratum) []any {
	var rate any = "n/a"
	if s.Rate != nil {
		rate = s.Rate.InexactFloat64()
	}
	return []any{indicatorID, s.Key.Facility, s.Key.AgeBand, s.Key.Sex, s.Key.Category,
		s.Denominator, s.Numerator, s.Excluded, rate}
}

func writeSheet(f *excelize.File, sheet string, header []any, rows [][]any, style int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+2, err)
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}
