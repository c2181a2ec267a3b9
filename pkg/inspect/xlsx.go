package inspect

import (
	"github.com/xuri/excelize/v2"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Sheet names of an exported workbook.
const (
	SheetStores   = "Stores"
	SheetBranches = "Branches"
	SheetRuns     = "Runs"
)

// ExportXLSX writes the summaries to a workbook with one sheet for stores,
// branches and runs each.
func ExportXLSX(path string, summaries []*Summary) error {
	f := excelize.NewFile()
	defer f.Close()

	stores := [][]any{{"Path", "File ID", "Created", "Entries", "Bytes", "Branches", "Runs"}}
	branches := [][]any{{"Store", "Key", "Name", "Pass", "Type", "Non-null", "Avg bytes"}}
	runs := [][]any{{"Store", "Run", "Detector", "Software", "Start", "End", "Tried", "Events", "Entries", "First entry"}}
	for _, s := range summaries {
		stores = append(stores, []any{s.Path, s.FileID, s.Created, s.Entries, s.Bytes, len(s.Branches), len(s.Runs)})
		for _, b := range s.Branches {
			branches = append(branches, []any{s.Path, b.Key, b.Name, b.Pass, b.Type, b.NonNull, b.AvgBytes})
		}
		for _, r := range s.Runs {
			runs = append(runs, []any{s.Path, r.Number, r.Detector, r.Software, r.Start, r.End, r.Tried, r.Events, r.Entries, r.FirstEntry})
		}
	}

	if err := f.SetSheetName("Sheet1", SheetStores); err != nil {
		return errors.Wrap(err, errors.CodeFileError, "failed to name sheet")
	}
	for _, sheet := range []string{SheetBranches, SheetRuns} {
		if _, err := f.NewSheet(sheet); err != nil {
			return errors.Wrap(err, errors.CodeFileError, "failed to add sheet").WithContext("sheet", sheet)
		}
	}
	for sheet, rows := range map[string][][]any{SheetStores: stores, SheetBranches: branches, SheetRuns: runs} {
		if err := writeRows(f, sheet, rows); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return errors.FileError(path, err, "failed to save workbook")
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return errors.Wrap(err, errors.CodeFileError, "invalid cell")
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.Wrap(err, errors.CodeFileError, "failed to write row").WithContext("sheet", sheet)
		}
	}
	if err := f.AutoFilter(sheet, "A1:"+lastColumn(len(rows[0]))+"1", nil); err != nil {
		return errors.Wrap(err, errors.CodeFileError, "failed to add filter").WithContext("sheet", sheet)
	}
	return nil
}

func lastColumn(n int) string {
	name, _ := excelize.ColumnNumberToName(n)
	return name
}
