package excelio

import (
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// CellWrite is one (cell, value) pair for WriteCells.
type CellWrite struct {
	Cell  string
	Value interface{}
}

// WriteCells opens path, applies each CellWrite to sheet, and saves back to
// path atomically (temp file + rename, mirroring the sandbox contract's
// patched Workbook.save). Creates sheet if it doesn't already exist.
func WriteCells(path, sheet string, writes []CellWrite) error {
	f, err := openOrCreate(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if idx, _ := f.GetSheetIndex(sheet); idx == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("excelio: create sheet %s: %w", sheet, err)
		}
	}

	for _, w := range writes {
		if err := f.SetCellValue(sheet, w.Cell, w.Value); err != nil {
			return fmt.Errorf("excelio: set %s!%s: %w", sheet, w.Cell, err)
		}
	}

	return AtomicSave(f, path)
}

func openOrCreate(path string) (*excelize.File, error) {
	if _, err := os.Stat(path); err != nil {
		return excelize.NewFile(), nil
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("excelio: open %s: %w", path, err)
	}
	return f, nil
}

// AtomicSave writes f to path via a temp file in the same directory plus an
// os.Rename, so a crash mid-write never leaves path partially written.
func AtomicSave(f *excelize.File, path string) error {
	tmp := path + ".tmp"
	if err := f.SaveAs(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("excelio: save %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("excelio: rename into place %s: %w", path, err)
	}
	return nil
}

// CellRange is one cell's resolved value from ReadRange.
type CellRange struct {
	Cell  string
	Value string
}

// ReadRange reads every cell in rangeRef (e.g. "A1:C10") from sheet.
func ReadRange(path, sheet, rangeRef string) ([]CellRange, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("excelio: open %s: %w", path, err)
	}
	defer f.Close()

	startCell, endCell, err := splitRange(rangeRef)
	if err != nil {
		return nil, err
	}
	startCol, startRow, err := excelize.CellNameToCoordinates(startCell)
	if err != nil {
		return nil, fmt.Errorf("excelio: invalid range start %s: %w", startCell, err)
	}
	endCol, endRow, err := excelize.CellNameToCoordinates(endCell)
	if err != nil {
		return nil, fmt.Errorf("excelio: invalid range end %s: %w", endCell, err)
	}

	var out []CellRange
	for row := startRow; row <= endRow; row++ {
		for col := startCol; col <= endCol; col++ {
			cell, err := excelize.CoordinatesToCellName(col, row)
			if err != nil {
				continue
			}
			val, err := f.GetCellValue(sheet, cell)
			if err != nil {
				continue
			}
			out = append(out, CellRange{Cell: cell, Value: val})
		}
	}
	return out, nil
}

func splitRange(rangeRef string) (string, string, error) {
	parts := strings.Split(rangeRef, ":")
	if len(parts) == 1 {
		return parts[0], parts[0], nil
	}
	if len(parts) != 2 {
		return "", "", fmt.Errorf("excelio: malformed range %q", rangeRef)
	}
	return parts[0], parts[1], nil
}

// FormulaCell is one cell in a sheet that carries a formula.
type FormulaCell struct {
	Cell    string
	Formula string
}

// DetectFormulas scans sheet for cells containing a formula and returns each
// cell's reference and formula text. No code-policy or verifier code calls
// it; nothing flags "overwrites N formula cells" before a run_code write.
func DetectFormulas(path, sheet string) ([]FormulaCell, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("excelio: open %s: %w", path, err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("excelio: read rows of %s: %w", sheet, err)
	}

	var formulas []FormulaCell
	for rowIdx := range rows {
		for colIdx := range rows[rowIdx] {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+1)
			if err != nil {
				continue
			}
			formula, err := f.GetCellFormula(sheet, cell)
			if err != nil || formula == "" {
				continue
			}
			formulas = append(formulas, FormulaCell{Cell: cell, Formula: formula})
		}
	}
	return formulas, nil
}
