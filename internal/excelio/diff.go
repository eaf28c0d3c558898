package excelio

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/xuri/excelize/v2"

	"github.com/excelmanus/agentcore/internal/events"
)

// DiffSheet compares sheet in beforePath and afterPath and returns the
// changed cells as events.CellDelta. It line-diffs a CSV-row rendering of
// each sheet first (via go-diff's DiffLinesToChars/DiffMain/DiffCharsToLines
// trick, the same one used for line-level file-diff stats elsewhere in this
// stack) so unchanged rows in a large sheet are skipped in one pass; only
// rows go-diff marks as changed are compared cell-by-cell.
func DiffSheet(beforePath, afterPath, sheet string) ([]events.CellDelta, error) {
	beforeRows, err := rowStrings(beforePath, sheet)
	if err != nil {
		return nil, fmt.Errorf("excelio: diff read before: %w", err)
	}
	afterRows, err := rowStrings(afterPath, sheet)
	if err != nil {
		return nil, fmt.Errorf("excelio: diff read after: %w", err)
	}

	changedBefore, changedAfter := changedRowIndexes(beforeRows, afterRows)

	var deltas []events.CellDelta
	max := len(beforeRows)
	if len(afterRows) > max {
		max = len(afterRows)
	}
	for row := 0; row < max; row++ {
		if !changedBefore[row] && !changedAfter[row] {
			continue
		}
		var before, after []string
		if row < len(beforeRows) {
			before = beforeRows[row]
		}
		if row < len(afterRows) {
			after = afterRows[row]
		}
		deltas = append(deltas, diffRowCells(sheet, row, before, after)...)
	}
	return deltas, nil
}

// changedRowIndexes runs go-diff's line-diff over the two row sets (each row
// joined into one line) and reports, per row index in each side, whether
// go-diff classified that line as changed (Insert/Delete) rather than Equal.
func changedRowIndexes(before, after [][]string) (map[int]bool, map[int]bool) {
	beforeText := joinRows(before)
	afterText := joinRows(after)

	dmp := diffmatchpatch.New()
	t1, t2, lines := dmp.DiffLinesToChars(beforeText, afterText)
	diffs := dmp.DiffMain(t1, t2, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	changedBefore := make(map[int]bool)
	changedAfter := make(map[int]bool)
	beforeIdx, afterIdx := 0, 0
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			beforeIdx += n
			afterIdx += n
		case diffmatchpatch.DiffDelete:
			for i := 0; i < n; i++ {
				changedBefore[beforeIdx+i] = true
			}
			beforeIdx += n
		case diffmatchpatch.DiffInsert:
			for i := 0; i < n; i++ {
				changedAfter[afterIdx+i] = true
			}
			afterIdx += n
		}
	}
	return changedBefore, changedAfter
}

func diffRowCells(sheet string, row int, before, after []string) []events.CellDelta {
	var out []events.CellDelta
	width := len(before)
	if len(after) > width {
		width = len(after)
	}
	for col := 0; col < width; col++ {
		var b, a string
		if col < len(before) {
			b = before[col]
		}
		if col < len(after) {
			a = after[col]
		}
		if b == a {
			continue
		}
		cellRef, err := excelize.CoordinatesToCellName(col+1, row+1)
		if err != nil {
			continue
		}
		out = append(out, events.CellDelta{Cell: cellRef, Before: b, After: a})
	}
	return out
}

func rowStrings(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func joinRows(rows [][]string) string {
	s := ""
	for _, r := range rows {
		for i, c := range r {
			if i > 0 {
				s += "\x1f"
			}
			s += c
		}
		s += "\n"
	}
	return s
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
