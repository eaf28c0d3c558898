// Package excelio wraps excelize-based workbook/worksheet inspection and
// atomic save, plus CSV encoding-aware reading, for the tools and registry
// scanner that need to look inside spreadsheet files without fully loading
// them into the agent's context.
package excelio

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/excelmanus/agentcore/internal/registry"
)

// defaultHeaderScanRows mirrors the original implementation's default window for
// header-row detection.
const defaultHeaderScanRows = 5

// ScanSheets opens path read-only and returns per-sheet structural metadata:
// name, row/column extent, and a best-guess header row. CSV files are
// treated as a single implicit "Sheet1".
func ScanSheets(path string, headerScanRows int) ([]registry.SheetMeta, error) {
	if headerScanRows <= 0 {
		headerScanRows = defaultHeaderScanRows
	}
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return scanCSVSheet(path, headerScanRows)
	}
	return scanExcelSheets(path, headerScanRows)
}

func scanExcelSheets(path string, headerScanRows int) ([]registry.SheetMeta, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("excelio: open %s: %w", path, err)
	}
	defer f.Close()

	var sheets []registry.SheetMeta
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			continue
		}
		totalRows := len(rows)
		totalCols := 0
		for _, row := range rows {
			if len(row) > totalCols {
				totalCols = len(row)
			}
		}

		scanLimit := headerScanRows
		if totalRows < scanLimit {
			scanLimit = totalRows
		}
		headerRow, found := detectHeaderRow(rows, scanLimit)

		sheets = append(sheets, registry.SheetMeta{
			Name:         name,
			Rows:         totalRows,
			Columns:      totalCols,
			HeaderRow:    headerRow,
			HasHeaderRow: found,
		})
	}
	return sheets, nil
}

func scanCSVSheet(path string, headerScanRows int) ([]registry.SheetMeta, error) {
	enc, err := SniffEncoding(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("excelio: open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(decodeReader(f, enc))
	reader.FieldsPerRecord = -1

	var rows [][]string
	for len(rows) < headerScanRows+1 {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		rows = append(rows, record)
	}

	totalCols := 0
	for _, r := range rows {
		if len(r) > totalCols {
			totalCols = len(r)
		}
	}
	headerRow, found := detectHeaderRowStr(rows)

	return []registry.SheetMeta{{
		Name:         "Sheet1",
		Rows:         len(rows),
		Columns:      totalCols,
		HeaderRow:    headerRow,
		HasHeaderRow: found,
	}}, nil
}

// detectHeaderRow scores each of the first scanLimit rows by non-empty cell
// count and returns the best-scoring row index (0-based), matching the
// original's "most populated row wins" heuristic.
func detectHeaderRow(rows [][]string, scanLimit int) (int, bool) {
	bestIdx, bestScore := 0, -1
	found := false
	for idx := 0; idx < scanLimit && idx < len(rows); idx++ {
		score := 0
		for _, v := range rows[idx] {
			if strings.TrimSpace(v) != "" {
				score += 2
			}
		}
		if score > bestScore {
			bestScore = score
			bestIdx = idx
			found = true
		}
	}
	return bestIdx, found
}

func detectHeaderRowStr(rows [][]string) (int, bool) {
	return detectHeaderRow(rows, len(rows))
}

// SniffEncoding looks at the file's first 4KB: "utf-8-sig" when they start
// with a UTF-8 BOM, "utf-8" when they are valid UTF-8, otherwise the name
// charset.DetermineEncoding guesses for them, with "gbk" only when that name
// is empty. For non-UTF-8 bytes without HTML charset markup the guess is
// windows-1252, so GBK/GB18030 content is not told apart from Latin-1.
func SniffEncoding(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("excelio: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 4096)
	n, _ := io.ReadFull(f, buf)
	sample := buf[:n]

	if bytesHasBOM(sample) {
		return "utf-8-sig", nil
	}
	if utf8.Valid(sample) {
		return "utf-8", nil
	}
	if _, name, _ := charset.DetermineEncoding(sample, ""); name != "" {
		return name, nil
	}
	return "gbk", nil
}

func bytesHasBOM(b []byte) bool {
	return len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF
}

// decodeReader wraps r with a transform.Reader for the sniffed encoding
// name when it isn't already UTF-8, so csv.Reader always sees UTF-8 bytes.
func decodeReader(r io.Reader, encodingName string) io.Reader {
	switch encodingName {
	case "utf-8", "utf-8-sig":
		return bufio.NewReader(r)
	default:
		e, name := charset.Lookup(encodingName)
		if e == nil {
			_ = name
			return bufio.NewReader(r)
		}
		return transform.NewReader(r, e.NewDecoder())
	}
}
