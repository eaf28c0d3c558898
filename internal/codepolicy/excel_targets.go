package codepolicy

import "regexp"

// Operation classifies an ExcelTarget as a read, a write, or unknown.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpUnknown Operation = "unknown"
)

// ExcelTarget is one Excel file operation recognized in a run_code payload,
// used by the verifier/diff layer to know which files to snapshot before
// and after execution. Ported from _ExcelTargetVisitor; only literal string
// paths are recognized, matching the original's own limitation.
type ExcelTarget struct {
	FilePath  string
	SheetName string
	Operation Operation
	Source    string // "pd.read_excel", "df.to_excel", "openpyxl.load_workbook", "wb.save", ...
}

var (
	pdReadRe      = regexp.MustCompile(`\bpd\.(read_excel|read_csv)\s*\(\s*["']([^"']+)["']`)
	pdReadSheetRe = regexp.MustCompile(`sheet_name\s*=\s*["']([^"']+)["']`)
	dfWriteRe     = regexp.MustCompile(`\.(to_excel|to_csv)\s*\(\s*["']([^"']+)["']`)
	loadWorkbookRe = regexp.MustCompile(`(?:openpyxl\.)?load_workbook\s*\(\s*["']([^"']+)["']`)
	wbSaveRe      = regexp.MustCompile(`\.save\s*\(\s*["']([^"']+)["']`)
)

var excelExtensions = stringSet(".xlsx", ".xls", ".xlsm", ".csv")

func isExcelLiteral(path string) bool {
	lower := toLower(path)
	for ext := range excelExtensions {
		if len(lower) >= len(ext) && lower[len(lower)-len(ext):] == ext {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ExtractExcelTargets scans code for pandas/openpyxl Excel read/write calls
// with literal string paths (variable-only paths, besides wb.save, are not
// recognized — same conservative scope as the original).
func ExtractExcelTargets(code string) []ExcelTarget {
	var targets []ExcelTarget

	for _, m := range pdReadRe.FindAllStringSubmatch(code, -1) {
		source := "pd.read_excel"
		if m[1] == "read_csv" {
			source = "pd.read_csv"
		}
		target := ExcelTarget{FilePath: m[2], Operation: OpRead, Source: source}
		if sm := pdReadSheetRe.FindStringSubmatch(code); sm != nil {
			target.SheetName = sm[1]
		}
		targets = append(targets, target)
	}

	for _, m := range dfWriteRe.FindAllStringSubmatch(code, -1) {
		source := "df.to_excel"
		if m[1] == "to_csv" {
			source = "df.to_csv"
		}
		targets = append(targets, ExcelTarget{FilePath: m[2], Operation: OpWrite, Source: source})
	}

	for _, m := range loadWorkbookRe.FindAllStringSubmatch(code, -1) {
		targets = append(targets, ExcelTarget{FilePath: m[1], Operation: OpUnknown, Source: "openpyxl.load_workbook"})
	}

	for _, m := range wbSaveRe.FindAllStringSubmatch(code, -1) {
		if !isExcelLiteral(m[1]) {
			continue
		}
		targets = append(targets, ExcelTarget{FilePath: m[1], Operation: OpWrite, Source: "wb.save"})
	}

	return targets
}
