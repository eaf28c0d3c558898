package registry

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// BuildPanorama renders a human-readable summary of active workspace files
// for injection into the LLM's system prompt, banded by file count:
// <=20 entries get a full table with per-sheet detail, <=100 get a compact
// list, and beyond that only directory-level statistics are shown.
//
// max_tokens truncation from the original implementation is intentionally
// not applied here (the original itself left this as a TODO); callers that
// need a hard cap should truncate the rendered string themselves.
func (r *Registry) BuildPanorama(maxTokens int) string {
	active := r.ActiveEntries()
	if len(active) == 0 {
		return ""
	}

	var userFiles, backups, agentOutputs []*FileEntry
	for _, e := range active {
		switch e.Origin {
		case OriginBackup, OriginCoWCopy, OriginStaged:
			backups = append(backups, e)
		case OriginAgentOutput:
			agentOutputs = append(agentOutputs, e)
		default:
			userFiles = append(userFiles, e)
		}
	}

	var b strings.Builder
	b.WriteString("## Workspace File Panorama\n")

	total := len(active)
	switch {
	case total <= panoramaFullThreshold:
		panoramaFull(&b, userFiles, backups, agentOutputs)
	case total <= panoramaCompactThreshold:
		panoramaCompact(&b, userFiles, backups, agentOutputs)
	default:
		panoramaSummary(&b, userFiles, backups, agentOutputs)
	}

	b.WriteString("\n\nPath rule: use the Location column for reads/writes; use the File column name when talking to the user.\n")
	b.WriteString("Backup copies cannot be edited directly — operate on the original file instead.\n")
	return b.String()
}

func panoramaFull(b *strings.Builder, userFiles, backups, agentOutputs []*FileEntry) {
	if len(userFiles) > 0 {
		fmt.Fprintf(b, "\n### User files (%d)\n", len(userFiles))
		b.WriteString("| File | Location | Origin | Structure |\n|---|---|---|---|\n")
		sort.Slice(userFiles, func(i, j int) bool { return userFiles[i].CanonicalPath < userFiles[j].CanonicalPath })
		for _, e := range userFiles {
			fmt.Fprintf(b, "| %s | %s | %s | %s |\n", e.OriginalName, locationOf(e.CanonicalPath), formatOrigin(e), formatStructure(e))
		}
	}
	if len(backups) > 0 {
		fmt.Fprintf(b, "\n### Backups and copies (%d)\n", len(backups))
		b.WriteString("| Copy | Original | Type | Origin |\n|---|---|---|---|\n")
		sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt.Before(backups[j].CreatedAt) })
		for _, e := range backups {
			btype := "transaction backup"
			if e.Origin == OriginCoWCopy {
				btype = "CoW protected"
			}
			fmt.Fprintf(b, "| %s | %s | %s | %s |\n", e.CanonicalPath, "-", btype, formatOrigin(e))
		}
	}
	if len(agentOutputs) > 0 {
		fmt.Fprintf(b, "\n### Agent outputs (%d)\n", len(agentOutputs))
		b.WriteString("| File | Location | Derived from | Origin |\n|---|---|---|---|\n")
		sort.Slice(agentOutputs, func(i, j int) bool { return agentOutputs[i].CreatedAt.Before(agentOutputs[j].CreatedAt) })
		for _, e := range agentOutputs {
			fmt.Fprintf(b, "| %s | %s | %s | %s |\n", e.OriginalName, locationOf(e.CanonicalPath), "-", formatOrigin(e))
		}
	}
}

func panoramaCompact(b *strings.Builder, userFiles, backups, agentOutputs []*FileEntry) {
	if len(userFiles) > 0 {
		fmt.Fprintf(b, "\n### User files (%d)\n", len(userFiles))
		sort.Slice(userFiles, func(i, j int) bool { return userFiles[i].CanonicalPath < userFiles[j].CanonicalPath })
		for _, e := range userFiles {
			sheets := ""
			if len(e.SheetMeta) > 0 {
				names := make([]string, len(e.SheetMeta))
				for i, s := range e.SheetMeta {
					names[i] = s.Name
				}
				sheets = " [" + strings.Join(names, ", ") + "]"
			}
			fmt.Fprintf(b, "- `%s`%s\n", e.CanonicalPath, sheets)
		}
	}
	if len(backups) > 0 {
		fmt.Fprintf(b, "\n### Backups and copies (%d)\n", len(backups))
		for _, e := range backups {
			fmt.Fprintf(b, "- `%s`\n", e.CanonicalPath)
		}
	}
	if len(agentOutputs) > 0 {
		fmt.Fprintf(b, "\n### Agent outputs (%d)\n", len(agentOutputs))
		for _, e := range agentOutputs {
			fmt.Fprintf(b, "- `%s`\n", e.CanonicalPath)
		}
	}
}

func panoramaSummary(b *strings.Builder, userFiles, backups, agentOutputs []*FileEntry) {
	fmt.Fprintf(b, "\n%d user files, %d backups/copies, %d agent outputs\n", len(userFiles), len(backups), len(agentOutputs))

	dirCounts := make(map[string]int)
	for _, e := range userFiles {
		parent := filepath.Dir(e.CanonicalPath)
		dirCounts[parent]++
	}
	if len(dirCounts) == 0 {
		return
	}
	type dirCount struct {
		dir   string
		count int
	}
	var dirs []dirCount
	for d, c := range dirCounts {
		dirs = append(dirs, dirCount{d, c})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].count > dirs[j].count })
	if len(dirs) > 10 {
		dirs = dirs[:10]
	}

	b.WriteString("Hot directories:\n")
	for _, d := range dirs {
		name := d.dir
		suffix := ""
		if label := dirLabel(d.dir); label != "" {
			suffix = " (" + label + ")"
		}
		if name == "." {
			name = "(root)"
		}
		fmt.Fprintf(b, "  - `%s/` (%d files)%s\n", name, d.count, suffix)
	}
}

func locationOf(canonicalPath string) string {
	parent := filepath.Dir(canonicalPath)
	if parent == "." {
		return "./"
	}
	return parent + "/"
}

func dirLabel(parent string) string {
	normalized := strings.Trim(filepath.ToSlash(parent), "/")
	for prefix, label := range dirLabels {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
			return label
		}
	}
	return ""
}

func formatOrigin(e *FileEntry) string {
	var parts []string
	switch e.Origin {
	case OriginUploaded:
		parts = append(parts, "uploaded")
	case OriginScan:
		parts = append(parts, "scanned")
	case OriginAgentOutput:
		parts = append(parts, "agent")
	case OriginBackup:
		parts = append(parts, "backup")
	case OriginCoWCopy:
		parts = append(parts, "cow")
	}
	if e.OriginTurn != 0 {
		parts = append(parts, fmt.Sprintf("T%d", e.OriginTurn))
	}
	if e.OriginTool != "" {
		parts = append(parts, e.OriginTool)
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func formatStructure(e *FileEntry) string {
	if (e.FileType == FileTypeExcel || e.FileType == FileTypeCSV) && len(e.SheetMeta) > 0 {
		parts := make([]string, len(e.SheetMeta))
		for i, s := range e.SheetMeta {
			parts[i] = fmt.Sprintf("%s(%d×%d)", s.Name, s.Rows, s.Columns)
		}
		return fmt.Sprintf("%d sheet(s): %s", len(e.SheetMeta), strings.Join(parts, ", "))
	}
	if e.FileType == FileTypeImage {
		return "image " + formatSize(e.SizeBytes)
	}
	if e.SizeBytes > 0 {
		return formatSize(e.SizeBytes)
	}
	return string(e.FileType)
}

func formatSize(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%dB", size)
	}
	if size < 1024*1024 {
		return fmt.Sprintf("%.0fKB", float64(size)/1024)
	}
	return fmt.Sprintf("%.1fMB", float64(size)/(1024*1024))
}
