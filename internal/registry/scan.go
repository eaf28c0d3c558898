package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/excelmanus/agentcore/internal/fvm"
)

// SheetScanner extracts structural metadata from a spreadsheet or CSV file.
// Implemented by internal/excelio.ScanSheets; declared here as a function
// type so registry has no import-time dependency on excelize — callers wire
// the concrete scanner in at construction.
type SheetScanner func(path string, headerScanRows int) ([]SheetMeta, error)

func isSkippedName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$")
}

// ScanWorkspace walks the full workspace tree (root, uploads/, outputs/),
// registering or updating entries as it goes, skipping noise directories
// and compiled-binary extensions. Returns up to maxFiles entries processed.
func (r *Registry) ScanWorkspace(scanSheets SheetScanner, maxFiles, headerScanRows int, excelOnly bool) ScanResult {
	start := time.Now()
	var result ScanResult

	paths := r.collectFilePaths(maxFiles, excelOnly)
	for _, p := range paths {
		r.scanOne(p, scanSheets, headerScanRows, &result)
	}

	result.ScanDurationMs = time.Since(start).Milliseconds()
	return result
}

// ScanUploads scans only the uploads/ subdirectory, incrementally updating
// entries already registered via RegisterUpload.
func (r *Registry) ScanUploads(scanSheets SheetScanner, headerScanRows int) ScanResult {
	start := time.Now()
	var result ScanResult

	uploadsDir := filepath.Join(r.workspaceRoot, "uploads")
	if _, err := os.Stat(uploadsDir); err != nil {
		return result
	}

	_ = filepath.Walk(uploadsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if isSkippedName(info.Name()) {
			return nil
		}
		r.scanOne(path, scanSheets, headerScanRows, &result)
		return nil
	})

	result.ScanDurationMs = time.Since(start).Milliseconds()
	return result
}

func (r *Registry) scanOne(absPath string, scanSheets SheetScanner, headerScanRows int, result *ScanResult) {
	info, err := os.Stat(absPath)
	if err != nil {
		return
	}
	rel, err := fvm.ToWorkspaceRelative(absPath, r.workspaceRoot)
	if err != nil {
		return
	}

	mtimeNs := info.ModTime().UnixNano()
	result.TotalFiles++

	r.mu.RLock()
	existing := r.byPath[rel]
	r.mu.RUnlock()

	if existing != nil && existing.MtimeNs == mtimeNs && existing.SizeBytes == info.Size() {
		result.CacheHits++
		return
	}

	var sheetMeta []SheetMeta
	fileType := detectFileType(rel)
	if (fileType == FileTypeExcel || fileType == FileTypeCSV) && scanSheets != nil {
		if meta, err := scanSheets(absPath, headerScanRows); err == nil {
			sheetMeta = meta
		}
	}

	if existing != nil {
		r.RegisterFromScan(rel, filepath.Base(rel), info.Size(), mtimeNs, sheetMeta, "")
		result.UpdatedFiles++
		return
	}

	r.RegisterFromScan(rel, filepath.Base(rel), info.Size(), mtimeNs, sheetMeta, "")
	result.NewFiles++
}

func (r *Registry) collectFilePaths(maxFiles int, excelOnly bool) []string {
	var paths []string
	_ = filepath.Walk(r.workspaceRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if len(paths) >= maxFiles {
			return filepath.SkipAll
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if isSkippedName(info.Name()) {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(info.Name()))
		if excelOnly {
			if !excelExtensions[ext] && ext != ".csv" {
				return nil
			}
		} else if skipExtensions[ext] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})

	sort.Slice(paths, func(i, j int) bool { return strings.ToLower(paths[i]) < strings.ToLower(paths[j]) })
	if len(paths) > maxFiles {
		paths = paths[:maxFiles]
	}
	return paths
}

// DetectDeleted soft-deletes any active entry whose file no longer exists
// on disk, returning the count affected.
func (r *Registry) DetectDeleted() int {
	count := 0
	for _, e := range r.ActiveEntries() {
		resolved, err := fvm.ResolveInWorkspace(e.CanonicalPath, r.workspaceRoot)
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(resolved); statErr != nil {
			r.MarkDeleted(e.CanonicalPath)
			count++
		}
	}
	return count
}
