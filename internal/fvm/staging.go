package fvm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type stagingRecord struct {
	RelPath     string `json:"rel_path"`
	OriginalAbs string `json:"original_abs"`
	StagedAbs   string `json:"staged_abs"`
}

func (m *Manager) stagingJSONPath() string {
	return filepath.Join(m.versionsDir, "_staging.json")
}

// saveStaging persists the staging map atomically via temp-file + rename.
// Caller must hold m.mu.
func (m *Manager) saveStaging() {
	records := make([]stagingRecord, 0, len(m.staging))
	for _, e := range m.staging {
		records = append(records, stagingRecord{
			RelPath:     e.RelPath,
			OriginalAbs: e.OriginalAbs,
			StagedAbs:   e.StagedAbs,
		})
	}
	data, err := json.Marshal(records)
	if err != nil {
		return
	}
	tmp := m.stagingJSONPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, m.stagingJSONPath())
}

// loadStaging restores the staging map on startup, silently dropping
// entries whose staged file no longer exists (crash recovery). Caller must
// not hold m.mu (called only from NewManager).
func (m *Manager) loadStaging() {
	data, err := os.ReadFile(m.stagingJSONPath())
	if err != nil {
		return
	}
	var records []stagingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return
	}
	for _, r := range records {
		if _, err := os.Stat(r.StagedAbs); err != nil {
			continue
		}
		m.staging[r.RelPath] = &StagingEntry{
			OriginalAbs: r.OriginalAbs,
			StagedAbs:   r.StagedAbs,
			RelPath:     r.RelPath,
		}
	}
}

// StageForWrite ensures an original checkpoint exists and returns the staged
// working-copy path. Idempotent: repeat calls for the same path return the
// cached staged path. When scope is excel_only and the extension is not a
// spreadsheet extension, returns the original path with no staging.
func (m *Manager) StageForWrite(path string, refID string, scope StagingScope) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved, err := m.resolve(path)
	if err != nil {
		return "", err
	}
	rel, err := m.toRel(resolved)
	if err != nil {
		return "", err
	}

	if entry, ok := m.staging[rel]; ok {
		return entry.StagedAbs, nil
	}

	if scope == ScopeExcelOnly && !excelExtensions[strings.ToLower(filepath.Ext(resolved))] {
		return resolved, nil
	}

	if info, statErr := os.Stat(resolved); statErr != nil || info.IsDir() {
		return resolved, nil
	}

	if _, err := m.checkpointLocked(path, ReasonStaging, refID); err != nil {
		return "", err
	}

	if err := os.MkdirAll(m.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("fvm: create staging dir: %w", err)
	}
	ext := filepath.Ext(resolved)
	stem := strings.TrimSuffix(filepath.Base(resolved), ext)
	ts := time.Now().Format("20060102T150405")
	uniq := uuid.New().String()[:8]
	stagedPath := filepath.Join(m.stagingDir, fmt.Sprintf("%s_%s_%s%s", stem, ts, uniq, ext))

	if err := copyFile(resolved, stagedPath); err != nil {
		return "", fmt.Errorf("fvm: copy to staging: %w", err)
	}

	entry := &StagingEntry{OriginalAbs: resolved, StagedAbs: stagedPath, RelPath: rel}
	m.staging[rel] = entry
	m.saveStaging()
	return stagedPath, nil
}

// GetStagedPath returns the staged copy's path for path, or "" if unstaged.
func (m *Manager) GetStagedPath(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved, err := m.resolve(path)
	if err != nil {
		return "", err
	}
	rel, err := m.toRel(resolved)
	if err != nil {
		return "", err
	}
	if e, ok := m.staging[rel]; ok {
		return e.StagedAbs, nil
	}
	return "", nil
}

// HasStaging reports whether path has an active staging entry.
func (m *Manager) HasStaging(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved, err := m.resolve(path)
	if err != nil {
		return false
	}
	rel, err := m.toRel(resolved)
	if err != nil {
		return false
	}
	_, ok := m.staging[rel]
	return ok
}

// CommitResult describes one committed staging entry.
type CommitResult struct {
	Original string
	Backup   string
}

// CommitStaged copies the staged file back to its original location and
// removes the StagingEntry (the FileVersion chain is left intact).
func (m *Manager) CommitStaged(path string) (*CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved, err := m.resolve(path)
	if err != nil {
		return nil, err
	}
	rel, err := m.toRel(resolved)
	if err != nil {
		return nil, err
	}
	entry, ok := m.staging[rel]
	if !ok {
		return nil, nil
	}
	if err := m.commitEntryLocked(entry); err != nil {
		return nil, err
	}
	delete(m.staging, rel)
	m.saveStaging()
	return &CommitResult{Original: entry.OriginalAbs, Backup: entry.StagedAbs}, nil
}

// CommitAllStaged commits every active staging entry.
func (m *Manager) CommitAllStaged() ([]CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []CommitResult
	for rel, entry := range m.staging {
		if err := m.commitEntryLocked(entry); err != nil {
			return results, err
		}
		results = append(results, CommitResult{Original: entry.OriginalAbs, Backup: entry.StagedAbs})
		delete(m.staging, rel)
	}
	m.saveStaging()
	return results, nil
}

func (m *Manager) commitEntryLocked(entry *StagingEntry) error {
	if _, err := os.Stat(entry.StagedAbs); err != nil {
		return nil // staged file vanished; nothing to commit
	}
	if err := os.MkdirAll(filepath.Dir(entry.OriginalAbs), 0o755); err != nil {
		return err
	}
	return copyFile(entry.StagedAbs, entry.OriginalAbs)
}

// DiscardStaged deletes the staged file and removes the entry; the original
// is left untouched.
func (m *Manager) DiscardStaged(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved, err := m.resolve(path)
	if err != nil {
		return false, err
	}
	rel, err := m.toRel(resolved)
	if err != nil {
		return false, err
	}
	entry, ok := m.staging[rel]
	if !ok {
		return false, nil
	}
	if _, statErr := os.Stat(entry.StagedAbs); statErr == nil {
		_ = os.Remove(entry.StagedAbs)
	}
	delete(m.staging, rel)
	m.saveStaging()
	return true, nil
}

// DiscardAllStaged discards every active staging entry, returning the count.
func (m *Manager) DiscardAllStaged() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for rel, entry := range m.staging {
		if _, err := os.Stat(entry.StagedAbs); err == nil {
			_ = os.Remove(entry.StagedAbs)
		}
		delete(m.staging, rel)
		count++
	}
	m.saveStaging()
	return count
}

// StagedFileMap returns original_abs → staged_abs, consumed by the sandbox
// env builder as EXCELMANUS_STAGING_MAP.
func (m *Manager) StagedFileMap() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.staging))
	for _, e := range m.staging {
		out[e.OriginalAbs] = e.StagedAbs
	}
	return out
}

// RegisterCoWMapping records a copy-on-write path mapping produced by
// run_code or another sandboxed tool. Recorded both as a staging entry and
// as a version snapshot (reason=cow).
func (m *Manager) RegisterCoWMapping(srcRel, dstRel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolvedSrc, err := m.resolve(srcRel)
	if err != nil {
		return err
	}
	rel, err := m.toRel(resolvedSrc)
	if err != nil {
		return err
	}
	if _, ok := m.staging[rel]; ok {
		return nil // already staged
	}

	dstAbs, err := m.resolve(dstRel)
	if err != nil {
		return err
	}

	if _, err := m.checkpointLocked(srcRel, ReasonCoW, dstRel); err != nil {
		return err
	}

	m.staging[rel] = &StagingEntry{OriginalAbs: resolvedSrc, StagedAbs: dstAbs, RelPath: rel}
	m.saveStaging()
	return nil
}

// LookupCoWRedirect returns the staged/CoW destination for a workspace-
// relative path, or "" if none is registered. Nothing in the dispatcher
// calls it; tool arguments are not rewritten.
func (m *Manager) LookupCoWRedirect(relPath string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.staging[relPath]; ok {
		return e.StagedAbs
	}
	return ""
}

// RemoveStagingForPath drops path's staging entry without deleting the
// staged physical file (it may still be wanted as a backup). Called when a
// tool deletes the file outright (original_source W4).
func (m *Manager) RemoveStagingForPath(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved, err := m.resolve(path)
	if err != nil {
		return false
	}
	rel, err := m.toRel(resolved)
	if err != nil {
		return false
	}
	if _, ok := m.staging[rel]; !ok {
		return false
	}
	delete(m.staging, rel)
	m.saveStaging()
	return true
}

// RenameStagingPath retargets a staging entry's original path when the file
// itself is renamed (original_source W5).
func (m *Manager) RenameStagingPath(oldPath, newPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldResolved, err := m.resolve(oldPath)
	if err != nil {
		return false
	}
	oldRel, err := m.toRel(oldResolved)
	if err != nil {
		return false
	}
	newResolved, err := m.resolve(newPath)
	if err != nil {
		return false
	}
	newRel, err := m.toRel(newResolved)
	if err != nil {
		return false
	}
	entry, ok := m.staging[oldRel]
	if !ok {
		return false
	}
	delete(m.staging, oldRel)
	m.staging[newRel] = &StagingEntry{OriginalAbs: newResolved, StagedAbs: entry.StagedAbs, RelPath: newRel}
	m.saveStaging()
	return true
}

// PruneStaleStaging drops StagingEntries whose staged file no longer exists.
func (m *Manager) PruneStaleStaging() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for rel, e := range m.staging {
		if _, err := os.Stat(e.StagedAbs); err != nil {
			stale = append(stale, rel)
		}
	}
	for _, rel := range stale {
		delete(m.staging, rel)
	}
	if len(stale) > 0 {
		m.saveStaging()
	}
	return len(stale)
}

// ListStaged returns a snapshot of all active staging entries.
func (m *Manager) ListStaged() []StagingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StagingEntry, 0, len(m.staging))
	for _, e := range m.staging {
		out = append(out, *e)
	}
	return out
}
