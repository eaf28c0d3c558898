package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/excelmanus/agentcore/internal/fvm"
)

// Registry is the in-memory, JSON-sidecar-backed FileRegistry for one
// workspace. Entries are keyed by canonical (workspace-relative) path.
type Registry struct {
	mu            sync.RWMutex
	workspaceRoot string
	sidecarPath   string

	byPath  map[string]*FileEntry
	byID    map[string]string // file id → canonical path
	aliases map[string]string // alias value → file id
	events  []FileEvent
}

type sidecarState struct {
	Entries []*FileEntry `json:"entries"`
	Aliases []FileAlias  `json:"aliases"`
	Events  []FileEvent  `json:"events"`
}

// New constructs a Registry rooted at workspaceRoot and loads any persisted
// state from <root>/registry.json.
func New(workspaceRoot string) *Registry {
	r := &Registry{
		workspaceRoot: workspaceRoot,
		sidecarPath:   filepath.Join(workspaceRoot, "registry.json"),
		byPath:        make(map[string]*FileEntry),
		byID:          make(map[string]string),
		aliases:       make(map[string]string),
	}
	r.load()
	return r
}

func (r *Registry) load() {
	data, err := os.ReadFile(r.sidecarPath)
	if err != nil {
		return
	}
	var state sidecarState
	if err := json.Unmarshal(data, &state); err != nil {
		return
	}
	for _, e := range state.Entries {
		r.byPath[e.CanonicalPath] = e
		r.byID[e.ID] = e.CanonicalPath
	}
	for _, a := range state.Aliases {
		r.aliases[a.AliasValue] = a.FileID
	}
	r.events = state.Events
}

// save persists the full registry state atomically. Caller must hold at
// least a read lock (it only reads r's fields).
func (r *Registry) save() {
	state := sidecarState{}
	for _, e := range r.byPath {
		state.Entries = append(state.Entries, e)
	}
	for value, id := range r.aliases {
		state.Aliases = append(state.Aliases, FileAlias{AliasValue: value, FileID: id})
	}
	state.Events = r.events

	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	tmp := r.sidecarPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.sidecarPath)
}

func newFileID() string { return uuid.New().String() }

func detectFileType(path string) FileType {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".csv" {
		return FileTypeCSV
	}
	if excelExtensions[ext] {
		return FileTypeExcel
	}
	if imageExtensions[ext] {
		return FileTypeImage
	}
	if textExtensions[ext] {
		return FileTypeText
	}
	return FileTypeOther
}

// RegisterUpload registers a newly uploaded file, reusing an existing
// entry's ID if the canonical path was already known (keeps provenance
// events attributed to one stable file id across re-uploads).
func (r *Registry) RegisterUpload(canonicalPath, originalName string, sizeBytes int64, sessionID string, turn int, sheetMeta []SheetMeta) *FileEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing := r.byPath[canonicalPath]
	entry := &FileEntry{
		ID:              idOrNew(existing),
		CanonicalPath:   canonicalPath,
		OriginalName:    originalName,
		FileType:        detectFileType(canonicalPath),
		SizeBytes:       sizeBytes,
		Origin:          OriginUploaded,
		OriginSessionID: sessionID,
		OriginTurn:      turn,
		SheetMeta:       sheetMeta,
		CreatedAt:       createdOrNow(existing, now),
		UpdatedAt:       now,
	}
	r.byPath[canonicalPath] = entry
	r.byID[entry.ID] = canonicalPath

	if originalName != canonicalPath {
		r.aliases[originalName] = entry.ID
	}
	r.save()
	return entry
}

func idOrNew(existing *FileEntry) string {
	if existing != nil {
		return existing.ID
	}
	return newFileID()
}

func createdOrNow(existing *FileEntry, now time.Time) time.Time {
	if existing != nil {
		return existing.CreatedAt
	}
	return now
}

// RegisterFromScan upserts an entry discovered by a directory walk.
// Existing entries are updated in place (and revived if previously
// soft-deleted); unknown paths create a new entry with origin=scan.
func (r *Registry) RegisterFromScan(canonicalPath, originalName string, sizeBytes, mtimeNs int64, sheetMeta []SheetMeta, contentHash string) *FileEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.byPath[canonicalPath]; ok {
		existing.SizeBytes = sizeBytes
		existing.MtimeNs = mtimeNs
		existing.FileType = detectFileType(canonicalPath)
		existing.ContentHash = contentHash
		if sheetMeta != nil {
			existing.SheetMeta = sheetMeta
		}
		existing.UpdatedAt = now
		existing.DeletedAt = nil
		r.save()
		return existing
	}

	entry := &FileEntry{
		ID:            newFileID(),
		CanonicalPath: canonicalPath,
		OriginalName:  originalName,
		FileType:      detectFileType(canonicalPath),
		SizeBytes:     sizeBytes,
		Origin:        OriginScan,
		SheetMeta:     sheetMeta,
		ContentHash:   contentHash,
		MtimeNs:       mtimeNs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.byPath[canonicalPath] = entry
	r.byID[entry.ID] = canonicalPath
	r.save()
	return entry
}

// RegisterAgentOutput registers a file a tool reports having created or
// modified, optionally linking it to a parent (source) file for derived
// outputs, and records a "created" provenance event.
func (r *Registry) RegisterAgentOutput(canonicalPath, originalName, parentCanonical, sessionID string, turn int, toolName string, sheetMeta []SheetMeta) *FileEntry {
	r.mu.Lock()

	now := time.Now()
	var parentID string
	if parentCanonical != "" {
		if parent, ok := r.byPath[parentCanonical]; ok {
			parentID = parent.ID
		}
	}

	existing := r.byPath[canonicalPath]
	entry := &FileEntry{
		ID:              idOrNew(existing),
		CanonicalPath:   canonicalPath,
		OriginalName:    originalName,
		FileType:        detectFileType(canonicalPath),
		Origin:          OriginAgentOutput,
		OriginSessionID: sessionID,
		OriginTurn:      turn,
		OriginTool:      toolName,
		ParentFileID:    parentID,
		SheetMeta:       sheetMeta,
		CreatedAt:       createdOrNow(existing, now),
		UpdatedAt:       now,
	}

	if resolved, err := fvm.ResolveInWorkspace(canonicalPath, r.workspaceRoot); err == nil {
		if info, statErr := os.Stat(resolved); statErr == nil {
			entry.SizeBytes = info.Size()
		}
	}

	r.byPath[canonicalPath] = entry
	r.byID[entry.ID] = canonicalPath
	r.save()
	r.mu.Unlock()

	r.RecordEvent(entry.ID, "created", sessionID, turn, toolName, map[string]string{"parent": parentCanonical})
	return entry
}

// RecordEvent appends a provenance event for a file id.
func (r *Registry) RecordEvent(fileID, eventType, sessionID string, turn int, toolName string, details map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, FileEvent{
		FileID:    fileID,
		EventType: eventType,
		SessionID: sessionID,
		Turn:      turn,
		ToolName:  toolName,
		Details:   details,
		CreatedAt: time.Now(),
	})
	r.save()
}

// AddAlias registers an additional lookup string for an existing file id.
func (r *Registry) AddAlias(fileID, aliasValue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[aliasValue] = fileID
	r.save()
}

// GetByAlias resolves an alias value back to its FileEntry, if any.
func (r *Registry) GetByAlias(aliasValue string) *FileEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.aliases[aliasValue]
	if !ok {
		return nil
	}
	path, ok := r.byID[id]
	if !ok {
		return nil
	}
	return r.byPath[path]
}

// ResolveForTool resolves a path or alias to a canonical path: exact
// canonical match, then alias, then fuzzy original-name match, falling back
// to the input unchanged so callers can still attempt the raw path.
func (r *Registry) ResolveForTool(pathOrAlias string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byPath[pathOrAlias]; ok {
		return pathOrAlias
	}
	if id, ok := r.aliases[pathOrAlias]; ok {
		if path, ok := r.byID[id]; ok {
			return path
		}
	}
	for _, e := range r.byPath {
		if e.DeletedAt == nil && e.OriginalName == pathOrAlias {
			return e.CanonicalPath
		}
	}
	return pathOrAlias
}

// ResolveForDisplay maps a canonical path to its user-friendly original
// name, falling back to the path's base name if unregistered.
func (r *Registry) ResolveForDisplay(canonicalPath string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byPath[canonicalPath]; ok {
		return e.OriginalName
	}
	return filepath.Base(canonicalPath)
}

// MarkDeleted soft-deletes an entry (called when its backing file vanishes
// from disk), preserving its provenance history.
func (r *Registry) MarkDeleted(canonicalPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byPath[canonicalPath]; ok {
		now := time.Now()
		e.DeletedAt = &now
		e.UpdatedAt = now
		r.save()
	}
}

// Get returns the entry for a canonical path, or nil.
func (r *Registry) Get(canonicalPath string) *FileEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPath[canonicalPath]
}

// ActiveEntries returns all non-soft-deleted entries.
func (r *Registry) ActiveEntries() []*FileEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FileEntry, 0, len(r.byPath))
	for _, e := range r.byPath {
		if e.DeletedAt == nil {
			out = append(out, e)
		}
	}
	return out
}
