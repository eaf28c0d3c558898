// Package registry implements FileRegistry: the metadata and provenance
// catalog that sits alongside (not inside) the FVM, keyed by canonical
// workspace-relative path. Unlike the original Python implementation this
// keeps its state in memory with an atomically-written JSON sidecar rather
// than a SQL-backed store — the spec scopes the user/auth database out, so
// there is no component left for a DB driver to serve (see DESIGN.md).
package registry

import "time"

// SheetMeta is one worksheet/CSV's structural summary.
type SheetMeta struct {
	Name         string `json:"name"`
	Rows         int    `json:"rows"`
	Columns      int    `json:"columns"`
	HeaderRow    int    `json:"header_row"`
	HasHeaderRow bool   `json:"has_header_row"`
}

// Origin tags how a FileEntry came to exist in the registry.
type Origin string

const (
	OriginUploaded    Origin = "uploaded"
	OriginScan        Origin = "scan"
	OriginAgentOutput Origin = "agent_created"
	OriginBackup      Origin = "backup"
	OriginCoWCopy     Origin = "cow_copy"
	OriginStaged      Origin = "staged"
)

// FileType classifies a registered file for display and panorama grouping.
type FileType string

const (
	FileTypeExcel FileType = "excel"
	FileTypeCSV   FileType = "csv"
	FileTypeImage FileType = "image"
	FileTypeText  FileType = "text"
	FileTypeOther FileType = "other"
)

// FileEntry is one registry row: metadata plus provenance for a single
// canonical workspace-relative path.
type FileEntry struct {
	ID              string      `json:"id"`
	CanonicalPath   string      `json:"canonical_path"`
	OriginalName    string      `json:"original_name"`
	FileType        FileType    `json:"file_type"`
	SizeBytes       int64       `json:"size_bytes"`
	Origin          Origin      `json:"origin"`
	OriginSessionID string      `json:"origin_session_id,omitempty"`
	OriginTurn      int         `json:"origin_turn,omitempty"`
	OriginTool      string      `json:"origin_tool,omitempty"`
	ParentFileID    string      `json:"parent_file_id,omitempty"`
	SheetMeta       []SheetMeta `json:"sheet_meta,omitempty"`
	ContentHash     string      `json:"content_hash,omitempty"`
	MtimeNs         int64       `json:"mtime_ns"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	DeletedAt       *time.Time  `json:"deleted_at,omitempty"`
}

// FileAlias maps an additional lookup string (a display name, an old path,
// a user-friendly label) onto a FileEntry's ID.
type FileAlias struct {
	AliasType  string `json:"alias_type"`
	AliasValue string `json:"alias_value"`
	FileID     string `json:"file_id"`
}

// FileEvent records one provenance event in a file's lifecycle.
type FileEvent struct {
	FileID    string            `json:"file_id"`
	EventType string            `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	Turn      int               `json:"turn,omitempty"`
	ToolName  string            `json:"tool_name,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ScanResult summarizes one scan_workspace/scan_uploads pass.
type ScanResult struct {
	TotalFiles     int
	NewFiles       int
	UpdatedFiles   int
	DeletedFiles   int
	CacheHits      int
	ScanDurationMs int64
}

var excelExtensions = map[string]bool{
	".xlsx": true, ".xls": true, ".xlsm": true, ".xlsb": true,
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".webp": true, ".svg": true,
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".json": true, ".xml": true,
	".yaml": true, ".yml": true, ".log": true,
}

var skipDirs = map[string]bool{
	".git": true, ".venv": true, "node_modules": true, "__pycache__": true,
	".worktrees": true, "dist": true, "build": true,
}

var skipExtensions = map[string]bool{
	".pyc": true, ".pyo": true, ".so": true, ".dylib": true, ".dll": true, ".exe": true,
	".o": true, ".a": true, ".class": true, ".jar": true, ".war": true,
	".whl": true, ".egg": true, ".tar": true, ".gz": true, ".bz2": true, ".xz": true, ".zst": true,
	".db": true, ".sqlite": true, ".sqlite3": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
}

const (
	panoramaFullThreshold    = 20
	panoramaCompactThreshold = 100
)

var dirLabels = map[string]string{
	"uploads":         "user uploads",
	"outputs":         "generated output",
	"outputs/backups": "backup copies",
}
