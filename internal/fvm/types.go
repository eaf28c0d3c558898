// Package fvm implements the FileVersionManager: a content-addressed,
// append-only store of file snapshots layered with a staging overlay and
// a turn-checkpoint ring buffer, plus the thin WorkspaceTransaction facade
// that binds a transaction id and scope to one manager.
package fvm

import "time"

// VersionReason tags why a FileVersion was created.
type VersionReason string

const (
	ReasonStaging VersionReason = "staging"
	ReasonAudit   VersionReason = "audit"
	ReasonCoW     VersionReason = "cow"
	ReasonRestore VersionReason = "restore"
	ReasonManual  VersionReason = "manual"
	ReasonTurn    VersionReason = "turn"
)

// FileVersion is an immutable snapshot of one file at one point in time.
// Never mutated in place except for the Invalidated flag, which is set by
// InvalidateUndo after a commit so later restores against pre-commit
// versions are refused (V2, V3).
type FileVersion struct {
	VersionID      string
	FilePath       string // workspace-relative, normalized, forward-slash
	SnapshotPath   string // absolute path to the snapshot blob; empty for a tombstone
	Reason         VersionReason
	RefID          string // groups versions: tx_id / approval_id / cow_source / "turn:N"
	CreatedAt      time.Time
	OriginalExisted bool
	ContentHash    string // sha256 hex; empty for a tombstone
	Invalidated    bool
}

// StagingEntry is the active redirection from an original path to a working
// copy. Persisted to disk (JSON sidecar) so a crash doesn't lose the mapping.
type StagingEntry struct {
	OriginalAbs string
	StagedAbs   string
	RelPath     string
}

// TurnCheckpoint is the set of FileVersions created by one tool-loop
// iteration. Kept in a ring buffer of fixed size per session.
type TurnCheckpoint struct {
	TurnNumber    int
	CreatedAt     time.Time
	VersionIDs    []string
	FilesModified []string
	ToolNames     []string
}

// StagingScope restricts which files stage_for_write actually stages.
type StagingScope string

const (
	ScopeAll       StagingScope = "all"
	ScopeExcelOnly StagingScope = "excel_only"
)

var excelExtensions = map[string]bool{
	".xlsx": true,
	".xls":  true,
	".xlsm": true,
	".xlsb": true,
	".csv":  true,
}
