package fvm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager(root, "")
	require.NoError(t, err, "NewManager")
	return m
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCheckpointCreatesSnapshot(t *testing.T) {
	m := newTestManager(t)
	target := filepath.Join(m.WorkspaceRoot(), "sheet.xlsx")
	writeFile(t, target, "v1")

	ver, err := m.Checkpoint("sheet.xlsx", ReasonManual, "")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if ver == nil {
		t.Fatal("expected a version, got nil")
	}
	if !ver.OriginalExisted {
		t.Error("expected OriginalExisted=true")
	}
	if ver.SnapshotPath == "" {
		t.Error("expected non-empty snapshot path")
	}
}

func TestCheckpointDedupByHash(t *testing.T) {
	m := newTestManager(t)
	target := filepath.Join(m.WorkspaceRoot(), "sheet.xlsx")
	writeFile(t, target, "same")

	if _, err := m.Checkpoint("sheet.xlsx", ReasonManual, ""); err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	ver, err := m.Checkpoint("sheet.xlsx", ReasonManual, "")
	if err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	if ver != nil {
		t.Error("expected dedup to return nil for unchanged content")
	}
}

func TestCheckpointMissingFileIsTombstone(t *testing.T) {
	m := newTestManager(t)
	ver, err := m.Checkpoint("never_existed.csv", ReasonManual, "")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if ver.OriginalExisted {
		t.Error("expected OriginalExisted=false for a tombstone")
	}
	if ver.SnapshotPath != "" {
		t.Error("expected empty SnapshotPath for a tombstone")
	}
}

func TestRestoreRecordsNewVersion(t *testing.T) {
	m := newTestManager(t)
	target := filepath.Join(m.WorkspaceRoot(), "sheet.xlsx")
	writeFile(t, target, "v1")

	v1, err := m.Checkpoint("sheet.xlsx", ReasonManual, "")
	if err != nil || v1 == nil {
		t.Fatalf("Checkpoint v1: %v", err)
	}

	writeFile(t, target, "v2")
	if _, err := m.Checkpoint("sheet.xlsx", ReasonManual, ""); err != nil {
		t.Fatalf("Checkpoint v2: %v", err)
	}

	if err := m.Restore("sheet.xlsx", v1.VersionID); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("expected restored content %q, got %q", "v1", got)
	}

	chain, err := m.ListVersions("sheet.xlsx")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	last := chain[len(chain)-1]
	if last.Reason != ReasonRestore {
		t.Errorf("expected last version reason=restore, got %s", last.Reason)
	}
}

func TestInvalidateUndoBlocksRestore(t *testing.T) {
	m := newTestManager(t)
	target := filepath.Join(m.WorkspaceRoot(), "sheet.xlsx")
	writeFile(t, target, "v1")

	v1, err := m.Checkpoint("sheet.xlsx", ReasonManual, "")
	if err != nil || v1 == nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	m.InvalidateUndo([]string{"sheet.xlsx"})

	if err := m.Restore("sheet.xlsx", v1.VersionID); err != errInvalidated {
		t.Errorf("expected errInvalidated, got %v", err)
	}
}

func TestResolveInWorkspaceRejectsEscape(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.resolve("../outside.txt"); err == nil {
		t.Error("expected error for path escaping workspace root")
	}
}

// TestGcReclaimsOnlyEligibleVersions backdates one non-latest version past
// maxAge and leaves the latest version untouched, then asserts the exact
// GCStats shape rather than just a non-zero count — a partial comparison
// (e.g. only checking SnapshotsRemoved) would miss a regression that also
// started reclaiming BytesReclaimed incorrectly or pruning staging entries
// that should survive.
func TestGcReclaimsOnlyEligibleVersions(t *testing.T) {
	m := newTestManager(t)
	target := filepath.Join(m.WorkspaceRoot(), "sheet.xlsx")
	writeFile(t, target, "v1")

	v1, err := m.Checkpoint("sheet.xlsx", ReasonManual, "")
	require.NoError(t, err, "Checkpoint v1")
	require.NotNil(t, v1, "Checkpoint v1")
	writeFile(t, target, "v2")
	v2, err := m.Checkpoint("sheet.xlsx", ReasonManual, "")
	require.NoError(t, err, "Checkpoint v2")
	require.NotNil(t, v2, "Checkpoint v2")

	m.mu.Lock()
	chain := m.chains["sheet.xlsx"]
	for _, v := range chain {
		if v.VersionID == v1.VersionID {
			v.CreatedAt = time.Now().Add(-48 * time.Hour)
		}
	}
	wantBytes := int64(0)
	if info, statErr := os.Stat(v1.SnapshotPath); statErr == nil {
		wantBytes = info.Size()
	}
	m.mu.Unlock()

	got := m.Gc(24 * time.Hour)
	want := GCStats{SnapshotsRemoved: 1, StagingPruned: 0, BytesReclaimed: wantBytes}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Gc stats mismatch (-want +got):\n%s", diff)
	}

	remaining, err := m.ListVersions("sheet.xlsx")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(remaining) != 1 || remaining[0].VersionID != v2.VersionID {
		t.Errorf("expected only v2 to survive gc, got %+v", remaining)
	}
}
