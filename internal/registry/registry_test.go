package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	return New(root)
}

func TestRegisterUploadThenResolveForTool(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterUpload("uploads/report.xlsx", "Q3 Report.xlsx", 1024, "sess-1", 1, nil)

	if got := r.ResolveForTool("uploads/report.xlsx"); got != "uploads/report.xlsx" {
		t.Errorf("exact canonical match: got %q", got)
	}
	if got := r.ResolveForTool("Q3 Report.xlsx"); got != "uploads/report.xlsx" {
		t.Errorf("alias match: got %q", got)
	}
	if got := r.ResolveForTool("nonexistent.xlsx"); got != "nonexistent.xlsx" {
		t.Errorf("fallback to input: got %q", got)
	}
}

func TestResolveForDisplay(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterUpload("uploads/report.xlsx", "Q3 Report.xlsx", 1024, "sess-1", 1, nil)

	if got := r.ResolveForDisplay("uploads/report.xlsx"); got != "Q3 Report.xlsx" {
		t.Errorf("expected friendly name, got %q", got)
	}
	if got := r.ResolveForDisplay("unregistered/path.csv"); got != "path.csv" {
		t.Errorf("expected basename fallback, got %q", got)
	}
}

func TestRegisterAgentOutputLinksParent(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterUpload("uploads/source.xlsx", "source.xlsx", 512, "sess-1", 1, nil)

	out := r.RegisterAgentOutput("outputs/derived.xlsx", "derived.xlsx", "uploads/source.xlsx", "sess-1", 2, "write_cells", nil)
	parent := r.Get("uploads/source.xlsx")
	if out.ParentFileID != parent.ID {
		t.Errorf("expected derived file's ParentFileID to match source entry id")
	}
	if out.Origin != OriginAgentOutput {
		t.Errorf("expected origin=agent_created, got %s", out.Origin)
	}
}

func TestMarkDeletedPreservesEntryButFiltersActive(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterUpload("uploads/gone.csv", "gone.csv", 10, "", 0, nil)
	r.MarkDeleted("uploads/gone.csv")

	if e := r.Get("uploads/gone.csv"); e == nil || e.DeletedAt == nil {
		t.Fatal("expected entry to persist with DeletedAt set")
	}
	for _, e := range r.ActiveEntries() {
		if e.CanonicalPath == "uploads/gone.csv" {
			t.Error("expected soft-deleted entry excluded from ActiveEntries")
		}
	}
}

func TestPersistenceSurvivesReload(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	r.RegisterUpload("uploads/a.csv", "a.csv", 100, "sess-1", 1, nil)

	reopened := New(root)
	if e := reopened.Get("uploads/a.csv"); e == nil {
		t.Fatal("expected entry to survive reload from registry.json sidecar")
	}
	if _, err := os.Stat(filepath.Join(root, "registry.json")); err != nil {
		t.Errorf("expected sidecar file to exist: %v", err)
	}
}

// TestPersistenceRoundTripPreservesFields guards against the sidecar
// JSON round-trip silently dropping or reordering fields — a field-by-field
// t.Errorf comparison wouldn't catch a new field added to FileEntry without
// a matching assertion, but cmp.Diff over the whole struct will.
func TestPersistenceRoundTripPreservesFields(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	r.RegisterUpload("uploads/a.csv", "a.csv", 100, "sess-1", 1, []SheetMeta{{Name: "Sheet1", Rows: 5, Columns: 2}})
	want := r.Get("uploads/a.csv")

	reopened := New(root)
	got := reopened.Get("uploads/a.csv")
	if got == nil {
		t.Fatal("expected entry to survive reload")
	}

	// CreatedAt, UpdatedAt and MtimeNs are left out of the comparison: none
	// of the three are part of what "reload preserved this entry" claims.
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(FileEntry{}, "CreatedAt", "UpdatedAt", "MtimeNs")); diff != "" {
		t.Errorf("reloaded entry mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPanoramaEmptyWhenNoFiles(t *testing.T) {
	r := newTestRegistry(t)
	if got := r.BuildPanorama(1500); got != "" {
		t.Errorf("expected empty panorama for empty registry, got %q", got)
	}
}

func TestBuildPanoramaFullBandIncludesTable(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterUpload("uploads/a.xlsx", "a.xlsx", 100, "sess-1", 1, []SheetMeta{{Name: "Sheet1", Rows: 10, Columns: 3}})

	out := r.BuildPanorama(1500)
	if out == "" {
		t.Fatal("expected non-empty panorama")
	}
	if !strings.Contains(out, "User files") {
		t.Errorf("expected full-band table header, got:\n%s", out)
	}
}
