package skillpack

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseArgumentsHandlesQuotes(t *testing.T) {
	args := ParseArguments(`foo "bar baz" 'qux quux'`)
	want := []string{"foo", "bar baz", "qux quux"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], args[i])
		}
	}
}

func TestSubstitutePlaceholders(t *testing.T) {
	args := []string{"report.xlsx", "Q3"}
	out := Substitute("summarize $1 for $2, all: $ARGUMENTS", args)
	want := "summarize report.xlsx for Q3, all: report.xlsx Q3"
	if out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}

func TestSubstituteOutOfRangeIndexIsEmpty(t *testing.T) {
	out := Substitute("value: $5", []string{"only-one"})
	if out != "value: " {
		t.Errorf("expected 'value: ', got %q", out)
	}
}

func TestSubstituteNoPlaceholdersReturnsTemplate(t *testing.T) {
	if out := Substitute("no placeholders here", nil); out != "no placeholders here" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestScanDirLoadsValidSkillPack(t *testing.T) {
	root := t.TempDir()
	skillDir := filepath.Join(root, "skills", "budget")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `
name: budget_forecast
description: Forecast next quarter's budget
tool_scope:
  - write_cells
  - read_range
prompt_fragment: "Focus on $1 and ignore other sheets."
`
	if err := os.WriteFile(filepath.Join(skillDir, "skill.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	packs, errs := ScanDir(root)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(packs) != 1 || packs[0].Name != "budget_forecast" {
		t.Fatalf("unexpected packs: %+v", packs)
	}
	if !packs[0].AllowsTool("write_cells") || packs[0].AllowsTool("shell_exec") {
		t.Error("tool scope not enforced as expected")
	}
}

func TestManagerActivateRendersFragment(t *testing.T) {
	root := t.TempDir()
	skillDir := filepath.Join(root, "skills", "budget")
	os.MkdirAll(skillDir, 0o755)
	os.WriteFile(filepath.Join(skillDir, "skill.yaml"), []byte(`
name: budget
description: Budget helper
prompt_fragment: "Working on sheet $1"
`), 0o644)

	mgr, errs := NewManager(root)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	fragment, err := mgr.Activate("sess-1", "budget", "Q3")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if fragment != "Working on sheet Q3" {
		t.Errorf("unexpected fragment: %q", fragment)
	}

	pack, ok := mgr.ActiveSkill("sess-1")
	if !ok || pack.Name != "budget" {
		t.Errorf("expected budget to be active, got %+v ok=%v", pack, ok)
	}
}
