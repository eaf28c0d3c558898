package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/excelmanus/agentcore/internal/codepolicy"
	"github.com/excelmanus/agentcore/internal/delegate"
	"github.com/excelmanus/agentcore/internal/events"
	"github.com/excelmanus/agentcore/internal/interaction"
	"github.com/excelmanus/agentcore/internal/skillpack"
	"github.com/excelmanus/agentcore/internal/telemetry"
	"github.com/excelmanus/agentcore/internal/tool"
	"github.com/excelmanus/agentcore/internal/verifier"
)

type stubTool struct {
	name   string
	output string
}

func (t stubTool) Name() string                  { return t.name }
func (t stubTool) Description() string           { return "stub" }
func (t stubTool) InputSchema() json.RawMessage  { return nil }
func (t stubTool) Init(ctx context.Context) error { return nil }
func (t stubTool) Close() error                   { return nil }
func (t stubTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Output: t.output}, nil
}

type stubContext struct {
	sessionID   string
	hasWrite    bool
	writeHint   string
	warned      bool
	taskTags    []string
	fullAccess  bool
	planMode    bool
	attempt     verifier.Attempt
	interactions *interaction.Registry
	writes      []delegate.WriteOperation
	events      []events.Type
}

func (c *stubContext) SessionID() string     { return c.sessionID }
func (c *stubContext) WorkspaceRoot() string { return "/tmp/ws" }
func (c *stubContext) FullAccess() bool      { return c.fullAccess }
func (c *stubContext) PlanMode() bool        { return c.planMode }

func (c *stubContext) Emit(typ events.Type, toolCallID string, payload interface{}) {
	c.events = append(c.events, typ)
}

func (c *stubContext) Interactions() *interaction.Registry { return c.interactions }
func (c *stubContext) Skills() *skillpack.Manager           { return nil }
func (c *stubContext) Delegate() delegate.Runner            { return nil }
func (c *stubContext) CodePolicy() *codepolicy.Engine        { return nil }
func (c *stubContext) Telemetry() *telemetry.Client          { return nil }

func (c *stubContext) RecordWrite(toolName, filePath, summary string) {
	c.writes = append(c.writes, delegate.WriteOperation{ToolName: toolName, FilePath: filePath, Summary: summary})
	c.hasWrite = true
}
func (c *stubContext) HasWrite() bool          { return c.hasWrite }
func (c *stubContext) SetWriteHint(hint string) { c.writeHint = hint }
func (c *stubContext) WriteHint() string        { return c.writeHint }
func (c *stubContext) TaskTags() []string       { return c.taskTags }
func (c *stubContext) VerifierAttempt() *verifier.Attempt { return &c.attempt }
func (c *stubContext) Warned() bool             { return c.warned }
func (c *stubContext) SetWarned(w bool)         { c.warned = w }

func newTestDispatcher(registry *tool.Registry) *Dispatcher {
	return New(registry, nil,
		&SkillActivationHandler{},
		&DelegationHandler{},
		&FinishTaskHandler{},
		&AskUserHandler{},
		&SuggestModeSwitchHandler{},
		&PlanInterceptHandler{},
		&ExtractTableSpecHandler{},
		&CodePolicyHandler{},
		&AuditOnlyHandler{Registry: registry, Names: map[string]bool{}},
		&HighRiskApprovalHandler{Registry: registry, Names: map[string]bool{}},
	)
}

func TestDispatchDefaultRoutesToRegistry(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(stubTool{name: "read_range", output: "42"})
	d := newTestDispatcher(reg)
	dc := &stubContext{sessionID: "s1"}

	res, err := d.Dispatch(context.Background(), dc, "tc1", "read_range", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "42" {
		t.Errorf("expected 42, got %q", res.Output)
	}
}

func TestFinishTaskWarnsOnceThenAccepts(t *testing.T) {
	reg := tool.NewRegistry()
	d := newTestDispatcher(reg)
	dc := &stubContext{sessionID: "s1", writeHint: "may_write"}

	res1, _ := d.Dispatch(context.Background(), dc, "tc1", "finish_task", json.RawMessage(`{"summary":"done"}`))
	if res1.Output == "" || res1.Output[:4] != "WARN" {
		t.Fatalf("expected warning, got %q", res1.Output)
	}

	res2, _ := d.Dispatch(context.Background(), dc, "tc2", "finish_task", json.RawMessage(`{"summary":"done"}`))
	if len(res2.Output) < 4 || res2.Output[:4] != "DONE" {
		t.Fatalf("expected acceptance on second call, got %q", res2.Output)
	}
}

func TestFinishTaskAcceptsImmediatelyWhenWritesHappened(t *testing.T) {
	reg := tool.NewRegistry()
	d := newTestDispatcher(reg)
	dc := &stubContext{sessionID: "s1"}
	dc.RecordWrite("write_cells", "a.xlsx", "set A1")

	res, _ := d.Dispatch(context.Background(), dc, "tc1", "finish_task", json.RawMessage(`{"summary":"done"}`))
	if len(res.Output) < 4 || res.Output[:4] != "DONE" {
		t.Fatalf("expected immediate acceptance, got %q", res.Output)
	}
}

func TestHighRiskApprovalSuspendsWithoutFullAccess(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(stubTool{name: "shell_exec", output: "ran"})
	names := map[string]bool{"shell_exec": true}
	d := New(reg, nil,
		&SkillActivationHandler{}, &DelegationHandler{}, &FinishTaskHandler{},
		&AskUserHandler{}, &SuggestModeSwitchHandler{}, &PlanInterceptHandler{},
		&ExtractTableSpecHandler{}, &CodePolicyHandler{},
		&AuditOnlyHandler{Registry: reg, Names: map[string]bool{}},
		&HighRiskApprovalHandler{Registry: reg, Names: names},
	)
	dc := &stubContext{sessionID: "s1", interactions: interaction.NewRegistry()}

	res, err := d.Dispatch(context.Background(), dc, "tc1", "shell_exec", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output[:16] != "PENDING_APPROVAL" {
		t.Fatalf("expected pending approval marker, got %q", res.Output)
	}
}

func TestHighRiskApprovalExecutesUnderFullAccess(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(stubTool{name: "shell_exec", output: "ran"})
	names := map[string]bool{"shell_exec": true}
	d := New(reg, nil,
		&SkillActivationHandler{}, &DelegationHandler{}, &FinishTaskHandler{},
		&AskUserHandler{}, &SuggestModeSwitchHandler{}, &PlanInterceptHandler{},
		&ExtractTableSpecHandler{}, &CodePolicyHandler{},
		&AuditOnlyHandler{Registry: reg, Names: map[string]bool{}},
		&HighRiskApprovalHandler{Registry: reg, Names: names},
	)
	dc := &stubContext{sessionID: "s1", fullAccess: true}

	res, err := d.Dispatch(context.Background(), dc, "tc1", "shell_exec", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "ran" {
		t.Fatalf("expected direct execution, got %q", res.Output)
	}
}

func TestSkillpackManagerLoadsEmptyDir(t *testing.T) {
	dir := t.TempDir()
	mgr, errs := skillpack.NewManager(dir)
	if len(errs) != 0 {
		t.Fatalf("unexpected errs: %v", errs)
	}
	_ = mgr // no skills loaded; ToolAllowed is always true with none active — covered separately in skillpack tests.
}

func TestParseArgumentsRejectsArray(t *testing.T) {
	_, err := ParseArguments(json.RawMessage(`[1,2,3]`))
	if err == nil {
		t.Fatal("expected error for array arguments")
	}
}

func TestParseArgumentsAcceptsNullAndEmpty(t *testing.T) {
	if _, err := ParseArguments(nil); err != nil {
		t.Errorf("nil args: %v", err)
	}
	if _, err := ParseArguments(json.RawMessage(`null`)); err != nil {
		t.Errorf("null args: %v", err)
	}
}

func TestTruncateAddsMarkerWhenOverLimit(t *testing.T) {
	out := Truncate("abcdefghij", 4)
	if out == "abcdefghij" {
		t.Fatal("expected truncation")
	}
}
