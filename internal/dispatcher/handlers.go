package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/excelmanus/agentcore/internal/codepolicy"
	"github.com/excelmanus/agentcore/internal/delegate"
	"github.com/excelmanus/agentcore/internal/events"
	"github.com/excelmanus/agentcore/internal/tool"
	"github.com/excelmanus/agentcore/internal/verifier"
)

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ── 1. SkillActivation ──────────────────────────────────────────────────

type SkillActivationHandler struct{}

func (h *SkillActivationHandler) Name() string { return "skill_activation" }

func (h *SkillActivationHandler) CanHandle(toolName string) bool {
	return toolName == "activate_skill"
}

func (h *SkillActivationHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	args, err := ParseArguments(raw)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	mgr := dc.Skills()
	if mgr == nil {
		return tool.ToolResult{Error: "no skill packs are loaded"}, nil
	}
	name := argString(args, "name")
	fragment, err := mgr.Activate(dc.SessionID(), name, argString(args, "args"))
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	return tool.ToolResult{Output: fmt.Sprintf("activated skill %q:\n%s", name, fragment)}, nil
}

// ── 2. Delegation ────────────────────────────────────────────────────────

type DelegationHandler struct{}

func (h *DelegationHandler) Name() string { return "delegation" }

func (h *DelegationHandler) CanHandle(toolName string) bool {
	switch toolName {
	case "delegate", "list_subagents", "parallel_delegate":
		return true
	default:
		return false
	}
}

func (h *DelegationHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	runner := dc.Delegate()
	if runner == nil {
		return tool.ToolResult{Error: "delegation is not available in this session"}, nil
	}

	args, err := ParseArguments(raw)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}

	switch toolName {
	case "list_subagents":
		names := make([]string, len(delegate.Roster))
		for i, r := range delegate.Roster {
			names[i] = string(r)
		}
		out, _ := json.Marshal(names)
		return tool.ToolResult{Output: string(out)}, nil

	case "delegate":
		req := delegate.Request{
			Role:      delegate.Role(argString(args, "role")),
			Prompt:    argString(args, "prompt"),
			ToolScope: argStringSlice(args, "tool_scope"),
		}
		res := delegate.Delegate(ctx, runner, req)
		mergeAndEmit(dc, []delegate.Result{res})
		out, _ := json.Marshal(res)
		return tool.ToolResult{Output: string(out)}, nil

	case "parallel_delegate":
		rawReqs, _ := args["requests"].([]any)
		reqs := make([]delegate.Request, 0, len(rawReqs))
		for _, r := range rawReqs {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			reqs = append(reqs, delegate.Request{
				Role:      delegate.Role(argString(m, "role")),
				Prompt:    argString(m, "prompt"),
				ToolScope: argStringSlice(m, "tool_scope"),
			})
		}
		results := delegate.ParallelDelegate(ctx, runner, reqs)
		mergeAndEmit(dc, results)
		out, _ := json.Marshal(results)
		return tool.ToolResult{Output: string(out)}, nil
	}

	return tool.ToolResult{Error: "unreachable"}, nil
}

func mergeAndEmit(dc Context, results []delegate.Result) {
	for _, w := range delegate.MergeWrites(results) {
		dc.RecordWrite(w.ToolName, w.FilePath, w.Summary)
	}
}

// ── 3. FinishTask ────────────────────────────────────────────────────────

type FinishTaskHandler struct{}

func (h *FinishTaskHandler) Name() string { return "finish_task" }

func (h *FinishTaskHandler) CanHandle(toolName string) bool { return toolName == "finish_task" }

func (h *FinishTaskHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	args, err := ParseArguments(raw)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	summary := argString(args, "summary")
	tags := argStringSlice(args, "task_tags")
	if len(tags) == 0 {
		tags = dc.TaskTags()
	}

	// The one-time "no write detected" warning gate.
	if !dc.HasWrite() && dc.WriteHint() != "read_only" {
		if !dc.Warned() {
			dc.SetWarned(true)
			return tool.ToolResult{Output: "WARN: no write detected; call finish_task again if you're sure, or perform the write first."}, nil
		}
	}

	var outcome verifier.Outcome
	if runner := dc.Delegate(); runner != nil {
		outcome = verifier.Evaluate(ctx, delegate.VerifierAdapter{Runner: runner}, tags, dc.HasWrite(), dc.WriteHint(), summary, dc.VerifierAttempt())
	} else {
		outcome = verifier.Outcome{Accepted: true}
	}

	if !outcome.Accepted {
		return tool.ToolResult{Output: outcome.Message}, nil
	}

	dc.Emit(events.TypeTaskDone, toolCallID, events.TaskDonePayload{Solution: summary})
	dc.Telemetry().CaptureTaskFinished(dc.SessionID(), tags, dc.HasWrite())
	if outcome.Message != "" {
		return tool.ToolResult{Output: "DONE: " + summary + "\n" + outcome.Message}, nil
	}
	return tool.ToolResult{Output: "DONE: " + summary}, nil
}

// ── 4/5. AskUser & SuggestModeSwitch ─────────────────────────────────────

type AskUserHandler struct{}

func (h *AskUserHandler) Name() string             { return "ask_user" }
func (h *AskUserHandler) CanHandle(name string) bool { return name == "ask_user" }

func (h *AskUserHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	return askAndAwait(ctx, dc, toolCallID, raw, events.TypeUserQuestion)
}

type SuggestModeSwitchHandler struct{}

func (h *SuggestModeSwitchHandler) Name() string             { return "suggest_mode_switch" }
func (h *SuggestModeSwitchHandler) CanHandle(name string) bool { return name == "suggest_mode_switch" }

func (h *SuggestModeSwitchHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	return askAndAwait(ctx, dc, toolCallID, raw, events.TypeUserQuestion)
}

// askAndAwait is the shared InteractionRegistry rendezvous both blocking
// question tools use: create a future keyed by toolCallID, emit the
// question event, and await the user's answer (or the registry's default
// timeout).
func askAndAwait(ctx context.Context, dc Context, toolCallID string, raw json.RawMessage, typ events.Type) (tool.ToolResult, error) {
	args, err := ParseArguments(raw)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	reg := dc.Interactions()
	if reg == nil {
		return tool.ToolResult{Error: "no interaction registry available"}, nil
	}

	question := argString(args, "text")
	if question == "" {
		question = argString(args, "header")
	}
	reg.Create(toolCallID)
	dc.Emit(typ, toolCallID, events.UserQuestionPayload{
		InteractionID: toolCallID,
		Question:      question,
	})

	answer, err := reg.Await(ctx, toolCallID)
	if err != nil {
		return tool.ToolResult{Output: fmt.Sprintf("timeout: %v; continuing without an answer", err)}, nil
	}
	return tool.ToolResult{Output: answer}, nil
}

// ── 6. PlanIntercept ──────────────────────────────────────────────────────

type PlanInterceptHandler struct {
	// CreateTask is injected by internal/plan's task_create tool wiring;
	// called instead of the registry tool when PlanMode() is true.
	CreateTask func(ctx context.Context, dc Context, args map[string]any) (tool.ToolResult, error)
}

func (h *PlanInterceptHandler) Name() string { return "plan_intercept" }

func (h *PlanInterceptHandler) CanHandle(toolName string) bool { return toolName == "task_create" }

func (h *PlanInterceptHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	if !dc.PlanMode() || h.CreateTask == nil {
		return tool.ToolResult{Error: "plan_intercept: not in plan mode"}, nil
	}
	args, err := ParseArguments(raw)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	return h.CreateTask(ctx, dc, args)
}

// ── 7. ExtractTableSpec ───────────────────────────────────────────────────

// ExtractTableSpecHandler routes extract_table_spec to the image→spec
// vision pipeline, which spec.md §1 explicitly scopes out of the core
// ("the image-to-spreadsheet vision pipeline... The core *uses* these; it
// does not define them"). Pipeline is an injected callable so the core has
// no dependency on the vision stack's implementation.
type ExtractTableSpecHandler struct {
	Pipeline func(ctx context.Context, args map[string]any) (string, error)
}

func (h *ExtractTableSpecHandler) Name() string { return "extract_table_spec" }

func (h *ExtractTableSpecHandler) CanHandle(toolName string) bool {
	return toolName == "extract_table_spec"
}

func (h *ExtractTableSpecHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	if h.Pipeline == nil {
		return tool.ToolResult{Error: "extract_table_spec: image-to-spreadsheet pipeline is not configured"}, nil
	}
	args, err := ParseArguments(raw)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	out, err := h.Pipeline(ctx, args)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	return tool.ToolResult{Output: out}, nil
}

// ── 8. CodePolicy ─────────────────────────────────────────────────────────

// CodePolicyHandler implements the run_code gating pipeline described in
// spec.md §4.5: analyze, possibly sanitize+re-analyze, auto-approve or
// raise an ApprovalRequest, execute, diff, register outputs.
type CodePolicyHandler struct {
	GreenAutoApprove bool
	YellowAutoApprove bool
	// Execute runs sanitized/approved code and reports which files it
	// touched; injected so this package has no direct sandbox/os-exec
	// dependency on the run_code tool's own implementation.
	Execute func(ctx context.Context, dc Context, code string) (tool.ToolResult, []string, error)
	// RequestApproval creates an ApprovalRequest for code that needs
	// explicit consent (RED tier, or auto-approve disabled).
	RequestApproval func(ctx context.Context, dc Context, code string, analysis codepolicy.AnalysisResult) (tool.ToolResult, error)
}

func (h *CodePolicyHandler) Name() string { return "code_policy" }

func (h *CodePolicyHandler) CanHandle(toolName string) bool { return toolName == "run_code" }

func (h *CodePolicyHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	args, err := ParseArguments(raw)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	code := argString(args, "code")

	engine := dc.CodePolicy()
	if engine == nil {
		engine = codepolicy.NewEngine(nil, nil)
	}
	analysis := engine.Analyze(code)

	autoApprove := dc.FullAccess() ||
		(analysis.Tier == codepolicy.TierGreen && h.GreenAutoApprove) ||
		(analysis.Tier == codepolicy.TierYellow && h.YellowAutoApprove)

	if analysis.Tier == codepolicy.TierRed && !dc.FullAccess() {
		sanitized, changed := codepolicy.StripExitCalls(code)
		if changed {
			reanalysis := engine.Analyze(sanitized)
			if reanalysis.Tier != codepolicy.TierRed {
				code = sanitized
				analysis = reanalysis
				autoApprove = true
			}
		}
	}

	if !autoApprove {
		if h.RequestApproval == nil {
			return tool.ToolResult{Error: fmt.Sprintf("run_code: tier=%s requires approval but no approval path is configured", analysis.Tier)}, nil
		}
		return h.RequestApproval(ctx, dc, code, analysis)
	}

	if h.Execute == nil {
		return tool.ToolResult{Error: "run_code: sandbox execution is not configured"}, nil
	}
	res, touched, err := h.Execute(ctx, dc, code)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	for _, p := range touched {
		dc.RecordWrite("run_code", p, "run_code output")
	}
	if len(touched) > 0 {
		dc.Emit(events.TypeFilesChanged, toolCallID, events.FilesChangedPayload{Paths: touched})
	}
	return res, nil
}

// ── 9. AuditOnly ───────────────────────────────────────────────────────────

// AuditOnlyHandler executes low-risk tools directly through the registry
// but always emits a tool_call_started/finished audit pair, even for tools
// that don't write anything.
type AuditOnlyHandler struct {
	Registry *tool.Registry
	Names    map[string]bool
}

func (h *AuditOnlyHandler) Name() string { return "audit_only" }

func (h *AuditOnlyHandler) CanHandle(toolName string) bool { return h.Names[toolName] }

func (h *AuditOnlyHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	dc.Emit(events.TypeToolCallStarted, toolCallID, events.ToolCallStartedPayload{ToolName: toolName})
	res, err := runRegistryTool(ctx, h.Registry, toolName, raw)
	dc.Emit(events.TypeToolCallFinished, toolCallID, events.ToolCallFinishedPayload{ToolName: toolName, Output: res.Output, Error: res.Error})
	return res, err
}

// ── 10. HighRiskApproval ────────────────────────────────────────────────

// HighRiskApprovalHandler creates a PendingApproval for workspace_destructive
// tools called outside full-access mode, and suspends the LLM's next turn
// until the approval is resolved through a separate API surface.
type HighRiskApprovalHandler struct {
	Registry *tool.Registry
	Names    map[string]bool
}

func (h *HighRiskApprovalHandler) Name() string { return "high_risk_approval" }

func (h *HighRiskApprovalHandler) CanHandle(toolName string) bool { return h.Names[toolName] }

func (h *HighRiskApprovalHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	if dc.FullAccess() {
		return runRegistryTool(ctx, h.Registry, toolName, raw)
	}

	approvalID := toolCallID
	reg := dc.Interactions()
	if reg != nil {
		reg.Create(approvalID)
	}
	dc.Emit(events.TypePendingApproval, toolCallID, events.PendingApprovalPayload{
		ApprovalID: approvalID,
		ToolName:   toolName,
		Reason:     fmt.Sprintf("arguments: %s", string(raw)),
	})
	dc.Telemetry().CaptureApprovalRequested(dc.SessionID(), toolName)
	return tool.ToolResult{Output: fmt.Sprintf("PENDING_APPROVAL:%s waiting for user decision on %q", approvalID, toolName)}, nil
}

// ── 11. Default ────────────────────────────────────────────────────────

// DefaultHandler is the chain's tail: every tool call that reached here
// goes straight to the registry.
type DefaultHandler struct {
	registry *tool.Registry
	meta     map[string]Meta
}

func (h *DefaultHandler) Name() string              { return "default" }
func (h *DefaultHandler) CanHandle(name string) bool { return true }

func (h *DefaultHandler) Handle(ctx context.Context, dc Context, toolCallID, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	return runRegistryTool(ctx, h.registry, toolName, raw)
}

func runRegistryTool(ctx context.Context, registry *tool.Registry, toolName string, raw json.RawMessage) (tool.ToolResult, error) {
	t, ok := registry.Get(toolName)
	if !ok {
		return tool.ToolResult{Error: fmt.Sprintf("unknown tool %q", toolName)}, nil
	}
	return t.Execute(ctx, raw)
}
