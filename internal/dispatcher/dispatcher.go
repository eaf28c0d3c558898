package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/excelmanus/agentcore/internal/tool"
)

// Dispatcher holds the ordered Handler chain plus the tool Registry the
// DefaultHandler falls back to.
type Dispatcher struct {
	handlers []Handler
	registry *tool.Registry
	meta     map[string]Meta
}

// New builds a Dispatcher with the handler chain in spec.md §4.5's default
// priority order: skill activation, delegation, finish_task, ask_user,
// suggest_mode_switch, plan intercept, extract_table_spec, code policy,
// audit-only, high-risk approval, default.
func New(registry *tool.Registry, meta map[string]Meta, skills *SkillActivationHandler, deleg *DelegationHandler, finish *FinishTaskHandler, ask *AskUserHandler, suggest *SuggestModeSwitchHandler, plan *PlanInterceptHandler, extract *ExtractTableSpecHandler, code *CodePolicyHandler, audit *AuditOnlyHandler, approval *HighRiskApprovalHandler) *Dispatcher {
	if meta == nil {
		meta = map[string]Meta{}
	}
	d := &Dispatcher{registry: registry, meta: meta}
	d.handlers = []Handler{
		skills,
		deleg,
		finish,
		ask,
		suggest,
		plan,
		extract,
		code,
		audit,
		approval,
		&DefaultHandler{registry: registry, meta: meta},
	}
	return d
}

// MetaFor returns the registered Meta for toolName, or a zero-value default
// (EffectNone, DefaultMaxResultChars, no scope) if none was registered.
func (d *Dispatcher) MetaFor(toolName string) Meta {
	if m, ok := d.meta[toolName]; ok {
		if m.MaxResultChars <= 0 {
			m.MaxResultChars = DefaultMaxResultChars
		}
		return m
	}
	return Meta{WriteEffect: EffectNone, MaxResultChars: DefaultMaxResultChars}
}

// WriteHintFor precomputes the write hint spec.md §4.7 step 3 calls for
// before routing a tool call: read_only / may_write / unknown from its
// registered WriteEffect.
func (d *Dispatcher) WriteHintFor(toolName string) string {
	switch d.MetaFor(toolName).WriteEffect {
	case EffectNone:
		return "read_only"
	case EffectWorkspaceWrite, EffectWorkspaceDestructive:
		return "may_write"
	default:
		return "unknown"
	}
}

// Dispatch routes one tool call through the handler chain: the first
// handler whose CanHandle(toolName) is true executes it. Skill-scope
// restriction is enforced first, ahead of any handler, since an
// out-of-scope tool call must never reach the registry at all.
func (d *Dispatcher) Dispatch(ctx context.Context, dc Context, toolCallID, toolName string, args json.RawMessage) (tool.ToolResult, error) {
	if skills := dc.Skills(); skills != nil && !skills.ToolAllowed(dc.SessionID(), toolName) {
		return tool.ToolResult{Error: fmt.Sprintf("tool %q is out of scope for the active skill pack", toolName)}, nil
	}

	// finish_task's own hint says nothing about the task, so the hint left by
	// the previous tool call is the one the finish_task gate reads.
	if toolName != "finish_task" {
		dc.SetWriteHint(d.WriteHintFor(toolName))
	}

	for _, h := range d.handlers {
		if h.CanHandle(toolName) {
			res, err := h.Handle(ctx, dc, toolCallID, toolName, args)
			if err != nil {
				return res, err
			}
			res.Output = Truncate(res.Output, d.MetaFor(toolName).MaxResultChars)
			return res, nil
		}
	}

	// Every Dispatcher built via New ends with a DefaultHandler that
	// CanHandle's everything, so this is unreachable in practice.
	return tool.ToolResult{Error: fmt.Sprintf("no handler for tool %q", toolName)}, nil
}
