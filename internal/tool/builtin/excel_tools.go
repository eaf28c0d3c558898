package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/excelmanus/agentcore/internal/excelio"
	"github.com/excelmanus/agentcore/internal/tool"
)

// ── write_cells ──

// WriteCellsTool applies a batch of cell writes to one sheet of a workbook,
// going through WorkspaceTransaction staging (see the workspaceWriter
// callback) so the original file is never touched until commit.
type WriteCellsTool struct {
	workspaceDir string
	// resolveWrite returns the staged path a write should land on, per
	// WorkspaceTransaction's stage_for_write contract. Injected so this
	// tool doesn't import internal/workspace directly (kept free of a
	// concrete Transaction dependency for easier subagent tool-scope
	// substitution and testing).
	resolveWrite func(path string) (string, error)
}

func NewWriteCellsTool(workspaceDir string, resolveWrite func(path string) (string, error)) *WriteCellsTool {
	return &WriteCellsTool{workspaceDir: workspaceDir, resolveWrite: resolveWrite}
}

func (t *WriteCellsTool) Name() string { return "write_cells" }
func (t *WriteCellsTool) Description() string {
	return "Write one or more cell values into a sheet of a spreadsheet file. Creates the sheet if it doesn't exist."
}

func (t *WriteCellsTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "file", Type: "string", Description: "workspace-relative path to the workbook", Required: true},
		tool.SchemaParam{Name: "sheet", Type: "string", Description: "sheet name", Required: true},
		tool.SchemaParam{Name: "cells", Type: "string", Description: "JSON object mapping cell refs (e.g. \"A1\") to values", Required: true},
	)
}

func (t *WriteCellsTool) Init(_ context.Context) error { return nil }
func (t *WriteCellsTool) Close() error                 { return nil }

type writeCellsArgs struct {
	File  string         `json:"file"`
	Sheet string         `json:"sheet"`
	Cells map[string]any `json:"cells"`
}

func (t *WriteCellsTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a writeCellsArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("argument parse error: %v", err)}, nil
	}
	if a.File == "" || a.Sheet == "" || len(a.Cells) == 0 {
		return tool.ToolResult{Error: "file, sheet, and at least one cell are required"}, nil
	}

	path, err := safeResolvePath(a.File, t.workspaceDir)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("invalid file path: %v", err)}, nil
	}
	if t.resolveWrite != nil {
		path, err = t.resolveWrite(path)
		if err != nil {
			return tool.ToolResult{Error: fmt.Sprintf("staging failed: %v", err)}, nil
		}
	}

	writes := make([]excelio.CellWrite, 0, len(a.Cells))
	for cell, value := range a.Cells {
		writes = append(writes, excelio.CellWrite{Cell: cell, Value: value})
	}

	if err := excelio.WriteCells(path, a.Sheet, writes); err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	return tool.ToolResult{Output: fmt.Sprintf("wrote %d cell(s) to %s!%s", len(writes), a.Sheet, a.File)}, nil
}

// ── read_range ──

type ReadRangeTool struct {
	workspaceDir string
	resolveRead  func(path string) (string, error)
}

func NewReadRangeTool(workspaceDir string, resolveRead func(path string) (string, error)) *ReadRangeTool {
	return &ReadRangeTool{workspaceDir: workspaceDir, resolveRead: resolveRead}
}

func (t *ReadRangeTool) Name() string { return "read_range" }
func (t *ReadRangeTool) Description() string {
	return "Read a cell range (e.g. \"A1:C10\") from one sheet of a spreadsheet file."
}

func (t *ReadRangeTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "file", Type: "string", Description: "workspace-relative path to the workbook", Required: true},
		tool.SchemaParam{Name: "sheet", Type: "string", Description: "sheet name", Required: true},
		tool.SchemaParam{Name: "range", Type: "string", Description: "A1-style range, e.g. A1:C10", Required: true},
	)
}

func (t *ReadRangeTool) Init(_ context.Context) error { return nil }
func (t *ReadRangeTool) Close() error                 { return nil }

type readRangeArgs struct {
	File  string `json:"file"`
	Sheet string `json:"sheet"`
	Range string `json:"range"`
}

func (t *ReadRangeTool) Execute(_ context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a readRangeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("argument parse error: %v", err)}, nil
	}
	if a.File == "" || a.Sheet == "" || a.Range == "" {
		return tool.ToolResult{Error: "file, sheet, and range are required"}, nil
	}

	path, err := safeResolvePath(a.File, t.workspaceDir)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("invalid file path: %v", err)}, nil
	}
	if t.resolveRead != nil {
		if staged, err := t.resolveRead(path); err == nil && staged != "" {
			path = staged
		}
	}

	cells, err := excelio.ReadRange(path, a.Sheet, a.Range)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	out, err := json.Marshal(cells)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	return tool.ToolResult{Output: string(out)}, nil
}

// ── run_code ──

// RunCodeTool presents proposed Python source to the CodePolicyHandler via
// the dispatcher (it intercepts "run_code" ahead of the registry, see
// internal/dispatcher). The registry entry still needs to exist so the LLM
// sees run_code's schema in tool definitions and the Default/AuditOnly path
// has a sane fallback if the dispatcher chain is bypassed in a test harness.
type RunCodeTool struct {
	// Sandboxed execution is injected; a registry-level Execute call runs
	// unsandboxed and is only reachable if the dispatcher's CodePolicy
	// handler is absent (e.g. a restricted subagent tool scope that
	// doesn't include code execution at all — callers should simply not
	// register this tool in that case).
	run func(ctx context.Context, code string) (string, error)
}

func NewRunCodeTool(run func(ctx context.Context, code string) (string, error)) *RunCodeTool {
	return &RunCodeTool{run: run}
}

func (t *RunCodeTool) Name() string { return "run_code" }
func (t *RunCodeTool) Description() string {
	return "Execute Python code against the workspace's staged files, inside the code-policy sandbox."
}

func (t *RunCodeTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "code", Type: "string", Description: "Python source to execute", Required: true},
	)
}

func (t *RunCodeTool) Init(_ context.Context) error { return nil }
func (t *RunCodeTool) Close() error                 { return nil }

type runCodeArgs struct {
	Code string `json:"code"`
}

func (t *RunCodeTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a runCodeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("argument parse error: %v", err)}, nil
	}
	if a.Code == "" {
		return tool.ToolResult{Error: "code is required"}, nil
	}
	if t.run == nil {
		return tool.ToolResult{Error: "run_code: no sandbox runner configured"}, nil
	}
	out, err := t.run(ctx, a.Code)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	return tool.ToolResult{Output: out}, nil
}

// ── finish_task ──

// FinishTaskTool exists purely so the LLM sees finish_task's schema in tool
// definitions; the dispatcher's FinishTaskHandler always intercepts the
// actual call (see internal/dispatcher), so Execute here is unreachable in
// normal operation.
type FinishTaskTool struct{}

func NewFinishTaskTool() *FinishTaskTool { return &FinishTaskTool{} }

func (t *FinishTaskTool) Name() string { return "finish_task" }
func (t *FinishTaskTool) Description() string {
	return "Declare the current task complete, with a summary of what changed and optional task tags " +
		"(cross_sheet, large_data, formula, multi_file, simple) that influence how strongly the result is verified."
}

func (t *FinishTaskTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "summary", Type: "string", Description: "what was accomplished", Required: true},
		tool.SchemaParam{Name: "task_tags", Type: "string", Description: "JSON array of tags, e.g. [\"cross_sheet\"]"},
	)
}

func (t *FinishTaskTool) Init(_ context.Context) error { return nil }
func (t *FinishTaskTool) Close() error                 { return nil }

func (t *FinishTaskTool) Execute(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Error: "finish_task must be routed through the dispatcher"}, nil
}

// ── ask_user / suggest_mode_switch ──

// AskUserTool and SuggestModeSwitchTool are likewise registry placeholders:
// the dispatcher's AskUserHandler/SuggestModeSwitchHandler always intercept
// the call to suspend on the InteractionRegistry.
type AskUserTool struct{}

func NewAskUserTool() *AskUserTool { return &AskUserTool{} }

func (t *AskUserTool) Name() string        { return "ask_user" }
func (t *AskUserTool) Description() string { return "Ask the user a question and wait for their answer." }
func (t *AskUserTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "header", Type: "string", Description: "short question title"},
		tool.SchemaParam{Name: "text", Type: "string", Description: "the question text", Required: true},
		tool.SchemaParam{Name: "options", Type: "string", Description: "JSON array of suggested answers"},
	)
}
func (t *AskUserTool) Init(_ context.Context) error { return nil }
func (t *AskUserTool) Close() error                 { return nil }
func (t *AskUserTool) Execute(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Error: "ask_user must be routed through the dispatcher"}, nil
}

type SuggestModeSwitchTool struct{}

func NewSuggestModeSwitchTool() *SuggestModeSwitchTool { return &SuggestModeSwitchTool{} }

func (t *SuggestModeSwitchTool) Name() string { return "suggest_mode_switch" }
func (t *SuggestModeSwitchTool) Description() string {
	return "Suggest the user switch modes (e.g. from chat to plan), offering exactly two options."
}
func (t *SuggestModeSwitchTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "text", Type: "string", Description: "the suggestion text", Required: true},
		tool.SchemaParam{Name: "options", Type: "string", Description: "JSON array of exactly two options", Required: true},
	)
}
func (t *SuggestModeSwitchTool) Init(_ context.Context) error { return nil }
func (t *SuggestModeSwitchTool) Close() error                 { return nil }
func (t *SuggestModeSwitchTool) Execute(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Error: "suggest_mode_switch must be routed through the dispatcher"}, nil
}

// ── activate_skill ──

type ActivateSkillTool struct{}

func NewActivateSkillTool() *ActivateSkillTool { return &ActivateSkillTool{} }

func (t *ActivateSkillTool) Name() string { return "activate_skill" }
func (t *ActivateSkillTool) Description() string {
	return "Activate a named skill pack, narrowing the available tools and adding its prompt fragment."
}
func (t *ActivateSkillTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "name", Type: "string", Description: "skill pack name", Required: true},
		tool.SchemaParam{Name: "args", Type: "string", Description: "raw argument string substituted into the skill's prompt fragment"},
	)
}
func (t *ActivateSkillTool) Init(_ context.Context) error { return nil }
func (t *ActivateSkillTool) Close() error                 { return nil }
func (t *ActivateSkillTool) Execute(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Error: "activate_skill must be routed through the dispatcher"}, nil
}

// ── delegate / list_subagents / parallel_delegate ──

type DelegateTool struct{}

func NewDelegateTool() *DelegateTool { return &DelegateTool{} }

func (t *DelegateTool) Name() string        { return "delegate" }
func (t *DelegateTool) Description() string { return "Run a single subagent with a restricted tool scope." }
func (t *DelegateTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "role", Type: "string", Description: "subagent role", Required: true, Enum: []string{"verifier", "planner", "general"}},
		tool.SchemaParam{Name: "prompt", Type: "string", Description: "task prompt for the subagent", Required: true},
		tool.SchemaParam{Name: "tool_scope", Type: "string", Description: "JSON array restricting the subagent's available tools"},
	)
}
func (t *DelegateTool) Init(_ context.Context) error { return nil }
func (t *DelegateTool) Close() error                 { return nil }
func (t *DelegateTool) Execute(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Error: "delegate must be routed through the dispatcher"}, nil
}

type ListSubagentsTool struct{}

func NewListSubagentsTool() *ListSubagentsTool { return &ListSubagentsTool{} }

func (t *ListSubagentsTool) Name() string        { return "list_subagents" }
func (t *ListSubagentsTool) Description() string { return "List the subagent roles available to delegate to." }
func (t *ListSubagentsTool) InputSchema() json.RawMessage {
	return tool.BuildSchema()
}
func (t *ListSubagentsTool) Init(_ context.Context) error { return nil }
func (t *ListSubagentsTool) Close() error                 { return nil }
func (t *ListSubagentsTool) Execute(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Error: "list_subagents must be routed through the dispatcher"}, nil
}

type ParallelDelegateTool struct{}

func NewParallelDelegateTool() *ParallelDelegateTool { return &ParallelDelegateTool{} }

func (t *ParallelDelegateTool) Name() string { return "parallel_delegate" }
func (t *ParallelDelegateTool) Description() string {
	return "Fan out several subagent requests concurrently and gather their results."
}
func (t *ParallelDelegateTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "requests", Type: "string", Description: "JSON array of {role, prompt, tool_scope} objects", Required: true},
	)
}
func (t *ParallelDelegateTool) Init(_ context.Context) error { return nil }
func (t *ParallelDelegateTool) Close() error                 { return nil }
func (t *ParallelDelegateTool) Execute(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
	return tool.ToolResult{Error: "parallel_delegate must be routed through the dispatcher"}, nil
}
