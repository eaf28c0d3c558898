// Package dispatcher implements the ToolDispatcher strategy table: an
// ordered list of Handlers, the first of which whose CanHandle(name)
// matches a tool call wins. Grounded on internal/tool/registry.go's direct
// name→Tool lookup, generalized into a priority chain so individual tool
// names (activate_skill, delegate, finish_task, ask_user, run_code, ...)
// can be intercepted before falling through to a direct registry call.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/excelmanus/agentcore/internal/codepolicy"
	"github.com/excelmanus/agentcore/internal/delegate"
	"github.com/excelmanus/agentcore/internal/events"
	"github.com/excelmanus/agentcore/internal/interaction"
	"github.com/excelmanus/agentcore/internal/skillpack"
	"github.com/excelmanus/agentcore/internal/telemetry"
	"github.com/excelmanus/agentcore/internal/tool"
	"github.com/excelmanus/agentcore/internal/verifier"
)

// WriteEffect classifies how destructive a tool's writes can be, per
// spec.md §6's "Tool definition" contract.
type WriteEffect string

const (
	EffectNone                WriteEffect = "none"
	EffectWorkspaceWrite       WriteEffect = "workspace_write"
	EffectWorkspaceDestructive WriteEffect = "workspace_destructive"
)

// Meta is the per-tool metadata the dispatcher consults: write effect (for
// the write-hint precompute and the finish_task gate), a result-truncation
// bound, and a scope label (used by skillpack.AllowsTool and the approval
// UI). Kept as a side-table instead of extending tool.Tool, since the
// latter is shared with the MCP adapter and every existing builtin tool.
type Meta struct {
	WriteEffect    WriteEffect
	MaxResultChars int
	Scope          string
}

// DefaultMaxResultChars bounds a tool result when no Meta entry (or a zero
// MaxResultChars) is registered for it.
const DefaultMaxResultChars = 8000

// Context is everything a Handler needs beyond the tool name/args: the
// session-scoped collaborators. Defined as an interface (not a concrete
// SessionState) so this package has no import-cycle dependency on
// internal/agent, which implements it.
type Context interface {
	SessionID() string
	WorkspaceRoot() string
	FullAccess() bool
	PlanMode() bool

	Emit(typ events.Type, toolCallID string, payload interface{})

	Interactions() *interaction.Registry
	Skills() *skillpack.Manager
	Delegate() delegate.Runner
	CodePolicy() *codepolicy.Engine
	// Telemetry returns the session's opt-in usage telemetry sink; may be
	// nil, in which case every Client method call is a no-op.
	Telemetry() *telemetry.Client

	// Write/verification bookkeeping, mirroring SessionState.
	RecordWrite(toolName, filePath, summary string)
	HasWrite() bool
	SetWriteHint(hint string)
	WriteHint() string
	TaskTags() []string
	VerifierAttempt() *verifier.Attempt

	// Warned/SetWarned track the finish_task "no write detected" one-time
	// warning: Idle --finish_task(writes=0, first)--> Warned --finish_task(any)--> Verified?
	Warned() bool
	SetWarned(bool)
}

// Handler is one strategy in the dispatcher's priority chain.
type Handler interface {
	// Name identifies the handler for logging/testing; not the tool name.
	Name() string
	// CanHandle reports whether this handler owns toolName.
	CanHandle(toolName string) bool
	// Handle executes the tool call. toolCallID is the FC correlation id,
	// propagated into every emitted event.
	Handle(ctx context.Context, dc Context, toolCallID, toolName string, args json.RawMessage) (tool.ToolResult, error)
}

// ParseArguments normalizes a tool call's raw arguments into a
// map[string]any, per spec.md §4.5's shared argument-parsing contract:
// accepts the native object, a JSON-object string, null, or empty; arrays
// and other non-object JSON values are a typed error so the LLM sees a
// retryable tool-result instead of a crash.
func ParseArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := trimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return map[string]any{}, nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("dispatcher: invalid arguments JSON: %w", err)
	}

	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("dispatcher: arguments must be a JSON object, got %T", v)
	}
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Truncate bounds s to max runes, appending a marker so the LLM knows the
// result was cut rather than silently short.
func Truncate(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxResultChars
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + fmt.Sprintf("\n...[truncated, %d more chars]", len(r)-max)
}
