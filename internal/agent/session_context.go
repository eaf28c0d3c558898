package agent

import (
	"sync"

	"github.com/excelmanus/agentcore/internal/codepolicy"
	"github.com/excelmanus/agentcore/internal/delegate"
	"github.com/excelmanus/agentcore/internal/events"
	"github.com/excelmanus/agentcore/internal/interaction"
	"github.com/excelmanus/agentcore/internal/skillpack"
	"github.com/excelmanus/agentcore/internal/telemetry"
	"github.com/excelmanus/agentcore/internal/verifier"
)

// SessionContext is the concrete dispatcher.Context for one agent run: it
// owns the write-operations bookkeeping and finish_task gate state the
// dispatcher's handlers read and mutate, and wires through to the session's
// event sink and subagent/skill/code-policy collaborators. One instance per
// AgentState; held via AgentState.DispatchCtx.
type SessionContext struct {
	sessionID     string
	workspaceRoot string
	fullAccess    bool
	planMode      bool

	emitter      *events.Emitter
	interactions *interaction.Registry
	skills       *skillpack.Manager
	delegate     delegate.Runner
	codePolicy   *codepolicy.Engine
	telemetry    *telemetry.Client

	mu        sync.Mutex
	writes    []delegate.WriteOperation
	writeHint string
	taskTags  []string
	attempt   verifier.Attempt
	warned    bool
}

// SessionContextOptions groups the collaborators a SessionContext needs.
// Any of the pointer/interface fields may be nil; the corresponding
// dispatcher handler degrades gracefully (e.g. no interaction registry
// means ask_user/high-risk approval return a clear error instead of
// blocking forever).
type SessionContextOptions struct {
	SessionID     string
	WorkspaceRoot string
	FullAccess    bool
	PlanMode      bool
	TaskTags      []string

	Emitter      *events.Emitter
	Interactions *interaction.Registry
	Skills       *skillpack.Manager
	Delegate     delegate.Runner
	CodePolicy   *codepolicy.Engine
	Telemetry    *telemetry.Client
}

// NewSessionContext builds a SessionContext for a single agent run.
func NewSessionContext(opts SessionContextOptions) *SessionContext {
	return &SessionContext{
		sessionID:     opts.SessionID,
		workspaceRoot: opts.WorkspaceRoot,
		fullAccess:    opts.FullAccess,
		planMode:      opts.PlanMode,
		taskTags:      opts.TaskTags,
		emitter:       opts.Emitter,
		interactions:  opts.Interactions,
		skills:        opts.Skills,
		delegate:      opts.Delegate,
		codePolicy:    opts.CodePolicy,
		telemetry:     opts.Telemetry,
	}
}

func (c *SessionContext) SessionID() string     { return c.sessionID }
func (c *SessionContext) WorkspaceRoot() string { return c.workspaceRoot }
func (c *SessionContext) FullAccess() bool      { return c.fullAccess }
func (c *SessionContext) PlanMode() bool        { return c.planMode }

// Emit forwards to the session's events.Emitter, which stamps session id and
// iteration. A nil emitter (e.g. in tests) makes this a no-op.
func (c *SessionContext) Emit(typ events.Type, toolCallID string, payload interface{}) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(typ, toolCallID, payload)
}

func (c *SessionContext) Interactions() *interaction.Registry { return c.interactions }
func (c *SessionContext) Skills() *skillpack.Manager           { return c.skills }
func (c *SessionContext) Delegate() delegate.Runner            { return c.delegate }
func (c *SessionContext) CodePolicy() *codepolicy.Engine       { return c.codePolicy }
func (c *SessionContext) Telemetry() *telemetry.Client         { return c.telemetry }

func (c *SessionContext) RecordWrite(toolName, filePath, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, delegate.WriteOperation{ToolName: toolName, FilePath: filePath, Summary: summary})
}

func (c *SessionContext) HasWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes) > 0
}

// Writes returns a copy of every write recorded this run — the basis of the
// write_operations_log surfaced alongside the walkthrough text.
func (c *SessionContext) Writes() []delegate.WriteOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]delegate.WriteOperation, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *SessionContext) SetWriteHint(hint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHint = hint
}

func (c *SessionContext) WriteHint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeHint
}

func (c *SessionContext) TaskTags() []string { return c.taskTags }

func (c *SessionContext) VerifierAttempt() *verifier.Attempt {
	return &c.attempt
}

func (c *SessionContext) Warned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warned
}

func (c *SessionContext) SetWarned(w bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warned = w
}
