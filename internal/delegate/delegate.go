// Package delegate implements fan-out/gather subagent delegation: the
// delegate, list_subagents, and parallel_delegate tool handlers all route
// through here. Grounded on the concurrency contract in spec.md §5
// ("parallel_delegate... fans out subagent runs concurrently and gathers
// them") and §9's redesign note ("Parallel delegate: maps to a fan-out +
// gather pattern; each subagent runs its own session with its own
// SessionState; on completion, parent aggregates their SubagentResult
// objects").
package delegate

import (
	"context"
	"fmt"
	"sync"
)

// Role names the kind of subagent a request spawns. The roster is fixed:
// list_subagents reports exactly these.
type Role string

const (
	RoleVerifier Role = "verifier"
	RolePlanner  Role = "planner"
	RoleGeneral  Role = "general"
)

// Roster is every role list_subagents reports, in display order.
var Roster = []Role{RoleVerifier, RolePlanner, RoleGeneral}

// Request describes one subagent invocation.
type Request struct {
	Role          Role
	Prompt        string
	ToolScope     []string // empty = unrestricted
	MaxIterations int      // 0 = runner default
}

// WriteOperation is one write a subagent performed, merged back into the
// parent's write_operations_log on completion.
type WriteOperation struct {
	ToolName string `json:"tool_name"`
	FilePath string `json:"file_path"`
	Summary  string `json:"summary"`
}

// Result is what a subagent run reports back to its parent. A failed
// subagent always sets Success=false and Error — it is never an error
// return from Run, so the parent can always inspect the full set of
// results after a parallel_delegate fan-out.
type Result struct {
	Role            Role             `json:"role"`
	Success         bool             `json:"success"`
	Summary         string           `json:"summary"`
	Error           string           `json:"error,omitempty"`
	WriteOperations []WriteOperation `json:"write_operations,omitempty"`
}

// Runner starts one subagent session and blocks until it finishes. The
// concrete implementation lives in the agent package (it needs a full
// AgentEngine per subagent, restricted to req.ToolScope); this package only
// orchestrates sequencing and fan-out/gather, so it has no import-cycle
// dependency on internal/agent.
type Runner interface {
	RunSubagent(ctx context.Context, req Request) (Result, error)
}

// VerifierAdapter satisfies verifier.SubagentRunner by running a RoleVerifier
// subagent and returning its raw summary text.
type VerifierAdapter struct {
	Runner Runner
}

func (a VerifierAdapter) RunSubagent(ctx context.Context, playbook, prompt string) (string, error) {
	res, err := a.Runner.RunSubagent(ctx, Request{Role: RoleVerifier, Prompt: playbook + "\n\n" + prompt})
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("delegate: verifier subagent failed: %s", res.Error)
	}
	return res.Summary, nil
}

// Delegate runs a single subagent request and returns its Result. Errors
// from the runner itself (as opposed to a subagent that ran and reported
// failure) are converted into a failed Result rather than propagated, so
// callers always get a SubagentResult to surface to the LLM per the
// "Subagent failure" error-kind: surfaced as SubagentResult with
// success=false, never a hard error.
func Delegate(ctx context.Context, runner Runner, req Request) Result {
	res, err := runner.RunSubagent(ctx, req)
	if err != nil {
		return Result{Role: req.Role, Success: false, Error: err.Error()}
	}
	return res
}

// ParallelDelegate fans requests out concurrently and gathers every Result,
// preserving request order in the returned slice regardless of completion
// order. This is the one exception to the otherwise-sequential per-session
// tool execution model.
func ParallelDelegate(ctx context.Context, runner Runner, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	wg.Add(len(reqs))
	for i, req := range reqs {
		go func(i int, req Request) {
			defer wg.Done()
			results[i] = Delegate(ctx, runner, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

// MergeWrites flattens every successful result's WriteOperations into one
// slice, in result order, for the parent session's write_operations_log.
func MergeWrites(results []Result) []WriteOperation {
	var out []WriteOperation
	for _, r := range results {
		if r.Success {
			out = append(out, r.WriteOperations...)
		}
	}
	return out
}
