// Package verifier resolves how strongly a finish_task call should be
// checked before it is allowed to end a turn, and runs that check as a
// subagent playbook. Grounded on original_source/excelmanus's
// FinishTaskHandler._resolve_verifier_level / _run_verifier_if_needed
// (see _examples/original_source/tests/test_verifier_levels.go and
// test_verifier_blocking.py for the behavior this ports).
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
)

// Level is how strongly a finish_task call must be checked.
type Level string

const (
	LevelSkip     Level = "skip"
	LevelAdvisory Level = "advisory"
	LevelBlocking Level = "blocking"
)

// MaxBlockingAttempts is how many times a blocking verdict of fail@high may
// reject a finish_task before the level is force-downgraded to advisory, so
// a stuck fix-verify loop cannot run forever.
const MaxBlockingAttempts = 2

// blockingTags are task_tags that escalate verification to blocking.
var blockingTags = map[string]bool{
	"cross_sheet": true,
	"large_data":  true,
	"formula":     true,
	"multi_file":  true,
}

// ResolveLevel picks the verification strength for a finish_task call.
// A read_only write hint with no writes observed skips verification
// entirely; any tag in blockingTags escalates to blocking; everything else
// (including no tags) defaults to advisory.
func ResolveLevel(taskTags []string, hasWrite bool, writeHint string) Level {
	if !hasWrite && writeHint == "read_only" {
		return LevelSkip
	}
	for _, tag := range taskTags {
		if blockingTags[tag] {
			return LevelBlocking
		}
	}
	return LevelAdvisory
}

// Confidence is the subagent's self-reported confidence in its verdict.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Verdict is the structured result a verifier subagent reports.
type Verdict struct {
	Verdict    string     `json:"verdict"` // "pass" | "fail"
	Confidence Confidence `json:"confidence"`
	Issues     []string   `json:"issues,omitempty"`
}

// Passed reports whether the verdict is a clean pass.
func (v Verdict) Passed() bool {
	return v.Verdict == "pass"
}

// BlocksFinish reports whether this verdict should reject a blocking-level
// finish_task call: only a fail at high confidence blocks; anything else
// (including the subagent failing to respond at all) is fail-open.
func (v Verdict) BlocksFinish() bool {
	return v.Verdict == "fail" && v.Confidence == ConfidenceHigh
}

// SubagentRunner invokes the verifier playbook as a subagent and returns its
// raw text reply. Implemented by internal/delegate against the real
// AgentEngine; tests supply a stub.
type SubagentRunner interface {
	RunSubagent(ctx context.Context, playbook, prompt string) (string, error)
}

// Playbook is the fixed system prompt every verifier subagent run is given;
// it is asked to reply with exactly one JSON object matching Verdict.
const Playbook = `You are a verification subagent. You will be given a summary of changes ` +
	`made to a spreadsheet workspace during a task. Check the claimed changes against ` +
	`the actual file contents available to you through the read-only tools in your scope. ` +
	`Reply with exactly one JSON object: {"verdict":"pass"|"fail","confidence":"low"|"medium"|"high","issues":["..."]}. ` +
	`Use "fail" with confidence "high" only when you are certain the claimed result does not match reality.`

// Run executes the verifier playbook for a finished task and parses its
// Verdict. A subagent error or an unparseable reply is reported as a
// fail-open Verdict (pass at low confidence) rather than an error, per the
// fail-open propagation rule: verifier failures never block a finish.
func Run(ctx context.Context, runner SubagentRunner, taskSummary string) Verdict {
	failOpen := Verdict{Verdict: "pass", Confidence: ConfidenceLow, Issues: []string{"verifier unavailable, fail-open"}}

	reply, err := runner.RunSubagent(ctx, Playbook, taskSummary)
	if err != nil {
		return failOpen
	}

	var v Verdict
	if err := json.Unmarshal([]byte(extractJSONObject(reply)), &v); err != nil {
		return failOpen
	}
	if v.Verdict == "" {
		return failOpen
	}
	return v
}

// extractJSONObject trims any prose surrounding a subagent's reply down to
// the outermost {...} span, so a reply like "Here is my verdict: {...}"
// still parses.
func extractJSONObject(s string) string {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return s[start : i+1]
			}
		}
	}
	return s
}

// Attempt tracks the fix-verify loop state for one task across repeated
// finish_task calls, mirroring SessionState.verification_attempt_count.
type Attempt struct {
	Count int
}

// NextLevel applies the MaxBlockingAttempts downgrade rule: once a blocking
// level has already rejected Count attempts, force advisory so the loop
// cannot block forever.
func (a *Attempt) NextLevel(level Level) Level {
	if level == LevelBlocking && a.Count >= MaxBlockingAttempts {
		return LevelAdvisory
	}
	return level
}

// RecordBlock increments the blocking-rejection counter.
func (a *Attempt) RecordBlock() {
	a.Count++
}

// Outcome describes what the finish_task gate should do after verification.
type Outcome struct {
	Accepted bool
	Message  string
}

// Evaluate runs the whole verifier step for one finish_task call: resolves
// the level, downgrades it per the attempt counter, runs the playbook when
// required, and decides whether the finish is accepted.
func Evaluate(ctx context.Context, runner SubagentRunner, taskTags []string, hasWrite bool, writeHint, taskSummary string, attempt *Attempt) Outcome {
	level := attempt.NextLevel(ResolveLevel(taskTags, hasWrite, writeHint))

	switch level {
	case LevelSkip:
		return Outcome{Accepted: true}
	case LevelAdvisory:
		v := Run(ctx, runner, taskSummary)
		if v.Passed() {
			return Outcome{Accepted: true}
		}
		return Outcome{Accepted: true, Message: fmt.Sprintf("advisory: verifier flagged issues: %v", v.Issues)}
	case LevelBlocking:
		v := Run(ctx, runner, taskSummary)
		if !v.BlocksFinish() {
			return Outcome{Accepted: true}
		}
		attempt.RecordBlock()
		return Outcome{
			Accepted: false,
			Message:  fmt.Sprintf("BLOCK: verifier found issues at confidence=%s: %v", v.Confidence, v.Issues),
		}
	default:
		return Outcome{Accepted: true}
	}
}
