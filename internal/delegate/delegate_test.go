package delegate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRunner struct {
	delay   time.Duration
	fail    bool
	calls   int32
	resultF func(Request) Result
}

func (f *fakeRunner) RunSubagent(ctx context.Context, req Request) (Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return Result{}, errors.New("boom")
	}
	if f.resultF != nil {
		return f.resultF(req), nil
	}
	return Result{Role: req.Role, Success: true, Summary: "ok"}, nil
}

func TestDelegateConvertsRunnerErrorToFailedResult(t *testing.T) {
	r := Delegate(context.Background(), &fakeRunner{fail: true}, Request{Role: RolePlanner})
	if r.Success {
		t.Fatal("expected failed result")
	}
	if r.Error != "boom" {
		t.Errorf("unexpected error: %q", r.Error)
	}
}

func TestParallelDelegatePreservesOrder(t *testing.T) {
	runner := &fakeRunner{resultF: func(req Request) Result {
		return Result{Role: req.Role, Success: true, Summary: string(req.Role)}
	}}
	reqs := []Request{{Role: RoleVerifier}, {Role: RolePlanner}, {Role: RoleGeneral}}
	results := ParallelDelegate(context.Background(), runner, reqs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []Role{RoleVerifier, RolePlanner, RoleGeneral} {
		if results[i].Role != want {
			t.Errorf("index %d: expected role %s, got %s", i, want, results[i].Role)
		}
	}
	if runner.calls != 3 {
		t.Errorf("expected 3 calls, got %d", runner.calls)
	}
}

func TestMergeWritesSkipsFailedResults(t *testing.T) {
	results := []Result{
		{Success: true, WriteOperations: []WriteOperation{{ToolName: "write_cells", FilePath: "a.xlsx"}}},
		{Success: false, WriteOperations: []WriteOperation{{ToolName: "write_cells", FilePath: "b.xlsx"}}},
	}
	merged := MergeWrites(results)
	if len(merged) != 1 || merged[0].FilePath != "a.xlsx" {
		t.Errorf("unexpected merge result: %+v", merged)
	}
}

func TestVerifierAdapterPropagatesSubagentFailure(t *testing.T) {
	runner := &fakeRunner{resultF: func(req Request) Result {
		return Result{Role: req.Role, Success: false, Error: "no workspace access"}
	}}
	adapter := VerifierAdapter{Runner: runner}
	_, err := adapter.RunSubagent(context.Background(), "playbook", "prompt")
	if err == nil {
		t.Fatal("expected error")
	}
}
