package verifier

import (
	"context"
	"testing"
)

type stubRunner struct {
	reply string
	err   error
}

func (s stubRunner) RunSubagent(ctx context.Context, playbook, prompt string) (string, error) {
	return s.reply, s.err
}

func TestResolveLevelReadOnlyNoWriteSkips(t *testing.T) {
	if got := ResolveLevel(nil, false, "read_only"); got != LevelSkip {
		t.Errorf("expected skip, got %s", got)
	}
}

func TestResolveLevelNoTagsDefaultAdvisory(t *testing.T) {
	if got := ResolveLevel(nil, true, "may_write"); got != LevelAdvisory {
		t.Errorf("expected advisory, got %s", got)
	}
}

func TestResolveLevelBlockingTagWins(t *testing.T) {
	if got := ResolveLevel([]string{"simple", "cross_sheet"}, true, "may_write"); got != LevelBlocking {
		t.Errorf("expected blocking, got %s", got)
	}
}

func TestEvaluateBlockingFailHighRejectsThenDowngrades(t *testing.T) {
	runner := stubRunner{reply: `{"verdict":"fail","confidence":"high","issues":["cell B2 mismatch"]}`}
	attempt := &Attempt{}

	out1 := Evaluate(context.Background(), runner, []string{"cross_sheet"}, true, "may_write", "did stuff", attempt)
	if out1.Accepted {
		t.Fatal("expected first attempt to block")
	}
	if attempt.Count != 1 {
		t.Fatalf("expected count 1, got %d", attempt.Count)
	}

	out2 := Evaluate(context.Background(), runner, []string{"cross_sheet"}, true, "may_write", "did stuff", attempt)
	if out2.Accepted {
		t.Fatal("expected second attempt to block")
	}
	if attempt.Count != 2 {
		t.Fatalf("expected count 2, got %d", attempt.Count)
	}

	out3 := Evaluate(context.Background(), runner, []string{"cross_sheet"}, true, "may_write", "did stuff", attempt)
	if !out3.Accepted {
		t.Fatal("expected third attempt to downgrade to advisory and accept")
	}
	if attempt.Count != 2 {
		t.Fatalf("expected count to stay 2, got %d", attempt.Count)
	}
}

func TestRunFailOpenOnSubagentError(t *testing.T) {
	runner := stubRunner{err: context.DeadlineExceeded}
	v := Run(context.Background(), runner, "summary")
	if !v.Passed() {
		t.Errorf("expected fail-open pass, got %+v", v)
	}
}

func TestRunParsesVerdictWithSurroundingProse(t *testing.T) {
	runner := stubRunner{reply: "Here is my verdict: {\"verdict\":\"pass\",\"confidence\":\"high\"} thanks"}
	v := Run(context.Background(), runner, "summary")
	if !v.Passed() || v.Confidence != ConfidenceHigh {
		t.Errorf("unexpected verdict: %+v", v)
	}
}
