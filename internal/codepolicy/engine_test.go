package codepolicy

import "testing"

func TestAnalyzeSafeComputeIsGreen(t *testing.T) {
	e := NewEngine(nil, nil)
	res := e.Analyze("import pandas as pd\ndf = pd.read_excel('data.xlsx')\n")
	if res.Tier != TierGreen {
		t.Errorf("expected GREEN, got %s (%v)", res.Tier, res.Capabilities)
	}
}

func TestAnalyzeNetworkIsYellow(t *testing.T) {
	e := NewEngine(nil, nil)
	res := e.Analyze("import requests\nrequests.get('http://example.com')\n")
	if res.Tier != TierYellow {
		t.Errorf("expected YELLOW, got %s", res.Tier)
	}
	if !res.HasCapability(CapNetwork) {
		t.Error("expected NETWORK capability")
	}
}

func TestAnalyzeSysExitIsRed(t *testing.T) {
	e := NewEngine(nil, nil)
	res := e.Analyze("import sys\nimport pandas as pd\ndf = pd.read_excel('data.xlsx')\nsys.exit(1)\n")
	if res.Tier != TierRed {
		t.Errorf("expected RED, got %s", res.Tier)
	}
	if !res.HasCapability(CapSubprocess) {
		t.Error("expected SUBPROCESS capability for sys.exit")
	}
}

func TestAnalyzeEmptyCodeIsGreen(t *testing.T) {
	e := NewEngine(nil, nil)
	res := e.Analyze("   \n")
	if res.Tier != TierGreen {
		t.Errorf("expected GREEN for empty code, got %s", res.Tier)
	}
}

func TestStripExitCallsThenReanalyzeIsGreen(t *testing.T) {
	e := NewEngine(nil, nil)
	code := "import sys\nimport pandas as pd\ndf = pd.read_excel('data.xlsx')\nsys.exit(1)\n"

	before := e.Analyze(code)
	if before.Tier != TierRed {
		t.Fatalf("expected RED before sanitizing, got %s", before.Tier)
	}

	sanitized, ok := StripExitCalls(code)
	if !ok {
		t.Fatal("expected StripExitCalls to report a change")
	}

	after := e.Analyze(sanitized)
	if after.Tier != TierGreen {
		t.Errorf("expected GREEN after sanitizing, got %s (%v)", after.Tier, after.Capabilities)
	}
}

func TestStripExitCallsNoOpWhenAbsent(t *testing.T) {
	if _, ok := StripExitCalls("import pandas as pd\n"); ok {
		t.Error("expected no-op when no exit call present")
	}
}

func TestExtractExcelTargetsFindsReadAndWrite(t *testing.T) {
	code := "df = pd.read_excel('input.xlsx', sheet_name='Sheet1')\ndf.to_excel('output.xlsx')\n"
	targets := ExtractExcelTargets(code)
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d: %+v", len(targets), targets)
	}
	if targets[0].Operation != OpRead || targets[0].FilePath != "input.xlsx" {
		t.Errorf("unexpected first target: %+v", targets[0])
	}
	if targets[1].Operation != OpWrite || targets[1].FilePath != "output.xlsx" {
		t.Errorf("unexpected second target: %+v", targets[1])
	}
}
