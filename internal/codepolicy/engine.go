package codepolicy

import (
	"regexp"
	"strings"
)

// AnalysisResult mirrors CodeAnalysisResult: the tier + capability set +
// human-readable details produced by one Analyze call.
type AnalysisResult struct {
	Tier         Tier
	Capabilities map[Capability]bool
	Details      []string
}

// HasCapability reports whether cap was observed in the analyzed code.
func (r AnalysisResult) HasCapability(cap Capability) bool {
	return r.Capabilities[cap]
}

var (
	importRe     = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)(?:\s+as\s+\w+)?`)
	fromImportRe = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\s+([\w.,\s*]+)`)
	callRe       = regexp.MustCompile(`\b([A-Za-z_][\w]*)\s*\(`)
	attrCallRe   = regexp.MustCompile(`\b([A-Za-z_]\w*)\.([A-Za-z_]\w*)\s*\(`)
	base64Re     = regexp.MustCompile(`\bbase64\b`)
	execCallRe   = regexp.MustCompile(`\bexec\s*\(`)
)

// Engine applies the module/call classification rules to run_code payloads.
// extraSafe/extraBlocked let a deployment widen or narrow the default
// module manifest without touching the rule table itself (mirrors
// CodePolicyEngine's extra_safe_modules/extra_blocked_modules constructor args).
type Engine struct {
	extraSafe    map[string]bool
	extraBlocked map[string]bool
}

// NewEngine returns an Engine over the default manifest, plus any extra
// safe/blocked module names supplied by the caller.
func NewEngine(extraSafe, extraBlocked []string) *Engine {
	return &Engine{
		extraSafe:    stringSet(extraSafe...),
		extraBlocked: stringSet(extraBlocked...),
	}
}

// Analyze classifies code into a risk tier and the capabilities observed.
func (e *Engine) Analyze(code string) AnalysisResult {
	if strings.TrimSpace(code) == "" {
		return AnalysisResult{
			Tier:         TierGreen,
			Capabilities: map[Capability]bool{CapSafeCompute: true},
			Details:      []string{"empty or whitespace-only code"},
		}
	}

	caps := make(map[Capability]bool)
	var details []string
	imported := e.collectImports(code, caps, &details)

	hasBase64 := base64Re.MatchString(code)
	hasExecCall := false

	for _, m := range callRe.FindAllStringSubmatch(code, -1) {
		name := m[1]
		if dangerousCalls[name] {
			caps[CapDynamicExec] = true
			details = append(details, "dangerous call: "+name+"()")
			if name == "exec" {
				hasExecCall = true
			}
		}
	}

	for _, m := range attrCallRe.FindAllStringSubmatch(code, -1) {
		obj, attr := m[1], m[2]
		realModule, ok := imported[obj]
		if !ok {
			realModule = obj
		}
		root := normalizeModuleRoot(moduleRoot(realModule))
		if dangerousAttrCalls[[2]string{root, attr}] {
			caps[CapSubprocess] = true
			details = append(details, "dangerous attr call: "+root+"."+attr+"()")
		}
	}

	if hasBase64 && hasExecCall && execCallRe.MatchString(code) {
		caps[CapObfuscation] = true
		details = append(details, "obfuscation: base64 + exec combination")
	}

	tier := TierGreen
	for cap := range caps {
		if redCapabilities[cap] {
			tier = TierRed
			break
		}
	}
	if tier != TierRed && caps[CapNetwork] {
		tier = TierYellow
	}

	return AnalysisResult{Tier: tier, Capabilities: caps, Details: details}
}

// collectImports walks import/from-import lines, classifying each module
// into a capability and returning a local-name → fully-qualified-name map
// for later attribute-call resolution (mirrors _ASTVisitor._imported_names).
func (e *Engine) collectImports(code string, caps map[Capability]bool, details *[]string) map[string]string {
	imported := make(map[string]string)

	for _, m := range importRe.FindAllStringSubmatch(code, -1) {
		full := m[1]
		e.classifyModule(full, caps, details)
		imported[lastSegment(full)] = full
	}

	for _, m := range fromImportRe.FindAllStringSubmatch(code, -1) {
		module := m[1]
		e.classifyModule(module, caps, details)
		for _, name := range strings.Split(m[2], ",") {
			name = strings.TrimSpace(name)
			name = strings.TrimSuffix(name, "*")
			if name == "" {
				continue
			}
			imported[name] = module + "." + name
		}
	}

	return imported
}

func (e *Engine) classifyModule(moduleName string, caps map[Capability]bool, details *[]string) {
	root := moduleRoot(moduleName)
	normalized := normalizeModuleRoot(root)

	switch {
	case e.extraBlocked[root] || e.extraBlocked[normalized] || e.extraBlocked[moduleName]:
		caps[CapSubprocess] = true
		*details = append(*details, "blocked by extra_blocked: "+moduleName)
	case e.extraSafe[root] || e.extraSafe[normalized] || e.extraSafe[moduleName]:
		caps[CapSafeCompute] = true
	case safeComputeModules[moduleName] || safeComputeModules[normalized]:
		caps[CapSafeCompute] = true
	case safeIOModules[moduleName] || safeIOModules[normalized]:
		caps[CapSafeIO] = true
	case networkModules[moduleName] || networkModules[normalized]:
		caps[CapNetwork] = true
		*details = append(*details, "network module: "+moduleName)
	case subprocessModules[moduleName] || subprocessModules[normalized]:
		caps[CapSubprocess] = true
		*details = append(*details, "subprocess module: "+moduleName)
	case systemControlModules[moduleName] || systemControlModules[normalized]:
		caps[CapSystemControl] = true
		*details = append(*details, "system control module: "+moduleName)
	default:
		caps[CapSafeIO] = true
	}
}

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}
