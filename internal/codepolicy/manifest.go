// Package codepolicy classifies run_code payloads into a risk tier
// (GREEN/YELLOW/RED) before they reach the sandbox, and sanitizes
// auto-exit calls out of otherwise-safe code. Ported from
// original_source/excelmanus/security/code_policy.py and
// module_manifest.py. A real Python AST is not available in Go, so
// classification works over the source text with line-oriented regexes
// instead of a parsed tree — spec.md explicitly treats the analyzer's
// internals as a black box and specifies only the tier/capability
// contract, so a text-based reimplementation of the same rule table is a
// faithful port of the *policy*, not a weaker version of it.
package codepolicy

// Tier is the risk classification assigned to one run_code payload.
type Tier string

const (
	TierGreen  Tier = "GREEN"
	TierYellow Tier = "YELLOW"
	TierRed    Tier = "RED"
)

// Capability is one behavior tag attached to a module or call site.
type Capability string

const (
	CapSafeCompute    Capability = "SAFE_COMPUTE"
	CapSafeIO         Capability = "SAFE_IO"
	CapNetwork        Capability = "NETWORK"
	CapSubprocess     Capability = "SUBPROCESS"
	CapSystemControl  Capability = "SYSTEM_CONTROL"
	CapDynamicExec    Capability = "DYNAMIC_EXEC"
	CapObfuscation    Capability = "OBFUSCATION"
)

// redCapabilities mirrors CodePolicyEngine._RED_CAPABILITIES.
var redCapabilities = map[Capability]bool{
	CapSubprocess:    true,
	CapDynamicExec:   true,
	CapSystemControl: true,
	CapObfuscation:   true,
}

var safeComputeModules = stringSet(
	"pandas", "numpy", "openpyxl", "xlsxwriter", "xlrd",
	"matplotlib", "seaborn", "plotly", "scipy", "sklearn",
	"re", "math", "cmath", "datetime", "time", "calendar",
	"collections", "itertools", "functools", "operator",
	"json", "csv", "typing", "dataclasses", "decimal",
	"statistics", "textwrap", "string", "copy", "pprint",
	"enum", "abc", "numbers", "fractions", "struct",
	"hashlib", "hmac", "secrets", "uuid",
	"warnings", "logging", "traceback",
	"unicodedata", "locale", "codecs",
	"bisect", "heapq", "array",
	"contextlib", "weakref",
)

var safeIOModules = stringSet(
	"pathlib", "os.path", "os", "shutil", "tempfile",
	"glob", "fnmatch", "io", "zipfile", "gzip", "bz2", "lzma",
	"tarfile", "fileinput", "mmap",
)

var networkModules = stringSet(
	"requests", "urllib", "urllib.request", "urllib.parse", "urllib.error",
	"httpx", "aiohttp", "socket", "ssl", "http", "http.client",
	"http.server", "http.cookiejar", "ftplib", "smtplib", "imaplib",
	"poplib", "xmlrpc", "xmlrpc.client", "xmlrpc.server",
	"websocket", "websockets",
)

var subprocessModules = stringSet("subprocess", "pty", "pexpect")

var systemControlModules = stringSet(
	"ctypes", "signal", "resource", "multiprocessing",
	"webbrowser", "antigravity",
)

var moduleRootAliases = map[string]string{
	"_socket": "socket",
	"_ssl":    "ssl",
}

// dangerousCalls are bare-name calls treated as dynamic execution.
var dangerousCalls = stringSet("exec", "eval", "compile", "__import__")

// dangerousAttrCalls are (moduleRoot, attr) pairs that force SUBPROCESS.
var dangerousAttrCalls = map[[2]string]bool{
	{"os", "system"}: true, {"os", "popen"}: true,
	{"os", "execl"}: true, {"os", "execle"}: true, {"os", "execlp"}: true, {"os", "execlpe"}: true,
	{"os", "execv"}: true, {"os", "execve"}: true, {"os", "execvp"}: true, {"os", "execvpe"}: true,
	{"os", "spawnl"}: true, {"os", "spawnle"}: true, {"os", "spawnlp"}: true, {"os", "spawnlpe"}: true,
	{"os", "spawnv"}: true, {"os", "spawnve"}: true, {"os", "spawnvp"}: true, {"os", "spawnvpe"}: true,
	{"os", "kill"}: true, {"os", "_exit"}: true,
	{"sys", "exit"}:                true,
	{"importlib", "import_module"}: true,
}

// exitAttrPatterns are (moduleRoot, attr) exit calls strip_exit_calls removes.
var exitAttrPatterns = map[[2]string]bool{
	{"sys", "exit"}: true,
	{"os", "_exit"}: true,
}

var exitBuiltinNames = stringSet("exit", "quit")

func stringSet(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func moduleRoot(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}

func normalizeModuleRoot(root string) string {
	if alias, ok := moduleRootAliases[root]; ok {
		return alias
	}
	return root
}
