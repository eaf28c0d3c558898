package sandbox

import (
	"fmt"
	"strings"

	"github.com/excelmanus/agentcore/internal/codepolicy"
)

// greenBlockedModules are import names the GREEN-tier wrapper blocks
// outright. ctypes/subprocess/signal/multiprocessing/socket are
// deliberately NOT here — pandas/matplotlib import them transitively at
// module load time, so they are allowed to import. subprocess and socket are
// instead guarded at the function-call level below; ctypes, signal and
// multiprocessing get no call-level guard. Ported from sandbox_hook.py's
// _GREEN_BLOCKED.
var greenBlockedModules = []string{
	"ssl",
	"http.client", "http.server", "http.cookiejar",
	"urllib.request", "urllib.error",
	"requests", "httpx", "aiohttp",
	"ftplib", "smtplib", "imaplib", "poplib",
	"xmlrpc", "xmlrpc.client", "xmlrpc.server",
	"websocket", "websockets",
	"pty", "pexpect",
	"webbrowser", "antigravity",
}

// yellowBlockedModules is the YELLOW-tier subset: network libraries are
// allowed (that's what distinguishes YELLOW from GREEN), only the
// pty/pexpect interactive-shell escape hatches stay blocked.
var yellowBlockedModules = []string{"pty", "pexpect"}

func blockedModulesFor(tier codepolicy.Tier) []string {
	if tier == codepolicy.TierGreen {
		return greenBlockedModules
	}
	return yellowBlockedModules
}

func pyStringTuple(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = `"` + s + `"`
	}
	return "(" + strings.Join(quoted, ", ") + ",)"
}

// GenerateWrapperScript produces the Python source injected ahead of
// user/LLM code before it is handed to the interpreter (in-process or
// inside the Docker sandbox). At RED tier no restrictions are applied —
// RED only ever runs after the user has explicitly accepted an approval.
// Ported from sandbox_hook.py's generate_wrapper_script, condensed to the
// rules spec.md's "Sandbox wrapper contract" section names explicitly:
// import blocking, socket/subprocess/os.exec* guards, exec/eval blockers,
// a guarded open() honoring the staging map and copy-on-write, and an
// atomic openpyxl Workbook.save patch.
func GenerateWrapperScript(tier codepolicy.Tier, workspaceRoot string) string {
	if tier == codepolicy.TierRed {
		return redWrapperScript
	}

	blocked := pyStringTuple(blockedModulesFor(tier))
	return fmt.Sprintf(wrapperTemplate, blocked, pyRepr(workspaceRoot))
}

func pyRepr(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// redWrapperScript applies no restrictions — RED tier only runs after an
// explicit user-accepted approval (HighRiskApprovalHandler), matching
// spec.md's "At tier RED: no restrictions".
const redWrapperScript = `# excelmanus sandbox wrapper (RED tier: unrestricted, approved by user)
import builtins  # noqa: F401
`

// wrapperTemplate is the GREEN/YELLOW wrapper. %s placeholders: blocked
// module tuple, workspace root repr.
const wrapperTemplate = `# excelmanus sandbox wrapper (generated)
import builtins
import json
import os
import shutil
import sys

_BLOCKED_MODULES = %s
_WORKSPACE_ROOT = %s

_STAGING_MAP = json.loads(os.environ.get("EXCELMANUS_STAGING_MAP", "{}"))
_PROTECTED_DIRS = [
    p for p in os.environ.get("EXCELMANUS_BENCH_PROTECTED_DIRS", "").split(",") if p
]
_COW_LOG_PATH = os.environ.get("EXCELMANUS_COW_LOG", "")


def _log_cow(original, copy):
    if not _COW_LOG_PATH:
        return
    with open(_COW_LOG_PATH, "a", encoding="utf-8") as f:
        f.write(original + "\t" + copy + "\n")


class _BlockedModuleFinder:
    def find_module(self, name, path=None):
        root = name.split(".")[0]
        if name in _BLOCKED_MODULES or root in _BLOCKED_MODULES:
            return self
        return None

    def load_module(self, name):
        raise ImportError("excelmanus sandbox: import of %%r is blocked at this tier" %% name)


sys.meta_path.insert(0, _BlockedModuleFinder())


def _blocked_call(name):
    def _raise(*_args, **_kwargs):
        raise PermissionError("excelmanus sandbox: %%s is blocked at this tier" %% name)
    return _raise


import subprocess as _subprocess  # noqa: E402
for _attr in ("Popen", "run", "call", "check_call", "check_output"):
    setattr(_subprocess, _attr, _blocked_call("subprocess." + _attr))

for _attr in ("system", "popen", "execl", "execle", "execlp", "execlpe",
              "execv", "execve", "execvp", "execvpe",
              "spawnl", "spawnle", "spawnlp", "spawnlpe",
              "spawnv", "spawnve", "spawnvp", "spawnvpe", "kill", "_exit"):
    if hasattr(os, _attr):
        setattr(os, _attr, _blocked_call("os." + _attr))

try:
    import socket as _socket
    _socket.socket = _blocked_call("socket.socket")
except ImportError:
    pass

builtins.exec = _blocked_call("exec")

_ORIG_EVAL = builtins.eval


def _literal_eval(expr, *_args, **_kwargs):
    import ast
    return ast.literal_eval(expr)


builtins.eval = _literal_eval

_ORIG_OPEN = builtins.open


def _resolve_path(path):
    abspath = os.path.abspath(str(path))
    staged = _STAGING_MAP.get(abspath)
    if staged:
        return staged
    for protected in _PROTECTED_DIRS:
        protected_abs = os.path.join(_WORKSPACE_ROOT, protected)
        if abspath.startswith(os.path.abspath(protected_abs) + os.sep):
            backup_dir = os.path.join(_WORKSPACE_ROOT, "outputs", "backups")
            os.makedirs(backup_dir, exist_ok=True)
            copy_path = os.path.join(backup_dir, os.path.basename(abspath))
            if not os.path.exists(copy_path):
                shutil.copy2(abspath, copy_path)
            _STAGING_MAP[abspath] = copy_path
            _log_cow(abspath, copy_path)
            return copy_path
    return abspath


def _guarded_open(file, mode="r", *args, **kwargs):
    is_write = any(flag in mode for flag in ("w", "a", "x", "+"))
    abspath = os.path.abspath(str(file))
    in_workspace = abspath.startswith(os.path.abspath(_WORKSPACE_ROOT) + os.sep)
    in_tmp = abspath.startswith(os.path.abspath(os.environ.get("TMPDIR", "/tmp")))
    if is_write and not in_workspace and not in_tmp:
        raise PermissionError("excelmanus sandbox: writes outside the workspace are blocked")
    resolved = _resolve_path(file) if in_workspace else file
    return _ORIG_OPEN(resolved, mode, *args, **kwargs)


builtins.open = _guarded_open

try:
    import openpyxl

    _ORIG_SAVE = openpyxl.Workbook.save

    def _atomic_save(self, filename, *args, **kwargs):
        target = _resolve_path(filename) if isinstance(filename, str) else filename
        if isinstance(target, str):
            tmp = target + ".tmp"
            _ORIG_SAVE(self, tmp, *args, **kwargs)
            os.replace(tmp, target)
        else:
            _ORIG_SAVE(self, target, *args, **kwargs)

    openpyxl.Workbook.save = _atomic_save
except ImportError:
    pass
`
