package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/excelmanus/agentcore/internal/fvm"
)

// SandboxEnv is the contract a sandboxed tool subprocess receives: enough to
// resolve staged paths itself and report copy-on-write redirects back,
// without ever touching the FVM or registry directly.
type SandboxEnv struct {
	DockerMountPath  string
	CoWLogPath       string
	PrivateTmpDir    string
	StagingMapJSON   string
	ProtectedDirsCSV string
}

// BuildSandboxEnv assembles the env var contract for one transaction's
// subprocess execution. CoW log path is unique per transaction so concurrent
// run_code calls don't clobber each other's redirect logs.
func (w *Workspace) BuildSandboxEnv(tx *fvm.Transaction) (SandboxEnv, error) {
	privateTmp := filepath.Join(w.root, "outputs", ".tmp", tx.ID())
	if err := os.MkdirAll(privateTmp, 0o755); err != nil {
		return SandboxEnv{}, fmt.Errorf("workspace: create private tmp dir: %w", err)
	}

	cowLogDir := filepath.Join(w.root, "outputs", "backups", "_cow_logs")
	if err := os.MkdirAll(cowLogDir, 0o755); err != nil {
		return SandboxEnv{}, fmt.Errorf("workspace: create cow log dir: %w", err)
	}
	cowLogPath := filepath.Join(cowLogDir, tx.ID()+".jsonl")

	stagingMap, err := json.Marshal(tx.FileMap())
	if err != nil {
		return SandboxEnv{}, fmt.Errorf("workspace: marshal staging map: %w", err)
	}

	return SandboxEnv{
		DockerMountPath:  w.root,
		CoWLogPath:       cowLogPath,
		PrivateTmpDir:    privateTmp,
		StagingMapJSON:   string(stagingMap),
		ProtectedDirsCSV: strings.Join(ProtectedDirs, ","),
	}, nil
}

// ToEnviron renders a SandboxEnv as process environment variable KEY=VALUE
// pairs, ready to append to exec.Cmd.Env.
func (e SandboxEnv) ToEnviron() []string {
	return []string{
		"EXCELMANUS_DOCKER_MOUNT=" + e.DockerMountPath,
		"EXCELMANUS_COW_LOG=" + e.CoWLogPath,
		"EXCELMANUS_PRIVATE_TMP=" + e.PrivateTmpDir,
		"EXCELMANUS_STAGING_MAP=" + e.StagingMapJSON,
		"EXCELMANUS_BENCH_PROTECTED_DIRS=" + e.ProtectedDirsCSV,
	}
}

// IsProtectedDir reports whether relPath falls under one of ProtectedDirs,
// meaning a write to it should go through copy-on-write staging rather than
// an in-place modification even without an explicit transaction request.
func IsProtectedDir(relPath string) bool {
	rel := filepath.ToSlash(filepath.Clean(relPath))
	for _, dir := range ProtectedDirs {
		if rel == dir || strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	return false
}
