// Package workspace implements IsolatedWorkspace: the per-user root
// directory that owns one FileVersionManager and enforces storage quotas,
// and the transaction factory and sandbox environment contract every
// write-path tool call routes through.
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/excelmanus/agentcore/internal/fvm"
	"github.com/excelmanus/agentcore/internal/registry"
)

// systemDirs are skipped by usage scanning and quota enforcement — they hold
// FVM/registry bookkeeping, not user content.
var systemDirs = map[string]bool{
	"outputs/backups":    true,
	"outputs/approvals":  true,
	"outputs/.versions":  true,
}

// ProtectedDirs are directories whose files trigger copy-on-write staging on
// first write rather than in-place modification, even outside an explicit
// WorkspaceTransaction. Consulted by the sandbox env builder
// (EXCELMANUS_BENCH_PROTECTED_DIRS).
var ProtectedDirs = []string{"uploads", "outputs/backups"}

// Usage is the result of a quota scan.
type Usage struct {
	Bytes int64
	Files int
}

// Workspace is one user's isolated root directory.
type Workspace struct {
	root        string
	quotaBytes  int64
	quotaFiles  int
	manager     *fvm.Manager
	registry    *registry.Registry
}

// New constructs a Workspace rooted at root. When multiTenant is true the
// caller is expected to have already joined userID onto globalRoot
// (root = {global_root}/users/{user_id}); in single-tenant mode root is
// {global_root} directly.
func New(root string, quotaBytes int64, quotaFiles int) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}

	mgr, err := fvm.NewManager(abs, "")
	if err != nil {
		return nil, fmt.Errorf("workspace: init FVM: %w", err)
	}
	reg := registry.New(abs)

	return &Workspace{
		root:       abs,
		quotaBytes: quotaBytes,
		quotaFiles: quotaFiles,
		manager:    mgr,
		registry:   reg,
	}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Manager returns the workspace's FVM instance.
func (w *Workspace) Manager() *fvm.Manager { return w.manager }

// Registry returns the workspace's FileRegistry instance.
func (w *Workspace) Registry() *registry.Registry { return w.registry }

// ForUser joins a global root and user id for multi-tenant mode.
func ForUser(globalRoot, userID string) string {
	return filepath.Join(globalRoot, "users", userID)
}

type fileStat struct {
	path    string
	size    int64
	modTime int64
}

// GetUsage walks the workspace tree, skipping system subdirectories, and
// reports total byte size and file count.
func (w *Workspace) GetUsage() (Usage, error) {
	var usage Usage
	err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			if systemDirs[rel] {
				return filepath.SkipDir
			}
			return nil
		}
		if isSystemFile(rel) {
			return nil
		}
		usage.Bytes += info.Size()
		usage.Files++
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("workspace: scan usage: %w", err)
	}
	return usage, nil
}

func isSystemFile(rel string) bool {
	return rel == "registry.json" || rel == "users.db"
}

// EnforceQuota deletes the oldest-mtime user files until both the byte and
// file-count limits are satisfied. A quota of 0 means "unlimited" for that
// dimension. Returns the files removed.
func (w *Workspace) EnforceQuota() ([]string, error) {
	var files []fileStat
	err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			if systemDirs[rel] {
				return filepath.SkipDir
			}
			return nil
		}
		if isSystemFile(rel) {
			return nil
		}
		files = append(files, fileStat{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: enforce quota scan: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.size
	}
	totalFiles := len(files)

	var removed []string
	i := 0
	for i < len(files) {
		overBytes := w.quotaBytes > 0 && totalBytes > w.quotaBytes
		overFiles := w.quotaFiles > 0 && totalFiles > w.quotaFiles
		if !overBytes && !overFiles {
			break
		}
		f := files[i]
		if err := os.Remove(f.path); err != nil {
			log.Printf("[Workspace] quota eviction failed for %s: %v", f.path, err)
			i++
			continue
		}
		totalBytes -= f.size
		totalFiles--
		removed = append(removed, f.path)
		i++
	}
	return removed, nil
}

// CheckUploadAllowed is the pre-flight check for an incoming upload of the
// given size: it fails if the upload alone would exceed either quota.
func (w *Workspace) CheckUploadAllowed(size int64) error {
	usage, err := w.GetUsage()
	if err != nil {
		return err
	}
	if w.quotaBytes > 0 && usage.Bytes+size > w.quotaBytes {
		return fmt.Errorf("workspace: upload of %d bytes would exceed quota (%d/%d used)", size, usage.Bytes, w.quotaBytes)
	}
	if w.quotaFiles > 0 && usage.Files+1 > w.quotaFiles {
		return fmt.Errorf("workspace: upload would exceed file-count quota (%d/%d used)", usage.Files, w.quotaFiles)
	}
	return nil
}

// CreateTransaction returns a new WorkspaceTransaction bound to this
// workspace's FVM. If txID is empty, ResolveTxID generates one upstream
// (session layer owns tx id assignment per turn).
func (w *Workspace) CreateTransaction(txID string, scope fvm.StagingScope) *fvm.Transaction {
	return fvm.NewTransaction(w.manager, txID, scope)
}

// QuotaBytes returns the configured byte quota (0 = unlimited).
func (w *Workspace) QuotaBytes() int64 { return w.quotaBytes }

// QuotaFiles returns the configured file-count quota (0 = unlimited).
func (w *Workspace) QuotaFiles() int { return w.quotaFiles }

// ParseQuotaBytes parses EXCELMANUS_QUOTA_BYTES with a safe fallback,
// following agent.loadMaxSteps's bounded-fallback parsing idiom.
func ParseQuotaBytes(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// ParseQuotaFiles parses EXCELMANUS_QUOTA_FILES with a safe fallback.
func ParseQuotaFiles(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
