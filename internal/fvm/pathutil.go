package fvm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveInWorkspace resolves a user-supplied path (relative or absolute) to
// an absolute path and verifies it falls inside workspaceRoot. This is the
// single entry point every FVM/workspace/registry operation routes path
// input through — invariant V7: no code path opens an attacker-supplied
// path verbatim.
func ResolveInWorkspace(filePath string, workspaceRoot string) (string, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	root = filepath.Clean(root)

	expanded := expandHome(filePath)
	var candidate string
	if filepath.IsAbs(expanded) {
		candidate = expanded
	} else {
		candidate = filepath.Join(root, expanded)
	}
	resolved := filepath.Clean(candidate)

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside workspace: %s", filePath)
	}
	return resolved, nil
}

// ToWorkspaceRelative converts an absolute path back to a workspace-relative
// string using forward slashes, so chain keys are stable across platforms.
func ToWorkspaceRelative(absPath string, workspaceRoot string) (string, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(absPath))
	if err != nil {
		return "", fmt.Errorf("path not under workspace root: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if p == "~" {
				return home
			}
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
