// Package sandbox executes LLM-authored Python under OS-level isolation: a
// throwaway Docker container with no network, a read-only root filesystem,
// and hard CPU/memory/pid/wall-clock limits. Ported from
// original_source/excelmanus/security/docker_sandbox.py's run_in_container,
// using os/exec the way internal/tool/builtin/shell.go drives subprocesses
// (context-based timeout, CombinedOutput-style capture, truncation).
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Image is the pre-built sandbox container image.
const Image = "excelmanus-sandbox:latest"

// ContainerWorkspace is the fixed workspace mount point inside the container.
const ContainerWorkspace = "/workspace"

// RunOptions configures one container invocation.
type RunOptions struct {
	WorkspaceRoot string            // host path bind-mounted at ContainerWorkspace
	Workdir       string            // host path within WorkspaceRoot, becomes the container -w
	Env           map[string]string // extra -e KEY=VALUE pairs (e.g. the SandboxEnv contract)
	Timeout       time.Duration     // wall-clock budget; defaults to 120s
	MemoryLimit   string            // docker --memory value, e.g. "512m"
	CPULimit      float64           // docker --cpus value
	PidsLimit     int               // docker --pids-limit value
}

// RunResult is the outcome of one container run.
type RunResult struct {
	ReturnCode int
	TimedOut   bool
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

func (o RunOptions) withDefaults() RunOptions {
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	if o.MemoryLimit == "" {
		o.MemoryLimit = "512m"
	}
	if o.CPULimit <= 0 {
		o.CPULimit = 1.0
	}
	if o.PidsLimit <= 0 {
		o.PidsLimit = 64
	}
	return o
}

// IsDockerAvailable reports whether the Docker daemon can be reached.
func IsDockerAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// IsSandboxImageReady reports whether Image has already been built.
func IsSandboxImageReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "image", "inspect", Image).Run() == nil
}

// hostToContainerPath maps a host path under workspaceRoot to its location
// inside the container, the same relative-path translation docker_sandbox's
// host_to_container_path performs.
func hostToContainerPath(hostPath, workspaceRoot string) (string, error) {
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(hostPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || (len(rel) >= 2 && rel[:2] == "..") {
		return "", fmt.Errorf("sandbox: path %s is not within workspace %s", hostPath, workspaceRoot)
	}
	if rel == "." {
		return ContainerWorkspace, nil
	}
	return ContainerWorkspace + "/" + filepath.ToSlash(rel), nil
}

// RunInContainer executes commandParts inside a fresh, network-isolated
// container and returns its captured output. Mirrors run_in_container's
// --rm/--network=none/--read-only/--cap-drop=ALL/--security-opt hardening,
// plus matching the caller's UID/GID so bind-mounted output files keep sane
// ownership on the host.
func RunInContainer(ctx context.Context, commandParts []string, opts RunOptions) (RunResult, error) {
	opts = opts.withDefaults()

	containerWorkdir, err := hostToContainerPath(opts.Workdir, opts.WorkspaceRoot)
	if err != nil {
		return RunResult{}, err
	}
	resolvedWorkspace, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		return RunResult{}, err
	}

	containerName := "em-run-" + uuid.New().String()[:12]

	dockerArgs := []string{
		"run", "--rm",
		"--name", containerName,
		"--network=none",
		"--memory=" + opts.MemoryLimit,
		"--cpus=" + strconv.FormatFloat(opts.CPULimit, 'f', -1, 64),
		"--pids-limit=" + strconv.Itoa(opts.PidsLimit),
		"--read-only",
		"--tmpfs", "/tmp:size=64m",
		"--security-opt=no-new-privileges:true",
		"--cap-drop=ALL",
		"--cap-add=DAC_OVERRIDE",
		"-v", resolvedWorkspace + ":" + ContainerWorkspace,
		"-w", containerWorkdir,
	}

	if uid := os.Getuid(); uid >= 0 {
		dockerArgs = append(dockerArgs, "--user", fmt.Sprintf("%d:%d", uid, os.Getgid()))
	}

	for k, v := range opts.Env {
		dockerArgs = append(dockerArgs, "-e", k+"="+v)
	}

	dockerArgs = append(dockerArgs, Image)
	dockerArgs = append(dockerArgs, commandParts...)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout+10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "docker", dockerArgs...)
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err = cmd.Run()
	duration := time.Since(started)

	result := RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ReturnCode = 124
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()
		_ = exec.CommandContext(killCtx, "docker", "kill", containerName).Run()
		return result, nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ReturnCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("sandbox: docker run: %w", err)
	}
	return result, nil
}
