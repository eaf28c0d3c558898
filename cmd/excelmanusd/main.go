// Package main is the excelmanusd composition root: it wires every
// internal/* collaborator together and exposes serve/gc/rollback as cobra
// subcommands, following cmd/omega/main.go's build-dependency-graph shape
// but over the ExcelManus domain stack instead of the teacher's bare chat
// loop. HTTP/SSE transport is an external collaborator per the spec's own
// scope boundary, so `serve` wires the same web.Server the teacher did;
// `gc`/`rollback` give operators a way to drive the FVM without it.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"golang.org/x/time/rate"

	"github.com/excelmanus/agentcore/internal/agent"
	"github.com/excelmanus/agentcore/internal/codepolicy"
	"github.com/excelmanus/agentcore/internal/dispatcher"
	"github.com/excelmanus/agentcore/internal/events"
	"github.com/excelmanus/agentcore/internal/fvm"
	"github.com/excelmanus/agentcore/internal/interaction"
	"github.com/excelmanus/agentcore/internal/llm"
	"github.com/excelmanus/agentcore/internal/llm/openai"
	"github.com/excelmanus/agentcore/internal/plan"
	"github.com/excelmanus/agentcore/internal/prompt"
	"github.com/excelmanus/agentcore/internal/sandbox"
	"github.com/excelmanus/agentcore/internal/session"
	"github.com/excelmanus/agentcore/internal/skillpack"
	"github.com/excelmanus/agentcore/internal/telemetry"
	"github.com/excelmanus/agentcore/internal/tool"
	"github.com/excelmanus/agentcore/internal/tool/builtin"
	"github.com/excelmanus/agentcore/internal/walkthrough"
	"github.com/excelmanus/agentcore/internal/web"
	"github.com/excelmanus/agentcore/internal/workspace"
	"github.com/excelmanus/agentcore/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "excelmanusd",
		Short: "ExcelManus agent core daemon",
	}
	root.AddCommand(newServeCmd(), newGCCmd(), newRollbackCmd())
	if err := root.Execute(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// ── serve ───────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (chat + agent + slash commands)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	config.LoadEnv()

	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║          excelmanusd                  ║")
	fmt.Println("║   ExcelManus Agent Core · Go          ║")
	fmt.Println("╚══════════════════════════════════════╝")

	shutdownTracing := telemetry.Init()
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("⚠️ tracer shutdown: %v", err)
		}
	}()

	deps, err := buildDeps()
	if err != nil {
		return err
	}
	defer deps.Close()

	sessionTTL := envDuration("SESSION_TTL_MINUTES", 30*time.Minute, time.Minute)
	sessionMaxTurns := envInt("SESSION_MAX_TURNS", 10)
	sessionStore := session.NewStore(sessionTTL, sessionMaxTurns)
	defer sessionStore.Close()
	fmt.Printf("💬 Session: TTL=%v MaxTurns=%d\n", sessionTTL, sessionMaxTurns)

	thinkingMode := deps.llmClient.GetConfig().ResolveThinkingMode()
	toolCallMode := deps.llmClient.GetConfig().ToolCallMode
	contextWindow := deps.llmClient.GetConfig().ResolveContextWindow()

	chatHandler := web.NewChatHandler(deps.llmProvider, 3, contextWindow, sessionStore, deps.promptLoader)

	logDir := filepath.Join(deps.workspaceDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("⚠️ Failed to create log directory %q: %v", logDir, err)
	}
	execLogger, err := agent.NewExecLogger(filepath.Join(logDir, "agent_exec.md"))
	if err != nil {
		log.Printf("⚠️ Exec logger disabled: %v", err)
	} else {
		defer execLogger.Close()
	}

	agentHandler := web.NewAgentHandler(web.AgentHandlerOptions{
		Provider:            deps.llmProvider,
		Registry:            deps.registry,
		WorkspaceDir:        deps.workspaceDir,
		ExecLogger:          execLogger,
		ThinkingMode:        thinkingMode,
		ToolCallMode:        toolCallMode,
		ContextWindowTokens: contextWindow,
		Store:               sessionStore,
		Loader:              deps.promptLoader,
		ModelName:           os.Getenv("LLM_MODEL"),
		PlanStore:           deps.planStore,
		WalkthroughStore:    deps.walkthroughStore,
		Dispatcher:          deps.dispatcher,
		Emitter:             deps.emitter,
		Interactions:        deps.interactions,
		Skills:              deps.skills,
		CodePolicy:          deps.codePolicy,
		Telemetry:           deps.telemetry,
		FullAccess:          deps.fullAccess,
	})

	commandHandler := web.NewCommandHandler(web.CommandHandlerOptions{
		Loader:       deps.promptLoader,
		Store:        sessionStore,
		LLMProvider:  deps.llmProvider,
		ToolRegistry: deps.registry,
		ModelName:    os.Getenv("LLM_MODEL"),
		ThinkingMode: thinkingMode,
		ToolCallMode: toolCallMode,
	})

	healthInfo := web.HealthInfo{
		LLMModel:     os.Getenv("LLM_MODEL"),
		ToolCount:    len(deps.registry.List()),
		SessionCount: sessionStore.Count,
	}

	server, err := web.NewServer(chatHandler, agentHandler, commandHandler, healthInfo)
	if err != nil {
		return fmt.Errorf("create web server: %w", err)
	}

	fmt.Printf("🧠 Thinking: %s  🔧 ToolCall: %s  📐 ContextWindow: %d\n", thinkingMode, toolCallMode, contextWindow)
	fmt.Printf("📂 Workspace: %s  🛠️  Tools: %d\n", deps.workspaceDir, len(deps.registry.List()))
	return server.Start()
}

// ── gc ──────────────────────────────────────────────────────────────────

func newGCCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim FVM snapshots older than --max-age that are safe to delete",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnv()
			workspaceDir := resolveWorkspaceDir()
			mgr, err := fvm.NewManager(workspaceDir, filepath.Join(workspaceDir, "outputs", ".versions"))
			if err != nil {
				return fmt.Errorf("open FVM: %w", err)
			}
			stats := mgr.Gc(maxAge)
			fmt.Printf("gc: removed %d snapshot(s), pruned %d staging entr(y/ies), reclaimed %d byte(s)\n",
				stats.SnapshotsRemoved, stats.StagingPruned, stats.BytesReclaimed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "reclaim snapshots older than this")
	return cmd
}

// ── rollback ────────────────────────────────────────────────────────────

func newRollbackCmd() *cobra.Command {
	var turn int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore every file touched in --turn back to its pre-turn content",
		RunE: func(cmd *cobra.Command, args []string) error {
			if turn <= 0 {
				return fmt.Errorf("rollback: --turn must be a positive turn number")
			}
			config.LoadEnv()
			workspaceDir := resolveWorkspaceDir()
			mgr, err := fvm.NewManager(workspaceDir, filepath.Join(workspaceDir, "outputs", ".versions"))
			if err != nil {
				return fmt.Errorf("open FVM: %w", err)
			}
			paths, err := mgr.RollbackToTurn(turn)
			if err != nil {
				return fmt.Errorf("rollback turn %d: %w", turn, err)
			}
			fmt.Printf("rollback: restored %d file(s) from turn %d\n", len(paths), turn)
			for _, p := range paths {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&turn, "turn", 0, "turn number to roll back to (required)")
	return cmd
}

// ── dependency graph ────────────────────────────────────────────────────

// deps holds every collaborator `serve` wires together, so both runServe
// and tests/examples can assemble the same graph without repeating it.
type deps struct {
	llmClient        *openai.Client
	llmProvider      llm.LLMProvider
	telemetry        *telemetry.Client
	registry         *tool.Registry
	workspaceDir     string
	workspace        *workspace.Workspace
	promptLoader     *prompt.PromptLoader
	skills           *skillpack.Manager
	interactions     *interaction.Registry
	emitter          *events.Emitter
	codePolicy       *codepolicy.Engine
	planStore        *plan.PlanStore
	walkthroughStore *walkthrough.Store
	dispatcher       *dispatcher.Dispatcher
	fullAccess       bool
}

func (d *deps) Close() {
	d.registry.CloseAll()
	if err := d.telemetry.Close(); err != nil {
		log.Printf("⚠️ telemetry flush: %v", err)
	}
}

func buildDeps() (*deps, error) {
	llmClient, err := openai.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("initialize LLM client: %w", err)
	}

	// Rate-limit LLM admission process-wide: every session shares one
	// upstream connection budget, so a burst of concurrent agent runs
	// can't individually blow past the endpoint's own rate limit. 0
	// (the default) leaves the provider unthrottled.
	var llmProvider llm.LLMProvider = llmClient
	if rpm := envInt("LLM_RATE_LIMIT_PER_MINUTE", 0); rpm > 0 {
		burst := envInt("LLM_RATE_LIMIT_BURST", 1)
		llmProvider = llm.NewRateLimitedProvider(llmClient, rate.Limit(float64(rpm)/60.0), burst)
		log.Printf("🚦 LLM admission: %d req/min, burst %d", rpm, burst)
	}

	workspaceDir := resolveWorkspaceDir()
	if info, statErr := os.Stat(workspaceDir); statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("EXCELMANUS_WORKSPACE_ROOT %q does not exist or is not a directory", workspaceDir)
	}

	quotaBytes := envInt64("EXCELMANUS_QUOTA_BYTES", 0)
	quotaFiles := envInt("EXCELMANUS_QUOTA_FILES", 0)
	ws, err := workspace.New(workspaceDir, quotaBytes, quotaFiles)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if removed, err := ws.EnforceQuota(); err != nil {
		log.Printf("⚠️ quota enforcement: %v", err)
	} else if len(removed) > 0 {
		log.Printf("📦 quota enforcement evicted %d file(s) on startup", len(removed))
	}

	registry := tool.NewRegistry()
	shellEnabled := os.Getenv("TOOL_SHELL_ENABLED") != "false"
	registry.Register(builtin.NewShellTool(workspaceDir, shellEnabled))
	registry.Register(builtin.NewFileReadTool(workspaceDir))
	registry.Register(builtin.NewFileWriteTool(workspaceDir))
	registry.Register(builtin.NewFileListTool(workspaceDir))
	registry.Register(builtin.NewFileFindTool(workspaceDir))
	registry.Register(builtin.NewFileGrepTool(workspaceDir))
	registry.Register(builtin.NewFileMoveTool(workspaceDir))
	registry.Register(builtin.NewFileOpenTool(workspaceDir))
	registry.Register(builtin.NewFileDeleteTool(workspaceDir))
	registry.Register(builtin.NewFilePatchTool(workspaceDir))
	registry.Register(builtin.NewTimeTool())

	// ExcelManus domain tools: write_cells/read_range route through a
	// single process-lifetime transaction scoped to "all" files. A real
	// multi-tenant deployment would mint one per session/turn instead —
	// out of scope for this minimal composition root (see DESIGN.md).
	tx := ws.CreateTransaction("excelmanusd", fvm.ScopeAll)
	registry.Register(builtin.NewWriteCellsTool(workspaceDir, tx.StageForWrite))
	registry.Register(builtin.NewReadRangeTool(workspaceDir, tx.ResolveRead))
	registry.Register(builtin.NewRunCodeTool(runSandboxedPython(workspaceDir)))
	registry.Register(builtin.NewFinishTaskTool())
	registry.Register(builtin.NewAskUserTool())
	registry.Register(builtin.NewSuggestModeSwitchTool())
	registry.Register(builtin.NewActivateSkillTool())
	registry.Register(builtin.NewDelegateTool())
	registry.Register(builtin.NewListSubagentsTool())
	registry.Register(builtin.NewParallelDelegateTool())

	if err := registry.InitAll(context.Background()); err != nil {
		return nil, fmt.Errorf("initialize tools: %w", err)
	}

	skills, skillErrs := skillpack.NewManager(workspaceDir)
	for _, e := range skillErrs {
		log.Printf("⚠️  Skill pack load: %v", e)
	}
	fmt.Printf("🧩 Skill packs: %d loaded\n", len(skills.List()))

	promptsDir := envString("PROMPTS_DIR", filepath.Join(workspaceDir, "prompts"))
	rulesPath := envString("USER_RULES_PATH", filepath.Join(workspaceDir, "rules.md"))
	soulPath := envString("SOUL_PATH", filepath.Join(workspaceDir, "soul.md"))
	promptLoader := prompt.NewPromptLoader(promptsDir, rulesPath, soulPath)

	planStore := plan.NewPlanStore()
	walkthroughStore := walkthrough.NewStore()
	interactions := interaction.NewRegistry()
	emitter := events.NewEmitter(events.Discard, "excelmanusd")
	codePolicy := codepolicy.NewEngine(nil, nil)

	telemetryClient, err := telemetry.NewClient(os.Getenv("POSTHOG_API_KEY"))
	if err != nil {
		log.Printf("⚠️ usage telemetry disabled: %v", err)
	}

	meta := map[string]dispatcher.Meta{
		"file_delete": {WriteEffect: dispatcher.EffectWorkspaceDestructive},
		"file_move":   {WriteEffect: dispatcher.EffectWorkspaceDestructive},
		"file_write":  {WriteEffect: dispatcher.EffectWorkspaceWrite},
		"file_patch":  {WriteEffect: dispatcher.EffectWorkspaceWrite},
		"write_cells": {WriteEffect: dispatcher.EffectWorkspaceWrite},
		"run_code":    {WriteEffect: dispatcher.EffectWorkspaceWrite},
	}

	disp := dispatcher.New(
		registry,
		meta,
		&dispatcher.SkillActivationHandler{},
		&dispatcher.DelegationHandler{},
		&dispatcher.FinishTaskHandler{},
		&dispatcher.AskUserHandler{},
		&dispatcher.SuggestModeSwitchHandler{},
		&dispatcher.PlanInterceptHandler{},
		&dispatcher.ExtractTableSpecHandler{},
		&dispatcher.CodePolicyHandler{
			GreenAutoApprove:  os.Getenv("EXCELMANUS_CODE_GREEN_AUTO_APPROVE") != "false",
			YellowAutoApprove: os.Getenv("EXCELMANUS_CODE_YELLOW_AUTO_APPROVE") == "true",
			Execute:           codePolicyExecute(workspaceDir),
		},
		&dispatcher.AuditOnlyHandler{Registry: registry, Names: map[string]bool{"shell_exec": true}},
		&dispatcher.HighRiskApprovalHandler{Registry: registry, Names: map[string]bool{"file_delete": true, "file_move": true}},
	)

	return &deps{
		llmClient:        llmClient,
		llmProvider:      llmProvider,
		telemetry:        telemetryClient,
		registry:         registry,
		workspaceDir:     workspaceDir,
		workspace:        ws,
		promptLoader:     promptLoader,
		skills:           skills,
		interactions:     interactions,
		emitter:          emitter,
		codePolicy:       codePolicy,
		planStore:        planStore,
		walkthroughStore: walkthroughStore,
		dispatcher:       disp,
		fullAccess:       os.Getenv("EXCELMANUS_FULL_ACCESS") == "true",
	}, nil
}

// runSandboxedPython adapts sandbox.RunInContainer to run_code's
// func(ctx, code) (string, error) contract, degrading to an explanatory
// error when Docker isn't available rather than executing unsandboxed.
func runSandboxedPython(workspaceRoot string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, code string) (string, error) {
		if !sandbox.IsDockerAvailable(ctx) {
			return "", fmt.Errorf("run_code: Docker sandbox is not available on this host")
		}
		tmp, err := os.CreateTemp(workspaceRoot, "run_code_*.py")
		if err != nil {
			return "", fmt.Errorf("run_code: create temp script: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(code); err != nil {
			tmp.Close()
			return "", fmt.Errorf("run_code: write temp script: %w", err)
		}
		tmp.Close()

		rel, err := filepath.Rel(workspaceRoot, tmp.Name())
		if err != nil {
			return "", fmt.Errorf("run_code: %w", err)
		}
		res, err := sandbox.RunInContainer(ctx,
			[]string{"python3", filepath.Join(sandbox.ContainerWorkspace, filepath.ToSlash(rel))},
			sandbox.RunOptions{WorkspaceRoot: workspaceRoot, Workdir: workspaceRoot})
		if err != nil {
			return "", fmt.Errorf("run_code: %w", err)
		}
		if res.TimedOut {
			return res.Stdout, fmt.Errorf("run_code: timed out")
		}
		if res.ReturnCode != 0 {
			return res.Stdout, fmt.Errorf("run_code: exited %d: %s", res.ReturnCode, res.Stderr)
		}
		return res.Stdout, nil
	}
}

// codePolicyExecute adapts runSandboxedPython to CodePolicyHandler.Execute's
// richer (result, touchedPaths, error) contract. Touched-path detection is
// left empty here — a real deployment would diff the workspace registry
// before/after the run; this minimal composition root only needs the code
// to actually execute.
func codePolicyExecute(workspaceRoot string) func(context.Context, dispatcher.Context, string) (tool.ToolResult, []string, error) {
	run := runSandboxedPython(workspaceRoot)
	return func(ctx context.Context, dc dispatcher.Context, code string) (tool.ToolResult, []string, error) {
		out, err := run(ctx, code)
		if err != nil {
			return tool.ToolResult{Error: err.Error()}, nil, nil
		}
		return tool.ToolResult{Output: out}, nil, nil
	}
}

// ── env helpers ─────────────────────────────────────────────────────────

func resolveWorkspaceDir() string {
	if v := os.Getenv("EXCELMANUS_WORKSPACE_ROOT"); v != "" {
		return v
	}
	wd, _ := os.Getwd()
	return wd
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("⚠️ invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		log.Printf("⚠️ invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration, unit time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("⚠️ invalid %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return time.Duration(n) * unit
}
