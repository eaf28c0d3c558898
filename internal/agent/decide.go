package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/excelmanus/agentcore/internal/core"
	"github.com/excelmanus/agentcore/internal/llm"
	"github.com/excelmanus/agentcore/internal/prompt"
)

// DecideNode implements BaseNode[AgentState, DecidePrep, Decision].
// It acts as the central router in the ReAct loop.
type DecideNode struct {
	llmProvider llm.LLMProvider
	loader      *prompt.PromptLoader
}

func NewDecideNode(provider llm.LLMProvider, loader *prompt.PromptLoader) *DecideNode {
	return &DecideNode{llmProvider: provider, loader: loader}
}

// Prep reads the current AgentState and builds context for LLM decision.
func (n *DecideNode) Prep(state *AgentState) []DecidePrep {
	stepSummary := buildStepSummary(state.StepHistory, state.ContextWindowTokens)

	// MetaToolGuard: proactively suppress meta-tools if the last tool step was
	// a meta-tool that errored — weaker models tend to retry the same broken
	// meta-tool call instead of reading the error.
	if last := lastToolStep(state.StepHistory); last != nil && metaTools[last.ToolName] && last.IsError {
		state.SuppressMetaTools = true
	}

	// Only compute what's needed for the selected tool-call mode.
	var toolsPrompt string
	var toolDefs []llm.ToolDefinition
	switch state.ToolCallMode {
	case "fc":
		toolDefs = state.ToolRegistry.GenerateToolDefinitions()
	case "yaml":
		toolsPrompt = state.ToolRegistry.GenerateToolsPrompt()
	default: // "auto" — might need either
		toolsPrompt = state.ToolRegistry.GenerateToolsPrompt()
		toolDefs = state.ToolRegistry.GenerateToolDefinitions()
	}

	if state.SuppressMetaTools {
		toolDefs = filterOutMetaToolDefs(toolDefs)
		if toolsPrompt != "" {
			toolsPrompt = generateToolsPromptExcluding(state.ToolRegistry, metaTools)
		}
	}

	// One-shot soft-redirect hint: consumed here, cleared so it's not repeated.
	redirectMsg := state.MetaToolRedirectMsg
	state.MetaToolRedirectMsg = ""

	// Phase 1: compute tool summary and runtime line at Prep time
	toolingSummary := buildToolingSection(state.ToolRegistry)
	runtimeLine := buildRuntimeLine(state)

	// Phase 2: detect MCP intent for conditional guide loading
	hasMCPIntent := containsMCPKeywords(state.Problem)

	var walkthroughText string
	if state.WalkthroughStore != nil && state.WalkthroughSID != "" {
		walkthroughText = state.WalkthroughStore.Render(state.WalkthroughSID)
	}
	var planText string
	if state.PlanStore != nil && state.PlanSID != "" {
		planText = state.PlanStore.Render(state.PlanSID)
	}

	return []DecidePrep{{
		Problem:             state.Problem,
		WorkspaceDir:        state.WorkspaceDir,
		StepSummary:         stepSummary,
		ToolsPrompt:         toolsPrompt,
		ToolDefinitions:     toolDefs,
		StepCount:           len(state.StepHistory),
		ThinkingMode:        state.ThinkingMode,
		ToolCallMode:        state.ToolCallMode,
		ConversationHistory: state.ConversationHistory,
		ToolingSummary:      toolingSummary,
		RuntimeLine:         runtimeLine,
		HasMCPIntent:        hasMCPIntent,
		ContextWindowTokens: state.ContextWindowTokens,
		LoopDetected:        (&LoopDetector{}).Check(state.StepHistory),
		ExplorationDetected: (&ExplorationDetector{}).Check(state.StepHistory, MaxAgentSteps),
		WalkthroughText:     walkthroughText,
		PlanText:            planText,
		MetaToolRedirectMsg: redirectMsg,
	}}
}

// Exec calls LLM to decide the next action.
// Routes to FC or YAML path based on ToolCallMode:
//   - "fc":   forced FC, failure returns error (no downgrade)
//   - "auto": detect capability, FC with auto-downgrade to YAML on failure
//   - "yaml": forced YAML (original behavior)
func (n *DecideNode) Exec(ctx context.Context, prep DecidePrep) (Decision, error) {
	switch prep.ToolCallMode {
	case "fc":
		// Forced FC mode — no fallback
		log.Printf("[Decide] Using FC path (forced)")
		return n.execWithFC(ctx, prep)

	case "auto":
		// Auto mode — use FC if supported, with YAML fallback
		if n.llmProvider.IsToolCallingEnabled() {
			log.Printf("[Decide] Using FC path (auto-detected)")
			decision, err := n.execWithFC(ctx, prep)
			if err != nil {
				log.Printf("[Decide] FC path failed, auto-downgrade to YAML: %v", err)
				return n.execWithYAML(ctx, prep)
			}
			return decision, nil
		}
		log.Printf("[Decide] Model does not support FC, using YAML path")
		return n.execWithYAML(ctx, prep)

	default: // explicit "yaml" or any unrecognised value
		if prep.ToolCallMode != "yaml" {
			log.Printf("[Decide] WARNING: unrecognised ToolCallMode %q, falling back to YAML", prep.ToolCallMode)
		}
		log.Printf("[Decide] Using YAML path")
		return n.execWithYAML(ctx, prep)
	}
}

// execWithFC uses Function Calling to get structured tool calls from the model.
func (n *DecideNode) execWithFC(ctx context.Context, prep DecidePrep) (Decision, error) {
	prompt := buildDecidePromptFC(prep)

	resp, err := n.llmProvider.CallLLMWithTools(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: n.buildSystemPrompt("fc", prep)},
		{Role: llm.RoleUser, Content: prompt},
	}, prep.ToolDefinitions)
	if err != nil {
		return Decision{}, fmt.Errorf("FC call failed: %w", err)
	}

	// Model returned tool calls → extract as Decision
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0] // Use first tool call
		if len(resp.ToolCalls) > 1 {
			log.Printf("[Decide] WARNING: FC returned %d tool calls, only first executed (parallel FC not yet supported)", len(resp.ToolCalls))
		}
		// Validate tool name against known definitions (cheap, before JSON parse)
		if len(prep.ToolDefinitions) > 0 {
			found := false
			for _, td := range prep.ToolDefinitions {
				if td.Name == tc.Name {
					found = true
					break
				}
			}
			if !found {
				return Decision{}, fmt.Errorf("FC returned unknown tool %q (not in %d registered tools)", tc.Name, len(prep.ToolDefinitions))
			}
		}

		var params map[string]any
		if err := json.Unmarshal(tc.Arguments, &params); err != nil {
			return Decision{}, fmt.Errorf("invalid tool params from FC: %w", err)
		}

		// Reason: the model's accompanying text when present, else "FC: call <name>".
		reason := fmt.Sprintf("FC: call %s", tc.Name)
		if content := strings.TrimSpace(resp.Content); content != "" {
			reason = truncate(content, 200)
		}

		return Decision{
			Action:     "tool",
			Reason:     reason,
			ToolName:   tc.Name,
			ToolParams: params,
			ToolCallID: tc.ID,
		}, nil
	}

	// Model returned text — check for native FC token format before treating as answer.
	// Some models (e.g. Kimi-K2.5) embed tool calls in Content using special tokens
	// instead of the standard tool_calls field, so we parse them here.
	if content := strings.TrimSpace(resp.Content); len(content) > 0 {
		if strings.Contains(content, "<|tool_calls_section_begin|>") {
			if decision, ok := parseNativeFCContent(content, prep.ToolDefinitions); ok {
				log.Printf("[Decide] Parsed native FC tokens → action=tool name=%s", decision.ToolName)
				return decision, nil
			}
			// Native tokens present but unparseable — trigger auto-downgrade to YAML
			return Decision{}, fmt.Errorf("FC returned unparseable native token format")
		}
		return Decision{Action: "answer", Answer: content}, nil
	}

	// Empty response — neither tool calls nor content
	return Decision{}, fmt.Errorf("FC returned empty response (no tool_calls, no content)")
}

// execWithYAML uses the original YAML text parsing to extract decisions.
func (n *DecideNode) execWithYAML(ctx context.Context, prep DecidePrep) (Decision, error) {
	userPrompt := buildDecidePrompt(prep)

	resp, err := n.llmProvider.CallLLM(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: n.buildSystemPrompt(prep.ThinkingMode, prep)},
		{Role: llm.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("decide LLM call failed: %w", err)
	}

	decision, err := parseDecision(resp.Content)
	if err != nil {
		content := strings.TrimSpace(resp.Content)

		// Model returned native FC tokens (e.g. K2.5's <|tool_calls_section_begin|>)
		// Strip the FC tokens and use the natural language portion as answer
		if strings.Contains(content, "<|tool_calls_section_begin|>") {
			parts := strings.SplitN(content, "<|tool_calls_section_begin|>", 2)
			cleaned := strings.TrimSpace(parts[0])
			if len(cleaned) > 0 {
				log.Printf("[Decide] Stripped native FC tokens, using text as answer: %s", truncate(cleaned, 80))
				return Decision{Action: "answer", Answer: cleaned}, nil
			}
			log.Printf("[Decide] Native FC tokens with no text content, falling back")
			return Decision{}, fmt.Errorf("parse decision failed: model returned native FC tokens without text")
		}

		// If LLM returned natural language instead of YAML, treat it as a direct answer
		if len(content) > 0 && !strings.HasPrefix(content, "```") {
			log.Printf("[Decide] YAML parse failed, treating as direct answer: %s", truncate(content, 80))
			return Decision{Action: "answer", Answer: content}, nil
		}
		return Decision{}, fmt.Errorf("parse decision failed: %w", err)
	}

	return decision, nil
}

// Post writes the decision to state and routes to the next node.
func (n *DecideNode) Post(state *AgentState, prep []DecidePrep, results ...Decision) core.Action {
	if len(results) == 0 {
		return core.ActionAnswer // Fallback
	}

	decision := results[0]

	// Write transient field for downstream nodes
	state.LastDecision = &decision

	// Record step
	step := StepRecord{
		StepNumber: len(state.StepHistory) + 1,
		Type:       "decide",
		Action:     decision.Action,
		Input:      decision.Reason,
	}
	state.StepHistory = append(state.StepHistory, step)

	// Plan sideband: YAML mode sets PlanStep/PlanStatus directly; FC mode
	// (no structured field for them) encodes the same signal as a
	// "[plan:<step_id>:<status>]" marker inside Reason.
	planStep, planStatus := decision.PlanStep, decision.PlanStatus
	if planStep == "" || planStatus == "" {
		planStep, planStatus = parsePlanSideband(decision.Reason)
	}
	if planStep != "" && planStatus != "" && state.PlanStore != nil && state.PlanSID != "" {
		if state.PlanStore.Update(state.PlanSID, planStep, planStatus, "") && state.OnPlanUpdate != nil {
			state.OnPlanUpdate(state.PlanStore.Get(state.PlanSID))
		}
	}

	if state.OnStepComplete != nil {
		state.OnStepComplete(step)
	}

	log.Printf("[Decide] Step %d: action=%s reason=%s", step.StepNumber, decision.Action, decision.Reason)

	// Force termination if too many steps
	if len(state.StepHistory) >= MaxAgentSteps {
		log.Printf("[Decide] Max steps reached (%d), forcing answer", MaxAgentSteps)
		return core.ActionAnswer
	}

	switch decision.Action {
	case "tool":
		// LoopDetector: switching away from the flagged tool is self-correction and
		// resets the streak; choosing it again extends the streak, and a streak of
		// 2 hard-overrides tool → answer.
		if len(prep) > 0 && prep[0].LoopDetected.Detected {
			flagged := prep[0].LoopDetected.ToolName
			if flagged != "" && decision.ToolName != flagged {
				state.LoopDetectionStreak = 0
			} else {
				state.LoopDetectionStreak++
				if state.LoopDetectionStreak >= 2 {
					log.Printf("[LoopDetector] Hard override: tool → answer (%s)", prep[0].LoopDetected.Rule)
					return core.ActionAnswer
				}
			}
		}

		// MetaToolGuard: non-meta tool call clears any pending suppression/redirect.
		if !metaTools[decision.ToolName] {
			state.SuppressMetaTools = false
			state.MetaToolRedirectMsg = ""
			return core.ActionTool
		}

		// decision.ToolName is a meta-tool: check the consecutive streak that
		// already ran (this call would extend it by one).
		trailing := countTrailingMetaTools(state.StepHistory)
		if trailing >= metaToolHardLimit {
			log.Printf("[MetaToolGuard] Hard limit reached (%d consecutive meta-tool calls), forcing answer", trailing)
			return core.ActionAnswer
		}
		if trailing >= metaToolSoftThreshold {
			state.SuppressMetaTools = true
			real := recentRealToolNames(state.StepHistory, 3)
			state.MetaToolRedirectMsg = fmt.Sprintf(
				"已连续调用 %d 次元工具（%s），请改用实际工具继续任务，例如: %s",
				trailing+1, decision.ToolName, strings.Join(real, ", "),
			)
			log.Printf("[MetaToolGuard] Soft redirect after %d consecutive meta-tool calls", trailing)
		}
		return core.ActionTool
	case "think":
		// In native mode, model handles thinking internally.
		// If LLM still returns "think", force it to answer instead.
		if state.ThinkingMode == "native" {
			log.Printf("[Decide] Native mode: converting stray 'think' to 'answer'")
			return core.ActionAnswer
		}
		return core.ActionThink
	case "answer":
		return core.ActionAnswer
	default:
		log.Printf("[Decide] Unknown action %q, defaulting to answer", decision.Action)
		return core.ActionAnswer
	}
}

// planSidebandRe matches a "[plan:<step_id>:<status>]" marker embedded in an
// FC-mode Reason string. Only in_progress/done are valid statuses — a plan
// step transitions to pending only via task_create, never via sideband.
var planSidebandRe = regexp.MustCompile(`\[plan:([^:\]]+):(in_progress|done)\]`)

// parsePlanSideband extracts a plan step update from a Reason string.
// Returns ("", "") when no valid marker is present.
func parsePlanSideband(reason string) (step, status string) {
	m := planSidebandRe.FindStringSubmatch(reason)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// ExecFallback returns a safe decision on failure.
func (n *DecideNode) ExecFallback(err error) Decision {
	log.Printf("[Decide] ExecFallback triggered: %v", err)
	return Decision{
		Action: "answer",
		Reason: fmt.Sprintf("Decision failed: %v", err),
		Answer: "抱歉，处理过程中遇到问题，请稍后重试。",
	}
}

