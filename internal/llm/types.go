package llm

import (
	"context"
	"encoding/json"
)

// Message represents a chat message for LLM communication.
type Message struct {
	Role             string `json:"role"`                         // "user", "assistant", "system", "tool"
	Content          string `json:"content"`                      // The message text
	ReasoningContent string `json:"reasoning_content,omitempty"`  // Native thinking output (e.g. DeepSeek-R1)
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`      // set on assistant messages that invoke tools
	ToolCallID       string `json:"tool_call_id,omitempty"`        // set on role="tool" messages, echoes the call being answered
	Name             string `json:"name,omitempty"`                // tool name, set alongside ToolCallID
}

// ToolCall is one function-calling invocation the model requested.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes one tool's JSON-schema contract to the model,
// the shape CallLLMWithTools sends in the request's tool list.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters"`
}

// StreamCallback is invoked for each chunk of streamed text.
// Implementations should be lightweight; heavy work should be deferred.
type StreamCallback func(chunk string)

// LLMProvider defines the interface for all LLM implementations.
// Any OpenAI-compatible endpoint (litellm, Ollama, Azure, vLLM, etc.)
// can be used by implementing this interface.
type LLMProvider interface {
	// CallLLM sends messages to the LLM and returns the complete response.
	CallLLM(ctx context.Context, messages []Message) (Message, error)

	// CallLLMStream sends messages and streams the response token-by-token.
	// Each chunk of text triggers the onChunk callback.
	// Returns the full assembled message once streaming finishes.
	// If the provider does not support streaming, it may fall back to CallLLM.
	CallLLMStream(ctx context.Context, messages []Message, onChunk StreamCallback) (Message, error)

	// GetName returns the provider name/identifier.
	GetName() string

	// CallLLMWithTools sends messages plus a tool catalog and returns the
	// model's reply, which may carry ToolCalls instead of final Content.
	// Providers without native function calling should return an error.
	CallLLMWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (Message, error)
}

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
