// Package memory holds the per-session ConversationMemory: the bounded
// message history an AgentEngine appends to on every turn and hands to the
// LLMProvider on every call. Shaped after internal/session.Store's
// mutex+map+TTL-cleanup-goroutine pattern, generalized from session.Turn
// (user/assistant strings) to llm.Message (role/content/tool_calls) so tool
// results and tool-call echoes live in the same ordered history the model
// sees.
package memory

import (
	"sync"
	"time"

	"github.com/excelmanus/agentcore/internal/llm"
)

// minCleanupInterval mirrors session.Store's floor to avoid a degenerate ticker.
const minCleanupInterval = time.Millisecond

// ConversationMemory is the bounded, ordered message history for one session.
// Not safe to share across sessions — each AgentEngine owns exactly one.
type ConversationMemory struct {
	mu           sync.RWMutex
	messages     []llm.Message
	summary      string // compact summary of trimmed-away older turns
	tokenBudget  int    // soft ceiling; 0 disables trimming
	lastTouched  time.Time
}

// Store is a thread-safe registry of ConversationMemory instances keyed by
// session ID, with TTL eviction — the multi-session analogue of
// session.Store, used by the web layer to look up a session's memory across
// requests without the AgentEngine itself needing to persist.
type Store struct {
	mu        sync.RWMutex
	memories  map[string]*ConversationMemory
	ttl       time.Duration
	done      chan struct{}
}

// NewStore creates a Store with the given inactivity TTL and starts its
// background eviction goroutine. Call Close when done to stop the goroutine.
func NewStore(ttl time.Duration) *Store {
	if ttl < minCleanupInterval {
		ttl = minCleanupInterval
	}
	s := &Store{
		memories: make(map[string]*ConversationMemory),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// GetOrCreate returns the memory for id, creating one with tokenBudget if absent.
func (s *Store) GetOrCreate(id string, tokenBudget int) *ConversationMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		m = New(tokenBudget)
		s.memories[id] = m
	}
	m.touch()
	return m
}

// Delete explicitly removes a session's memory (e.g. on session end).
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, id)
}

// Count returns the number of tracked memories.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories)
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *Store) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			cutoff := time.Now().Add(-s.ttl)
			for id, m := range s.memories {
				if m.LastTouched().Before(cutoff) {
					delete(s.memories, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// New creates an empty ConversationMemory. tokenBudget <= 0 disables trimming.
func New(tokenBudget int) *ConversationMemory {
	return &ConversationMemory{
		tokenBudget: tokenBudget,
		lastTouched: time.Now(),
	}
}

func (m *ConversationMemory) touch() {
	m.lastTouched = time.Now()
}

// LastTouched reports when this memory was last fetched through
// Store.GetOrCreate, appended to, compacted or reset. Reads through
// Messages, Summary or Len do not update it.
func (m *ConversationMemory) LastTouched() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTouched
}

// Append adds one message to the history and trims if over budget.
func (m *ConversationMemory) Append(msg llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.lastTouched = time.Now()
	m.trimLocked()
}

// AppendToolResult records a tool's result as a role=tool message, echoing
// the call it answers — the shape CallLLMWithTools expects on the next turn.
func (m *ConversationMemory) AppendToolResult(toolCallID, toolName, content string) {
	m.Append(llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Name:       toolName,
	})
}

// Messages returns a snapshot of the full history, with summary (if any)
// prepended as a synthetic system message so callers get one ordered slice
// ready to hand to CallLLM/CallLLMWithTools.
func (m *ConversationMemory) Messages() []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.summary == "" {
		out := make([]llm.Message, len(m.messages))
		copy(out, m.messages)
		return out
	}
	out := make([]llm.Message, 0, len(m.messages)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: "Summary of earlier conversation: " + m.summary})
	out = append(out, m.messages...)
	return out
}

// Summary returns the current compacted summary of trimmed turns, if any.
func (m *ConversationMemory) Summary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summary
}

// Len returns the number of messages currently retained (excluding summary).
func (m *ConversationMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// EstimatedTokens reports the heuristic token cost of the current history
// plus summary, using the same CJK/ASCII character-ratio estimate as
// internal/agent's ContextGuard.
func (m *ConversationMemory) EstimatedTokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := estimateTokens(m.summary)
	for _, msg := range m.messages {
		total += estimateTokens(msg.Content) + estimateTokens(msg.ReasoningContent)
	}
	return total
}

// trimLocked drops the oldest messages until the estimated token count is
// back under budget; dropped messages are discarded and summary is left
// unchanged. Unlike session.Store.Compact it summarizes nothing, trims by
// token estimate rather than a fixed turn count, and never
// drops a message that still has an unanswered tool call pending a
// role=tool reply directly after it (keeps the tool_call/tool_result pairing
// required by CallLLMWithTools intact).
func (m *ConversationMemory) trimLocked() {
	if m.tokenBudget <= 0 {
		return
	}
	for len(m.messages) > 1 {
		total := estimateTokens(m.summary)
		for _, msg := range m.messages {
			total += estimateTokens(msg.Content) + estimateTokens(msg.ReasoningContent)
		}
		if total <= m.tokenBudget {
			return
		}
		// Never split a tool_call from its tool_result: drop the pair together.
		drop := 1
		if len(m.messages[0].ToolCalls) > 0 && len(m.messages) > 1 && m.messages[1].Role == llm.RoleTool {
			drop = 2
		}
		if drop > len(m.messages) {
			drop = len(m.messages)
		}
		m.messages = m.messages[drop:]
	}
}

// Compact replaces the full history with summary, keeping only the newest
// keepN messages verbatim. The caller supplies summary (typically produced
// by an LLM summarization call over the dropped messages), mirroring
// session.Store.Compact's contract.
func (m *ConversationMemory) Compact(summary string, keepN int) (compacted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) <= keepN {
		return 0
	}
	compacted = len(m.messages) - keepN
	m.summary = summary
	m.messages = m.messages[len(m.messages)-keepN:]
	m.lastTouched = time.Now()
	return compacted
}

// Reset clears all history and summary, e.g. on session restart.
func (m *ConversationMemory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.summary = ""
	m.lastTouched = time.Now()
}

// estimateTokens mirrors internal/agent's character-ratio heuristic:
// CJK Unified Ideographs ~2 chars/token, everything else ~4 chars/token.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}
	return cjk/2 + other/4 + 1
}
