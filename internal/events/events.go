// Package events defines the typed, append-only event stream an AgentEngine
// emits during a turn, and the Sink interface the transport layer (SSE over
// HTTP, in the teacher's internal/web) consumes to stream them to the
// client. Grounded on internal/web/sse.go's sseWriter.Send(event, data)
// contract: this package keeps the same "named event + JSON payload" shape
// but makes each payload a concrete Go type instead of an inline struct
// literal at each call site, so dispatcher/agent code and the transport
// layer share one vocabulary.
package events

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("excelmanus.events")

// Type identifies one of the event kinds emitted during a session.
type Type string

const (
	TypeLLMCallStarted  Type = "llm_call_started"
	TypeLLMCallFinished Type = "llm_call_finished"
	TypeToolCallStarted Type = "tool_call_started"
	TypeToolCallFinished Type = "tool_call_finished"
	TypeFilesChanged    Type = "files_changed"
	TypeExcelDiff       Type = "excel_diff"
	TypePendingApproval Type = "pending_approval"
	TypeUserQuestion    Type = "user_question"
	TypeTaskDone        Type = "task_done"
	TypeTaskError       Type = "task_error"
)

// Event is one entry in a session's append-only event stream.
type Event struct {
	Type      Type        `json:"event_type"`
	SessionID string      `json:"session_id"`
	Iteration int         `json:"iteration"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// LLMCallStartedPayload carries the provider about to be invoked.
type LLMCallStartedPayload struct {
	Provider string `json:"provider"`
}

// LLMCallFinishedPayload carries the round-trip outcome.
type LLMCallFinishedPayload struct {
	ToolCallCount int    `json:"tool_call_count"`
	Error         string `json:"error,omitempty"`
}

// ToolCallStartedPayload announces one tool about to execute.
type ToolCallStartedPayload struct {
	ToolName string `json:"tool_name"`
}

// ToolCallFinishedPayload carries a tool's truncated result.
type ToolCallFinishedPayload struct {
	ToolName string `json:"tool_name"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// FilesChangedPayload lists workspace-relative paths touched by one tool call.
type FilesChangedPayload struct {
	Paths []string `json:"paths"`
}

// ExcelDiffPayload carries sheet-level cell deltas for a changed workbook.
type ExcelDiffPayload struct {
	Path   string      `json:"path"`
	Sheet  string      `json:"sheet"`
	Cells  []CellDelta `json:"cells"`
}

// CellDelta is one cell's before/after value.
type CellDelta struct {
	Cell   string `json:"cell"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// PendingApprovalPayload announces a RED-tier tool call suspended for user decision.
type PendingApprovalPayload struct {
	ApprovalID string `json:"approval_id"`
	ToolName   string `json:"tool_name"`
	Reason     string `json:"reason"`
}

// UserQuestionPayload is one ask_user question pushed to the transport.
type UserQuestionPayload struct {
	InteractionID string `json:"interaction_id"`
	Question      string `json:"question"`
}

// TaskDonePayload carries the final answer when finish_task is accepted.
type TaskDonePayload struct {
	Solution string `json:"solution"`
}

// TaskErrorPayload carries an unrecoverable session-ending error.
type TaskErrorPayload struct {
	Message string `json:"message"`
}

// Sink receives events for one session, in emission order. Implementations
// must be safe for the emitter's single goroutine to call repeatedly; they
// need not be safe for concurrent use from multiple goroutines, matching the
// single-scheduler-per-session model (spec.md's "per session: single
// cooperative scheduler").
type Sink interface {
	Emit(ev Event) bool
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ev Event) bool

// Emit implements Sink.
func (f SinkFunc) Emit(ev Event) bool { return f(ev) }

// Discard is a Sink that drops every event; useful when no transport is attached.
var Discard Sink = SinkFunc(func(Event) bool { return true })

// Emitter wraps a Sink with the session/iteration bookkeeping every call
// site would otherwise repeat. It also opens an OTel span for each
// tool_call_started event and closes the matching span on the
// tool_call_finished event carrying the same tool call id, so a trace
// backend sees one span per tool invocation alongside the SSE stream.
type Emitter struct {
	sink      Sink
	sessionID string
	iteration int

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewEmitter binds a Sink to one session.
func NewEmitter(sink Sink, sessionID string) *Emitter {
	if sink == nil {
		sink = Discard
	}
	return &Emitter{sink: sink, sessionID: sessionID, spans: make(map[string]trace.Span)}
}

// SetIteration updates the iteration number stamped on subsequent events.
func (e *Emitter) SetIteration(n int) {
	e.iteration = n
}

// Emit stamps session/iteration/timestamp and forwards to the underlying Sink.
// tool_call_started opens an OTel span keyed by toolCallID; the matching
// tool_call_finished ends it, recording the tool's error if any. Events with
// no toolCallID (or no start/finish pairing, e.g. llm_call_*) never touch
// the span map.
func (e *Emitter) Emit(typ Type, toolCallID string, payload interface{}) bool {
	switch typ {
	case TypeToolCallStarted:
		e.startSpan(toolCallID, payload)
	case TypeToolCallFinished:
		e.finishSpan(toolCallID, payload)
	}
	return e.sink.Emit(Event{
		Type:       typ,
		SessionID:  e.sessionID,
		Iteration:  e.iteration,
		ToolCallID: toolCallID,
		Timestamp:  time.Now(),
		Payload:    payload,
	})
}

func (e *Emitter) startSpan(toolCallID string, payload interface{}) {
	if toolCallID == "" {
		return
	}
	name := "tool_call"
	attrs := []attribute.KeyValue{attribute.String("session.id", e.sessionID)}
	if p, ok := payload.(ToolCallStartedPayload); ok {
		name = "tool_call:" + p.ToolName
		attrs = append(attrs, attribute.String("tool.name", p.ToolName))
	}
	_, span := tracer.Start(context.Background(), name, trace.WithAttributes(attrs...))

	e.mu.Lock()
	e.spans[toolCallID] = span
	e.mu.Unlock()
}

func (e *Emitter) finishSpan(toolCallID string, payload interface{}) {
	if toolCallID == "" {
		return
	}
	e.mu.Lock()
	span, ok := e.spans[toolCallID]
	if ok {
		delete(e.spans, toolCallID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if p, ok := payload.(ToolCallFinishedPayload); ok && p.Error != "" {
		span.SetStatus(codes.Error, p.Error)
	}
	span.End()
}
