package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart      EventKind = "session_start"
	EventSessionEnd        EventKind = "session_end"
	EventUserInput         EventKind = "user_input"
	EventPhaseChanged      EventKind = "phase_changed"
	EventDiagnostic        EventKind = "diagnostic"
	EventAssistantResponse EventKind = "assistant_response"
	EventApprovalPending   EventKind = "approval_pending"
	EventApprovalResolved  EventKind = "approval_resolved"
	EventToolCallStart     EventKind = "tool_call_start"
	EventToolCallEnd       EventKind = "tool_call_end"
	EventToolAborted       EventKind = "tool_aborted"
	EventCompacted         EventKind = "compacted"
	EventSubagentStart     EventKind = "subagent_start"
	EventSubagentEnd       EventKind = "subagent_end"
	EventBudgetWarning     EventKind = "budget_warning"
	EventBudgetExhausted   EventKind = "budget_exhausted"
	EventContextWarning    EventKind = "context_warning"
	EventTurnLimit         EventKind = "turn_limit"
	EventLoopDetection     EventKind = "loop_detection"
	EventError             EventKind = "error"
)

const defaultEventBuffer = 256

// SessionEvent is one entry of an orchestrator's event stream. Seq is
// assigned at emission and increases by one per event, including events
// that were dropped, so a reader can spot gaps.
type SessionEvent struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Depth     int            `json:"depth"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events to the host through a buffered channel.
// Emission never blocks the turn loop: a full buffer drops the event and
// counts it.
type EventEmitter struct {
	mu        sync.Mutex
	sessionID string
	depth     int
	ch        chan SessionEvent
	seq       uint64
	dropped   map[EventKind]int
	closed    bool
}

// NewEventEmitter creates an emitter for one orchestrator. A non-positive
// bufferSize selects the default.
func NewEventEmitter(sessionID string, depth, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = defaultEventBuffer
	}
	return &EventEmitter{
		sessionID: sessionID,
		depth:     depth,
		ch:        make(chan SessionEvent, bufferSize),
		dropped:   make(map[EventKind]int),
	}
}

// Emit publishes an event and reports whether it reached the buffer.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.seq++
	ev := SessionEvent{
		Seq:       e.seq,
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Depth:     e.depth,
		Data:      data,
	}
	select {
	case e.ch <- ev:
		return true
	default:
		e.dropped[kind]++
		return false
	}
}

// Events returns the read-only event channel. It is closed by Close.
func (e *EventEmitter) Events() <-chan SessionEvent {
	return e.ch
}

// Dropped returns the number of events lost to a full buffer, per kind.
func (e *EventEmitter) Dropped() map[EventKind]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[EventKind]int, len(e.dropped))
	for k, n := range e.dropped {
		out[k] = n
	}
	return out
}

// Close closes the channel and returns the drop counts. Later calls are
// no-ops that return nil.
func (e *EventEmitter) Close() map[EventKind]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.ch)
	if len(e.dropped) == 0 {
		return nil
	}
	out := make(map[EventKind]int, len(e.dropped))
	for k, n := range e.dropped {
		out[k] = n
	}
	return out
}
