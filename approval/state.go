// Package approval gates tool calls behind explicit decisions. Every call
// the oracle requests gets a Ticket that walks an explicit state machine;
// sensitive calls stop in StatePending until a Decision arrives through
// Gate.Decide or a Decider.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid approval state transition")
	ErrUnknownRequest    = errors.New("unknown tool call request")
	ErrDuplicateRequest  = errors.New("duplicate tool call request id")
	ErrAlreadyDecided    = errors.New("request already has a decision")
	ErrNotPending        = errors.New("request is not awaiting a decision")
	ErrInvalidDecision   = errors.New("invalid approval decision")
	ErrInvalidPolicy     = errors.New("invalid approval policy")
)

// State is the lifecycle state of one tool call request.
type State string

const (
	StateRequested    State = "requested"
	StatePending      State = "pending"
	StateAutoApproved State = "auto_approved"
	StateApproved     State = "approved"
	StateRejected     State = "rejected"
	StateExecuting    State = "executing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateAborted      State = "aborted"
)

// ValidTransitions lists the allowed moves out of each state.
var ValidTransitions = map[State][]State{
	StateRequested:    {StatePending, StateAutoApproved, StateAborted},
	StatePending:      {StateApproved, StateRejected, StateAborted},
	StateAutoApproved: {StateExecuting, StateAborted},
	StateApproved:     {StateExecuting, StateAborted},
	StateExecuting:    {StateCompleted, StateFailed, StateAborted},
	StateRejected:     {},
	StateCompleted:    {},
	StateFailed:       {},
	StateAborted:      {},
}

// CanTransitionTo reports whether s may move to target.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateRejected, StateCompleted, StateFailed, StateAborted:
		return true
	}
	return false
}

// Cleared reports whether a request in this state may be executed.
func (s State) Cleared() bool {
	return s == StateApproved || s == StateAutoApproved
}

// DecisionKind selects the outcome of a decision.
type DecisionKind string

const (
	DecisionApprove         DecisionKind = "approve"
	DecisionApproveWithEdit DecisionKind = "approve_with_edit"
	DecisionReject          DecisionKind = "reject"
)

// Decision resolves one pending request.
type Decision struct {
	Kind      DecisionKind    `json:"kind"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Approve approves the request as issued.
func Approve() Decision { return Decision{Kind: DecisionApprove} }

// ApproveWithEdit approves the request with replacement arguments.
func ApproveWithEdit(args json.RawMessage) Decision {
	return Decision{Kind: DecisionApproveWithEdit, Arguments: args}
}

// Reject rejects the request. The reason is relayed to the oracle.
func Reject(reason string) Decision {
	return Decision{Kind: DecisionReject, Reason: reason}
}

func (d Decision) validate() error {
	switch d.Kind {
	case DecisionApprove, DecisionReject:
		return nil
	case DecisionApproveWithEdit:
		if len(d.Arguments) == 0 || !json.Valid(d.Arguments) {
			return fmt.Errorf("%w: edited arguments must be valid JSON", ErrInvalidDecision)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDecision, d.Kind)
	}
}

// Request is one tool call as emitted by the oracle.
type Request struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	// Sensitive mirrors the tool definition flag. Policy can add
	// sensitivity but never remove it.
	Sensitive bool `json:"sensitive"`
	// Risk is the risk declared on the tool definition, if any.
	Risk RiskLevel `json:"risk,omitempty"`
}

// Ticket tracks one request through the state machine. Values returned by
// Round are snapshots.
type Ticket struct {
	Request Request
	Risk    RiskLevel
	State   State
	// Arguments are the effective arguments: the request's, or the edited
	// ones after approve_with_edit.
	Arguments json.RawMessage
	Decision  *Decision
	History   []State
}

func (t *Ticket) move(to State) error {
	if !t.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.Request.CallID, t.State, to)
	}
	t.State = to
	t.History = append(t.History, to)
	return nil
}

func (t *Ticket) snapshot() Ticket {
	c := *t
	c.History = append([]State(nil), t.History...)
	if t.Decision != nil {
		d := *t.Decision
		c.Decision = &d
	}
	return c
}
