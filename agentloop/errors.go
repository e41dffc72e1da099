package agentloop

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// HarnessError is the base for all pipeline errors.
type HarnessError struct {
	Message string
	Cause   error
}

func (e *HarnessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *HarnessError) Unwrap() error { return e.Cause }

// ConfigurationError reports an invalid session setup. It is raised at
// construction, before any turn runs.
type ConfigurationError struct {
	HarnessError
	Problems []string
}

func newConfigurationError(problems []string) *ConfigurationError {
	return &ConfigurationError{
		HarnessError: HarnessError{Message: "invalid session configuration: " + strings.Join(problems, "; ")},
		Problems:     problems,
	}
}

// ApprovalRejectedError describes a tool call refused by the approval gate.
// It never aborts the session; the oracle sees it as a structured result.
type ApprovalRejectedError struct {
	HarnessError
	CallID   string
	ToolName string
	Reason   string
}

func newApprovalRejectedError(callID, tool, reason string) *ApprovalRejectedError {
	return &ApprovalRejectedError{
		HarnessError: HarnessError{Message: fmt.Sprintf("tool call %s (%s) rejected: %s", callID, tool, reason)},
		CallID:       callID,
		ToolName:     tool,
		Reason:       reason,
	}
}

// ExecutionError describes a tool executor failure. The call still yields a
// failed result that is compacted like any other.
type ExecutionError struct {
	HarnessError
	CallID   string
	ToolName string
	TimedOut bool
}

// NotFoundError reports a missing tool, artifact or subagent.
type NotFoundError struct {
	HarnessError
	Kind string
	ID   string
}

func newNotFoundError(kind, id string, cause error) *NotFoundError {
	return &NotFoundError{
		HarnessError: HarnessError{Message: fmt.Sprintf("%s %q not found", kind, id), Cause: cause},
		Kind:         kind,
		ID:           id,
	}
}

// BudgetExceededError reports an exhausted token or turn budget.
type BudgetExceededError struct {
	HarnessError
	Resource string
	Used     int
	Limit    int
}

func newBudgetExceededError(resource string, used, limit int) *BudgetExceededError {
	return &BudgetExceededError{
		HarnessError: HarnessError{Message: fmt.Sprintf("%s budget exhausted: %d of %d used", resource, used, limit)},
		Resource:     resource,
		Used:         used,
		Limit:        limit,
	}
}

// AbortedError is the only fatal session outcome. Artifacts written before
// the abort stay readable.
type AbortedError struct {
	HarnessError
	Phase Phase
}

func newAbortedError(phase Phase, cause error) *AbortedError {
	return &AbortedError{
		HarnessError: HarnessError{Message: fmt.Sprintf("session aborted while %s", phase), Cause: cause},
		Phase:        phase,
	}
}

var (
	// ErrDuplicateTool is returned when two units register the same tool name.
	ErrDuplicateTool = errors.New("duplicate tool name")

	// ErrSessionBusy is returned by Run while another Run is in progress.
	ErrSessionBusy = errors.New("session is already running")

	// ErrSessionClosed is returned by Run after Close.
	ErrSessionClosed = errors.New("session is closed")

	// ErrBudgetExhausted is returned by BudgetTracker.Consume once the limit
	// is passed.
	ErrBudgetExhausted = errors.New("token budget exhausted")
)

func executionFailure(callID, tool string, cause error) *ExecutionError {
	return &ExecutionError{
		HarnessError: HarnessError{Message: fmt.Sprintf("tool %s failed", tool), Cause: cause},
		CallID:       callID,
		ToolName:     tool,
	}
}

func executionTimeout(callID, tool string, after time.Duration) *ExecutionError {
	return &ExecutionError{
		HarnessError: HarnessError{Message: fmt.Sprintf("tool %s timed out after %s", tool, after)},
		CallID:       callID,
		ToolName:     tool,
		TimedOut:     true,
	}
}
