package agentloop

import (
	"time"

	"github.com/AP3X-Dev/AG3NT/compaction"
	"github.com/AP3X-Dev/AG3NT/oracle"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSteering    TurnKind = "steering"
)

// Turn is a single entry in the model-visible transcript.
type Turn struct {
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	Steering    *SteeringTurn    `json:"steering,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// AssistantTurn holds the oracle's response.
type AssistantTurn struct {
	Content    string            `json:"content"`
	ToolCalls  []oracle.ToolCall `json:"tool_calls,omitempty"`
	Usage      oracle.Usage      `json:"usage"`
	ResponseID string            `json:"response_id,omitempty"`
}

// OutcomeStatus is the terminal status of one tool call.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeAborted   OutcomeStatus = "aborted"
)

// ToolOutcome is one call's entry in the transcript. Entry holds what the
// oracle sees: the raw output at or under the compaction threshold, a
// pointer and summary above it.
type ToolOutcome struct {
	CallID   string           `json:"call_id"`
	ToolName string           `json:"tool_name"`
	Status   OutcomeStatus    `json:"status"`
	Entry    compaction.Entry `json:"entry"`
	Duration time.Duration    `json:"duration,omitempty"`
}

// IsError reports whether the oracle should see the outcome as an error.
func (o ToolOutcome) IsError() bool {
	return o.Status != OutcomeCompleted || o.Entry.IsError
}

// ToolResultsTurn holds the outcomes of one round of tool calls.
type ToolResultsTurn struct {
	Outcomes []ToolOutcome `json:"outcomes"`
}

// SteeringTurn holds an injected steering message.
type SteeringTurn struct {
	Content string `json:"content"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{
		Kind:      TurnUser,
		Timestamp: time.Now(),
		User:      &UserTurn{Content: content},
	}
}

// NewAssistantTurn creates a Turn wrapping an oracle response.
func NewAssistantTurn(resp *oracle.Response) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:    resp.Text,
			ToolCalls:  resp.ToolCalls,
			Usage:      resp.Usage,
			ResponseID: resp.ID,
		},
	}
}

// NewToolResultsTurn creates a Turn wrapping tool outcomes.
func NewToolResultsTurn(outcomes []ToolOutcome) Turn {
	return Turn{
		Kind:        TurnToolResults,
		Timestamp:   time.Now(),
		ToolResults: &ToolResultsTurn{Outcomes: outcomes},
	}
}

// NewSteeringTurn creates a Turn wrapping a steering message.
func NewSteeringTurn(content string) Turn {
	return Turn{
		Kind:      TurnSteering,
		Timestamp: time.Now(),
		Steering:  &SteeringTurn{Content: content},
	}
}

// TextContent returns the text content of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Content
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnSteering:
		if t.Steering != nil {
			return t.Steering.Content
		}
	}
	return ""
}

// size is the number of model-visible bytes in the turn.
func (t Turn) size() int {
	n := len(t.TextContent())
	if t.Assistant != nil {
		for _, c := range t.Assistant.ToolCalls {
			n += len(c.Name) + len(c.Arguments)
		}
	}
	if t.ToolResults != nil {
		for _, o := range t.ToolResults.Outcomes {
			n += len(o.Entry.Content)
		}
	}
	return n
}

// ToMessages converts the transcript to oracle messages.
func ToMessages(history []Turn) []oracle.Message {
	var messages []oracle.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				messages = append(messages, oracle.UserMessage(turn.User.Content))
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				messages = append(messages, oracle.AssistantMessage(turn.Assistant.Content, turn.Assistant.ToolCalls...))
			}
		case TurnToolResults:
			if turn.ToolResults != nil {
				for _, o := range turn.ToolResults.Outcomes {
					messages = append(messages, oracle.ToolResultMessage(o.CallID, o.Entry.Content, o.IsError()))
				}
			}
		case TurnSteering:
			// Steering is sent as a user message so the model treats it as
			// an additional instruction.
			if turn.Steering != nil {
				messages = append(messages, oracle.UserMessage(turn.Steering.Content))
			}
		}
	}
	return messages
}

// lastAssistantText returns the most recent non-empty assistant text.
func lastAssistantText(history []Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if t := history[i]; t.Kind == TurnAssistant && t.Assistant != nil && t.Assistant.Content != "" {
			return t.Assistant.Content
		}
	}
	return ""
}
