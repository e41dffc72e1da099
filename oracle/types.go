package oracle

import (
	"context"
	"encoding/json"
	"strings"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one transcript entry in provider-neutral form.
type Message struct {
	Role       Role       `json:"role"`
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// UserMessage creates a user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage creates an assistant message with optional tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Text: text, ToolCalls: calls}
}

// ToolResultMessage creates the message answering one tool call.
func ToolResultMessage(callID, content string, isError bool) Message {
	return Message{Role: RoleTool, Text: content, ToolCallID: callID, IsError: isError}
}

// ToolSchema advertises a tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a single oracle invocation.
type Request struct {
	Model       string            `json:"model,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	System      string            `json:"system"`
	Tools       []ToolSchema      `json:"tools,omitempty"`
	Transcript  []Message         `json:"transcript"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FinishReason describes why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishFiltered  FinishReason = "content_filter"
)

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response is the oracle's reply: a final text or a batch of tool calls.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Text         string       `json:"text,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// IsFinal reports whether the response ends the turn loop.
func (r Response) IsFinal() bool { return len(r.ToolCalls) == 0 }

// Message converts the response to its transcript form.
func (r Response) Message() Message {
	return AssistantMessage(r.Text, r.ToolCalls...)
}

// Oracle produces the next step of the conversation.
type Oracle interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (*Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// EstimateTokens approximates the prompt size of req at four bytes per
// token.
func EstimateTokens(req Request) int {
	total := len(req.System)
	for _, m := range req.Transcript {
		total += len(m.Text)
		for _, c := range m.ToolCalls {
			total += len(c.Name) + len(c.Arguments)
		}
	}
	for _, t := range req.Tools {
		total += len(t.Name) + len(t.Description)
	}
	return total / 4
}

// lastUserText returns the most recent user message, used for logging.
func lastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return strings.TrimSpace(msgs[i].Text)
		}
	}
	return ""
}
