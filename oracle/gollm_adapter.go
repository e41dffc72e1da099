package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter implements ProviderAdapter on top of gollm.
//
// gollm returns plain text, so tool calls are recovered from a JSON block of
// the form {"tool_calls":[{"id":..,"name":..,"arguments":{..}}]} or a bare
// array of {"name","arguments"} objects in the reply.
type GollmAdapter struct {
	provider string
	model    string

	// gollm options are set on the shared LLM, so calls are serialized.
	mu  sync.Mutex
	llm gollm.LLM
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.model = model }
}

// WithMaxTokens sets the default completion limit.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.maxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.temperature = t }
}

// WithGollmOptions passes extra options straight to gollm.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
	"ollama":    "llama3.1",
}

// NewGollmAdapter creates an adapter for provider. An empty apiKey lets
// gollm read the key from its environment variables.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{maxTokens: 4096, temperature: 0.2}
	for _, opt := range opts {
		opt(cfg)
	}
	model := cfg.model
	if model == "" {
		model = defaultModels[provider]
	}
	if model == "" {
		return nil, &ConfigurationError{OracleError{Message: fmt.Sprintf("no model configured for provider %q", provider)}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Client owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{OracleError{Message: "creating gollm client for " + provider, Cause: err}}
	}
	return &GollmAdapter{provider: provider, model: model, llm: llm}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, model: model, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string { return a.provider }

// Complete implements ProviderAdapter.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := gollm.NewPrompt(renderTranscript(req.Transcript), a.promptOptions(req)...)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AbortError{OracleError{Message: "oracle call cancelled", Cause: ctx.Err()}}
		}
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

func (a *GollmAdapter) promptOptions(req Request) []gollm.PromptOption {
	var opts []gollm.PromptOption
	if req.System != "" {
		opts = append(opts, gollm.WithSystemPrompt(req.System, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}
	return opts
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		a.llm.SetOption("model", model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// renderTranscript flattens the transcript into the single prompt string
// gollm accepts.
func renderTranscript(msgs []Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch m.Role {
		case RoleUser:
			sb.WriteString(m.Text)
		case RoleAssistant:
			sb.WriteString("[Assistant]: ")
			sb.WriteString(m.Text)
			if len(m.ToolCalls) > 0 {
				block, _ := json.Marshal(struct {
					ToolCalls []ToolCall `json:"tool_calls"`
				}{m.ToolCalls})
				if m.Text != "" {
					sb.WriteString("\n")
				}
				sb.Write(block)
			}
		case RoleTool:
			prefix := "[Tool Result " + m.ToolCallID + "]: "
			if m.IsError {
				prefix = "[Tool Error " + m.ToolCallID + "]: "
			}
			sb.WriteString(prefix)
			sb.WriteString(m.Text)
		}
	}
	if sb.Len() == 0 {
		return "Begin."
	}
	return sb.String()
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}
	calls, rest := parseToolCalls(text)
	finish := FinishStop
	if len(calls) > 0 {
		finish = FinishToolCalls
	}
	in := EstimateTokens(req)
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Text:         rest,
		ToolCalls:    calls,
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// parseToolCalls extracts a trailing tool-call block from text. It returns
// the calls and the text preceding the block.
func parseToolCalls(text string) ([]ToolCall, string) {
	type rawCall struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var raws []rawCall
	start := strings.Index(text, `{"tool_calls"`)
	if start >= 0 {
		var wrapper struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&wrapper); err != nil {
			return nil, text
		}
		raws = wrapper.ToolCalls
	} else if start = strings.Index(text, `[{"name"`); start >= 0 {
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&raws); err != nil {
			return nil, text
		}
	} else {
		return nil, text
	}

	calls := make([]ToolCall, 0, len(raws))
	for _, rc := range raws {
		if rc.Name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		args := rc.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{ID: id, Name: rc.Name, Arguments: args})
	}
	if len(calls) == 0 {
		return nil, text
	}
	return calls, strings.TrimSpace(text[:start])
}

// translateError classifies a gollm error by its message.
func (a *GollmAdapter) translateError(err error) error {
	msg := strings.ToLower(err.Error())
	var kind ErrorKind
	status := 0
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key"):
		kind, status = KindAuthentication, 401
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		kind, status = KindAccessDenied, 403
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		kind, status = KindNotFound, 404
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		kind, status = KindRateLimit, 429
	case strings.Contains(msg, "quota") || strings.Contains(msg, "insufficient"):
		kind, status = KindQuota, 402
	case strings.Contains(msg, "context length") || strings.Contains(msg, "too many tokens"):
		kind, status = KindContextLength, 413
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "internal server") || strings.Contains(msg, "overloaded"):
		kind, status = KindServer, 500
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		kind = KindTimeout
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "safety"):
		kind = KindContentFilter
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof"):
		return &NetworkError{OracleError{Message: "transport failure", Cause: err}}
	default:
		kind = KindUnknown
	}
	return NewProviderError(kind, a.provider, status, err)
}
