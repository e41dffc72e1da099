package agentloop

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Logger wraps zap.Logger with orchestrator-specific structured logging.
// All methods are safe on a nil receiver.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new Logger. If logger is nil, uses a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("agentloop")}
}

// Zap returns the underlying logger.
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}
	return l.logger
}

// TurnStarted logs the start of an oracle round.
func (l *Logger) TurnStarted(ctx context.Context, sessionID string, depth, turn, promptTokens, tools int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields,
		zap.Int("turn", turn),
		zap.Int("prompt_tokens", promptTokens),
		zap.Int("tools", tools),
	)
	l.logger.Debug("turn started", fields...)
}

// Diagnostic logs an assembly diagnostic.
func (l *Logger) Diagnostic(ctx context.Context, sessionID string, depth int, d Diagnostic) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields,
		zap.String("code", d.Code),
		zap.String("unit", d.Unit),
		zap.String("detail", d.Message),
	)
	l.logger.Warn("prompt assembly diagnostic", fields...)
}

// ToolFinished logs the end of a tool call.
func (l *Logger) ToolFinished(ctx context.Context, sessionID string, depth int, callID, tool string, status OutcomeStatus, duration time.Duration) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields,
		zap.String("call_id", callID),
		zap.String("tool", tool),
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
	)
	if status == OutcomeCompleted {
		l.logger.Debug("tool finished", fields...)
		return
	}
	l.logger.Info("tool finished", fields...)
}

// Compacted logs a result replaced by an artifact pointer.
func (l *Logger) Compacted(ctx context.Context, sessionID string, depth int, callID, artifactID string, size int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields,
		zap.String("call_id", callID),
		zap.String("artifact_id", artifactID),
		zap.Int("size", size),
	)
	l.logger.Info("tool result compacted", fields...)
}

// BudgetWarning logs a budget warning event (80% usage).
func (l *Logger) BudgetWarning(ctx context.Context, sessionID string, depth, used, limit int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields,
		zap.Int("budget_used", used),
		zap.Int("budget_total", limit),
		zap.Float64("percentage", budgetUtilization(used, limit)),
	)
	l.logger.Warn("budget warning threshold reached", fields...)
}

// BudgetExhausted logs a budget exhaustion event.
func (l *Logger) BudgetExhausted(ctx context.Context, sessionID string, depth, used, limit int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields,
		zap.Int("budget_used", used),
		zap.Int("budget_total", limit),
	)
	l.logger.Warn("budget exhausted", fields...)
}

// SubagentStarted logs a delegation.
func (l *Logger) SubagentStarted(ctx context.Context, sessionID string, depth int, taskID string, budget int, tools []string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields,
		zap.String("task_id", taskID),
		zap.Int("budget", budget),
		zap.Strings("tools", tools),
	)
	l.logger.Info("subagent started", fields...)
}

// SubagentReturned logs the end of a delegation.
func (l *Logger) SubagentReturned(ctx context.Context, sessionID string, depth int, out DistilledOutput, duration time.Duration) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields,
		zap.String("task_id", out.TaskID),
		zap.String("status", string(out.Status)),
		zap.Int("tokens_used", out.TokensUsed),
		zap.Int("budget", out.Budget),
		zap.Float64("budget_utilization", budgetUtilization(out.TokensUsed, out.Budget)),
		zap.Duration("duration", duration),
	)
	if out.Status == SubagentCompleted {
		l.logger.Info("subagent returned", fields...)
		return
	}
	l.logger.Warn("subagent returned", fields...)
}

// Aborted logs a session abort.
func (l *Logger) Aborted(ctx context.Context, sessionID string, depth int, phase Phase, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields, zap.String("phase", string(phase)), zap.Error(err))
	l.logger.Warn("session aborted", fields...)
}

// EventsDropped logs events the host never received because the event
// buffer was full.
func (l *Logger) EventsDropped(ctx context.Context, sessionID string, depth int, dropped map[EventKind]int) {
	if l == nil || l.logger == nil {
		return
	}
	total := 0
	counts := make(map[string]int, len(dropped))
	for k, n := range dropped {
		counts[string(k)] = n
		total += n
	}
	fields := l.baseFields(ctx, sessionID, depth)
	fields = append(fields, zap.Int("dropped", total), zap.Any("by_kind", counts))
	l.logger.Warn("session events dropped", fields...)
}

// Error logs an error with context.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, zap.Error(err))
	allFields = append(allFields, fields...)
	l.logger.Error(msg, allFields...)
}

// Debug logs a debug message with context.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, fields...)
	l.logger.Debug(msg, allFields...)
}

func (l *Logger) baseFields(ctx context.Context, sessionID string, depth int) []zap.Field {
	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.Int("depth", depth),
	}
	return append(fields, l.traceFields(ctx)...)
}

// traceFields extracts trace context from the context.
func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	sc := span.SpanContext()
	fields := []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
	if sc.IsSampled() {
		fields = append(fields, zap.Bool("trace_sampled", true))
	}
	return fields
}
