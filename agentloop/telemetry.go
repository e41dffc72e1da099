package agentloop

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/AP3X-Dev/AG3NT/agentloop"

// Metrics provides OpenTelemetry metrics for the orchestrator. Session ids
// are never metric attributes; correlate through traces and logs.
type Metrics struct {
	turnsTotal       metric.Int64Counter
	toolCallsTotal   metric.Int64Counter
	approvalsTotal   metric.Int64Counter
	compactionsTotal metric.Int64Counter
	subagentsTotal   metric.Int64Counter

	subagentActive metric.Int64UpDownCounter

	toolDuration      metric.Float64Histogram
	compactedBytes    metric.Int64Histogram
	budgetUtilization metric.Float64Histogram

	initialized bool
}

// NewMetrics creates a new Metrics instance with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.turnsTotal, err = meter.Int64Counter(
		"agentloop.turns.total",
		metric.WithDescription("Oracle rounds completed"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	m.toolCallsTotal, err = meter.Int64Counter(
		"agentloop.tool.calls.total",
		metric.WithDescription("Tool calls by terminal status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.approvalsTotal, err = meter.Int64Counter(
		"agentloop.approvals.total",
		metric.WithDescription("Approval outcomes by decision"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	m.compactionsTotal, err = meter.Int64Counter(
		"agentloop.compactions.total",
		metric.WithDescription("Tool results replaced by artifact pointers"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		return nil, err
	}

	m.subagentsTotal, err = meter.Int64Counter(
		"agentloop.subagents.total",
		metric.WithDescription("Subagent tasks by final status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.subagentActive, err = meter.Int64UpDownCounter(
		"agentloop.subagents.active",
		metric.WithDescription("Subagent tasks currently running"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.toolDuration, err = meter.Float64Histogram(
		"agentloop.tool.duration.seconds",
		metric.WithDescription("Tool execution time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	m.compactedBytes, err = meter.Int64Histogram(
		"agentloop.compaction.bytes",
		metric.WithDescription("Size of payloads moved to the artifact store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(8192, 16384, 65536, 262144, 1048576, 4194304),
	)
	if err != nil {
		return nil, err
	}

	m.budgetUtilization, err = meter.Float64Histogram(
		"agentloop.budget.utilization.ratio",
		metric.WithDescription("Token budget utilization at the end of a run"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.4, 0.6, 0.8, 0.9, 0.95, 1.0),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordTurn records one oracle round.
func (m *Metrics) RecordTurn(ctx context.Context, depth int) {
	if m == nil || !m.initialized {
		return
	}
	m.turnsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("depth", depth)))
}

// RecordToolCall records a terminal tool outcome.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, status OutcomeStatus, duration time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", string(status)),
	)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if status == OutcomeCompleted || status == OutcomeFailed {
		m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordApproval records one approval outcome.
func (m *Metrics) RecordApproval(ctx context.Context, tool, decision string) {
	if m == nil || !m.initialized {
		return
	}
	m.approvalsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("decision", decision),
	))
}

// RecordCompaction records a payload moved to the store.
func (m *Metrics) RecordCompaction(ctx context.Context, tool string, size int) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.compactionsTotal.Add(ctx, 1, attrs)
	m.compactedBytes.Record(ctx, int64(size), attrs)
}

// RecordSubagentStarted records a delegation start.
func (m *Metrics) RecordSubagentStarted(ctx context.Context, depth int) {
	if m == nil || !m.initialized {
		return
	}
	m.subagentActive.Add(ctx, 1, metric.WithAttributes(attribute.Int("depth", depth)))
}

// RecordSubagentFinished records a delegation end.
func (m *Metrics) RecordSubagentFinished(ctx context.Context, depth int, status SubagentStatus, tokensUsed, budget int) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int("depth", depth),
		attribute.String("status", string(status)),
	)
	m.subagentsTotal.Add(ctx, 1, attrs)
	m.subagentActive.Add(ctx, -1, metric.WithAttributes(attribute.Int("depth", depth)))
	if budget > 0 {
		m.budgetUtilization.Record(ctx, budgetUtilization(tokensUsed, budget), attrs)
	}
}

// RecordBudget records the utilization of a finished run.
func (m *Metrics) RecordBudget(ctx context.Context, depth, used, limit int) {
	if m == nil || !m.initialized || limit <= 0 {
		return
	}
	m.budgetUtilization.Record(ctx, budgetUtilization(used, limit), metric.WithAttributes(attribute.Int("depth", depth)))
}

// Tracer returns a tracer for the agentloop package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// SpanAttributes returns common span attributes for a session.
func SpanAttributes(sessionID string, depth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("agentloop.session_id", sessionID),
		attribute.Int("agentloop.depth", depth),
	}
}

// StartSpan starts a new span with session context.
func StartSpan(ctx context.Context, name, sessionID string, depth int, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	attrs := SpanAttributes(sessionID, depth)
	allOpts := append([]trace.SpanStartOption{trace.WithAttributes(attrs...)}, opts...)
	return Tracer().Start(ctx, name, allOpts...)
}

// endSpan records err, if any, and ends span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
