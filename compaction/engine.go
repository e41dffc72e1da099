// Package compaction keeps the transcript bounded. Tool output at or under
// the threshold passes through unchanged; anything larger is moved to the
// artifact store and replaced by a pointer entry with a bounded summary.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/AP3X-Dev/AG3NT/artifact"
	"github.com/AP3X-Dev/AG3NT/secrets"
)

// Defaults.
const (
	DefaultThresholdBytes  = 8192
	DefaultPreviewBytes    = 1024
	DefaultMaxHighlights   = 8
	DefaultMaxSummaryBytes = 2048

	minSummaryBytes = 64
)

// Config controls when and how output is compacted.
type Config struct {
	ThresholdBytes  int `json:"threshold_bytes"`
	PreviewBytes    int `json:"preview_bytes"`
	MaxHighlights   int `json:"max_highlights"`
	MaxSummaryBytes int `json:"max_summary_bytes"`
}

// DefaultConfig returns the default compaction policy.
func DefaultConfig() Config {
	return Config{
		ThresholdBytes:  DefaultThresholdBytes,
		PreviewBytes:    DefaultPreviewBytes,
		MaxHighlights:   DefaultMaxHighlights,
		MaxSummaryBytes: DefaultMaxSummaryBytes,
	}
}

// Validate reports malformed values.
func (c Config) Validate() error {
	if c.ThresholdBytes <= 0 {
		return fmt.Errorf("compaction threshold must be positive, got %d", c.ThresholdBytes)
	}
	if c.PreviewBytes < 0 || c.MaxHighlights < 0 || c.MaxSummaryBytes < 0 {
		return fmt.Errorf("compaction preview, highlight and summary limits must not be negative")
	}
	return nil
}

// summaryLimit bounds the summary so a pointer entry stays well under the
// threshold even for small thresholds.
func (c Config) summaryLimit() int {
	limit := c.MaxSummaryBytes
	if limit == 0 {
		limit = DefaultMaxSummaryBytes
	}
	if half := c.ThresholdBytes / 2; half < limit {
		limit = half
	}
	if limit < minSummaryBytes {
		limit = minSummaryBytes
	}
	return limit
}

// Input is one raw tool result.
type Input struct {
	CallID    string
	ToolName  string
	SessionID string
	Content   string
	IsError   bool
	// SourceURL overrides the URL detected in the head of Content.
	SourceURL string
}

// Entry is what enters the model-visible transcript for one tool result.
type Entry struct {
	CallID   string            `json:"call_id"`
	ToolName string            `json:"tool_name"`
	Content  string            `json:"content"`
	IsError  bool              `json:"is_error"`
	Size     int               `json:"size"`
	MIME     string            `json:"mime,omitempty"`
	Category Category          `json:"category,omitempty"`
	Pointer  *artifact.Pointer `json:"pointer,omitempty"`
}

// Compacted reports whether the entry replaced its payload with a pointer.
func (e Entry) Compacted() bool { return e.Pointer != nil }

// Engine applies the compaction policy.
type Engine struct {
	cfg        Config
	store      artifact.Store
	summarizer Summarizer
	scrubber   secrets.Scrubber
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSummarizer replaces the deterministic head summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) {
		if s != nil {
			e.summarizer = s
		}
	}
}

// WithScrubber redacts secrets from summaries before they are stored or shown.
func WithScrubber(s secrets.Scrubber) Option {
	return func(e *Engine) { e.scrubber = secrets.OrNop(s) }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Named("compaction")
		}
	}
}

// New creates an engine writing to store.
func New(store artifact.Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("compaction requires an artifact store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		store: store,
		summarizer: HeadSummarizer{
			PreviewBytes:  cfg.PreviewBytes,
			MaxHighlights: cfg.MaxHighlights,
		},
		scrubber: secrets.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Threshold returns the configured byte threshold.
func (e *Engine) Threshold() int { return e.cfg.ThresholdBytes }

// Store returns the backing artifact store.
func (e *Engine) Store() artifact.Store { return e.store }

// Process converts a raw result into a transcript entry. Output at or under
// the threshold is returned unchanged. Larger output is stored in full and
// replaced by a pointer; if storing fails the payload is withheld and an
// error is returned, never the raw content.
func (e *Engine) Process(ctx context.Context, in Input) (Entry, error) {
	size := len(in.Content)
	mime, category := DetectContent([]byte(in.Content))
	entry := Entry{
		CallID:   in.CallID,
		ToolName: in.ToolName,
		IsError:  in.IsError,
		Size:     size,
		MIME:     mime,
		Category: category,
	}
	if size <= e.cfg.ThresholdBytes {
		entry.Content = in.Content
		return entry, nil
	}

	info := PayloadInfo{Size: size, MIME: mime, Category: category}
	summary, err := e.summarizer.Summarize(ctx, in, info)
	if err != nil {
		e.logger.Warn("summarizer failed, using head preview",
			zap.String("call_id", in.CallID), zap.Error(err))
		summary, _ = HeadSummarizer{PreviewBytes: e.cfg.PreviewBytes}.Summarize(ctx, in, info)
	}
	summary = clip(e.scrubber.Scrub(summary), e.cfg.summaryLimit())

	source := in.SourceURL
	if source == "" {
		source = DetectSourceURL(in.Content)
	}
	meta, err := e.store.Put([]byte(in.Content), artifact.Meta{
		ToolName:    in.ToolName,
		CallID:      in.CallID,
		SessionID:   in.SessionID,
		SourceURL:   source,
		ContentType: mime,
		Summary:     clip(firstLine(summary), 200),
	})
	if err != nil {
		e.logger.Error("storing compacted output failed",
			zap.String("call_id", in.CallID), zap.Int("size", size), zap.Error(err))
		entry.IsError = true
		entry.Content = fmt.Sprintf("[tool output of %d bytes withheld: artifact store write failed: %v]", size, err)
		return entry, fmt.Errorf("compacting %s output: %w", in.ToolName, err)
	}

	ptr := meta.Pointer()
	ptr.Summary = summary
	entry.Pointer = &ptr
	entry.Content = renderPointer(in, info, summary, meta.ID)

	e.logger.Debug("output compacted",
		zap.String("call_id", in.CallID),
		zap.String("tool", in.ToolName),
		zap.String("artifact_id", meta.ID),
		zap.Int("size", size),
		zap.Int("entry_size", len(entry.Content)),
	)
	return entry, nil
}

func renderPointer(in Input, info PayloadInfo, summary, id string) string {
	var sb strings.Builder
	kind := "output"
	if in.IsError {
		kind = "error output"
	}
	fmt.Fprintf(&sb, "[compacted %s of %s: %d bytes, %s]\n", kind, in.ToolName, info.Size, info.MIME)
	if summary != "" {
		sb.WriteString(summary)
		sb.WriteString("\n")
	}
	omitted := info.Size - commonPrefixLen(summary, in.Content)
	sb.WriteString(Marker(omitted, id))
	sb.WriteString("\nUse read_artifact or retrieve_snippets with this id to see the full content.")
	return sb.String()
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
