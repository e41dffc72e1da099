// Package logging builds the zap loggers used by ag3nt.
//
// Components take a *zap.Logger and name themselves. This package owns the
// root logger: encoding, level, output and redaction of secrets before
// anything is written.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AP3X-Dev/AG3NT/secrets"
)

// Config holds logging configuration.
type Config struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// Output is "stderr", "stdout" or a file path.
	Output string            `koanf:"output"`
	Caller bool              `koanf:"caller"`
	Fields map[string]string `koanf:"fields"`
	// RedactFields are field keys whose values are never written, in
	// addition to DefaultRedactFields.
	RedactFields []string `koanf:"redact_fields"`
}

// DefaultRedactFields are always redacted.
var DefaultRedactFields = []string{
	"password", "secret", "token", "api_key",
	"authorization", "credential", "private_key",
}

// DefaultConfig logs JSON at info level to stderr. Stdout is left to the
// command output.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stderr",
		Fields: map[string]string{"service": "ag3nt"},
	}
}

// Validate checks config for errors.
func (c Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level: %w", err)
	}
	if strings.TrimSpace(c.Output) == "" {
		return errors.New("output is required")
	}
	return nil
}

// New builds the root logger. A nil scrubber disables content scrubbing;
// field-key redaction still applies.
func New(cfg Config, scrubber secrets.Scrubber) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	level, _ := zapcore.ParseLevel(cfg.Level)

	sink, _, err := zap.Open(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("open log output %s: %w", cfg.Output, err)
	}

	var core zapcore.Core = zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	keys := append(append([]string(nil), DefaultRedactFields...), cfg.RedactFields...)
	core = newRedactingCore(core, keys, scrubber)

	var opts []zap.Option
	if cfg.Caller {
		opts = append(opts, zap.AddCaller())
	}
	opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))

	logger := zap.New(core, opts...)
	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		logger = logger.With(fields...)
	}
	return logger, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes the logger, ignoring the harmless errors returned when
// syncing a terminal.
func Sync(l *zap.Logger) error {
	if l == nil {
		return nil
	}
	err := l.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Path == "/dev/stdout" || pathErr.Path == "/dev/stderr"
	}
	return false
}
