package logging

import (
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/AP3X-Dev/AG3NT/secrets"
)

// redactingCore rewrites entries before they reach the encoder. Values of
// listed keys are replaced outright; other string values and the message
// pass through the scrubber.
type redactingCore struct {
	zapcore.Core
	keys     map[string]bool
	scrubber secrets.Scrubber
}

func newRedactingCore(core zapcore.Core, keys []string, scrubber secrets.Scrubber) zapcore.Core {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = true
	}
	return &redactingCore{Core: core, keys: set, scrubber: secrets.OrNop(scrubber)}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redact(fields)), keys: c.keys, scrubber: c.scrubber}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.scrubber.Scrub(ent.Message)
	return c.Core.Write(ent, c.redact(fields))
}

func (c *redactingCore) redact(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			if c.keys[strings.ToLower(f.Key)] {
				f.String = RedactedValue(f.String)
			} else {
				f.String = c.scrubber.Scrub(f.String)
			}
		}
		out[i] = f
	}
	return out
}

// RedactedValue is the placeholder written in place of a secret value.
func RedactedValue(v string) string {
	return "[REDACTED:" + strconv.Itoa(len(v)) + "]"
}
