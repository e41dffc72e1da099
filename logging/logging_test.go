package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type replacer struct{ old, new string }

func (r replacer) Scrub(s string) string { return strings.ReplaceAll(s, r.old, r.new) }

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestNew_WritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ag3nt.log")
	cfg := DefaultConfig()
	cfg.Output = path
	cfg.Level = "debug"
	cfg.RedactFields = []string{"Session_Cookie"}

	logger, err := New(cfg, replacer{old: "sk-live-123", new: "[secret]"})
	require.NoError(t, err)

	logger.Named("agentloop").Debug("calling sk-live-123",
		zap.String("api_key", "abcd"),
		zap.String("args", `{"key":"sk-live-123"}`),
		zap.Int("turn", 2),
		zap.String("session_cookie", "c00k1e"),
	)
	logger.With(zap.String("token", "xyz")).Info("with context")
	require.NoError(t, Sync(logger))

	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "calling [secret]", first["msg"])
	assert.Equal(t, "agentloop", first["logger"])
	assert.Equal(t, "ag3nt", first["service"])
	assert.Equal(t, "[REDACTED:4]", first["api_key"])
	assert.Equal(t, `{"key":"[secret]"}`, first["args"])
	assert.EqualValues(t, 2, first["turn"])
	assert.Equal(t, "[REDACTED:6]", first["session_cookie"])
	assert.Contains(t, first["ts"], "T")

	assert.Equal(t, "[REDACTED:3]", entries[1]["token"])
}

func TestNew_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ag3nt.log")
	cfg := DefaultConfig()
	cfg.Output = path
	cfg.Level = "warn"

	logger, err := New(cfg, nil)
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, Sync(logger))

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Format = "xml"
	assert.ErrorContains(t, cfg.Validate(), "format")

	cfg = DefaultConfig()
	cfg.Level = "loud"
	assert.ErrorContains(t, cfg.Validate(), "level")

	cfg = DefaultConfig()
	cfg.Output = " "
	assert.Error(t, cfg.Validate())

	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "invalid logging config")
}

func TestSync_Nil(t *testing.T) {
	assert.NoError(t, Sync(nil))
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	tl.Named("approval").Info("decision recorded", zap.String("call_id", "c1"))

	require.Len(t, tl.All(), 1)
	assert.Equal(t, "c1", tl.FilterMessage("decision recorded").All()[0].ContextMap()["call_id"])
	tl.AssertLogged(t, zapcore.InfoLevel, "decision")

	tl.Reset()
	assert.Empty(t, tl.All())
}
