package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/artifact"
)

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

// workspace writes a config with a file artifact store and a ledger.
func workspace(t *testing.T) (configPath string, store *artifact.FileStore, ledger *approval.Ledger) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
artifacts:
  dir: artifacts
approval:
  ledger_path: approvals.jsonl
`), 0o600))

	store, err := artifact.OpenFileStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	ledger, err = approval.NewLedger(filepath.Join(dir, "approvals.jsonl"), nil)
	require.NoError(t, err)
	return configPath, store, ledger
}

func TestRootCmd_Commands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "artifact", "approvals"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestRun_StdinPromptNeedsAutoApprove(t *testing.T) {
	_, err := execute(t, "summarize the logs", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--auto-approve")

	_, err = execute(t, "   ", "run", "--auto-approve", "-")
	assert.ErrorContains(t, err, "prompt is empty")
}

func TestReadPrompt(t *testing.T) {
	p, fromStdin, err := readPrompt(strings.NewReader("ignored"), []string{" fix it "})
	require.NoError(t, err)
	assert.Equal(t, "fix it", p)
	assert.False(t, fromStdin)

	p, fromStdin, err = readPrompt(strings.NewReader("from stdin\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", p)
	assert.True(t, fromStdin)
}

func TestArtifactCommands(t *testing.T) {
	cfgPath, store, _ := workspace(t)
	meta, err := store.Put([]byte("one\ntwo\nthree\nfour\n"), artifact.Meta{ToolName: "fetch", SessionID: "s1", Title: "page"})
	require.NoError(t, err)
	_, err = store.Put([]byte(`{"a":1}`), artifact.Meta{ToolName: "query", Tags: []string{"db"}})
	require.NoError(t, err)

	out, err := execute(t, "", "--config", cfgPath, "artifact", "list", "--tool", "fetch")
	require.NoError(t, err)
	assert.Contains(t, out, meta.ID)
	assert.Contains(t, out, "page")
	assert.NotContains(t, out, "query")

	out, err = execute(t, "", "--config", cfgPath, "artifact", "list", "--tag", "db", "--json")
	require.NoError(t, err)
	var metas []artifact.Meta
	require.NoError(t, json.Unmarshal([]byte(out), &metas))
	require.Len(t, metas, 1)
	assert.Equal(t, "query", metas[0].ToolName)

	out, err = execute(t, "", "--config", cfgPath, "artifact", "get", meta.ID, "--offset", "2", "--limit", "2")
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", out)

	out, err = execute(t, "", "--config", cfgPath, "artifact", "get", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", out)

	_, err = execute(t, "", "--config", cfgPath, "artifact", "get", meta.ID, "--offset", "99")
	assert.ErrorContains(t, err, "past the end")

	_, err = execute(t, "", "--config", cfgPath, "artifact", "get", "art_missing")
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	out, err = execute(t, "", "--config", cfgPath, "artifact", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "2 artifacts")
}

func TestArtifactCommands_RequireDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: {}\n"), 0o600))
	_, err := execute(t, "", "--config", path, "artifact", "list")
	assert.ErrorContains(t, err, "artifacts.dir")
}

func TestApprovalsCommands(t *testing.T) {
	cfgPath, _, ledger := workspace(t)
	for _, r := range []approval.Record{
		{SessionID: "s1", ToolName: "deploy", Risk: "high", Decision: string(approval.DecisionApprove)},
		{SessionID: "s1", ToolName: "deploy", Risk: "high", Decision: string(approval.DecisionReject), Reason: "not today"},
		{SessionID: "s1", ToolName: "read_artifact", Risk: "safe", Decision: approval.DecisionAuto},
	} {
		_, err := ledger.Append(r)
		require.NoError(t, err)
	}

	out, err := execute(t, "", "--config", cfgPath, "approvals", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "3 decisions")
	assert.Contains(t, out, "deploy")
	assert.Contains(t, out, "read_artifact")

	out, err = execute(t, "", "--config", cfgPath, "approvals", "stats", "--json")
	require.NoError(t, err)
	var st approval.LedgerStats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.ByTool["deploy"][string(approval.DecisionReject)])

	out, err = execute(t, "", "--config", cfgPath, "approvals", "list", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "read_artifact")
	assert.NotContains(t, out, "not today")
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    approval.Decision
		wantErr bool
	}{
		{"y", approval.Approve(), false},
		{" YES ", approval.Approve(), false},
		{"n", approval.Reject("rejected by operator"), false},
		{"no too risky", approval.Reject("too risky"), false},
		{`e {"path":"/tmp/x"}`, approval.ApproveWithEdit(json.RawMessage(`{"path":"/tmp/x"}`)), false},
		{"e {broken", approval.Decision{}, true},
		{"maybe", approval.Decision{}, true},
		{"", approval.Decision{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDecision(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPromptDecider(t *testing.T) {
	var out bytes.Buffer
	d := newPromptDecider(strings.NewReader("maybe\nn sk-not-shown stays\n"), &out, nil)
	p := approval.Pending{Turn: 1, Risk: approval.RiskHigh, Request: approval.Request{
		CallID: "c1", ToolName: "deploy", Arguments: json.RawMessage(`{"env":"prod"}`),
	}}

	dec, err := d.Decide(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, approval.Reject("sk-not-shown stays"), dec)
	assert.Contains(t, out.String(), "approval needed: deploy (risk high, call c1)")
	assert.Contains(t, out.String(), `{"env":"prod"}`)
	assert.Contains(t, out.String(), "unrecognized answer")

	p.ID = "sub_1/c1"
	dec, err = d.Decide(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, approval.DecisionReject, dec.Kind, "end of input rejects")
	assert.Contains(t, out.String(), "call sub_1/c1")
}

func TestPromptDecider_Cancelled(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(); _ = r.Close() })

	d := newPromptDecider(r, &bytes.Buffer{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Decide(ctx, approval.Pending{})
	assert.ErrorIs(t, err, context.Canceled)
}
