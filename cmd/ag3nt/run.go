package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AP3X-Dev/AG3NT/agentloop"
	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/artifact"
	"github.com/AP3X-Dev/AG3NT/config"
	"github.com/AP3X-Dev/AG3NT/logging"
	"github.com/AP3X-Dev/AG3NT/oracle"
	"github.com/AP3X-Dev/AG3NT/secrets"
	"github.com/AP3X-Dev/AG3NT/telemetry"
)

type runOptions struct {
	*rootOptions
	autoApprove bool
	workDir     string
	sessionID   string
	events      bool
	noDelegate  bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one task to completion",
		Long: `Run sends the prompt to the configured model and executes the tool calls
it requests until it gives a final answer.

Sensitive tool calls are held until you approve, reject or edit them at the
terminal. With "-" or no argument the prompt is read from stdin, which then
requires --auto-approve.

Examples:
  # Run with manual approvals
  ag3nt run "summarize the failing tests"

  # Read the prompt from a file, approve everything
  ag3nt run --auto-approve - < task.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&opts.autoApprove, "auto-approve", false, "approve every tool call without asking")
	cmd.Flags().StringVar(&opts.workDir, "workdir", "", "project directory for context files (default current directory)")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "session id (default generated)")
	cmd.Flags().BoolVar(&opts.events, "events", false, "write session events to stderr as JSON lines")
	cmd.Flags().BoolVar(&opts.noDelegate, "no-delegate", false, "do not offer the task tool")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, args []string) error {
	prompt, fromStdin, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	if fromStdin && !o.autoApprove {
		return errors.New("approvals are answered on stdin; pass the prompt as an argument or use --auto-approve")
	}

	cfg, err := o.load()
	if err != nil {
		return err
	}

	scrubber, err := secrets.NewDetector()
	if err != nil {
		return fmt.Errorf("creating secret detector: %w", err)
	}
	logger, err := logging.New(cfg.Logging, scrubber)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	orch, client, err := o.build(cmd, cfg, logger, scrubber, tel)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.drainEvents(cmd.ErrOrStderr(), orch.Events())
	}()

	res, runErr := orch.Run(ctx, prompt)
	orch.Close()
	<-done

	if runErr != nil {
		return runErr
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Text)
	fmt.Fprintf(cmd.ErrOrStderr(), "[%s: %d turns, %d tokens, session %s]\n", res.Status, res.Turns, res.TokensUsed, res.SessionID)
	return nil
}

func (o *runOptions) build(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger, scrubber secrets.Scrubber, tel *telemetry.Telemetry) (*agentloop.Orchestrator, *oracle.Client, error) {
	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, nil, err
	}
	if o.autoApprove {
		sessCfg.Approval.Mode = approval.ModeAuto
	}

	workDir := o.workDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, nil, fmt.Errorf("resolving working directory: %w", err)
		}
	}
	units, err := cfg.PromptUnits(workDir)
	if err != nil {
		return nil, nil, fmt.Errorf("building prompt units: %w", err)
	}
	if !o.noDelegate {
		units = append(units, agentloop.NewDelegationUnit())
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := agentloop.NewMetrics(tel.Meter(agentloop.InstrumentationName))
	if err != nil {
		return nil, nil, fmt.Errorf("creating metrics: %w", err)
	}

	client, err := newOracleClient(cfg.Oracle, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := []agentloop.Option{
		agentloop.WithLogger(logger),
		agentloop.WithMetrics(metrics),
		agentloop.WithScrubber(scrubber),
		agentloop.WithVars(cfg.Middleware.Vars),
	}
	if o.sessionID != "" {
		opts = append(opts, agentloop.WithSessionID(o.sessionID))
	}
	if !o.autoApprove {
		opts = append(opts, agentloop.WithDecider(newPromptDecider(cmd.InOrStdin(), cmd.ErrOrStderr(), scrubber)))
	}
	if cfg.Approval.LedgerPath != "" {
		ledger, err := approval.NewLedger(cfg.Resolve(cfg.Approval.LedgerPath), scrubber)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("opening approval ledger: %w", err)
		}
		opts = append(opts, agentloop.WithLedger(ledger))
	}

	orch, err := agentloop.New(client, store, sessCfg, units, opts...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return orch, client, nil
}

func newOracleClient(cfg config.OracleConfig, logger *zap.Logger) (*oracle.Client, error) {
	adapter, err := oracle.NewGollmAdapter(cfg.Provider, cfg.APIKey,
		oracle.WithModel(cfg.Model),
		oracle.WithMaxTokens(cfg.MaxTokens),
		oracle.WithTemperature(cfg.Temperature),
	)
	if err != nil {
		return nil, err
	}
	return oracle.NewClient(
		oracle.WithProvider(cfg.Provider, adapter),
		oracle.WithRetryPolicy(cfg.RetryPolicy()),
		oracle.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		oracle.WithLogger(logger),
	), nil
}

// openStore returns the configured file store, or a memory store when no
// directory is set.
func openStore(cfg *config.Config) (artifact.Store, error) {
	if cfg.Artifacts.Dir == "" {
		return artifact.NewMemoryStore(), nil
	}
	store, err := artifact.OpenFileStore(cfg.Resolve(cfg.Artifacts.Dir))
	if err != nil {
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}
	return store, nil
}

func readPrompt(stdin io.Reader, args []string) (prompt string, fromStdin bool, err error) {
	if len(args) == 1 && args[0] != "-" {
		prompt = args[0]
	} else {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", true, fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		prompt, fromStdin = string(b), true
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fromStdin, errors.New("prompt is empty")
	}
	return prompt, fromStdin, nil
}

func (o *runOptions) drainEvents(w io.Writer, events <-chan agentloop.SessionEvent) {
	enc := json.NewEncoder(w)
	for ev := range events {
		if o.events {
			_ = enc.Encode(ev)
		}
	}
}
