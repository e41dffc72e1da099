package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AP3X-Dev/AG3NT/approval"
)

var decisionOrder = []string{
	approval.DecisionAuto,
	string(approval.DecisionApprove),
	string(approval.DecisionApproveWithEdit),
	string(approval.DecisionReject),
}

type approvalsOptions struct {
	*rootOptions
	json  bool
	limit int
}

func newApprovalsCmd(root *rootOptions) *cobra.Command {
	opts := &approvalsOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect the approval ledger",
		Long: `Inspect recorded approval decisions.

Examples:
  # Decision counts per tool
  ag3nt approvals stats

  # The 20 most recent decisions
  ag3nt approvals list --limit 20`,
	}
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output as JSON")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize decisions by outcome and tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.stats(cmd.OutOrStdout())
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded decisions, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.list(cmd.OutOrStdout())
		},
	}
	list.Flags().IntVar(&opts.limit, "limit", 50, "show at most this many recent decisions (0 for all)")

	cmd.AddCommand(stats, list)
	return cmd
}

func (o *approvalsOptions) ledger() (*approval.Ledger, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	if cfg.Approval.LedgerPath == "" {
		return nil, errors.New("approval.ledger_path is not configured")
	}
	return approval.LoadLedger(cfg.Resolve(cfg.Approval.LedgerPath))
}

func (o *approvalsOptions) stats(w io.Writer) error {
	l, err := o.ledger()
	if err != nil {
		return err
	}
	st := l.Stats()
	if o.json {
		return writeJSON(w, st)
	}

	fmt.Fprintf(w, "%d decisions\n", st.Total)
	for _, d := range decisionOrder {
		if n := st.ByDecision[d]; n > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", d, n)
		}
	}
	if len(st.ByTool) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tAUTO\tAPPROVED\tEDITED\tREJECTED")
	for _, tool := range st.Tools() {
		c := st.ByTool[tool]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", tool,
			c[decisionOrder[0]], c[decisionOrder[1]], c[decisionOrder[2]], c[decisionOrder[3]])
	}
	return tw.Flush()
}

func (o *approvalsOptions) list(w io.Writer) error {
	l, err := o.ledger()
	if err != nil {
		return err
	}
	records := l.Records()
	if o.limit > 0 && len(records) > o.limit {
		records = records[len(records)-o.limit:]
	}
	if o.json {
		return writeJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no decisions")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tTURN\tTOOL\tRISK\tDECISION\tREASON")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), dash(r.SessionID), r.Turn, r.ToolName, dash(r.Risk), r.Decision, dash(r.Reason))
	}
	return tw.Flush()
}
