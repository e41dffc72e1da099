package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AP3X-Dev/AG3NT/artifact"
	"github.com/AP3X-Dev/AG3NT/compaction"
)

type artifactOptions struct {
	*rootOptions
	filter artifact.Filter
	json   bool
	offset int
	limit  int
}

func newArtifactCmd(root *rootOptions) *cobra.Command {
	opts := &artifactOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Inspect the artifact store",
		Long: `Inspect tool outputs that were moved out of the transcript.

Examples:
  # List artifacts produced by one tool
  ag3nt artifact list --tool fetch_url

  # Print lines 200-299 of an artifact
  ag3nt artifact get art_0123456789abcdef01234567 --offset 200 --limit 100`,
	}
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output as JSON")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.list(cmd.OutOrStdout())
		},
	}
	list.Flags().StringVar(&opts.filter.ToolName, "tool", "", "only artifacts from this tool")
	list.Flags().StringVar(&opts.filter.Tag, "tag", "", "only artifacts with this tag")
	list.Flags().StringVar(&opts.filter.SessionID, "session", "", "only artifacts from this session")
	list.Flags().StringVar(&opts.filter.SourceURL, "source-url", "", "only artifacts from this URL")
	list.Flags().IntVar(&opts.filter.Limit, "limit", 50, "maximum number of artifacts")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.get(cmd.OutOrStdout(), args[0])
		},
	}
	get.Flags().IntVar(&opts.offset, "offset", 0, "first line to print, 1-based (0 prints everything)")
	get.Flags().IntVar(&opts.limit, "limit", 0, "number of lines to print (0 for the rest)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show store totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.stats(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(list, get, stats)
	return cmd
}

func (o *artifactOptions) store() (*artifact.FileStore, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	if cfg.Artifacts.Dir == "" {
		return nil, errors.New("artifacts.dir is not configured; in-memory artifacts do not outlive a run")
	}
	return artifact.OpenFileStore(cfg.Resolve(cfg.Artifacts.Dir))
}

func (o *artifactOptions) list(w io.Writer) error {
	store, err := o.store()
	if err != nil {
		return err
	}
	metas, err := store.List(o.filter)
	if err != nil {
		return err
	}
	if o.json {
		return writeJSON(w, metas)
	}
	if len(metas) == 0 {
		fmt.Fprintln(w, "no artifacts")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIZE\tTOOL\tSESSION\tCREATED\tTITLE")
	for _, m := range metas {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			m.ID, m.Size, dash(m.ToolName), dash(m.SessionID), m.CreatedAt.Format("2006-01-02 15:04:05"), dash(m.Title))
	}
	return tw.Flush()
}

func (o *artifactOptions) get(w io.Writer, id string) error {
	store, err := o.store()
	if err != nil {
		return err
	}
	content, err := store.Get(id)
	if err != nil {
		return err
	}
	if o.json {
		meta, err := store.Stat(id)
		if err != nil {
			return err
		}
		mime, category := compaction.DetectContent(content)
		return writeJSON(w, struct {
			artifact.Meta
			MIME     string `json:"mime"`
			Category string `json:"category"`
			Content  string `json:"content"`
		}{meta, mime, string(category), string(content)})
	}
	if o.offset <= 0 && o.limit <= 0 {
		_, err = w.Write(content)
		return err
	}
	lines := strings.SplitAfter(string(content), "\n")
	start := max(o.offset, 1) - 1
	if start >= len(lines) {
		return fmt.Errorf("offset %d is past the end (%d lines)", o.offset, len(lines))
	}
	end := len(lines)
	if o.limit > 0 {
		end = min(start+o.limit, end)
	}
	_, err = io.WriteString(w, strings.Join(lines[start:end], ""))
	return err
}

func (o *artifactOptions) stats(w io.Writer) error {
	store, err := o.store()
	if err != nil {
		return err
	}
	st, err := store.Stats()
	if err != nil {
		return err
	}
	if o.json {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "%d artifacts, %d bytes\n", st.Count, st.TotalBytes)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
