// Command ag3nt runs an agent session from the terminal and inspects the
// artifacts and approval decisions it leaves behind.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AP3X-Dev/AG3NT/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ag3nt",
		Short: "Run and inspect long-horizon agent sessions",
		Long: `ag3nt drives a model through multi-step tasks with gated tool calls,
compacted tool output and bounded subagents.

Configuration is read from ~/.config/ag3nt/config.yaml (or --config) and
AG3NT_* environment variables.`,
		Version:       version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/ag3nt/config.yaml)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newArtifactCmd(opts))
	cmd.AddCommand(newApprovalsCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
