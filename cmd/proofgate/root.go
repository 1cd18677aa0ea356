package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/isomw/proofgate/pkg/config"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "proofgate",
		Short:         "Payment-gated receipt agent",
		Long:          "Resolves chat commands against the ISO middleware, pays for premium calls, and confirms receipt anchors.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(newAgentCommand(opts))
	cmd.AddCommand(newAnchorCommand(opts))
	cmd.AddCommand(newConfirmAnchorCommand(opts))
	cmd.AddCommand(newProjectConfigCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newLedgerCommand(opts))
	cmd.AddCommand(newDevServerCommand(opts))

	return cmd
}

// load reads the configuration and builds the process logger. Logs go to
// stderr so command output stays machine readable.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(cfg.Log, o.stderr)
	return cfg, logger, nil
}
