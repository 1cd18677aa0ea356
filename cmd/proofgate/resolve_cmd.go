package main

import (
	"strings"

	"github.com/spf13/cobra"
)

type resolvedAction struct {
	Matched bool              `json:"matched"`
	Action  string            `json:"action,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <text>...",
		Short: "Show which action a chat message resolves to",
		Long: `Resolves the text the same way the agent does, including the AI fallback
when AI_MODE allows it, and prints the action without executing it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			r := newResolver(cfg, newClient(cfg, logger), logger)
			act := r.Resolve(cmd.Context(), strings.Join(args, " "))

			out := resolvedAction{}
			if act != nil {
				out.Matched = true
				out.Action = string(act.Kind())
				out.Args = act.Args()
				if err := act.Validate(); err != nil {
					out.Error = err.Error()
				}
			}
			return printJSON(opts.stdout, out)
		},
	}
}
