package main

import (
	"github.com/spf13/cobra"

	"github.com/isomw/proofgate/pkg/ledger"
)

func newLedgerCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the payment ledger",
	}

	var limit int
	unfulfilled := &cobra.Command{
		Use:   "unfulfilled",
		Short: "List payments that were spent without a successful premium call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			store, err := ledger.Open(cmd.Context(), cfg.Ledger.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.Unfulfilled(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []*ledger.Entry{}
			}
			return printJSON(opts.stdout, entries)
		},
	}
	unfulfilled.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")

	get := &cobra.Command{
		Use:   "get <tx-hash>",
		Short: "Show the ledger entry for a payment transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			store, err := ledger.Open(cmd.Context(), cfg.Ledger.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			e, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(opts.stdout, e)
		},
	}

	cmd.AddCommand(unfulfilled, get)
	return cmd
}
