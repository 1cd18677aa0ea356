package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/isomw/proofgate/pkg/anchor"
	"github.com/isomw/proofgate/pkg/chain"
	"github.com/isomw/proofgate/pkg/retry"
)

// Exit codes beyond the generic 1.
const (
	exitNotPreAnchor = 3
	exitPending      = 4
)

func newAnchorCommand(opts *rootOptions) *cobra.Command {
	var wfOpts anchor.Options
	cmd := &cobra.Command{
		Use:   "anchor <receipt-id>",
		Short: "Anchor a receipt's bundle hash and confirm it with the backend",
		Long: `In tenant mode the bundle hash is committed on the selected chain with the
local wallet, then the transaction id is confirmed with the backend. In
platform mode nothing is submitted; the command waits for the backend to
report the receipt as anchored.

Exits 3 when the receipt is not awaiting an anchor and 4 when the receipt
is still awaiting anchors on other chains.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnchor(cmd.Context(), opts, args[0], wfOpts)
		},
	}
	cmd.Flags().StringVar(&wfOpts.Chain, "chain", "", "anchor on this configured chain")
	cmd.Flags().BoolVar(&wfOpts.AllChains, "all-chains", false, "anchor on every configured chain with a contract")
	cmd.MarkFlagsMutuallyExclusive("chain", "all-chains")
	return cmd
}

func runAnchor(ctx context.Context, opts *rootOptions, receiptID string, wfOpts anchor.Options) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	tel, err := newTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) }()

	// Bounds mining on the anchoring chains plus platform polling.
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Confirmations+cfg.Timeouts.PlatformPoll)
	defer cancel()

	wopts := []anchor.Option{
		anchor.WithPlatformPoll(retry.PollPolicy, cfg.Timeouts.PlatformPoll),
		anchor.WithLogger(logger.With("component", "anchor")),
		anchor.WithTelemetry(tel),
	}
	wallet, err := newWallet(ctx, cfg)
	switch {
	case errors.Is(err, errNoWallet):
		logger.DebugContext(ctx, "no wallet configured, tenant anchoring unavailable")
	case err != nil:
		return err
	default:
		wopts = append(wopts, anchor.WithAnchorer(chain.NewEvidenceAnchorer(wallet, chain.DialEthclient, cfg.Payment.RPCURL)))
	}

	wf := anchor.NewWorkflow(newClient(cfg, logger), cfg.Backend.ProjectID, wopts...)
	res, err := wf.Confirm(ctx, receiptID, wfOpts)
	if res != nil {
		if perr := printJSON(opts.stdout, res); perr != nil {
			return perr
		}
	}
	switch {
	case errors.Is(err, anchor.ErrNotPreAnchor):
		return &exitError{code: exitNotPreAnchor, err: err}
	case err != nil:
		return err
	case res.Status.IsPreAnchor():
		return &exitError{code: exitPending, err: errors.New("receipt is still awaiting anchors on other chains")}
	}
	return nil
}

func newConfirmAnchorCommand(opts *rootOptions) *cobra.Command {
	var chainName string
	cmd := &cobra.Command{
		Use:   "confirm-anchor <receipt-id> <txid>",
		Short: "Report an anchoring transaction made elsewhere",
		Long: `Submits a transaction id for a receipt without signing anything locally.
The backend checks the transaction against the receipt's bundle hash.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			wf := anchor.NewWorkflow(newClient(cfg, logger), cfg.Backend.ProjectID,
				anchor.WithLogger(logger.With("component", "anchor")))
			res, err := wf.Submit(cmd.Context(), anchor.Proof{ReceiptID: args[0], Chain: chainName, TxID: args[1]})
			if err != nil {
				return err
			}
			return printJSON(opts.stdout, res)
		},
	}
	cmd.Flags().StringVar(&chainName, "chain", "", "chain the transaction was made on")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
