package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/isomw/proofgate/pkg/agent"
	"github.com/isomw/proofgate/pkg/ledger"
	"github.com/isomw/proofgate/pkg/payment"
)

func newAgentCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Answer chat commands on the configured transport",
		Long: `Runs the command loop: each message is resolved to an action, free
actions are answered from the backend, and premium actions are paid for
before the single premium call is made.

Without WALLET_PRIVATE_KEY the agent still answers free commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, opts, cmd)
		},
	}
}

func runAgent(ctx context.Context, opts *rootOptions, cmd *cobra.Command) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}

	tel, err := newTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) }()

	client := newClient(cfg, logger)

	store, err := ledger.Open(ctx, cfg.Ledger.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var payer agent.Payer
	wallet, err := newWallet(ctx, cfg)
	switch {
	case errors.Is(err, errNoWallet):
		logger.WarnContext(ctx, "no wallet configured, premium commands are disabled")
	case err != nil:
		return err
	default:
		producer, err := newProducer(cfg, wallet)
		if err != nil {
			return err
		}
		enforcer, closeBudget, err := newBudget(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeBudget() }()

		execOpts := []payment.Option{
			payment.WithLedger(store),
			payment.WithTimeouts(cfg.Timeouts.Proof, cfg.Timeouts.HTTP),
			payment.WithLogger(logger.With("component", "payment")),
			payment.WithTelemetry(tel),
		}
		if enforcer != nil {
			execOpts = append(execOpts, payment.WithBudget(enforcer))
		}
		payer = payment.NewExecutor(producer, client, payment.DefaultPrices(cfg.Payment.Currency), execOpts...)
		logger.InfoContext(ctx, "wallet ready", "address", wallet.Address().Hex(), "chain", cfg.Payment.Chain)
	}

	transport, closeTransport, err := newTransport(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = closeTransport() }()

	a := agent.New(transport, newResolver(cfg, client, logger), client, payer,
		agent.WithActionTimeout(cfg.Timeouts.Action),
		agent.WithSenderRate(cfg.Budget.SenderRatePerMin),
		agent.WithLogger(logger.With("component", "agent")),
		agent.WithTelemetry(tel),
	)
	logger.InfoContext(ctx, "agent started", "name", cfg.AgentName, "transport", cfg.Transport.Kind, "ai_mode", cfg.AI.Mode)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.InfoContext(ctx, "agent stopped")
	return nil
}
