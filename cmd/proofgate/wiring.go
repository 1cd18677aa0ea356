package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/isomw/proofgate/pkg/action"
	"github.com/isomw/proofgate/pkg/agent"
	"github.com/isomw/proofgate/pkg/budget"
	"github.com/isomw/proofgate/pkg/chain"
	"github.com/isomw/proofgate/pkg/config"
	"github.com/isomw/proofgate/pkg/isomw"
	"github.com/isomw/proofgate/pkg/observability"
	"github.com/isomw/proofgate/pkg/retry"
	"github.com/isomw/proofgate/pkg/transport/console"
	"github.com/isomw/proofgate/pkg/transport/natsmsg"
	"github.com/isomw/proofgate/pkg/transport/redisstream"
)

var errNoWallet = errors.New("WALLET_PRIVATE_KEY is not set")

func newClient(cfg *config.Config, logger *slog.Logger) *isomw.Client {
	return isomw.New(cfg.Backend.URL,
		isomw.WithAPIKey(cfg.Backend.APIKey),
		isomw.WithTimeout(cfg.Timeouts.HTTP),
		isomw.WithBreaker(retry.NewBreaker("isomw", 5, cfg.Timeouts.HTTP)),
		isomw.WithLogger(logger.With("component", "isomw")),
	)
}

func newResolver(cfg *config.Config, ai action.AIParser, logger *slog.Logger) *action.Resolver {
	return &action.Resolver{
		Mode:         action.Mode(cfg.AI.Mode),
		AI:           ai,
		SystemPrompt: cfg.AI.SystemPrompt,
		Logger:       logger.With("component", "resolver"),
	}
}

func newTelemetry(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	oc := observability.DefaultConfig()
	oc.ServiceName = cfg.AgentName
	oc.Enabled = cfg.Telemetry.Enabled
	oc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	return observability.New(ctx, oc)
}

// newWallet dials the payment chain and loads the signing key. A configured
// chain id must match what the RPC endpoint reports.
func newWallet(ctx context.Context, cfg *config.Config) (*chain.Wallet, error) {
	if strings.TrimSpace(cfg.Payment.PrivateKey) == "" {
		return nil, errNoWallet
	}
	backend, err := chain.DialEthclient(ctx, cfg.Payment.RPCURL)
	if err != nil {
		return nil, err
	}
	if cfg.Payment.ChainID != 0 {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		if id.Int64() != cfg.Payment.ChainID {
			return nil, fmt.Errorf("rpc %s serves chain %s, config expects %d", cfg.Payment.RPCURL, id, cfg.Payment.ChainID)
		}
	}
	return chain.NewWallet(cfg.Payment.PrivateKey, backend)
}

func newProducer(cfg *config.Config, w *chain.Wallet) (*chain.TransferProducer, error) {
	if !common.IsHexAddress(cfg.Payment.Recipient) {
		return nil, errors.New("X402_RECIPIENT must be set to pay for premium calls")
	}
	return &chain.TransferProducer{
		Wallet:    w,
		Token:     common.HexToAddress(cfg.Payment.USDCContract),
		Decimals:  int32(cfg.Payment.USDCDecimals),
		Recipient: common.HexToAddress(cfg.Payment.Recipient),
		ChainName: cfg.Payment.Chain,
	}, nil
}

// newBudget returns nil when no limit is configured. A zero window is
// unlimited.
func newBudget(ctx context.Context, cfg *config.Config) (budget.Enforcer, func() error, error) {
	daily, monthly := cfg.BudgetLimits()
	if !daily.IsPositive() && !monthly.IsPositive() {
		return nil, func() error { return nil }, nil
	}
	limit := func(d int64) int64 {
		if d <= 0 {
			return math.MaxInt64 / 2
		}
		return d
	}
	d, m := limit(budget.ToMicro(daily)), limit(budget.ToMicro(monthly))

	dsn := cfg.Ledger.DSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open budget store: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping budget store: %w", err)
		}
		return budget.NewSimpleEnforcer(budget.NewPostgresStorage(db), d, m), db.Close, nil
	}
	return budget.NewSimpleEnforcer(budget.NewMemoryStorage(), d, m), func() error { return nil }, nil
}

// newTransport opens the configured chat transport. The returned closer is
// never nil.
func newTransport(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (agent.Transport, func() error, error) {
	self := cfg.AgentName
	switch cfg.Transport.Kind {
	case config.TransportRedis:
		rc := cfg.Transport.Redis
		t, err := redisstream.Dial(ctx, rc.Addr, redisstream.Options{
			StreamIn:  rc.StreamIn,
			StreamOut: rc.StreamOut,
			Group:     rc.Group,
			Consumer:  self,
			Self:      self,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := t.Setup(ctx); err != nil {
			_ = t.Close()
			return nil, nil, err
		}
		return t, t.Close, nil
	case config.TransportNATS:
		nc := cfg.Transport.NATS
		t, err := natsmsg.Dial(nc.URL, nc.SubjectIn, nc.SubjectOutPrefix, self)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
	return console.New(in, out, self), func() error { return nil }, nil
}
