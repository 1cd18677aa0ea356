package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/isomw/proofgate/internal/devserver"
	"github.com/isomw/proofgate/pkg/anchor"
	"github.com/isomw/proofgate/pkg/chain"
	"github.com/isomw/proofgate/pkg/receipts"
)

// seedFile is the devserver fixture format.
type seedFile struct {
	Projects map[string]anchor.ProjectConfig `json:"projects"`
	Receipts []receipts.Receipt              `json:"receipts"`
}

type devServerOptions struct {
	addr        string
	keys        []string
	seed        string
	verifyChain bool
}

func newDevServerCommand(opts *rootOptions) *cobra.Command {
	var d devServerOptions
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory ISO middleware backend for local testing",
		Long: `Serves the receipt, anchor, project config and premium endpoints from memory.

Keys are given as key=project, or key=* for an admin key. With
--verify-chain, confirmed anchors are checked on-chain against the
bundle hash; otherwise any transaction id is accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDevServer(ctx, opts, d)
		},
	}
	cmd.Flags().StringVar(&d.addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringArrayVar(&d.keys, "key", nil, "API key as key=project or key=* (repeatable)")
	cmd.Flags().StringVar(&d.seed, "seed", "", "JSON file with projects and receipts to preload")
	cmd.Flags().BoolVar(&d.verifyChain, "verify-chain", false, "verify anchor transactions over RPC")
	return cmd
}

func runDevServer(ctx context.Context, opts *rootOptions, d devServerOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	srv, err := buildDevServer(d, cfg.Payment.RPCURL, devserver.WithLogger(logger.With("component", "devserver")))
	if err != nil {
		return err
	}

	hs := &http.Server{
		Addr:              d.addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	logger.InfoContext(ctx, "devserver listening", "addr", d.addr, "verify_chain", d.verifyChain)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

func buildDevServer(d devServerOptions, rpcURL string, sopts ...devserver.Option) (*devserver.Server, error) {
	if d.verifyChain {
		sopts = append(sopts, devserver.WithVerifier(chain.NewAnchorVerifier(chain.DialEthclient, rpcURL)))
	}
	srv := devserver.New(sopts...)

	for _, k := range d.keys {
		key, project, ok := strings.Cut(k, "=")
		if !ok || key == "" || project == "" {
			return nil, fmt.Errorf("invalid --key %q, want key=project", k)
		}
		srv.AddKey(key, project, project == "*")
	}

	if d.seed != "" {
		data, err := os.ReadFile(d.seed)
		if err != nil {
			return nil, err
		}
		var seed seedFile
		if err := json.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parse seed %s: %w", d.seed, err)
		}
		for id, pc := range seed.Projects {
			if err := pc.Validate(); err != nil {
				return nil, fmt.Errorf("seed project %s: %w", id, err)
			}
			srv.SetProjectConfig(id, pc)
		}
		for _, r := range seed.Receipts {
			if err := r.CheckInvariants(); err != nil {
				return nil, fmt.Errorf("seed receipt %s: %w", r.ID, err)
			}
			srv.PutReceipt(r)
		}
	}
	return srv, nil
}
