package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/isomw/proofgate/pkg/api"
	"github.com/isomw/proofgate/pkg/observability"
	"github.com/isomw/proofgate/pkg/receipts"
	"github.com/isomw/proofgate/pkg/retry"
)

// Proof is an on-chain commitment of a receipt's bundle hash.
type Proof struct {
	ReceiptID string `json:"receipt_id"`
	Chain     string `json:"chain,omitempty"`
	TxID      string `json:"flare_txid"`
}

// Confirmation is the backend's reply to a submitted Proof.
type Confirmation struct {
	ReceiptID  string          `json:"receipt_id"`
	Status     receipts.Status `json:"status"`
	FlareTxID  string          `json:"flare_txid,omitempty"`
	AnchoredAt *time.Time      `json:"anchored_at,omitempty"`
}

// Backend is the part of the ISO middleware API the workflow uses.
type Backend interface {
	GetReceipt(ctx context.Context, id string) (*receipts.Receipt, error)
	GetProjectConfig(ctx context.Context, projectID string) (*ProjectConfig, error)
	ConfirmAnchor(ctx context.Context, p Proof) (*Confirmation, error)
}

// Anchorer commits bundleHash on chain c and returns the mined txid.
type Anchorer interface {
	Anchor(ctx context.Context, c ChainConfig, bundleHash string) (string, error)
}

// Options tune a single confirmation.
type Options struct {
	// Chain overrides chain selection in tenant mode.
	Chain string
	// AllChains anchors on every configured chain with a contract.
	AllChains bool
}

// ChainResult is the outcome on one chain.
type ChainResult struct {
	Chain       string `json:"chain"`
	TxID        string `json:"txid"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

// Result is what confirmAnchor reports after re-reading the receipt.
type Result struct {
	ReceiptID  string          `json:"receipt_id"`
	Status     receipts.Status `json:"status"`
	AnchorTxID string          `json:"anchor_txid,omitempty"`
	AnchoredAt *time.Time      `json:"anchored_at,omitempty"`
	Mode       ExecutionMode   `json:"mode,omitempty"`
	Chains     []ChainResult   `json:"chains,omitempty"`
}

// Workflow runs the anchor confirmation protocol for one project.
type Workflow struct {
	backend     Backend
	anchorer    Anchorer
	projectID   string
	pollPolicy  retry.Policy
	pollTimeout time.Duration
	logger      *slog.Logger
	telemetry   *observability.Provider
}

type Option func(*Workflow)

// WithAnchorer installs the local signer used in tenant mode.
func WithAnchorer(a Anchorer) Option { return func(w *Workflow) { w.anchorer = a } }

// WithPlatformPoll bounds how long platform mode waits for the backend.
func WithPlatformPoll(p retry.Policy, timeout time.Duration) Option {
	return func(w *Workflow) {
		w.pollPolicy = p
		w.pollTimeout = timeout
	}
}

func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

func WithTelemetry(p *observability.Provider) Option { return func(w *Workflow) { w.telemetry = p } }

// NewWorkflow creates a workflow for projectID. An empty projectID means the
// receipt's own project_id is used.
func NewWorkflow(backend Backend, projectID string, opts ...Option) *Workflow {
	w := &Workflow{
		backend:     backend,
		projectID:   projectID,
		pollPolicy:  retry.PollPolicy,
		pollTimeout: 3 * time.Minute,
		logger:      slog.Default().With("component", "anchor"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Confirm drives receiptID to anchored.
func (w *Workflow) Confirm(ctx context.Context, receiptID string, opts Options) (res *Result, err error) {
	ctx, done := w.telemetry.TrackOperation(ctx, observability.SpanAnchorConfirm,
		attribute.String("receipt_id", receiptID))
	defer func() { done(err) }()
	return w.confirm(ctx, receiptID, opts)
}

func (w *Workflow) confirm(ctx context.Context, receiptID string, opts Options) (*Result, error) {
	log := w.logger.With("receipt_id", receiptID)

	// Always a fresh read.
	rc, err := w.backend.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("load receipt: %w", err)
	}
	if !rc.Status.IsPreAnchor() {
		return nil, fmt.Errorf("%w: status %s", ErrNotPreAnchor, rc.Status)
	}

	// Project config decides the mode.
	projectID := w.projectID
	if projectID == "" {
		projectID = rc.ProjectID
	}
	cfg, err := w.backend.GetProjectConfig(ctx, projectID)
	if errors.Is(err, api.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrMissingConfig, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}
	if cfg == nil {
		return nil, ErrMissingConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode := cfg.Anchoring.Mode()
	log = log.With("mode", mode)

	switch mode {
	case ModeTenant:
		return w.confirmTenant(ctx, log, rc, cfg, opts)
	case ModePlatform:
		return w.awaitPlatform(ctx, log, rc.ID)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
}

func (w *Workflow) confirmTenant(ctx context.Context, log *slog.Logger, rc *receipts.Receipt, cfg *ProjectConfig, opts Options) (*Result, error) {
	if w.anchorer == nil {
		return nil, ErrNoSigner
	}

	var targets []ChainConfig
	if opts.AllChains {
		targets = cfg.ChainsWithContract()
	} else {
		c, err := cfg.SelectChain(opts.Chain, rc.Chain)
		if err != nil {
			return nil, err
		}
		if !c.HasContract() {
			return nil, fmt.Errorf("%w: %s", ErrMissingContract, c.Name)
		}
		targets = []ChainConfig{c}
	}

	// Checked before any chain call.
	if !ValidBundleHash(rc.BundleHash) {
		return nil, ErrMissingBundleHash
	}

	res := &Result{ReceiptID: rc.ID, Mode: ModeTenant}
	for _, c := range targets {
		txid, err := w.anchorer.Anchor(ctx, c, rc.BundleHash)
		if err != nil {
			return res, fmt.Errorf("anchor on %s: %w", c.Name, err)
		}
		log.InfoContext(ctx, "bundle anchored", "chain", c.Name, "txid", txid)

		if _, err := w.backend.ConfirmAnchor(ctx, Proof{ReceiptID: rc.ID, Chain: c.Name, TxID: txid}); err != nil {
			return res, fmt.Errorf("confirm anchor on %s (txid %s): %w", c.Name, txid, err)
		}
		res.Chains = append(res.Chains, ChainResult{Chain: c.Name, TxID: txid, ExplorerURL: c.ExplorerTxURL(txid)})
	}

	return w.reread(ctx, res)
}

// awaitPlatform polls until the backend reports the anchor it performs.
func (w *Workflow) awaitPlatform(ctx context.Context, log *slog.Logger, receiptID string) (*Result, error) {
	pctx, cancel := context.WithTimeout(ctx, w.pollTimeout)
	defer cancel()

	var last *receipts.Receipt
	err := retry.Do(pctx, w.pollPolicy, receiptID, func(ctx context.Context) error {
		rc, err := w.backend.GetReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		last = rc
		switch {
		case rc.Status == receipts.StatusAnchored:
			return nil
		case rc.Status == receipts.StatusFailed:
			return retry.Permanent(ErrAnchorFailed)
		case !rc.Status.IsPreAnchor():
			return retry.Permanent(fmt.Errorf("%w: status %s", ErrNotPreAnchor, rc.Status))
		}
		return fmt.Errorf("status %s", rc.Status)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrPlatformTimeout, w.pollTimeout)
		}
		return nil, err
	}
	log.InfoContext(ctx, "platform anchor observed", "txid", last.FlareTxID)
	return &Result{
		ReceiptID:  last.ID,
		Status:     last.Status,
		AnchorTxID: last.FlareTxID,
		AnchoredAt: last.AnchoredAt,
		Mode:       ModePlatform,
	}, nil
}

// Submit is the manual fallback: it reports a txid obtained out of band.
// The backend applies the same validation as for Confirm.
func (w *Workflow) Submit(ctx context.Context, p Proof) (*Result, error) {
	if p.ReceiptID == "" || p.TxID == "" {
		return nil, ErrInvalidProof
	}
	if _, err := w.backend.ConfirmAnchor(ctx, p); err != nil {
		return nil, fmt.Errorf("confirm anchor: %w", err)
	}
	w.logger.InfoContext(ctx, "anchor proof submitted", "receipt_id", p.ReceiptID, "chain", p.Chain, "txid", p.TxID)
	res := &Result{ReceiptID: p.ReceiptID, Chains: []ChainResult{{Chain: p.Chain, TxID: p.TxID}}}
	return w.reread(ctx, res)
}

// reread fetches the receipt after submission so the reported status is the
// backend's, not an assumption.
func (w *Workflow) reread(ctx context.Context, res *Result) (*Result, error) {
	rc, err := w.backend.GetReceipt(ctx, res.ReceiptID)
	if err != nil {
		return res, fmt.Errorf("re-read receipt: %w", err)
	}
	res.Status = rc.Status
	res.AnchoredAt = rc.AnchoredAt
	res.AnchorTxID = rc.FlareTxID
	if res.AnchorTxID == "" && len(res.Chains) > 0 {
		res.AnchorTxID = res.Chains[len(res.Chains)-1].TxID
	}
	return res, nil
}
