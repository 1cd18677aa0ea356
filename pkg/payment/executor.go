package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/isomw/proofgate/pkg/budget"
	"github.com/isomw/proofgate/pkg/ledger"
	"github.com/isomw/proofgate/pkg/observability"
)

var (
	ErrProofFailed     = errors.New("payment: proof production failed")
	ErrProofReused     = errors.New("payment: proof already spent")
	ErrPaymentPending  = errors.New("payment: transfer submitted but not confirmed")
	ErrBudgetDenied    = errors.New("payment: spend budget exceeded")
	ErrPremiumRejected = errors.New("payment: premium call failed")
	ErrPriceMismatch   = errors.New("payment: proof does not match price")
	ErrUnknownEndpoint = errors.New("payment: no price for endpoint")
)

// Producer performs a payment for price and returns the proof once the
// transfer is confirmed. It may take seconds and may fail.
type Producer interface {
	Produce(ctx context.Context, price Price) (*Proof, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, price Price) (*Proof, error)

func (f ProducerFunc) Produce(ctx context.Context, price Price) (*Proof, error) {
	return f(ctx, price)
}

// Caller issues exactly one premium HTTP request with the proof header
// attached. Implementations must not retry.
type Caller interface {
	CallPremium(ctx context.Context, endpoint, proofHeader string, body any) ([]byte, error)
}

// Ledger is the subset of ledger.Store the executor writes to.
type Ledger interface {
	Record(ctx context.Context, e *ledger.Entry) error
	Settle(ctx context.Context, txHash string, status ledger.Status, httpStatus int, detail string) error
}

// StatusCoder is implemented by backend errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Request is one premium action to pay for.
type Request struct {
	Sender   string
	Endpoint string
	Body     any
}

// Result is the outcome of a paid call.
type Result struct {
	Proof *Proof
	Body  []byte
}

// Executor sequences proof production and the premium call.
type Executor struct {
	producer     Producer
	caller       Caller
	prices       PriceTable
	ledger       Ledger
	budget       budget.Enforcer
	proofTimeout time.Duration
	callTimeout  time.Duration
	logger       *slog.Logger
	telemetry    *observability.Provider
}

// Option configures an Executor.
type Option func(*Executor)

func WithLedger(l Ledger) Option { return func(e *Executor) { e.ledger = l } }

func WithBudget(b budget.Enforcer) Option { return func(e *Executor) { e.budget = b } }

func WithTimeouts(proof, call time.Duration) Option {
	return func(e *Executor) {
		e.proofTimeout = proof
		e.callTimeout = call
	}
}

func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

func WithTelemetry(p *observability.Provider) Option { return func(e *Executor) { e.telemetry = p } }

// NewExecutor creates an executor. Without WithLedger an in-memory ledger is
// used so proof reuse is still refused within the process.
func NewExecutor(producer Producer, caller Caller, prices PriceTable, opts ...Option) *Executor {
	e := &Executor{
		producer:     producer,
		caller:       caller,
		prices:       prices,
		proofTimeout: 2 * time.Minute,
		callTimeout:  30 * time.Second,
		logger:       slog.Default().With("component", "payment"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ledger == nil {
		e.ledger = ledger.NewMemoryStore()
	}
	return e
}

// Price returns the advertised price for endpoint.
func (e *Executor) Price(endpoint string) (Price, bool) {
	return e.prices.For(endpoint)
}

// PayAndCall pays for one premium call and performs it.
//
// The order is fixed: budget, proof, ledger record, call, ledger outcome.
// The premium endpoint is never called without a confirmed proof, and a
// failed call leaves the proof spent and recorded as failed.
func (e *Executor) PayAndCall(ctx context.Context, req Request) (res *Result, err error) {
	ctx, done := e.telemetry.TrackOperation(ctx, observability.SpanPayAndCall,
		attribute.String("endpoint", req.Endpoint))
	defer func() { done(err) }()
	return e.payAndCall(ctx, req)
}

func (e *Executor) payAndCall(ctx context.Context, req Request) (*Result, error) {
	price, ok := e.prices.For(req.Endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, req.Endpoint)
	}
	log := e.logger.With("endpoint", req.Endpoint, "sender", req.Sender, "price", price.String())

	// 1. Budget. Fail closed.
	cost := budget.Cost{
		Amount:   budget.ToMicro(price.Amount),
		Currency: price.Currency,
		Reason:   req.Endpoint,
	}
	if e.budget != nil {
		d, err := e.budget.Check(ctx, req.Sender, cost)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBudgetDenied, err)
		}
		if !d.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrBudgetDenied, d.Reason)
		}
	}

	// 2. Produce the proof.
	proof, err := e.produce(ctx, price)
	if errors.Is(err, ErrPaymentPending) {
		// Funds may still move; the reservation stays until reconciled.
		log.WarnContext(ctx, "payment pending", "error", err)
		return nil, err
	}
	if err != nil {
		log.WarnContext(ctx, "payment proof failed", "error", err)
		e.release(ctx, log, req.Sender, cost)
		return nil, err
	}
	log = log.With("tx_hash", proof.TxHash)
	log.InfoContext(ctx, "payment proof produced")

	// 3. Refuse a proof that has been spent before, then mark this one spent.
	err = e.ledger.Record(ctx, &ledger.Entry{
		ID:        uuid.NewString(),
		TxHash:    proof.TxHash,
		Sender:    req.Sender,
		Endpoint:  req.Endpoint,
		Amount:    proof.Amount,
		Currency:  proof.Currency,
		Chain:     proof.Chain,
		Recipient: proof.Recipient,
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, ledger.ErrDuplicateTx) {
		log.ErrorContext(ctx, "payment proof reused")
		e.release(ctx, log, req.Sender, cost)
		return nil, fmt.Errorf("%w: %s", ErrProofReused, proof.TxHash)
	}
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	if !proof.Amount.Equal(price.Amount) || proof.Currency != price.Currency {
		err := fmt.Errorf("%w: paid %s %s, expected %s", ErrPriceMismatch, proof.Amount, proof.Currency, price)
		e.settle(ctx, log, proof.TxHash, ledger.StatusFailed, 0, err.Error())
		return nil, err
	}

	// 4. Exactly one premium call.
	header, err := proof.Header()
	if err != nil {
		e.settle(ctx, log, proof.TxHash, ledger.StatusFailed, 0, err.Error())
		return nil, err
	}
	callCtx, cancel := withTimeout(ctx, e.callTimeout)
	body, err := e.caller.CallPremium(callCtx, req.Endpoint, header, req.Body)
	cancel()

	// 5. Outcome.
	if err != nil {
		status := 0
		var sc StatusCoder
		if errors.As(err, &sc) {
			status = sc.StatusCode()
		}
		e.settle(ctx, log, proof.TxHash, ledger.StatusFailed, status, err.Error())
		log.WarnContext(ctx, "premium call failed after payment", "status", status, "error", err)
		return &Result{Proof: proof}, fmt.Errorf("%w: %w", ErrPremiumRejected, err)
	}
	e.settle(ctx, log, proof.TxHash, ledger.StatusFulfilled, 200, "")
	return &Result{Proof: proof, Body: body}, nil
}

func (e *Executor) produce(ctx context.Context, price Price) (*Proof, error) {
	pctx, cancel := withTimeout(ctx, e.proofTimeout)
	defer cancel()

	proof, err := e.producer.Produce(pctx, price)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProofFailed, err)
	}
	if err := proof.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProofFailed, err)
	}
	return proof, nil
}

// release hands back a budget reservation for a payment that was never made.
func (e *Executor) release(ctx context.Context, log *slog.Logger, sender string, cost budget.Cost) {
	if e.budget == nil {
		return
	}
	if err := e.budget.Release(context.WithoutCancel(ctx), sender, cost); err != nil {
		log.ErrorContext(ctx, "budget release failed", "error", err)
	}
}

// settle records the outcome without letting a ledger failure mask the
// call result.
func (e *Executor) settle(ctx context.Context, log *slog.Logger, txHash string, status ledger.Status, code int, detail string) {
	if err := e.ledger.Settle(context.WithoutCancel(ctx), txHash, status, code, detail); err != nil {
		log.ErrorContext(ctx, "ledger settle failed", "status", status, "error", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
