// Package agent runs the chat loop: resolve each message into an action,
// execute it against the backend (paying first when the action is premium)
// and reply to the sender.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/isomw/proofgate/pkg/action"
	"github.com/isomw/proofgate/pkg/isomw"
	"github.com/isomw/proofgate/pkg/observability"
	"github.com/isomw/proofgate/pkg/payment"
	"github.com/isomw/proofgate/pkg/receipts"
	"github.com/isomw/proofgate/pkg/retry"
)

// Resolver turns message text into an action, or nil.
type Resolver interface {
	Resolve(ctx context.Context, text string) action.Action
}

// Backend serves the free actions.
type Backend interface {
	ListReceipts(ctx context.Context, limit int) (*receipts.Page, error)
	GetReceipt(ctx context.Context, id string) (*receipts.Receipt, error)
}

// Payer performs paid calls. *payment.Executor implements it.
type Payer interface {
	PayAndCall(ctx context.Context, req payment.Request) (*payment.Result, error)
	Price(endpoint string) (payment.Price, bool)
}

var receivePolicy = retry.Policy{Name: "receive", Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxJitter: 250 * time.Millisecond}

// Agent handles one message at a time.
type Agent struct {
	transport     Transport
	resolver      Resolver
	backend       Backend
	payer         Payer
	actionTimeout time.Duration
	limiter       *senderLimiter
	logger        *slog.Logger
	telemetry     *observability.Provider
}

type Option func(*Agent)

func WithActionTimeout(d time.Duration) Option { return func(a *Agent) { a.actionTimeout = d } }

// WithSenderRate limits each sender to n actions per minute. Zero disables it.
func WithSenderRate(n int) Option { return func(a *Agent) { a.limiter = newSenderLimiter(n) } }

func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

func WithTelemetry(p *observability.Provider) Option { return func(a *Agent) { a.telemetry = p } }

// New creates an agent. payer may be nil, in which case premium actions are
// answered with an error and never paid for.
func New(t Transport, r Resolver, b Backend, payer Payer, opts ...Option) *Agent {
	a := &Agent{
		transport:     t,
		resolver:      r,
		backend:       b,
		payer:         payer,
		actionTimeout: 5 * time.Minute,
		logger:        slog.Default().With("component", "agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run processes messages until ctx is done or the transport closes.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "agent listening", "self", a.transport.Self())

	failures := 0
	for {
		msg, err := a.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) {
				a.logger.InfoContext(ctx, "transport closed")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			a.logger.WarnContext(ctx, "receive failed", "error", err, "failures", failures)
			if err := retry.Sleep(ctx, retry.Backoff(receivePolicy, "receive", failures)); err != nil {
				return err
			}
			continue
		}
		failures = 0

		if msg.Sender == "" || strings.EqualFold(msg.Sender, a.transport.Self()) {
			a.ack(ctx, msg)
			continue
		}
		a.Handle(ctx, msg)
	}
}

// Handle processes one message and sends the reply. It never panics and
// never returns an error; failures become replies or log lines.
func (a *Agent) Handle(ctx context.Context, msg Message) {
	log := a.logger.With("sender", msg.Sender, "message_id", msg.ID)
	defer a.ack(ctx, msg)

	if !a.limiter.Allow(msg.Sender) {
		log.WarnContext(ctx, "sender rate limited")
		a.send(ctx, log, msg.Sender, "❌ Too many requests. Please wait a minute and try again.")
		return
	}

	var reply string
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.ErrorContext(ctx, "panic handling message", "panic", r, "stack", string(debug.Stack()))
				reply = "❌ Error: internal error while handling your request."
			}
		}()
		reply = a.Reply(ctx, msg)
	}()
	a.send(ctx, log, msg.Sender, reply)
}

// Reply resolves and executes msg and returns the reply text.
func (a *Agent) Reply(ctx context.Context, msg Message) string {
	ctx, cancel := context.WithTimeout(ctx, a.actionTimeout)
	defer cancel()

	act := a.resolver.Resolve(ctx, msg.Text)
	if act == nil {
		return invalidCommandReply
	}
	log := a.logger.With("sender", msg.Sender, "action", act.Kind())
	if err := act.Validate(); err != nil {
		log.InfoContext(ctx, "action rejected", "error", err)
		return usageReply(act)
	}

	ctx, done := a.telemetry.TrackOperation(ctx, observability.SpanAgentAction,
		attribute.String("kind", string(act.Kind())),
		attribute.Bool("premium", act.Premium()))
	reply, err := a.dispatch(ctx, msg, act)
	done(err)
	if err != nil {
		log.WarnContext(ctx, "action failed", "error", err)
	} else {
		log.InfoContext(ctx, "action completed")
	}
	return reply
}

func (a *Agent) dispatch(ctx context.Context, msg Message, act action.Action) (string, error) {
	switch act := act.(type) {
	case action.Help:
		return helpReply(a.prices()), nil
	case action.List:
		page, err := a.backend.ListReceipts(ctx, act.Limit)
		if err != nil {
			return failure("Failed to list receipts", err), err
		}
		return listReply(page.Items), nil
	case action.Get:
		rc, err := a.backend.GetReceipt(ctx, act.ReceiptID)
		if err != nil {
			return failure("Failed to get receipt", err), err
		}
		return receiptReply(rc), nil
	case action.Verify:
		var out isomw.VerifyResult
		res, err := a.pay(ctx, msg, payment.EndpointVerify, "Verifying bundle", isomw.VerifyRequest{BundleURL: act.BundleURL}, &out)
		if err != nil {
			return paidFailure("Verification failed", res, err), err
		}
		return verifyReply(&out, res.Proof), nil
	case action.Statement:
		var out isomw.StatementResult
		res, err := a.pay(ctx, msg, payment.EndpointStatement, "Generating statement", isomw.StatementRequest{Date: act.Date}, &out)
		if err != nil {
			return paidFailure("Statement generation failed", res, err), err
		}
		return statementReply(act.Date, &out, res.Proof), nil
	case action.Refund:
		req := isomw.RefundRequest{ReceiptID: act.ReceiptID, Reason: act.Reason, ReturnMethod: isomw.ReturnMethodReversal}
		var out isomw.RefundResult
		res, err := a.pay(ctx, msg, payment.EndpointRefund, "Initiating refund", req, &out)
		if err != nil {
			return paidFailure("Refund failed", res, err), err
		}
		return refundReply(act, &out, res.Proof), nil
	}
	err := fmt.Errorf("%w: %T", action.ErrUnknownAction, act)
	return "❌ Unknown command. Type \"help\" for available commands.", err
}

var errNoPayer = errors.New("paid commands are not enabled on this agent")

// pay announces the charge, pays and calls endpoint, and decodes the body
// into out. A non-nil Result with an error means the proof was spent.
func (a *Agent) pay(ctx context.Context, msg Message, endpoint, doing string, body, out any) (*payment.Result, error) {
	if a.payer == nil {
		return nil, errNoPayer
	}
	if price, ok := a.payer.Price(endpoint); ok {
		a.send(ctx, a.logger, msg.Sender, fmt.Sprintf("⏳ %s (paying %s)...", doing, price))
	}
	res, err := a.payer.PayAndCall(ctx, payment.Request{Sender: msg.Sender, Endpoint: endpoint, Body: body})
	if err != nil {
		return res, err
	}
	if err := decodeBody(res.Body, out); err != nil {
		return res, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return res, nil
}

func (a *Agent) prices() payment.PriceTable {
	if a.payer == nil {
		return nil
	}
	t := payment.PriceTable{}
	for _, ep := range []string{payment.EndpointVerify, payment.EndpointStatement, payment.EndpointRefund} {
		if p, ok := a.payer.Price(ep); ok {
			t[ep] = p
		}
	}
	return t
}

func (a *Agent) send(ctx context.Context, log *slog.Logger, to, text string) {
	if err := a.transport.Send(context.WithoutCancel(ctx), to, text); err != nil {
		log.ErrorContext(ctx, "send reply failed", "to", to, "error", err)
	}
}

func (a *Agent) ack(ctx context.Context, msg Message) {
	if acker, ok := a.transport.(Acker); ok {
		if err := acker.Ack(context.WithoutCancel(ctx), msg); err != nil {
			a.logger.WarnContext(ctx, "ack failed", "message_id", msg.ID, "error", err)
		}
	}
}
