package payment_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isomw/proofgate/pkg/budget"
	"github.com/isomw/proofgate/pkg/ledger"
	"github.com/isomw/proofgate/pkg/payment"
)

// trace records the order of external effects.
type trace struct{ events []string }

type fakeProducer struct {
	tr     *trace
	err    error
	txHash string
	block  bool
	n      int
}

func (p *fakeProducer) Produce(ctx context.Context, price payment.Price) (*payment.Proof, error) {
	p.tr.events = append(p.tr.events, "produce")
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	p.n++
	tx := p.txHash
	if tx == "" {
		tx = fmt.Sprintf("0x%064x", p.n)
	}
	return &payment.Proof{
		TxHash:    tx,
		Amount:    price.Amount,
		Recipient: "0x000000000000000000000000000000000000dEaD",
		Currency:  price.Currency,
		Chain:     "base",
	}, nil
}

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) StatusCode() int { return e.code }

type fakeCaller struct {
	tr      *trace
	err     error
	headers []string
	body    []byte
}

func (c *fakeCaller) CallPremium(_ context.Context, endpoint, header string, _ any) ([]byte, error) {
	c.tr.events = append(c.tr.events, "call "+endpoint)
	c.headers = append(c.headers, header)
	if c.err != nil {
		return nil, c.err
	}
	return c.body, nil
}

func newExecutor(p payment.Producer, c payment.Caller, opts ...payment.Option) *payment.Executor {
	return payment.NewExecutor(p, c, payment.DefaultPrices("USDC"), opts...)
}

func TestProofHeader_Canonical(t *testing.T) {
	p := &payment.Proof{
		TxHash:    "0xabc",
		Amount:    decimal.RequireFromString("0.001"),
		Recipient: "0xr",
		Currency:  "USDC",
		Chain:     "base",
	}
	h, err := p.Header()
	require.NoError(t, err)
	assert.Equal(t, `{"amount":"0.001","chain":"base","currency":"USDC","recipient":"0xr","tx_hash":"0xabc"}`, h)

	back, err := payment.ParseHeader(h)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", back.TxHash)
	assert.True(t, back.Amount.Equal(p.Amount))
}

func TestParseHeader_Rejects(t *testing.T) {
	for _, h := range []string{
		``,
		`not json`,
		`{"amount":"0.001","chain":"base","currency":"USDC","recipient":"0xr"}`,
		`{"amount":"0","chain":"base","currency":"USDC","recipient":"0xr","tx_hash":"0x1"}`,
	} {
		_, err := payment.ParseHeader(h)
		assert.ErrorIs(t, err, payment.ErrInvalidProof, "header %q", h)
	}
}

func TestDefaultPrices(t *testing.T) {
	prices := payment.DefaultPrices("USDC")
	p, ok := prices.For(payment.EndpointVerify)
	require.True(t, ok)
	assert.Equal(t, "0.001 USDC", p.String())
	p, _ = prices.For(payment.EndpointStatement)
	assert.Equal(t, "0.005", p.Amount.String())
	p, _ = prices.For(payment.EndpointRefund)
	assert.Equal(t, "0.003", p.Amount.String())
}

func TestPayAndCall_ProofBeforeCall(t *testing.T) {
	tr := &trace{}
	store := ledger.NewMemoryStore()
	caller := &fakeCaller{tr: tr, body: []byte(`{"valid":true}`)}
	e := newExecutor(&fakeProducer{tr: tr}, caller, payment.WithLedger(store))

	res, err := e.PayAndCall(context.Background(), payment.Request{
		Sender:   "alice",
		Endpoint: payment.EndpointVerify,
		Body:     map[string]string{"bundle_url": "https://example.com/bundle.zip"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"produce", "call " + payment.EndpointVerify}, tr.events)
	assert.JSONEq(t, `{"valid":true}`, string(res.Body))
	assert.Equal(t, "0.001", res.Proof.Amount.String())

	require.Len(t, caller.headers, 1)
	sent, err := payment.ParseHeader(caller.headers[0])
	require.NoError(t, err)
	assert.Equal(t, res.Proof.TxHash, sent.TxHash)

	entry, err := store.Get(context.Background(), res.Proof.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFulfilled, entry.Status)
}

func TestPayAndCall_ProofFailureNeverCalls(t *testing.T) {
	tr := &trace{}
	caller := &fakeCaller{tr: tr}
	e := newExecutor(&fakeProducer{tr: tr, err: errors.New("insufficient funds")}, caller)

	_, err := e.PayAndCall(context.Background(), payment.Request{Endpoint: payment.EndpointStatement})
	assert.ErrorIs(t, err, payment.ErrProofFailed)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, []string{"produce"}, tr.events)
	assert.Empty(t, caller.headers)
}

func TestPayAndCall_ProofTimeout(t *testing.T) {
	tr := &trace{}
	caller := &fakeCaller{tr: tr}
	e := newExecutor(&fakeProducer{tr: tr, block: true}, caller,
		payment.WithTimeouts(20*time.Millisecond, time.Second))

	_, err := e.PayAndCall(context.Background(), payment.Request{Endpoint: payment.EndpointRefund})
	assert.ErrorIs(t, err, payment.ErrProofFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, caller.headers)
}

func TestPayAndCall_BackendRejectionLeavesProofSpent(t *testing.T) {
	tr := &trace{}
	store := ledger.NewMemoryStore()
	caller := &fakeCaller{tr: tr, err: &statusErr{code: 502}}
	e := newExecutor(&fakeProducer{tr: tr}, caller, payment.WithLedger(store))

	res, err := e.PayAndCall(context.Background(), payment.Request{Sender: "alice", Endpoint: payment.EndpointVerify})
	assert.ErrorIs(t, err, payment.ErrPremiumRejected)
	require.NotNil(t, res)
	require.Len(t, caller.headers, 1, "no automatic retry")

	open, err := store.Unfulfilled(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, res.Proof.TxHash, open[0].TxHash)
	assert.Equal(t, ledger.StatusFailed, open[0].Status)
	assert.Equal(t, 502, open[0].HTTPStatus)
}

func TestPayAndCall_RefusesReusedProof(t *testing.T) {
	tr := &trace{}
	caller := &fakeCaller{tr: tr, body: []byte(`{}`)}
	e := newExecutor(&fakeProducer{tr: tr, txHash: "0xsame"}, caller)

	_, err := e.PayAndCall(context.Background(), payment.Request{Endpoint: payment.EndpointVerify})
	require.NoError(t, err)

	_, err = e.PayAndCall(context.Background(), payment.Request{Endpoint: payment.EndpointVerify})
	assert.ErrorIs(t, err, payment.ErrProofReused)
	assert.Len(t, caller.headers, 1)
}

func TestPayAndCall_EachActionGetsFreshProof(t *testing.T) {
	tr := &trace{}
	caller := &fakeCaller{tr: tr, body: []byte(`{}`)}
	e := newExecutor(&fakeProducer{tr: tr}, caller)

	a, err := e.PayAndCall(context.Background(), payment.Request{Endpoint: payment.EndpointVerify})
	require.NoError(t, err)
	b, err := e.PayAndCall(context.Background(), payment.Request{Endpoint: payment.EndpointVerify})
	require.NoError(t, err)
	assert.NotEqual(t, a.Proof.TxHash, b.Proof.TxHash)
}

func TestPayAndCall_BudgetDeniedBeforeProof(t *testing.T) {
	tr := &trace{}
	caller := &fakeCaller{tr: tr}
	enforcer := budget.NewSimpleEnforcer(budget.NewMemoryStorage(), 2000, 2000)
	e := newExecutor(&fakeProducer{tr: tr}, caller, payment.WithBudget(enforcer))

	_, err := e.PayAndCall(context.Background(), payment.Request{Sender: "alice", Endpoint: payment.EndpointStatement})
	assert.ErrorIs(t, err, payment.ErrBudgetDenied)
	assert.Empty(t, tr.events)
}

func TestPayAndCall_FailedProofReleasesBudget(t *testing.T) {
	tr := &trace{}
	caller := &fakeCaller{tr: tr, body: []byte(`{}`)}
	producer := &fakeProducer{tr: tr, err: errors.New("rpc down")}
	enforcer := budget.NewSimpleEnforcer(budget.NewMemoryStorage(), 1000, 1000)
	e := newExecutor(producer, caller, payment.WithBudget(enforcer))
	req := payment.Request{Sender: "alice", Endpoint: payment.EndpointVerify}

	_, err := e.PayAndCall(context.Background(), req)
	require.ErrorIs(t, err, payment.ErrProofFailed)

	producer.err = nil
	_, err = e.PayAndCall(context.Background(), req)
	require.NoError(t, err)

	b, err := enforcer.GetBudget(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.DailyUsed)
	assert.Equal(t, int64(1000), b.MonthlyUsed)
}

func TestPayAndCall_ReusedProofReleasesBudget(t *testing.T) {
	tr := &trace{}
	caller := &fakeCaller{tr: tr, body: []byte(`{}`)}
	enforcer := budget.NewSimpleEnforcer(budget.NewMemoryStorage(), 5000, 5000)
	e := newExecutor(&fakeProducer{tr: tr, txHash: "0xsame"}, caller, payment.WithBudget(enforcer))
	req := payment.Request{Sender: "alice", Endpoint: payment.EndpointVerify}

	_, err := e.PayAndCall(context.Background(), req)
	require.NoError(t, err)
	_, err = e.PayAndCall(context.Background(), req)
	require.ErrorIs(t, err, payment.ErrProofReused)

	b, err := enforcer.GetBudget(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.DailyUsed)
}

func TestPayAndCall_PendingPaymentKeepsReservation(t *testing.T) {
	tr := &trace{}
	pending := fmt.Errorf("%w: 0xabc", payment.ErrPaymentPending)
	enforcer := budget.NewSimpleEnforcer(budget.NewMemoryStorage(), 1000, 1000)
	e := newExecutor(&fakeProducer{tr: tr, err: pending}, &fakeCaller{tr: tr}, payment.WithBudget(enforcer))

	_, err := e.PayAndCall(context.Background(), payment.Request{Sender: "alice", Endpoint: payment.EndpointVerify})
	assert.ErrorIs(t, err, payment.ErrPaymentPending)

	b, err := enforcer.GetBudget(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.DailyUsed)
}

func TestPayAndCall_PriceMismatch(t *testing.T) {
	tr := &trace{}
	caller := &fakeCaller{tr: tr}
	underpay := payment.ProducerFunc(func(_ context.Context, price payment.Price) (*payment.Proof, error) {
		return &payment.Proof{TxHash: "0x1", Amount: decimal.RequireFromString("0.0001"), Recipient: "0xr", Currency: price.Currency, Chain: "base"}, nil
	})
	e := newExecutor(underpay, caller)

	_, err := e.PayAndCall(context.Background(), payment.Request{Endpoint: payment.EndpointVerify})
	assert.ErrorIs(t, err, payment.ErrPriceMismatch)
	assert.Empty(t, caller.headers)
}

func TestPayAndCall_UnknownEndpoint(t *testing.T) {
	tr := &trace{}
	e := newExecutor(&fakeProducer{tr: tr}, &fakeCaller{tr: tr})
	_, err := e.PayAndCall(context.Background(), payment.Request{Endpoint: "/v1/free"})
	assert.ErrorIs(t, err, payment.ErrUnknownEndpoint)
	assert.Empty(t, tr.events)
}
