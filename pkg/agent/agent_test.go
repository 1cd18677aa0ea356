package agent

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isomw/proofgate/pkg/action"
	"github.com/isomw/proofgate/pkg/api"
	"github.com/isomw/proofgate/pkg/isomw"
	"github.com/isomw/proofgate/pkg/ledger"
	"github.com/isomw/proofgate/pkg/payment"
	"github.com/isomw/proofgate/pkg/receipts"
)

type sent struct{ to, text string }

type fakeTransport struct {
	mu    sync.Mutex
	self  string
	in    []Message
	sent  []sent
	acked []string
}

func (t *fakeTransport) Receive(ctx context.Context) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.in) == 0 {
		return Message{}, ErrClosed
	}
	m := t.in[0]
	t.in = t.in[1:]
	return m, nil
}

func (t *fakeTransport) Send(_ context.Context, to, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sent{to, text})
	return nil
}

func (t *fakeTransport) Self() string { return t.self }

func (t *fakeTransport) Ack(_ context.Context, m Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked = append(t.acked, m.ID)
	return nil
}

func (t *fakeTransport) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return ""
	}
	return t.sent[len(t.sent)-1].text
}

type fakeBackend struct {
	listLimit int
	calls     int
	page      *receipts.Page
	receipt   *receipts.Receipt
	err       error
	panics    bool
}

func (b *fakeBackend) ListReceipts(_ context.Context, limit int) (*receipts.Page, error) {
	b.calls++
	b.listLimit = limit
	if b.panics {
		panic("list exploded")
	}
	return b.page, b.err
}

func (b *fakeBackend) GetReceipt(_ context.Context, id string) (*receipts.Receipt, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.receipt, nil
}

type callerFunc func(ctx context.Context, endpoint, header string, body any) ([]byte, error)

func (f callerFunc) CallPremium(ctx context.Context, endpoint, header string, body any) ([]byte, error) {
	return f(ctx, endpoint, header, body)
}

func proofFor(tx string) payment.ProducerFunc {
	return func(_ context.Context, price payment.Price) (*payment.Proof, error) {
		return &payment.Proof{TxHash: tx, Amount: price.Amount, Recipient: "0xrecipient", Currency: price.Currency, Chain: "base"}, nil
	}
}

func newAgent(t *testing.T, tr *fakeTransport, b Backend, p Payer, opts ...Option) *Agent {
	t.Helper()
	if tr.self == "" {
		tr.self = "0xagent"
	}
	return New(tr, &action.Resolver{Mode: action.ModeSimple}, b, p, opts...)
}

func msg(id, text string) Message {
	return Message{ID: id, Sender: "0xalice", Text: text, ReceivedAt: time.Now()}
}

func TestHelp(t *testing.T) {
	tr := &fakeTransport{}
	a := newAgent(t, tr, &fakeBackend{}, nil)

	a.Handle(context.Background(), msg("1", "help"))

	reply := tr.last()
	assert.Contains(t, reply, "Free Commands")
	assert.Contains(t, reply, "Verify evidence bundle (0.001 USDC)")
	assert.Contains(t, reply, "Initiate refund (0.003 USDC)")
	assert.Equal(t, []string{"1"}, tr.acked)
}

func TestInvalidInputNeverReachesBackend(t *testing.T) {
	for _, text := range []string{"", "what is this", "list notanumber", "list 0", "statement yesterday", "verify not-a-url"} {
		t.Run(text, func(t *testing.T) {
			tr := &fakeTransport{}
			b := &fakeBackend{}
			a := newAgent(t, tr, b, nil)

			a.Handle(context.Background(), msg("1", text))

			assert.Equal(t, 0, b.calls)
			assert.True(t, strings.HasPrefix(tr.last(), "❌ "), tr.last())
		})
	}
}

func TestInvalidCommandReply(t *testing.T) {
	tr := &fakeTransport{}
	a := newAgent(t, tr, &fakeBackend{}, nil)
	a.Handle(context.Background(), msg("1", "dance"))
	assert.Equal(t, invalidCommandReply, tr.last())
}

func TestList(t *testing.T) {
	created := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)
	b := &fakeBackend{page: &receipts.Page{Items: []receipts.Receipt{{
		ID: "r-1", Reference: "INV-1", Amount: decimal.RequireFromString("12.5"), Currency: "USDC",
		Status: receipts.StatusAnchored, CreatedAt: created,
	}}}}
	tr := &fakeTransport{}
	a := newAgent(t, tr, b, nil)

	a.Handle(context.Background(), msg("1", "LIST 5"))

	assert.Equal(t, 5, b.listLimit)
	reply := tr.last()
	assert.Contains(t, reply, "📋 **Recent Receipts** (1):")
	assert.Contains(t, reply, "ID: `r-1`")
	assert.Contains(t, reply, "Amount: 12.5 USDC")
	assert.Contains(t, reply, "Created: 2026-01-20 10:00:00 UTC")
}

func TestListEmpty(t *testing.T) {
	tr := &fakeTransport{}
	b := &fakeBackend{page: &receipts.Page{}}
	a := newAgent(t, tr, b, nil)

	a.Handle(context.Background(), msg("1", "list"))

	assert.Equal(t, 10, b.listLimit)
	assert.Equal(t, "📭 No receipts found.", tr.last())
}

func TestGetShowsAnchorFields(t *testing.T) {
	anchored := time.Date(2026, 1, 21, 8, 30, 0, 0, time.UTC)
	b := &fakeBackend{receipt: &receipts.Receipt{
		ID: "r-1", Status: receipts.StatusAnchored, Amount: decimal.NewFromInt(3), Currency: "USDC",
		AnchoredAt: &anchored, BundleHash: "0xabc",
	}}
	tr := &fakeTransport{}
	a := newAgent(t, tr, b, nil)

	a.Handle(context.Background(), msg("1", "get r-1"))

	reply := tr.last()
	assert.Contains(t, reply, "🧾 **Receipt Details**")
	assert.Contains(t, reply, "**Anchored:** 2026-01-21 08:30:00 UTC")
	assert.Contains(t, reply, "**Bundle Hash:** `0xabc`")
}

func TestGetBackendError(t *testing.T) {
	b := &fakeBackend{err: &isomw.APIError{
		Method: http.MethodGet, Endpoint: "/v1/iso/receipts/nope",
		Problem: &api.ProblemDetail{Status: 404, Title: "Not Found", Detail: "receipt_not_found"},
	}}
	tr := &fakeTransport{}
	a := newAgent(t, tr, b, nil)

	a.Handle(context.Background(), msg("1", "get nope"))

	assert.Equal(t, "❌ Failed to get receipt: /v1/iso/receipts/nope returned 404: receipt_not_found", tr.last())
}

func TestVerifyPaysThenCalls(t *testing.T) {
	store := ledger.NewMemoryStore()
	var gotHeader string
	caller := callerFunc(func(_ context.Context, endpoint, header string, body any) ([]byte, error) {
		assert.Equal(t, payment.EndpointVerify, endpoint)
		assert.Equal(t, isomw.VerifyRequest{BundleURL: "https://ipfs.io/ipfs/Qm1"}, body)
		gotHeader = header
		return []byte(`{"valid":true,"bundle_hash":"0xfeed","chains":["flare","base"]}`), nil
	})
	exec := payment.NewExecutor(proofFor("0xtx1"), caller, payment.DefaultPrices("USDC"), payment.WithLedger(store))
	tr := &fakeTransport{}
	a := newAgent(t, tr, &fakeBackend{}, exec)

	a.Handle(context.Background(), msg("1", "verify https://ipfs.io/ipfs/Qm1"))

	require.Len(t, tr.sent, 2)
	assert.Equal(t, "⏳ Verifying bundle (paying 0.001 USDC)...", tr.sent[0].text)
	reply := tr.sent[1].text
	assert.Contains(t, reply, "✅ **Verification Complete**")
	assert.Contains(t, reply, "**Valid:** ✓ Yes")
	assert.Contains(t, reply, "**Chains:** flare, base")
	assert.Contains(t, reply, "💰 **Payment:** 0.001 USDC paid")

	proof, err := payment.ParseHeader(gotHeader)
	require.NoError(t, err)
	assert.Equal(t, "0xtx1", proof.TxHash)

	entry, err := store.Get(context.Background(), "0xtx1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFulfilled, entry.Status)
}

func TestProofFailureSkipsCall(t *testing.T) {
	called := false
	caller := callerFunc(func(context.Context, string, string, any) ([]byte, error) {
		called = true
		return nil, nil
	})
	producer := payment.ProducerFunc(func(context.Context, payment.Price) (*payment.Proof, error) {
		return nil, errors.New("insufficient funds for gas")
	})
	tr := &fakeTransport{}
	a := newAgent(t, tr, &fakeBackend{}, payment.NewExecutor(producer, caller, payment.DefaultPrices("USDC")))

	a.Handle(context.Background(), msg("1", "statement 2026-01-20"))

	assert.False(t, called)
	assert.Equal(t, "❌ Statement generation failed: payment could not be completed, no call was made", tr.last())
}

func TestRejectedCallReportsSpentPayment(t *testing.T) {
	caller := callerFunc(func(context.Context, string, string, any) ([]byte, error) {
		return nil, &isomw.APIError{
			Method: http.MethodPost, Endpoint: payment.EndpointRefund,
			Problem: &api.ProblemDetail{Status: 409, Title: "Conflict", Detail: "receipt_not_refundable"},
		}
	})
	tr := &fakeTransport{}
	a := newAgent(t, tr, &fakeBackend{}, payment.NewExecutor(proofFor("0xtx9"), caller, payment.DefaultPrices("USDC")))

	a.Handle(context.Background(), msg("1", "refund r-1 duplicate payment"))

	reply := tr.last()
	assert.True(t, strings.HasPrefix(reply, "❌ Refund failed: /v1/x402/premium/refund returned 409: receipt_not_refundable"), reply)
	assert.Contains(t, reply, "`0xtx9` was spent")
}

func TestRefundSendsReversal(t *testing.T) {
	caller := callerFunc(func(_ context.Context, _ string, _ string, body any) ([]byte, error) {
		assert.Equal(t, isomw.RefundRequest{ReceiptID: "r-1", Reason: action.DefaultReason, ReturnMethod: "REVERSAL"}, body)
		return []byte(`{"refund_receipt_id":"r-2","return_method":"REVERSAL","status":"pending","pacs004_path":"/files/r-2.xml"}`), nil
	})
	tr := &fakeTransport{}
	a := newAgent(t, tr, &fakeBackend{}, payment.NewExecutor(proofFor("0xtx2"), caller, payment.DefaultPrices("USDC")))

	a.Handle(context.Background(), msg("1", "refund r-1"))

	reply := tr.last()
	assert.Contains(t, reply, "**Refund Receipt:** `r-2`")
	assert.Contains(t, reply, "**pacs.004:** /files/r-2.xml")
	assert.Contains(t, reply, "**Reason:** Customer request")
}

func TestPremiumWithoutPayer(t *testing.T) {
	tr := &fakeTransport{}
	a := newAgent(t, tr, &fakeBackend{}, nil)
	a.Handle(context.Background(), msg("1", "verify https://example.com/b.zip"))
	assert.Equal(t, "❌ Verification failed: paid commands are not enabled on this agent", tr.last())
}

func TestPanicIsRecovered(t *testing.T) {
	tr := &fakeTransport{}
	a := newAgent(t, tr, &fakeBackend{panics: true}, nil)

	a.Handle(context.Background(), msg("1", "list"))

	assert.True(t, strings.HasPrefix(tr.last(), "❌ Error:"))
	assert.Equal(t, []string{"1"}, tr.acked)
}

func TestRunSkipsSelfAndStopsWhenClosed(t *testing.T) {
	tr := &fakeTransport{self: "0xAgent", in: []Message{
		{ID: "1", Sender: "0xagent", Text: "help"},
		{ID: "2", Sender: "0xbob", Text: "help"},
		{ID: "3", Sender: "", Text: "help"},
	}}
	a := newAgent(t, tr, &fakeBackend{}, nil)

	require.NoError(t, a.Run(context.Background()))

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "0xbob", tr.sent[0].to)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, tr.acked)
}

func TestSenderRateLimit(t *testing.T) {
	tr := &fakeTransport{}
	b := &fakeBackend{page: &receipts.Page{}}
	a := newAgent(t, tr, b, nil, WithSenderRate(1))

	a.Handle(context.Background(), msg("1", "list"))
	a.Handle(context.Background(), msg("2", "list"))

	assert.Equal(t, 1, b.calls)
	assert.Contains(t, tr.last(), "Too many requests")
}

func TestSenderLimiterRefillsAndPrunes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newSenderLimiter(2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "buckets are per sender")

	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("a"))

	now = now.Add(time.Hour)
	l.Allow("c")
	assert.NotContains(t, l.senders, "b")

	disabled := newSenderLimiter(0)
	assert.True(t, disabled.Allow("a"))
}
