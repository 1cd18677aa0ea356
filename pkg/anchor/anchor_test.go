package anchor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isomw/proofgate/pkg/anchor"
	"github.com/isomw/proofgate/pkg/api"
	"github.com/isomw/proofgate/pkg/receipts"
	"github.com/isomw/proofgate/pkg/retry"
)

var validHash = "0x" + strings.Repeat("ab", 32)

const (
	contractA = "0x0690d8cFb1897c12B2C0b34660edBDE4E20ff4d8"
	contractB = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

type fakeBackend struct {
	mu        sync.Mutex
	receipts  map[string]*receipts.Receipt
	config    *anchor.ProjectConfig
	configErr error
	confirms  []anchor.Proof
	// onGet lets a test change state between polls.
	onGet func(r *receipts.Receipt, n int)
	gets  int
}

func (b *fakeBackend) GetReceipt(_ context.Context, id string) (*receipts.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[id]
	if !ok {
		return nil, api.DecodeProblem(404, []byte(`{"detail":"receipt_not_found"}`))
	}
	b.gets++
	if b.onGet != nil {
		b.onGet(r, b.gets)
	}
	cp := *r
	return &cp, nil
}

func (b *fakeBackend) GetProjectConfig(context.Context, string) (*anchor.ProjectConfig, error) {
	if b.configErr != nil {
		return nil, b.configErr
	}
	return b.config, nil
}

func (b *fakeBackend) ConfirmAnchor(_ context.Context, p anchor.Proof) (*anchor.Confirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirms = append(b.confirms, p)
	r, ok := b.receipts[p.ReceiptID]
	if !ok {
		return nil, api.DecodeProblem(404, nil)
	}
	if !r.Status.IsPreAnchor() {
		return nil, api.DecodeProblem(409, []byte(`{"detail":"invalid_status_transition"}`))
	}
	now := time.Now().UTC()
	r.Status = receipts.StatusAnchored
	r.FlareTxID = p.TxID
	r.AnchoredAt = &now
	return &anchor.Confirmation{ReceiptID: r.ID, Status: r.Status, FlareTxID: p.TxID, AnchoredAt: &now}, nil
}

type fakeAnchorer struct {
	calls []string
	err   error
}

func (a *fakeAnchorer) Anchor(_ context.Context, c anchor.ChainConfig, hash string) (string, error) {
	a.calls = append(a.calls, c.Name+":"+hash)
	if a.err != nil {
		return "", a.err
	}
	return "0xtx-" + c.Name, nil
}

func tenantConfig(chains ...anchor.ChainConfig) *anchor.ProjectConfig {
	return &anchor.ProjectConfig{Anchoring: anchor.AnchoringConfig{ExecutionMode: anchor.ModeTenant, Chains: chains}}
}

func newBackend(r receipts.Receipt, cfg *anchor.ProjectConfig) *fakeBackend {
	return &fakeBackend{receipts: map[string]*receipts.Receipt{r.ID: &r}, config: cfg}
}

func TestValidBundleHash(t *testing.T) {
	assert.True(t, anchor.ValidBundleHash(validHash))
	assert.True(t, anchor.ValidBundleHash("0x"+strings.Repeat("AB", 32)))
	assert.False(t, anchor.ValidBundleHash(""))
	assert.False(t, anchor.ValidBundleHash(strings.Repeat("ab", 32)))
	assert.False(t, anchor.ValidBundleHash("0x"+strings.Repeat("ab", 31)))
	assert.False(t, anchor.ValidBundleHash("0x"+strings.Repeat("zz", 32)))
}

func TestProjectConfig_Validate(t *testing.T) {
	assert.NoError(t, (&anchor.ProjectConfig{Anchoring: anchor.AnchoringConfig{ExecutionMode: anchor.ModePlatform}}).Validate())
	assert.NoError(t, tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA}).Validate())
	assert.ErrorIs(t, tenantConfig().Validate(), anchor.ErrNoChains)
	assert.ErrorIs(t, tenantConfig(anchor.ChainConfig{Name: "flare", Contract: "nope"}).Validate(), anchor.ErrMissingContract)
	assert.NoError(t, (&anchor.ProjectConfig{}).Validate(), "unset mode is platform")
	assert.Equal(t, anchor.ModePlatform, anchor.AnchoringConfig{}.Mode())
	assert.ErrorIs(t, (&anchor.ProjectConfig{Anchoring: anchor.AnchoringConfig{ExecutionMode: "custodial"}}).Validate(), anchor.ErrInvalidMode)
	assert.Error(t, tenantConfig(
		anchor.ChainConfig{Name: "flare", Contract: contractA},
		anchor.ChainConfig{Name: "FLARE", Contract: contractB},
	).Validate())
}

func TestSelectChain(t *testing.T) {
	one := tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA})
	two := tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA}, anchor.ChainConfig{Name: "base", Contract: contractB})

	c, err := one.SelectChain("", "")
	require.NoError(t, err)
	assert.Equal(t, "flare", c.Name)

	c, err = two.SelectChain("BASE", "")
	require.NoError(t, err)
	assert.Equal(t, "base", c.Name)

	c, err = two.SelectChain("", "Flare")
	require.NoError(t, err)
	assert.Equal(t, "flare", c.Name)

	_, err = two.SelectChain("", "")
	assert.ErrorIs(t, err, anchor.ErrChainRequired)

	_, err = two.SelectChain("solana", "")
	assert.ErrorIs(t, err, anchor.ErrUnknownChain)
}

func TestExplorerTxURL(t *testing.T) {
	c := anchor.ChainConfig{ExplorerBaseURL: "https://flare-explorer.flare.network/"}
	assert.Equal(t, "https://flare-explorer.flare.network/tx/0xabc", c.ExplorerTxURL("0xabc"))
	assert.Empty(t, anchor.ChainConfig{}.ExplorerTxURL("0xabc"))
}

func TestConfirm_TenantHappyPath(t *testing.T) {
	b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor, BundleHash: validHash},
		tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA, ExplorerBaseURL: "https://x"}))
	a := &fakeAnchorer{}
	w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(a))

	res, err := w.Confirm(context.Background(), "r1", anchor.Options{})
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusAnchored, res.Status)
	assert.Equal(t, "0xtx-flare", res.AnchorTxID)
	require.NotNil(t, res.AnchoredAt)
	assert.Equal(t, []string{"flare:" + validHash}, a.calls)
	require.Len(t, b.confirms, 1)
	assert.Equal(t, anchor.Proof{ReceiptID: "r1", Chain: "flare", TxID: "0xtx-flare"}, b.confirms[0])
	assert.Equal(t, "https://x/tx/0xtx-flare", res.Chains[0].ExplorerURL)
}

func TestConfirm_PendingIsPreAnchor(t *testing.T) {
	b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusPending, BundleHash: validHash},
		tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA}))
	w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(&fakeAnchorer{}))

	res, err := w.Confirm(context.Background(), "r1", anchor.Options{})
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusAnchored, res.Status)
}

func TestConfirm_BadBundleHashAbortsBeforeChainCall(t *testing.T) {
	for _, hash := range []string{"", "0x1234", strings.Repeat("ab", 32)} {
		b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor, BundleHash: hash},
			tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA}))
		a := &fakeAnchorer{}
		w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(a))

		_, err := w.Confirm(context.Background(), "r1", anchor.Options{})
		assert.ErrorIs(t, err, anchor.ErrMissingBundleHash)
		assert.Equal(t, "receipt_missing_bundle_hash", anchor.ErrMissingBundleHash.Error())
		assert.Empty(t, a.calls)
		assert.Empty(t, b.confirms)
	}
}

func TestConfirm_MissingConfig(t *testing.T) {
	b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor, BundleHash: validHash}, nil)
	b.configErr = api.DecodeProblem(404, nil)
	w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(&fakeAnchorer{}))

	_, err := w.Confirm(context.Background(), "r1", anchor.Options{})
	assert.ErrorIs(t, err, anchor.ErrMissingConfig)
	assert.ErrorIs(t, err, api.ErrNotFound)

	b.configErr = nil
	_, err = w.Confirm(context.Background(), "r1", anchor.Options{})
	assert.ErrorIs(t, err, anchor.ErrMissingConfig)
}

func TestConfirm_ConfigLoadErrorsKeepTheirCategory(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want error
	}{
		{api.DecodeProblem(401, nil), api.ErrUnauthorized},
		{api.DecodeProblem(403, nil), api.ErrForbidden},
		{api.DecodeProblem(503, nil), api.ErrUnavailable},
		{context.DeadlineExceeded, context.DeadlineExceeded},
	} {
		b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor, BundleHash: validHash}, nil)
		b.configErr = tc.err
		w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(&fakeAnchorer{}))

		_, err := w.Confirm(context.Background(), "r1", anchor.Options{})
		assert.ErrorIs(t, err, tc.want)
		assert.NotErrorIs(t, err, anchor.ErrMissingConfig, "%v", tc.err)
	}
}

func TestConfirm_TenantRequiresSigner(t *testing.T) {
	b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor, BundleHash: validHash},
		tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA}))
	w := anchor.NewWorkflow(b, "p1")

	_, err := w.Confirm(context.Background(), "r1", anchor.Options{})
	assert.ErrorIs(t, err, anchor.ErrNoSigner)
}

func TestConfirm_RejectsAnchoredReceipt(t *testing.T) {
	now := time.Now()
	for _, st := range []receipts.Status{receipts.StatusAnchored, receipts.StatusRefunded, receipts.StatusFailed} {
		r := receipts.Receipt{ID: "r1", Status: st, BundleHash: validHash}
		if st == receipts.StatusAnchored {
			r.AnchoredAt = &now
		}
		b := newBackend(r, tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA}))
		a := &fakeAnchorer{}
		w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(a))

		_, err := w.Confirm(context.Background(), "r1", anchor.Options{})
		assert.ErrorIs(t, err, anchor.ErrNotPreAnchor, "status %s", st)
		assert.Empty(t, a.calls)
	}
}

func TestConfirm_ChainSelection(t *testing.T) {
	cfg := tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA}, anchor.ChainConfig{Name: "base", Contract: contractB})

	b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor, BundleHash: validHash}, cfg)
	_, err := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(&fakeAnchorer{})).Confirm(context.Background(), "r1", anchor.Options{})
	assert.ErrorIs(t, err, anchor.ErrChainRequired)

	b = newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor, BundleHash: validHash}, cfg)
	a := &fakeAnchorer{}
	_, err = anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(a)).Confirm(context.Background(), "r1", anchor.Options{Chain: "base"})
	require.NoError(t, err)
	assert.Equal(t, []string{"base:" + validHash}, a.calls)
}

func TestConfirm_AnchorFailureDoesNotSubmit(t *testing.T) {
	b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor, BundleHash: validHash},
		tenantConfig(anchor.ChainConfig{Name: "flare", Contract: contractA}))
	w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(&fakeAnchorer{err: errors.New("signer rejected")}))

	_, err := w.Confirm(context.Background(), "r1", anchor.Options{})
	assert.ErrorContains(t, err, "signer rejected")
	assert.Empty(t, b.confirms)
}

func TestConfirm_Platform(t *testing.T) {
	cfg := &anchor.ProjectConfig{Anchoring: anchor.AnchoringConfig{ExecutionMode: anchor.ModePlatform}}
	fast := retry.Policy{Name: "test", Base: time.Millisecond, Max: time.Millisecond}

	t.Run("anchored after polling", func(t *testing.T) {
		b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor}, cfg)
		b.onGet = func(r *receipts.Receipt, n int) {
			if n == 4 {
				at := time.Now()
				r.Status, r.FlareTxID, r.AnchoredAt = receipts.StatusAnchored, "0xplatform", &at
			}
		}
		a := &fakeAnchorer{}
		w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(a), anchor.WithPlatformPoll(fast, time.Second))

		res, err := w.Confirm(context.Background(), "r1", anchor.Options{})
		require.NoError(t, err)
		assert.Equal(t, receipts.StatusAnchored, res.Status)
		assert.Equal(t, "0xplatform", res.AnchorTxID)
		assert.Empty(t, a.calls, "platform mode never signs locally")
		assert.Empty(t, b.confirms)
	})

	t.Run("unset mode", func(t *testing.T) {
		b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor}, &anchor.ProjectConfig{})
		b.onGet = func(r *receipts.Receipt, n int) {
			if n == 2 {
				at := time.Now()
				r.Status, r.FlareTxID, r.AnchoredAt = receipts.StatusAnchored, "0xplatform", &at
			}
		}
		a := &fakeAnchorer{}
		w := anchor.NewWorkflow(b, "p1", anchor.WithAnchorer(a), anchor.WithPlatformPoll(fast, time.Second))

		res, err := w.Confirm(context.Background(), "r1", anchor.Options{})
		require.NoError(t, err)
		assert.Equal(t, anchor.ModePlatform, res.Mode)
		assert.Equal(t, receipts.StatusAnchored, res.Status)
		assert.Empty(t, a.calls)
	})

	t.Run("failed", func(t *testing.T) {
		b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor}, cfg)
		b.onGet = func(r *receipts.Receipt, n int) {
			if n == 2 {
				r.Status = receipts.StatusFailed
			}
		}
		w := anchor.NewWorkflow(b, "p1", anchor.WithPlatformPoll(fast, time.Second))
		_, err := w.Confirm(context.Background(), "r1", anchor.Options{})
		assert.ErrorIs(t, err, anchor.ErrAnchorFailed)
	})

	t.Run("timeout", func(t *testing.T) {
		b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor}, cfg)
		w := anchor.NewWorkflow(b, "p1", anchor.WithPlatformPoll(fast, 30*time.Millisecond))
		_, err := w.Confirm(context.Background(), "r1", anchor.Options{})
		assert.ErrorIs(t, err, anchor.ErrPlatformTimeout)
	})
}

func TestSubmit_ManualFallbackAndIdempotence(t *testing.T) {
	b := newBackend(receipts.Receipt{ID: "r1", Status: receipts.StatusAwaitingAnchor}, nil)
	w := anchor.NewWorkflow(b, "p1")
	proof := anchor.Proof{ReceiptID: "r1", Chain: "flare", TxID: "0xmanual"}

	res, err := w.Submit(context.Background(), proof)
	require.NoError(t, err)
	assert.Equal(t, receipts.StatusAnchored, res.Status)
	assert.Equal(t, "0xmanual", res.AnchorTxID)

	_, err = w.Submit(context.Background(), proof)
	assert.ErrorIs(t, err, api.ErrConflict)

	_, err = w.Submit(context.Background(), anchor.Proof{ReceiptID: "r1"})
	assert.ErrorIs(t, err, anchor.ErrInvalidProof)
}
