package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/isomw/proofgate/pkg/anchor"
)

// ErrAnchorMismatch means the transaction exists but did not commit the
// expected bundle hash on the configured contract.
var ErrAnchorMismatch = errors.New("tx_does_not_match_bundle_hash")

// AnchorVerifier checks a reported anchor transaction against the chain, the
// way the backend does before accepting a confirm-anchor call.
type AnchorVerifier struct {
	dial       Dialer
	defaultRPC string

	mu      sync.Mutex
	clients map[string]Backend
}

func NewAnchorVerifier(dial Dialer, defaultRPC string) *AnchorVerifier {
	if dial == nil {
		dial = DialEthclient
	}
	return &AnchorVerifier{dial: dial, defaultRPC: defaultRPC, clients: make(map[string]Backend)}
}

// Verify returns the block time of txid when it is a successful transaction
// that emitted EvidenceAnchored(bundleHash) from c.Contract.
func (v *AnchorVerifier) Verify(ctx context.Context, c anchor.ChainConfig, txid, bundleHash string) (time.Time, error) {
	hash, err := ParseBundleHash(bundleHash)
	if err != nil {
		return time.Time{}, err
	}
	raw, err := hexutil.Decode(strings.TrimSpace(txid))
	if err != nil || len(raw) != common.HashLength {
		return time.Time{}, fmt.Errorf("%w: malformed txid", ErrAnchorMismatch)
	}
	if !common.IsHexAddress(c.Contract) {
		return time.Time{}, fmt.Errorf("%w: %q", anchor.ErrMissingContract, c.Contract)
	}

	b, err := v.backend(ctx, c.RPCURL)
	if err != nil {
		return time.Time{}, err
	}
	receipt, err := b.TransactionReceipt(ctx, common.BytesToHash(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("transaction receipt %s: %w", txid, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTxReverted, txid)
	}
	if !MatchAnchorLog(receipt.Logs, common.HexToAddress(c.Contract), hash) {
		return time.Time{}, ErrAnchorMismatch
	}

	header, err := b.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil || header.Time == 0 {
		return time.Now().UTC(), nil
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (v *AnchorVerifier) backend(ctx context.Context, rpcURL string) (Backend, error) {
	if rpcURL == "" {
		rpcURL = v.defaultRPC
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.clients[rpcURL]; ok {
		return b, nil
	}
	b, err := v.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	v.clients[rpcURL] = b
	return b, nil
}
