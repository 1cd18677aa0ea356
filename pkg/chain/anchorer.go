package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/isomw/proofgate/pkg/anchor"
)

// Dialer opens a backend for an RPC URL.
type Dialer func(ctx context.Context, rpcURL string) (Backend, error)

// DialEthclient is the default Dialer.
func DialEthclient(ctx context.Context, rpcURL string) (Backend, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// EvidenceAnchorer commits bundle hashes with anchorEvidence(bytes32) on the
// contract configured for each chain, signing with a local key.
type EvidenceAnchorer struct {
	wallet     *Wallet
	dial       Dialer
	defaultRPC string

	mu      sync.Mutex
	clients map[string]Backend
}

var _ anchor.Anchorer = (*EvidenceAnchorer)(nil)

// NewEvidenceAnchorer uses wallet's key for every chain. Chains without an
// rpc_url fall back to defaultRPC.
func NewEvidenceAnchorer(wallet *Wallet, dial Dialer, defaultRPC string) *EvidenceAnchorer {
	if dial == nil {
		dial = DialEthclient
	}
	return &EvidenceAnchorer{wallet: wallet, dial: dial, defaultRPC: defaultRPC, clients: make(map[string]Backend)}
}

// Anchor submits the commitment, waits for it to be mined, checks the
// EvidenceAnchored event and returns the transaction hash.
func (a *EvidenceAnchorer) Anchor(ctx context.Context, c anchor.ChainConfig, bundleHash string) (string, error) {
	hash, err := ParseBundleHash(bundleHash)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(c.Contract) {
		return "", fmt.Errorf("%w: %q", anchor.ErrMissingContract, c.Contract)
	}
	contract := common.HexToAddress(c.Contract)

	backend, err := a.backend(ctx, c.RPCURL)
	if err != nil {
		return "", err
	}
	data, err := PackAnchorEvidence(hash)
	if err != nil {
		return "", fmt.Errorf("pack anchorEvidence: %w", err)
	}

	receipt, err := a.wallet.WithBackend(backend).Send(ctx, contract, data)
	if err != nil {
		return "", err
	}
	if !MatchAnchorLog(receipt.Logs, contract, hash) {
		return "", fmt.Errorf("%w: EvidenceAnchored in %s", ErrLogMissing, receipt.TxHash.Hex())
	}
	return receipt.TxHash.Hex(), nil
}

func (a *EvidenceAnchorer) backend(ctx context.Context, rpcURL string) (Backend, error) {
	if rpcURL == "" {
		rpcURL = a.defaultRPC
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.clients[rpcURL]; ok {
		return b, nil
	}
	b, err := a.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	a.clients[rpcURL] = b
	return b, nil
}

// LogFilterer is the RPC surface FindAnchor needs.
type LogFilterer interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// FindAnchor searches the last lookback blocks for an EvidenceAnchored event
// committing bundleHash and returns the matching transaction hash.
func FindAnchor(ctx context.Context, f LogFilterer, contract common.Address, bundleHash [32]byte, lookback uint64) (string, bool, error) {
	latest, err := f.BlockNumber(ctx)
	if err != nil {
		return "", false, fmt.Errorf("block number: %w", err)
	}
	from := uint64(0)
	if latest > lookback {
		from = latest - lookback
	}
	logs, err := f.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{EvidenceAnchoredTopic}},
	})
	if err != nil {
		return "", false, fmt.Errorf("filter logs: %w", err)
	}
	for i := range logs {
		l := &logs[i]
		if MatchAnchorLog([]*types.Log{l}, contract, bundleHash) {
			return l.TxHash.Hex(), true, nil
		}
	}
	return "", false, nil
}
