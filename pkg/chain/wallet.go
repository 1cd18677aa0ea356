package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidKey        = errors.New("chain: invalid private key")
	ErrInvalidBundleHash = errors.New("chain: bundle hash must be 0x + 64 hex")
	ErrTxReverted        = errors.New("chain: transaction reverted")
	ErrLogMissing        = errors.New("chain: expected event not found in receipt")
	ErrInvalidAmount     = errors.New("chain: amount not representable in token units")
	ErrTxPending         = errors.New("chain: transaction submitted but not mined")
)

const (
	minTip      = 2_000_000_000 // 2 gwei
	fallbackGas = 200_000
)

// Backend is the RPC surface a Wallet needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Wallet signs and submits EIP-1559 transactions from a single key and waits
// for them to be mined. One transaction per key is in flight at a time, across
// every wallet derived with WithBackend.
type Wallet struct {
	mu      *sync.Mutex
	key     *ecdsa.PrivateKey
	from    common.Address
	backend Backend
	logger  *slog.Logger
}

// NewWallet loads a hex private key (with or without 0x).
func NewWallet(hexKey string, backend Backend) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		// The key material must not reach logs or replies.
		return nil, ErrInvalidKey
	}
	return &Wallet{
		mu:      new(sync.Mutex),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		backend: backend,
		logger:  slog.Default().With("component", "wallet"),
	}, nil
}

func (w *Wallet) Address() common.Address { return w.from }

// WithBackend returns a wallet using the same key against another chain.
func (w *Wallet) WithBackend(b Backend) *Wallet {
	return &Wallet{mu: w.mu, key: w.key, from: w.from, backend: b, logger: w.logger}
}

// Send submits a call to `to` with calldata and waits for the receipt. A
// reverted transaction returns ErrTxReverted together with the receipt.
func (w *Wallet) Send(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, err := w.buildTx(ctx, to, data)
	if err != nil {
		return nil, err
	}
	chainID := tx.ChainId()
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	hash := signed.Hash().Hex()
	w.logger.InfoContext(ctx, "transaction submitted", "tx", hash, "to", to.Hex(), "chain_id", chainID)

	receipt, err := bind.WaitMined(ctx, w.backend, signed)
	if err != nil {
		// The transaction may still land; keep the hash for reconciliation.
		w.logger.WarnContext(ctx, "transaction not mined", "tx", hash, "to", to.Hex(), "chain_id", chainID, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrTxPending, hash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, receipt.TxHash.Hex())
	}
	return receipt, nil
}

func (w *Wallet) buildTx(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	chainID, err := w.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil || tip.Cmp(big.NewInt(minTip)) < 0 {
		tip = big.NewInt(minTip)
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &to, Data: data})
	if err != nil {
		gas = fallbackGas
	} else {
		gas = gas * 12 / 10
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	}), nil
}
