package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/isomw/proofgate/pkg/payment"
)

// DefaultUSDCBase is the USDC token contract on Base mainnet.
const DefaultUSDCBase = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

// DefaultBaseRPC is the public Base mainnet RPC endpoint.
const DefaultBaseRPC = "https://mainnet.base.org"

// TransferProducer pays for premium calls with an ERC-20 transfer and returns
// a proof only after the transfer is mined successfully.
type TransferProducer struct {
	Wallet    *Wallet
	Token     common.Address
	Decimals  int32
	Recipient common.Address
	ChainName string
}

var _ payment.Producer = (*TransferProducer)(nil)

// Produce transfers price.Amount of the token to the recipient.
func (p *TransferProducer) Produce(ctx context.Context, price payment.Price) (*payment.Proof, error) {
	units := price.Amount.Shift(p.Decimals)
	if !units.IsInteger() || !units.IsPositive() {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrInvalidAmount, price.Amount, p.Decimals)
	}

	data, err := erc20ABI.Pack("transfer", p.Recipient, units.BigInt())
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}

	receipt, err := p.Wallet.Send(ctx, p.Token, data)
	if errors.Is(err, ErrTxPending) {
		return nil, fmt.Errorf("%w: %w", payment.ErrPaymentPending, err)
	}
	if err != nil {
		return nil, err
	}
	if !matchTransferLog(receipt.Logs, p.Token, p.Recipient) {
		return nil, fmt.Errorf("%w: Transfer in %s", ErrLogMissing, receipt.TxHash.Hex())
	}

	return &payment.Proof{
		TxHash:    receipt.TxHash.Hex(),
		Amount:    price.Amount,
		Recipient: p.Recipient.Hex(),
		Currency:  price.Currency,
		Chain:     p.ChainName,
	}, nil
}
