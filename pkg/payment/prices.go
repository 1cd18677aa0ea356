package payment

import "github.com/shopspring/decimal"

// Premium endpoint paths on the backend.
const (
	EndpointVerify    = "/v1/x402/premium/verify-bundle"
	EndpointStatement = "/v1/x402/premium/generate-statement"
	EndpointRefund    = "/v1/x402/premium/refund"
)

// Price is what the client advertises and pays for one premium call. The
// backend remains authoritative.
type Price struct {
	Amount   decimal.Decimal
	Currency string
}

func (p Price) String() string {
	return p.Amount.String() + " " + p.Currency
}

// PriceTable maps premium endpoints to their default price.
type PriceTable map[string]Price

// DefaultPrices returns the advertised per-action prices in currency.
func DefaultPrices(currency string) PriceTable {
	return PriceTable{
		EndpointVerify:    {Amount: decimal.RequireFromString("0.001"), Currency: currency},
		EndpointStatement: {Amount: decimal.RequireFromString("0.005"), Currency: currency},
		EndpointRefund:    {Amount: decimal.RequireFromString("0.003"), Currency: currency},
	}
}

// For returns the price for endpoint.
func (t PriceTable) For(endpoint string) (Price, bool) {
	p, ok := t[endpoint]
	return p, ok
}
