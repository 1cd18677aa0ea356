// Package budget caps how much a single sender can spend on premium actions.
// Checks fail closed: when the store cannot answer, the spend is denied.
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MicroUnits is the number of budget units per whole currency unit.
// USDC has six decimals, so one unit is one on-chain base unit.
const MicroUnits = 1_000_000

// ToMicro converts a currency amount to integer micro-units, rounding up so
// a budget never under-counts spend.
func ToMicro(amount decimal.Decimal) int64 {
	return amount.Shift(6).Ceil().IntPart()
}

// FromMicro converts micro-units back to a currency amount.
func FromMicro(units int64) decimal.Decimal {
	return decimal.New(units, -6)
}

// Cost is a spend about to be incurred.
type Cost struct {
	Amount   int64 // micro-units
	Currency string
	Reason   string
}

// Budget is a sender's limits and current usage, in micro-units.
type Budget struct {
	SenderID     string    `json:"sender_id"`
	DailyLimit   int64     `json:"daily_limit"`
	MonthlyLimit int64     `json:"monthly_limit"`
	DailyUsed    int64     `json:"daily_used"`
	MonthlyUsed  int64     `json:"monthly_used"`
	LastUpdated  time.Time `json:"last_updated"`
}

func (b *Budget) DailyRemaining() int64 {
	remaining := b.DailyLimit - b.DailyUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Budget) MonthlyRemaining() int64 {
	remaining := b.MonthlyLimit - b.MonthlyUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decision is the result of a budget check.
type Decision struct {
	Allowed   bool                `json:"allowed"`
	Reason    string              `json:"reason"`
	Remaining *Budget             `json:"remaining,omitempty"`
	Receipt   *EnforcementReceipt `json:"receipt,omitempty"`
}

// EnforcementReceipt records one allow/deny decision.
type EnforcementReceipt struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Action    string    `json:"action"` // "allowed" or "denied"
	Cost      int64     `json:"cost"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Enforcer checks and records spend per sender.
type Enforcer interface {
	// Check reserves cost against the sender's budget. Fails closed on errors.
	Check(ctx context.Context, senderID string, cost Cost) (*Decision, error)
	// Release returns a reservation made by Check for a spend that never
	// happened.
	Release(ctx context.Context, senderID string, cost Cost) error
	GetBudget(ctx context.Context, senderID string) (*Budget, error)
	SetLimits(ctx context.Context, senderID string, daily, monthly int64) error
}
