package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Storage persists budgets. Get returns (nil, nil) for an unknown sender.
type Storage interface {
	Get(ctx context.Context, senderID string) (*Budget, error)
	Set(ctx context.Context, budget *Budget) error
	// Limits returns the sender's configured limits and whether any exist.
	Limits(ctx context.Context, senderID string) (daily, monthly int64, ok bool, err error)
	SetLimits(ctx context.Context, senderID string, daily, monthly int64) error
}

// SimpleEnforcer implements fail-closed budget enforcement.
type SimpleEnforcer struct {
	storage        Storage
	defaultDaily   int64
	defaultMonthly int64
	logger         *slog.Logger
	now            func() time.Time
}

// NewSimpleEnforcer creates an enforcer whose unknown senders start with the
// given limits (micro-units).
func NewSimpleEnforcer(s Storage, defaultDaily, defaultMonthly int64) *SimpleEnforcer {
	return &SimpleEnforcer{
		storage:        s,
		defaultDaily:   defaultDaily,
		defaultMonthly: defaultMonthly,
		logger:         slog.Default().With("component", "budget"),
		now:            time.Now,
	}
}

func (e *SimpleEnforcer) GetBudget(ctx context.Context, senderID string) (*Budget, error) {
	return e.storage.Get(ctx, senderID)
}

func (e *SimpleEnforcer) SetLimits(ctx context.Context, senderID string, daily, monthly int64) error {
	return e.storage.SetLimits(ctx, senderID, daily, monthly)
}

// Check verifies a cost can be incurred and reserves it.
func (e *SimpleEnforcer) Check(ctx context.Context, senderID string, cost Cost) (*Decision, error) {
	b, err := e.storage.Get(ctx, senderID)
	if err != nil {
		e.logger.ErrorContext(ctx, "budget check failed", "sender", senderID, "error", err)
		return e.deny(senderID, cost, "check failed", "internal_error", nil), err
	}

	// 1. Initialize from configured or default limits.
	if b == nil {
		daily, monthly, ok, err := e.storage.Limits(ctx, senderID)
		if err != nil {
			e.logger.ErrorContext(ctx, "budget limits fetch failed", "sender", senderID, "error", err)
			return e.deny(senderID, cost, "failed to fetch limits", "limit_fetch_error", nil), err
		}
		if !ok {
			daily, monthly = e.defaultDaily, e.defaultMonthly
		}
		b = &Budget{
			SenderID:     senderID,
			DailyLimit:   daily,
			MonthlyLimit: monthly,
			LastUpdated:  e.now().UTC(),
		}
	}

	// 2. Reset counters on a new UTC period.
	now := e.now().UTC()
	last := b.LastUpdated.UTC()
	if now.YearDay() != last.YearDay() || now.Year() != last.Year() {
		b.DailyUsed = 0
	}
	if now.Month() != last.Month() || now.Year() != last.Year() {
		b.MonthlyUsed = 0
	}

	// 3. Check limits.
	newDaily := b.DailyUsed + cost.Amount
	newMonthly := b.MonthlyUsed + cost.Amount

	if newDaily > b.DailyLimit {
		e.logger.WarnContext(ctx, "daily budget exceeded", "sender", senderID, "would_use", newDaily, "limit", b.DailyLimit)
		return e.deny(senderID, cost, fmt.Sprintf("daily limit exceeded: %d > %d", newDaily, b.DailyLimit), "daily_limit_exceeded", b), nil
	}
	if newMonthly > b.MonthlyLimit {
		e.logger.WarnContext(ctx, "monthly budget exceeded", "sender", senderID, "would_use", newMonthly, "limit", b.MonthlyLimit)
		return e.deny(senderID, cost, fmt.Sprintf("monthly limit exceeded: %d > %d", newMonthly, b.MonthlyLimit), "monthly_limit_exceeded", b), nil
	}

	// 4. Reserve.
	b.DailyUsed = newDaily
	b.MonthlyUsed = newMonthly
	b.LastUpdated = now

	if err := e.storage.Set(ctx, b); err != nil {
		e.logger.ErrorContext(ctx, "budget persist failed", "sender", senderID, "error", err)
		return e.deny(senderID, cost, "failed to persist usage", "persistence_error", nil), err
	}

	return &Decision{
		Allowed:   true,
		Reason:    "within limits",
		Remaining: b,
		Receipt:   e.createReceipt(senderID, "allowed", cost.Amount, "ok"),
	}, nil
}

// Release undoes a Check reservation. Usage from an earlier UTC day or month
// has already been reset, so only the current windows are credited.
func (e *SimpleEnforcer) Release(ctx context.Context, senderID string, cost Cost) error {
	b, err := e.storage.Get(ctx, senderID)
	if err != nil {
		return fmt.Errorf("release budget: %w", err)
	}
	if b == nil || cost.Amount <= 0 {
		return nil
	}

	now := e.now().UTC()
	last := b.LastUpdated.UTC()
	sameMonth := now.Year() == last.Year() && now.Month() == last.Month()
	if sameMonth && now.YearDay() == last.YearDay() {
		b.DailyUsed = max(b.DailyUsed-cost.Amount, 0)
	}
	if sameMonth {
		b.MonthlyUsed = max(b.MonthlyUsed-cost.Amount, 0)
	}

	if err := e.storage.Set(ctx, b); err != nil {
		e.logger.ErrorContext(ctx, "budget release failed", "sender", senderID, "error", err)
		return fmt.Errorf("release budget: %w", err)
	}
	return nil
}

func (e *SimpleEnforcer) deny(senderID string, cost Cost, reason, code string, b *Budget) *Decision {
	return &Decision{
		Allowed:   false,
		Reason:    reason,
		Remaining: b,
		Receipt:   e.createReceipt(senderID, "denied", cost.Amount, code),
	}
}

func (e *SimpleEnforcer) createReceipt(senderID, action string, cost int64, reason string) *EnforcementReceipt {
	return &EnforcementReceipt{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		Action:    action,
		Cost:      cost,
		Reason:    reason,
		Timestamp: e.now().UTC(),
	}
}
