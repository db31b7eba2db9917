// Package storage defines the persistence contracts for orders, balances and
// redeem codes. Orders are mutated only through the conditional-transition
// methods here, and balances only through atomic increments; no caller ever
// performs a read-modify-write of either.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/beauty-lab/credit_service/internal/domain/credit"
	"github.com/beauty-lab/credit_service/internal/domain/order"
)

var (
	// ErrOrderNotFound is returned when no order exists for a trade number.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists is returned on a duplicate trade number at creation.
	ErrOrderExists = errors.New("order already exists")
	// ErrUserNotFound is returned when a balance row does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserUnknown is returned when settling an anonymous order with no
	// caller-supplied user to attach it to.
	ErrUserUnknown = errors.New("order has no resolvable user")
	// ErrInsufficientCredits is returned when a debit would drive a balance
	// negative.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrCodeNotFound is returned for an unknown redeem code.
	ErrCodeNotFound = errors.New("redeem code not found")
	// ErrCodeAlreadyUsed is returned when a redeem code was claimed before.
	ErrCodeAlreadyUsed = errors.New("redeem code already used")
	// ErrRedeemThrottled is returned when a user already claimed a code in
	// the current calendar month.
	ErrRedeemThrottled = errors.New("redeem limit reached for this month")
)

// SettleResult reports the outcome of a settlement attempt.
type SettleResult struct {
	Order   order.Order
	Applied bool  // true only for the caller that performed the credit grant
	Balance int64 // post-grant balance, valid when Applied
}

// OrderStore persists purchase orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, ord order.Order) (order.Order, error)
	GetOrder(ctx context.Context, tradeNo string) (order.Order, error)

	// SetProviderRef records the provider-side checkout reference on a
	// pending order.
	SetProviderRef(ctx context.Context, tradeNo, providerRef string) error

	// MarkOrderPaid transitions pending -> paid. Orders already past pending
	// are returned unchanged.
	MarkOrderPaid(ctx context.Context, tradeNo string, paidAt time.Time) (order.Order, error)

	// FailOrder transitions {pending, paid} -> failed. The boolean reports
	// whether this call performed the transition; terminal orders are
	// returned unchanged.
	FailOrder(ctx context.Context, tradeNo string) (order.Order, bool, error)

	// SettleOrder performs the exactly-once completion: within one store
	// transaction it transitions {pending, paid} -> completed, atomically
	// adds the order's credits to the resolved user's balance and appends a
	// ledger entry. Concurrent callers for the same trade number are
	// serialized; exactly one observes Applied=true and the rest receive the
	// completed order with Applied=false. If the credit increment cannot be
	// applied the transition is rolled back and the order stays retryable.
	SettleOrder(ctx context.Context, tradeNo, fallbackUserID string, paidAt time.Time) (SettleResult, error)

	// ListPendingOrdersBefore returns pending orders created before the
	// cutoff, oldest first, for the expiry sweeper.
	ListPendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]order.Order, error)
}

// BalanceStore persists user credit balances and their change history.
type BalanceStore interface {
	// EnsureUser creates a zero balance when none exists.
	EnsureUser(ctx context.Context, userID string) (credit.Balance, error)
	GetBalance(ctx context.Context, userID string) (credit.Balance, error)

	// AdjustCredits applies delta as a single atomic increment and appends a
	// ledger entry in the same transaction. A negative delta that would take
	// the balance below zero fails with ErrInsufficientCredits and leaves the
	// balance untouched.
	AdjustCredits(ctx context.Context, userID string, delta int64, reason, reference string) (credit.Balance, error)

	// ListEntries returns the newest ledger entries for a user.
	ListEntries(ctx context.Context, userID string, limit int) ([]credit.Entry, error)
}

// RedeemStore persists redeem codes.
type RedeemStore interface {
	CreateRedeemCode(ctx context.Context, code credit.RedeemCode) (credit.RedeemCode, error)

	// ClaimRedeemCode marks a code as used by the given user. The claim is
	// conditional: a code is claimable once, and a user may claim at most one
	// code per calendar month.
	ClaimRedeemCode(ctx context.Context, code, userID string, now time.Time) (credit.RedeemCode, error)
}
