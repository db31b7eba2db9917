// Package credit defines user balances and the append-only record of every
// balance change.
package credit

import "time"

// Balance is a user's spendable credit total. Credits never goes negative;
// every mutation happens through an atomic conditional increment in the store.
type Balance struct {
	UserID    string
	Credits   int64
	UpdatedAt time.Time
}

// Entry reason values.
const (
	ReasonOrder  = "order"
	ReasonRedeem = "redeem"
	ReasonSpend  = "spend"
	ReasonAdmin  = "admin"
)

// Entry records a single balance change together with the post-change total.
// Entries are written in the same store transaction as the balance mutation
// and are never updated or deleted.
type Entry struct {
	ID           string
	UserID       string
	Delta        int64
	BalanceAfter int64
	Reason       string // order, redeem, spend, admin
	Reference    string // trade number, redeem code, feature name
	CreatedAt    time.Time
}

// RedeemCode is a single-use grant of free credits.
type RedeemCode struct {
	Code       string
	Credits    int64
	RedeemedBy string
	RedeemedAt *time.Time
	CreatedAt  time.Time
}
