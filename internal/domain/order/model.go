// Package order defines purchase orders and their lifecycle.
package order

import "time"

// Method identifies the payment provider an order was created against.
type Method string

const (
	MethodStripe    Method = "stripe"
	MethodCreem     Method = "creem"
	MethodAirwallex Method = "airwallex"
)

// Valid reports whether the method names a supported provider.
func (m Method) Valid() bool {
	switch m {
	case MethodStripe, MethodCreem, MethodAirwallex:
		return true
	}
	return false
}

// Status is the order lifecycle state. Transitions are monotonic:
// pending -> {paid, completed, failed}, paid -> completed. completed and
// failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed from the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Order is one purchase attempt. TradeNo is the canonical identifier and is
// immutable after creation, as are AmountCents and Credits. Credits is added
// to the owning user's balance exactly once, on the transition to completed.
type Order struct {
	TradeNo     string
	UserID      string // may be empty until confirmation for anonymous checkout
	AmountCents int64
	Credits     int64
	Method      Method
	Status      Status
	ProviderRef string // checkout session / payment intent id at the provider
	CreatedAt   time.Time
	PaidAt      *time.Time
}

// Plan is a purchasable credit bundle. Orders are validated against the
// configured catalog at creation time.
type Plan struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	AmountCents int64  `yaml:"amount_cents"`
	Credits     int64  `yaml:"credits"`
}

// DefaultPlans mirrors the production recharge catalog.
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "plan_test", Name: "Beauty Lab - Test (1 Credit)", AmountCents: 100, Credits: 1},
		{ID: "plan_12", Name: "Beauty Lab - 12 Credits", AmountCents: 199, Credits: 12},
		{ID: "plan_30", Name: "Beauty Lab - 30 Credits", AmountCents: 399, Credits: 30},
	}
}
