package reconcile

import "errors"

var (
	// ErrOrderNotFound is returned when a confirmation names an unknown trade
	// number.
	ErrOrderNotFound = errors.New("order not found")
	// ErrAlreadyFailed is returned when confirming an order that terminated
	// in the failed state.
	ErrAlreadyFailed = errors.New("order already failed")
	// ErrUserUnknown is returned when an anonymous order settles with no user
	// to credit.
	ErrUserUnknown = errors.New("order has no resolvable user")
	// ErrCreditApply is returned when the balance increment could not be
	// applied; the order stays retryable.
	ErrCreditApply = errors.New("credit grant failed")
	// ErrProviderUnavailable wraps provider outages during verification.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)
