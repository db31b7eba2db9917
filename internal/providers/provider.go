// Package providers defines the payment provider adapter boundary. Each
// adapter owns its provider's authentication and wire shapes; callers depend
// only on the generic interface below and the shared error values, so provider
// differences never leak into the reconciliation logic.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/beauty-lab/credit_service/internal/domain/order"
)

var (
	// ErrSignatureInvalid is returned when a webhook payload fails the
	// provider signature check. Callers must not change any state.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrQueryUnsupported is returned by adapters whose provider offers no
	// synchronous status lookup; confirmation must come via webhook.
	ErrQueryUnsupported = errors.New("status query not supported by provider")
	// ErrUnavailable wraps provider timeouts and 5xx responses.
	ErrUnavailable = errors.New("payment provider unavailable")
)

// PaymentStatus is the generic provider-side payment state.
type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "paid"
	StatusPending PaymentStatus = "pending"
	StatusFailed  PaymentStatus = "failed"
)

// IntentRequest describes a checkout to create at the provider. The trade
// number travels in provider metadata so webhooks can be matched back to the
// order.
type IntentRequest struct {
	TradeNo     string
	UserID      string
	AmountCents int64
	Credits     int64
	Currency    string
	PlanName    string
	ReturnURL   string
}

// Intent is the provider-side checkout handle.
type Intent struct {
	ProviderRef  string // session / payment intent id
	CheckoutURL  string // hosted page to redirect the user to, if any
	ClientSecret string // client-side confirmation secret, if the provider uses one
}

// Event is a verified webhook notification reduced to the fields the
// reconciler needs.
type Event struct {
	Type        string
	TradeNo     string
	ProviderRef string
	Status      PaymentStatus
}

// Adapter is implemented once per payment provider.
type Adapter interface {
	Method() order.Method

	// CreateIntent registers a checkout at the provider for an already
	// persisted pending order.
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)

	// VerifyWebhook authenticates a raw webhook delivery against the
	// provider's signature scheme and extracts the generic event. It never
	// touches stored state.
	VerifyWebhook(body []byte, headers http.Header) (Event, error)

	// QueryStatus asks the provider for the current payment state of a
	// checkout. Adapters without synchronous lookup return ErrQueryUnsupported.
	QueryStatus(ctx context.Context, providerRef string) (PaymentStatus, error)
}

// Registry resolves adapters by payment method.
type Registry struct {
	adapters map[order.Method]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[order.Method]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Method()] = a
	}
	return r
}

// Get returns the adapter for a method.
func (r *Registry) Get(method order.Method) (Adapter, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for method %q", method)
	}
	return a, nil
}

// Methods lists the registered payment methods.
func (r *Registry) Methods() []order.Method {
	out := make([]order.Method, 0, len(r.adapters))
	for m := range r.adapters {
		out = append(out, m)
	}
	return out
}
