// Package orders creates purchase orders and drives them to a provider
// checkout. The pending row is persisted before any provider contact, so a
// provider failure never loses the order and a retry reuses the same trade
// number instead of minting a second order for one user action.
package orders

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/metrics"
	"github.com/beauty-lab/credit_service/internal/providers"
	"github.com/beauty-lab/credit_service/internal/storage"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

var (
	// ErrInvalidPlan is returned when amount and credits match no catalog
	// plan.
	ErrInvalidPlan = errors.New("no plan matches the requested amount and credits")
	// ErrInvalidMethod is returned for an unsupported payment method.
	ErrInvalidMethod = errors.New("unsupported payment method")
	// ErrOrderNotFound is returned when retrying an unknown trade number.
	ErrOrderNotFound = errors.New("order not found")
	// ErrNotRetryable is returned when retrying an order past pending.
	ErrNotRetryable = errors.New("order is no longer pending")
)

// tradePrefixes distinguish the provider at a glance in a trade number.
var tradePrefixes = map[order.Method]string{
	order.MethodStripe:    "ML",
	order.MethodCreem:     "CR",
	order.MethodAirwallex: "AW",
}

const tradeSuffixLen = 6

// Checkout is what the caller needs to send the user to payment.
type Checkout struct {
	TradeNo      string
	CheckoutURL  string
	ClientSecret string
}

// Service coordinates order creation against the payment providers.
type Service struct {
	orders   storage.OrderStore
	registry *providers.Registry
	plans    []order.Plan
	returns  string
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates an order coordinator. The plan catalog falls back to the
// built-in defaults when empty.
func NewService(store storage.OrderStore, registry *providers.Registry, plans []order.Plan, returnURL string, m *metrics.Metrics, log *logger.Logger) *Service {
	if len(plans) == 0 {
		plans = order.DefaultPlans()
	}
	if log == nil {
		log = logger.NewDefault("orders")
	}
	return &Service{
		orders:   store,
		registry: registry,
		plans:    plans,
		returns:  returnURL,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Plans returns the purchasable plan catalog.
func (s *Service) Plans() []order.Plan {
	out := make([]order.Plan, len(s.plans))
	copy(out, s.plans)
	return out
}

// Create persists a pending order and opens a provider checkout for it.
func (s *Service) Create(ctx context.Context, userID string, amountCents, credits int64, method order.Method) (Checkout, error) {
	if !method.Valid() {
		return Checkout{}, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	plan, ok := s.matchPlan(amountCents, credits)
	if !ok {
		return Checkout{}, fmt.Errorf("%w: %d cents for %d credits", ErrInvalidPlan, amountCents, credits)
	}
	adapter, err := s.registry.Get(method)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	tradeNo, err := s.newTradeNo(method)
	if err != nil {
		return Checkout{}, fmt.Errorf("generate trade number: %w", err)
	}
	ord := order.Order{
		TradeNo:     tradeNo,
		UserID:      userID,
		AmountCents: amountCents,
		Credits:     credits,
		Method:      method,
		Status:      order.StatusPending,
		CreatedAt:   s.now(),
	}
	if ord, err = s.orders.CreateOrder(ctx, ord); err != nil {
		return Checkout{}, fmt.Errorf("persist order: %w", err)
	}
	if s.metrics != nil {
		s.metrics.OrdersCreated.WithLabelValues(string(method)).Inc()
	}

	checkout, err := s.openCheckout(ctx, adapter, ord, plan)
	if err != nil {
		// The pending row stays; RetryIntent can reuse the trade number.
		s.log.WithError(err).WithField("tradeNo", tradeNo).Warn("checkout creation failed, order left pending")
		return Checkout{}, err
	}
	return checkout, nil
}

// RetryIntent reopens a provider checkout for a pending order whose original
// provider call failed, keeping the trade number stable.
func (s *Service) RetryIntent(ctx context.Context, tradeNo string) (Checkout, error) {
	ord, err := s.orders.GetOrder(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			return Checkout{}, ErrOrderNotFound
		}
		return Checkout{}, fmt.Errorf("load order: %w", err)
	}
	if ord.Status != order.StatusPending {
		return Checkout{}, fmt.Errorf("%w: %s", ErrNotRetryable, ord.Status)
	}
	adapter, err := s.registry.Get(ord.Method)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: %q", ErrInvalidMethod, ord.Method)
	}
	plan, ok := s.matchPlan(ord.AmountCents, ord.Credits)
	if !ok {
		// Plan removed from the catalog since creation; keep the stored name
		// generic rather than refusing the retry.
		plan = order.Plan{Name: fmt.Sprintf("%d credits", ord.Credits)}
	}
	return s.openCheckout(ctx, adapter, ord, plan)
}

// Get returns an order by trade number.
func (s *Service) Get(ctx context.Context, tradeNo string) (order.Order, error) {
	ord, err := s.orders.GetOrder(ctx, tradeNo)
	if errors.Is(err, storage.ErrOrderNotFound) {
		return order.Order{}, ErrOrderNotFound
	}
	return ord, err
}

func (s *Service) openCheckout(ctx context.Context, adapter providers.Adapter, ord order.Order, plan order.Plan) (Checkout, error) {
	intent, err := adapter.CreateIntent(ctx, providers.IntentRequest{
		TradeNo:     ord.TradeNo,
		UserID:      ord.UserID,
		AmountCents: ord.AmountCents,
		Credits:     ord.Credits,
		PlanName:    plan.Name,
		ReturnURL:   s.returns,
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("create provider checkout: %w", err)
	}
	if intent.ProviderRef != "" {
		if err := s.orders.SetProviderRef(ctx, ord.TradeNo, intent.ProviderRef); err != nil {
			return Checkout{}, fmt.Errorf("record provider reference: %w", err)
		}
	}
	s.log.WithField("tradeNo", ord.TradeNo).
		WithField("method", ord.Method).
		WithField("providerRef", intent.ProviderRef).
		Info("checkout opened")
	return Checkout{
		TradeNo:      ord.TradeNo,
		CheckoutURL:  intent.CheckoutURL,
		ClientSecret: intent.ClientSecret,
	}, nil
}

func (s *Service) matchPlan(amountCents, credits int64) (order.Plan, bool) {
	for _, p := range s.plans {
		if p.AmountCents == amountCents && p.Credits == credits {
			return p, true
		}
	}
	return order.Plan{}, false
}

// newTradeNo builds "<prefix><unix-ms><random-upper>".
func (s *Service) newTradeNo(method order.Method) (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, tradeSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = letters[int(buf[i])%len(letters)]
	}
	return fmt.Sprintf("%s%d%s", tradePrefixes[method], s.now().UnixMilli(), buf), nil
}
