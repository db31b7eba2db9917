// Package reconcile converges orders onto their final state. Webhook events
// and manual confirmations both funnel into one transition algorithm, so a
// race between the two produces exactly one credit grant regardless of which
// trigger wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/metrics"
	"github.com/beauty-lab/credit_service/internal/providers"
	"github.com/beauty-lab/credit_service/internal/storage"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

// Result reports a reconciliation outcome to both triggers.
type Result struct {
	TradeNo string
	Status  order.Status
	Credits int64

	// Applied is true only for the caller whose settlement performed the
	// credit grant; a racing caller that lost sees the completed order with
	// Applied false.
	Applied bool

	// Balance is the post-grant balance, valid when Applied.
	Balance int64

	// PendingVerification marks a manual confirmation that could not be
	// checked against the provider and must wait for the webhook.
	PendingVerification bool
}

// Service reconciles order state against provider truth.
type Service struct {
	orders   storage.OrderStore
	registry *providers.Registry
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a reconciler.
func NewService(orders storage.OrderStore, registry *providers.Registry, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("reconcile")
	}
	return &Service{
		orders:   orders,
		registry: registry,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// HandleEvent applies a verified webhook event. Signature verification has
// already happened at ingress; the event's status decides the transition.
func (s *Service) HandleEvent(ctx context.Context, evt providers.Event) (Result, error) {
	log := s.log.WithField("tradeNo", evt.TradeNo).WithField("event", evt.Type)

	ord, err := s.orders.GetOrder(ctx, evt.TradeNo)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			s.count("webhook", "unknown_order")
			log.Warn("webhook for unknown order")
			return Result{}, ErrOrderNotFound
		}
		return Result{}, fmt.Errorf("load order: %w", err)
	}

	switch evt.Status {
	case providers.StatusPaid:
		return s.settle(ctx, "webhook", ord.TradeNo, "")
	case providers.StatusFailed:
		return s.fail(ctx, "webhook", ord)
	default:
		s.count("webhook", "noop")
		return Result{TradeNo: ord.TradeNo, Status: ord.Status, Credits: ord.Credits}, nil
	}
}

// Confirm handles a caller-initiated confirmation. Completed orders are an
// idempotent success. For live orders the provider is consulted; a provider
// without synchronous lookup leaves the order to its webhook and the result
// reports pending verification instead of trusting the caller.
func (s *Service) Confirm(ctx context.Context, tradeNo, callerUserID string) (Result, error) {
	log := s.log.WithField("tradeNo", tradeNo)

	ord, err := s.orders.GetOrder(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			return Result{}, ErrOrderNotFound
		}
		return Result{}, fmt.Errorf("load order: %w", err)
	}
	switch ord.Status {
	case order.StatusCompleted:
		return Result{TradeNo: tradeNo, Status: ord.Status, Credits: ord.Credits}, nil
	case order.StatusFailed:
		return Result{TradeNo: tradeNo, Status: ord.Status}, ErrAlreadyFailed
	}

	adapter, err := s.registry.Get(ord.Method)
	if err != nil {
		return Result{}, fmt.Errorf("resolve adapter: %w", err)
	}
	status, err := adapter.QueryStatus(ctx, ord.ProviderRef)
	if err != nil {
		if errors.Is(err, providers.ErrQueryUnsupported) {
			s.count("manual", "pending_verification")
			log.Info("confirmation deferred to webhook")
			return Result{TradeNo: tradeNo, Status: ord.Status, PendingVerification: true}, nil
		}
		if errors.Is(err, providers.ErrUnavailable) {
			return Result{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return Result{}, fmt.Errorf("query provider status: %w", err)
	}

	switch status {
	case providers.StatusPaid:
		return s.settle(ctx, "manual", tradeNo, callerUserID)
	case providers.StatusFailed:
		return s.fail(ctx, "manual", ord)
	default:
		s.count("manual", "still_pending")
		return Result{TradeNo: tradeNo, Status: ord.Status}, nil
	}
}

// settle drives the store's exactly-once completion and maps its outcome.
func (s *Service) settle(ctx context.Context, trigger, tradeNo, fallbackUserID string) (Result, error) {
	res, err := s.orders.SettleOrder(ctx, tradeNo, fallbackUserID, s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrOrderNotFound):
			return Result{}, ErrOrderNotFound
		case errors.Is(err, storage.ErrUserUnknown):
			s.count(trigger, "user_unknown")
			return Result{}, ErrUserUnknown
		case errors.Is(err, storage.ErrUserNotFound):
			s.count(trigger, "credit_apply_failed")
			return Result{}, fmt.Errorf("%w: %v", ErrCreditApply, err)
		default:
			s.count(trigger, "error")
			return Result{}, fmt.Errorf("settle order: %w", err)
		}
	}

	if res.Order.Status == order.StatusFailed {
		s.count(trigger, "already_failed")
		return Result{TradeNo: tradeNo, Status: res.Order.Status}, ErrAlreadyFailed
	}

	if res.Applied {
		s.count(trigger, "settled")
		if s.metrics != nil {
			s.metrics.CreditsGranted.Add(float64(res.Order.Credits))
		}
		s.log.WithField("tradeNo", tradeNo).
			WithField("user", res.Order.UserID).
			WithField("credits", res.Order.Credits).
			WithField("trigger", trigger).
			Info("order settled")
	} else {
		s.count(trigger, "duplicate")
	}
	return Result{
		TradeNo: tradeNo,
		Status:  res.Order.Status,
		Credits: res.Order.Credits,
		Applied: res.Applied,
		Balance: res.Balance,
	}, nil
}

func (s *Service) fail(ctx context.Context, trigger string, ord order.Order) (Result, error) {
	failed, transitioned, err := s.orders.FailOrder(ctx, ord.TradeNo)
	if err != nil {
		return Result{}, fmt.Errorf("fail order: %w", err)
	}
	// A settlement that won the race is preserved; failure never claws back
	// granted credits.
	if failed.Status == order.StatusCompleted {
		s.count(trigger, "duplicate")
		return Result{TradeNo: ord.TradeNo, Status: failed.Status, Credits: failed.Credits}, nil
	}
	if transitioned {
		s.count(trigger, "failed")
		s.log.WithField("tradeNo", ord.TradeNo).WithField("trigger", trigger).Info("order failed")
	}
	return Result{TradeNo: ord.TradeNo, Status: failed.Status}, nil
}

func (s *Service) count(trigger, outcome string) {
	if s.metrics != nil {
		s.metrics.Settlements.WithLabelValues(trigger, outcome).Inc()
	}
}
