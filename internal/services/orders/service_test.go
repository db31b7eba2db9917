package orders

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/providers"
	"github.com/beauty-lab/credit_service/internal/storage/memory"
)

type scriptedAdapter struct {
	method    order.Method
	intentErr error
	calls     int
}

func (a *scriptedAdapter) Method() order.Method { return a.method }

func (a *scriptedAdapter) CreateIntent(_ context.Context, req providers.IntentRequest) (providers.Intent, error) {
	a.calls++
	if a.intentErr != nil {
		return providers.Intent{}, a.intentErr
	}
	return providers.Intent{ProviderRef: "ref-" + req.TradeNo, CheckoutURL: "https://pay.example.com/" + req.TradeNo}, nil
}

func (a *scriptedAdapter) VerifyWebhook([]byte, http.Header) (providers.Event, error) {
	return providers.Event{}, errors.New("not used")
}

func (a *scriptedAdapter) QueryStatus(context.Context, string) (providers.PaymentStatus, error) {
	return providers.StatusPending, nil
}

func TestService_Create(t *testing.T) {
	store := memory.New()
	adapter := &scriptedAdapter{method: order.MethodStripe}
	svc := NewService(store, providers.NewRegistry(adapter), nil, "https://app.example.com/done", nil, nil)
	ctx := context.Background()

	checkout, err := svc.Create(ctx, "user-1", 199, 12, order.MethodStripe)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(checkout.TradeNo, "ML") {
		t.Fatalf("trade number missing method prefix: %s", checkout.TradeNo)
	}
	if checkout.CheckoutURL == "" {
		t.Fatal("missing checkout url")
	}

	ord, err := store.GetOrder(ctx, checkout.TradeNo)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if ord.Status != order.StatusPending {
		t.Fatalf("unexpected status: %s", ord.Status)
	}
	if ord.ProviderRef != "ref-"+checkout.TradeNo {
		t.Fatalf("provider ref not recorded: %q", ord.ProviderRef)
	}
}

func TestService_CreateValidation(t *testing.T) {
	store := memory.New()
	adapter := &scriptedAdapter{method: order.MethodStripe}
	svc := NewService(store, providers.NewRegistry(adapter), nil, "", nil, nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "user-1", 199, 999, order.MethodStripe); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
	if _, err := svc.Create(ctx, "user-1", 199, 12, order.Method("paypal")); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
	// Valid method with no registered adapter is rejected before any store
	// write.
	if _, err := svc.Create(ctx, "user-1", 199, 12, order.MethodCreem); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
	if adapter.calls != 0 {
		t.Fatalf("provider contacted during validation failures: %d", adapter.calls)
	}
}

func TestService_CreateProviderFailureKeepsPendingOrder(t *testing.T) {
	store := memory.New()
	adapter := &scriptedAdapter{method: order.MethodStripe, intentErr: providers.ErrUnavailable}
	svc := NewService(store, providers.NewRegistry(adapter), nil, "", nil, nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "user-1", 199, 12, order.MethodStripe); err == nil {
		t.Fatal("expected provider failure")
	}

	stale, err := store.ListPendingOrdersBefore(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("pending row lost on provider failure: %d", len(stale))
	}
	tradeNo := stale[0].TradeNo

	// The retry reuses the trade number instead of minting a new order.
	adapter.intentErr = nil
	checkout, err := svc.RetryIntent(ctx, tradeNo)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if checkout.TradeNo != tradeNo {
		t.Fatalf("retry changed trade number: %s -> %s", tradeNo, checkout.TradeNo)
	}
	if adapter.calls != 2 {
		t.Fatalf("unexpected provider calls: %d", adapter.calls)
	}
}

func TestService_RetryIntentGuards(t *testing.T) {
	store := memory.New()
	adapter := &scriptedAdapter{method: order.MethodStripe}
	svc := NewService(store, providers.NewRegistry(adapter), nil, "", nil, nil)
	ctx := context.Background()

	if _, err := svc.RetryIntent(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	checkout, err := svc.Create(ctx, "user-1", 199, 12, order.MethodStripe)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := store.FailOrder(ctx, checkout.TradeNo); err != nil {
		t.Fatalf("fail order: %v", err)
	}
	if _, err := svc.RetryIntent(ctx, checkout.TradeNo); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestService_TradeNoUnique(t *testing.T) {
	store := memory.New()
	adapter := &scriptedAdapter{method: order.MethodStripe}
	svc := NewService(store, providers.NewRegistry(adapter), nil, "", nil, nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		checkout, err := svc.Create(ctx, "user-1", 100, 1, order.MethodStripe)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seen[checkout.TradeNo] {
			t.Fatalf("duplicate trade number: %s", checkout.TradeNo)
		}
		seen[checkout.TradeNo] = true
	}
}
