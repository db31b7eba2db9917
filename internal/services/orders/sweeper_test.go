package orders

import (
	"context"
	"testing"
	"time"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/storage/memory"
)

func TestExpirySweeper_Sweep(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	stale := order.Order{
		TradeNo:     "ML1",
		UserID:      "user-1",
		AmountCents: 199,
		Credits:     12,
		Method:      order.MethodStripe,
		Status:      order.StatusPending,
		CreatedAt:   time.Now().Add(-2 * time.Hour),
	}
	fresh := stale
	fresh.TradeNo = "ML2"
	fresh.CreatedAt = time.Now()
	settled := stale
	settled.TradeNo = "ML3"
	for _, ord := range []order.Order{stale, fresh, settled} {
		if _, err := store.CreateOrder(ctx, ord); err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}
	if _, err := store.EnsureUser(ctx, "user-1"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, err := store.SettleOrder(ctx, "ML3", "", time.Now()); err != nil {
		t.Fatalf("settle: %v", err)
	}

	sweeper := NewExpirySweeper(store, time.Minute, 30*time.Minute, nil, nil)
	sweeper.sweep(ctx)

	ord, _ := store.GetOrder(ctx, "ML1")
	if ord.Status != order.StatusFailed {
		t.Fatalf("stale order not expired: %s", ord.Status)
	}
	ord, _ = store.GetOrder(ctx, "ML2")
	if ord.Status != order.StatusPending {
		t.Fatalf("fresh order should survive: %s", ord.Status)
	}
	ord, _ = store.GetOrder(ctx, "ML3")
	if ord.Status != order.StatusCompleted {
		t.Fatalf("settled order must not be failed: %s", ord.Status)
	}
}

func TestExpirySweeper_StartStop(t *testing.T) {
	store := memory.New()
	sweeper := NewExpirySweeper(store, 10*time.Millisecond, time.Minute, nil, nil)

	ctx := context.Background()
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("double start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("double stop: %v", err)
	}
}
