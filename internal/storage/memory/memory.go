// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beauty-lab/credit_service/internal/domain/credit"
	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/storage"
)

// Store keeps all records behind a single mutex so the settle path behaves
// like the serialized store transaction of the SQL implementation.
type Store struct {
	mu       sync.Mutex
	orders   map[string]order.Order
	balances map[string]credit.Balance
	entries  map[string][]credit.Entry
	codes    map[string]credit.RedeemCode
}

var _ storage.OrderStore = (*Store)(nil)
var _ storage.BalanceStore = (*Store)(nil)
var _ storage.RedeemStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		orders:   make(map[string]order.Order),
		balances: make(map[string]credit.Balance),
		entries:  make(map[string][]credit.Entry),
		codes:    make(map[string]credit.RedeemCode),
	}
}

// OrderStore implementation --------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, ord order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[ord.TradeNo]; exists {
		return order.Order{}, storage.ErrOrderExists
	}
	if ord.CreatedAt.IsZero() {
		ord.CreatedAt = time.Now().UTC()
	}
	if ord.Status == "" {
		ord.Status = order.StatusPending
	}
	s.orders[ord.TradeNo] = ord
	return ord, nil
}

func (s *Store) GetOrder(_ context.Context, tradeNo string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[tradeNo]
	if !ok {
		return order.Order{}, storage.ErrOrderNotFound
	}
	return ord, nil
}

func (s *Store) SetProviderRef(_ context.Context, tradeNo, providerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[tradeNo]
	if !ok {
		return storage.ErrOrderNotFound
	}
	ord.ProviderRef = providerRef
	s.orders[tradeNo] = ord
	return nil
}

func (s *Store) MarkOrderPaid(_ context.Context, tradeNo string, paidAt time.Time) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[tradeNo]
	if !ok {
		return order.Order{}, storage.ErrOrderNotFound
	}
	if ord.Status != order.StatusPending {
		return ord, nil
	}
	ord.Status = order.StatusPaid
	at := paidAt.UTC()
	ord.PaidAt = &at
	s.orders[tradeNo] = ord
	return ord, nil
}

func (s *Store) FailOrder(_ context.Context, tradeNo string) (order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[tradeNo]
	if !ok {
		return order.Order{}, false, storage.ErrOrderNotFound
	}
	if ord.Status.Terminal() {
		return ord, false, nil
	}
	ord.Status = order.StatusFailed
	s.orders[tradeNo] = ord
	return ord, true, nil
}

func (s *Store) SettleOrder(_ context.Context, tradeNo, fallbackUserID string, paidAt time.Time) (storage.SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[tradeNo]
	if !ok {
		return storage.SettleResult{}, storage.ErrOrderNotFound
	}
	if ord.Status.Terminal() {
		return storage.SettleResult{Order: ord}, nil
	}

	userID := ord.UserID
	if userID == "" {
		userID = fallbackUserID
	}
	if userID == "" {
		return storage.SettleResult{}, storage.ErrUserUnknown
	}

	bal, ok := s.balances[userID]
	if !ok {
		return storage.SettleResult{}, storage.ErrUserNotFound
	}

	bal.Credits += ord.Credits
	bal.UpdatedAt = time.Now().UTC()
	s.balances[userID] = bal
	s.appendEntryLocked(userID, ord.Credits, bal.Credits, credit.ReasonOrder, ord.TradeNo)

	ord.Status = order.StatusCompleted
	ord.UserID = userID
	at := paidAt.UTC()
	ord.PaidAt = &at
	s.orders[tradeNo] = ord

	return storage.SettleResult{Order: ord, Applied: true, Balance: bal.Credits}, nil
}

func (s *Store) ListPendingOrdersBefore(_ context.Context, cutoff time.Time, limit int) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []order.Order
	for _, ord := range s.orders {
		if ord.Status == order.StatusPending && ord.CreatedAt.Before(cutoff) {
			out = append(out, ord)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BalanceStore implementation ------------------------------------------------

func (s *Store) EnsureUser(_ context.Context, userID string) (credit.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bal, ok := s.balances[userID]; ok {
		return bal, nil
	}
	bal := credit.Balance{UserID: userID, UpdatedAt: time.Now().UTC()}
	s.balances[userID] = bal
	return bal, nil
}

func (s *Store) GetBalance(_ context.Context, userID string) (credit.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[userID]
	if !ok {
		return credit.Balance{}, storage.ErrUserNotFound
	}
	return bal, nil
}

func (s *Store) AdjustCredits(_ context.Context, userID string, delta int64, reason, reference string) (credit.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[userID]
	if !ok {
		return credit.Balance{}, storage.ErrUserNotFound
	}
	if bal.Credits+delta < 0 {
		return credit.Balance{}, storage.ErrInsufficientCredits
	}
	bal.Credits += delta
	bal.UpdatedAt = time.Now().UTC()
	s.balances[userID] = bal
	s.appendEntryLocked(userID, delta, bal.Credits, reason, reference)
	return bal, nil
}

func (s *Store) ListEntries(_ context.Context, userID string, limit int) ([]credit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[userID]
	out := make([]credit.Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RedeemStore implementation -------------------------------------------------

func (s *Store) CreateRedeemCode(_ context.Context, code credit.RedeemCode) (credit.RedeemCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	s.codes[code.Code] = code
	return code, nil
}

func (s *Store) ClaimRedeemCode(_ context.Context, code, userID string, now time.Time) (credit.RedeemCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.codes[code]
	if !ok {
		return credit.RedeemCode{}, storage.ErrCodeNotFound
	}
	if rc.RedeemedAt != nil {
		return credit.RedeemCode{}, storage.ErrCodeAlreadyUsed
	}
	for _, other := range s.codes {
		if other.RedeemedBy == userID && other.RedeemedAt != nil && sameMonth(*other.RedeemedAt, now) {
			return credit.RedeemCode{}, storage.ErrRedeemThrottled
		}
	}
	at := now.UTC()
	rc.RedeemedBy = userID
	rc.RedeemedAt = &at
	s.codes[code] = rc
	return rc, nil
}

func (s *Store) appendEntryLocked(userID string, delta, after int64, reason, reference string) {
	s.entries[userID] = append(s.entries[userID], credit.Entry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Delta:        delta,
		BalanceAfter: after,
		Reason:       reason,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	})
}

func sameMonth(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.Month() == bu.Month()
}
