// Package credits applies every balance change in the system. All mutations
// go through the store's atomic increment so concurrent grants and debits
// never lose updates.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beauty-lab/credit_service/internal/domain/credit"
	"github.com/beauty-lab/credit_service/internal/storage"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

var (
	// ErrInsufficientCredits is returned when a debit exceeds the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrCodeNotFound is returned for an unknown redeem code.
	ErrCodeNotFound = errors.New("redeem code not found")
	// ErrCodeAlreadyUsed is returned for an already claimed redeem code.
	ErrCodeAlreadyUsed = errors.New("redeem code already used")
	// ErrRedeemThrottled is returned when the user already redeemed a code
	// this calendar month.
	ErrRedeemThrottled = errors.New("redeem limit reached for this month")
)

// Service manages user credit balances.
type Service struct {
	balances storage.BalanceStore
	redeems  storage.RedeemStore
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a credits service.
func NewService(balances storage.BalanceStore, redeems storage.RedeemStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("credits")
	}
	return &Service{
		balances: balances,
		redeems:  redeems,
		log:      log,
		now:      time.Now,
	}
}

// BalanceOf returns the user's current balance, creating a zero balance for
// first-time users.
func (s *Service) BalanceOf(ctx context.Context, userID string) (credit.Balance, error) {
	bal, err := s.balances.GetBalance(ctx, userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return s.balances.EnsureUser(ctx, userID)
	}
	return bal, err
}

// Spend debits credits for feature consumption. The debit is conditional on
// the balance staying non-negative.
func (s *Service) Spend(ctx context.Context, userID string, amount int64, feature string) (credit.Balance, error) {
	if amount <= 0 {
		return credit.Balance{}, fmt.Errorf("spend amount must be positive, got %d", amount)
	}
	bal, err := s.balances.AdjustCredits(ctx, userID, -amount, credit.ReasonSpend, feature)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			return credit.Balance{}, ErrInsufficientCredits
		}
		if errors.Is(err, storage.ErrUserNotFound) {
			return credit.Balance{}, ErrInsufficientCredits
		}
		return credit.Balance{}, fmt.Errorf("debit credits: %w", err)
	}
	s.log.WithField("user", userID).WithField("amount", amount).WithField("feature", feature).Info("credits spent")
	return bal, nil
}

// AdminAdjust applies an operator-initiated delta, positive or negative.
func (s *Service) AdminAdjust(ctx context.Context, userID string, delta int64, note string) (credit.Balance, error) {
	if delta == 0 {
		return credit.Balance{}, fmt.Errorf("adjustment delta must be non-zero")
	}
	if delta > 0 {
		if _, err := s.balances.EnsureUser(ctx, userID); err != nil {
			return credit.Balance{}, fmt.Errorf("ensure user: %w", err)
		}
	}
	bal, err := s.balances.AdjustCredits(ctx, userID, delta, credit.ReasonAdmin, note)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			return credit.Balance{}, ErrInsufficientCredits
		}
		return credit.Balance{}, fmt.Errorf("adjust credits: %w", err)
	}
	s.log.WithField("user", userID).WithField("delta", delta).Info("admin credit adjustment")
	return bal, nil
}

// Redeem claims a single-use code for the user and grants its credits. Codes
// are limited to one claim per user per calendar month.
func (s *Service) Redeem(ctx context.Context, userID, code string) (credit.Balance, error) {
	if _, err := s.balances.EnsureUser(ctx, userID); err != nil {
		return credit.Balance{}, fmt.Errorf("ensure user: %w", err)
	}
	claimed, err := s.redeems.ClaimRedeemCode(ctx, code, userID, s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeNotFound):
			return credit.Balance{}, ErrCodeNotFound
		case errors.Is(err, storage.ErrCodeAlreadyUsed):
			return credit.Balance{}, ErrCodeAlreadyUsed
		case errors.Is(err, storage.ErrRedeemThrottled):
			return credit.Balance{}, ErrRedeemThrottled
		default:
			return credit.Balance{}, fmt.Errorf("claim redeem code: %w", err)
		}
	}
	bal, err := s.balances.AdjustCredits(ctx, userID, claimed.Credits, credit.ReasonRedeem, code)
	if err != nil {
		return credit.Balance{}, fmt.Errorf("grant redeemed credits: %w", err)
	}
	s.log.WithField("user", userID).WithField("code", code).WithField("credits", claimed.Credits).Info("redeem code claimed")
	return bal, nil
}

// History returns the newest ledger entries for a user.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]credit.Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.balances.ListEntries(ctx, userID, limit)
}
