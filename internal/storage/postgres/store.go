// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/beauty-lab/credit_service/internal/domain/credit"
	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/storage"
)

// Store implements the storage interfaces over a sqlx handle.
type Store struct {
	db *sqlx.DB
}

var _ storage.OrderStore = (*Store)(nil)
var _ storage.BalanceStore = (*Store)(nil)
var _ storage.RedeemStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type orderRow struct {
	TradeNo     string         `db:"trade_no"`
	UserID      sql.NullString `db:"user_id"`
	AmountCents int64          `db:"amount_cents"`
	Credits     int64          `db:"credits"`
	Method      string         `db:"method"`
	Status      string         `db:"status"`
	ProviderRef string         `db:"provider_ref"`
	CreatedAt   time.Time      `db:"created_at"`
	PaidAt      *time.Time     `db:"paid_at"`
}

func (r orderRow) toDomain() order.Order {
	return order.Order{
		TradeNo:     r.TradeNo,
		UserID:      r.UserID.String,
		AmountCents: r.AmountCents,
		Credits:     r.Credits,
		Method:      order.Method(r.Method),
		Status:      order.Status(r.Status),
		ProviderRef: r.ProviderRef,
		CreatedAt:   r.CreatedAt,
		PaidAt:      r.PaidAt,
	}
}

const orderColumns = `trade_no, user_id, amount_cents, credits, method, status, provider_ref, created_at, paid_at`

// --- OrderStore -------------------------------------------------------------

func (s *Store) CreateOrder(ctx context.Context, ord order.Order) (order.Order, error) {
	if ord.CreatedAt.IsZero() {
		ord.CreatedAt = time.Now().UTC()
	}
	if ord.Status == "" {
		ord.Status = order.StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (trade_no, user_id, amount_cents, credits, method, status, provider_ref, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
	`, ord.TradeNo, ord.UserID, ord.AmountCents, ord.Credits, string(ord.Method), string(ord.Status), ord.ProviderRef, ord.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return order.Order{}, storage.ErrOrderExists
		}
		return order.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return ord, nil
}

func (s *Store) GetOrder(ctx context.Context, tradeNo string) (order.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE trade_no = $1`, tradeNo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return order.Order{}, storage.ErrOrderNotFound
		}
		return order.Order{}, fmt.Errorf("get order: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) SetProviderRef(ctx context.Context, tradeNo, providerRef string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET provider_ref = $2 WHERE trade_no = $1`, tradeNo, providerRef)
	if err != nil {
		return fmt.Errorf("set provider ref: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrOrderNotFound
	}
	return nil
}

func (s *Store) MarkOrderPaid(ctx context.Context, tradeNo string, paidAt time.Time) (order.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE orders SET status = $2, paid_at = $3
		WHERE trade_no = $1 AND status = $4
		RETURNING `+orderColumns+`
	`, tradeNo, string(order.StatusPaid), paidAt.UTC(), string(order.StatusPending))
	if err == nil {
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, fmt.Errorf("mark order paid: %w", err)
	}
	// Already past pending; report the current state.
	return s.GetOrder(ctx, tradeNo)
}

func (s *Store) FailOrder(ctx context.Context, tradeNo string) (order.Order, bool, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE orders SET status = $2
		WHERE trade_no = $1 AND status IN ($3, $4)
		RETURNING `+orderColumns+`
	`, tradeNo, string(order.StatusFailed), string(order.StatusPending), string(order.StatusPaid))
	if err == nil {
		return row.toDomain(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, false, fmt.Errorf("fail order: %w", err)
	}
	ord, getErr := s.GetOrder(ctx, tradeNo)
	if getErr != nil {
		return order.Order{}, false, getErr
	}
	return ord, false, nil
}

// SettleOrder locks the order row so concurrent webhook and manual
// confirmation attempts serialize on a single winner. The credit increment
// and ledger entry commit atomically with the status transition; any failure
// rolls everything back and leaves the order retryable.
func (s *Store) SettleOrder(ctx context.Context, tradeNo, fallbackUserID string, paidAt time.Time) (storage.SettleResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storage.SettleResult{}, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var row orderRow
	err = tx.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE trade_no = $1 FOR UPDATE`, tradeNo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SettleResult{}, storage.ErrOrderNotFound
		}
		return storage.SettleResult{}, fmt.Errorf("lock order: %w", err)
	}
	ord := row.toDomain()

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

	var balance int64
	err = tx.GetContext(ctx, &balance, `
		UPDATE users SET credits = credits + $2, updated_at = now()
		WHERE id = $1
		RETURNING credits
	`, userID, ord.Credits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SettleResult{}, storage.ErrUserNotFound
		}
		return storage.SettleResult{}, fmt.Errorf("apply credits: %w", err)
	}

	at := paidAt.UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, user_id = $3, paid_at = $4 WHERE trade_no = $1
	`, tradeNo, string(order.StatusCompleted), userID, at)
	if err != nil {
		return storage.SettleResult{}, fmt.Errorf("complete order: %w", err)
	}

	if err := insertEntry(ctx, tx, userID, ord.Credits, balance, credit.ReasonOrder, ord.TradeNo); err != nil {
		return storage.SettleResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.SettleResult{}, fmt.Errorf("commit settle: %w", err)
	}

	ord.Status = order.StatusCompleted
	ord.UserID = userID
	ord.PaidAt = &at
	return storage.SettleResult{Order: ord, Applied: true, Balance: balance}, nil
}

func (s *Store) ListPendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, string(order.StatusPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	out := make([]order.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// --- BalanceStore -----------------------------------------------------------

type balanceRow struct {
	UserID    string    `db:"id"`
	Credits   int64     `db:"credits"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *Store) EnsureUser(ctx context.Context, userID string) (credit.Balance, error) {
	var row balanceRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO users (id, credits) VALUES ($1, 0)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, credits, updated_at
	`, userID)
	if err != nil {
		return credit.Balance{}, fmt.Errorf("ensure user: %w", err)
	}
	return credit.Balance{UserID: row.UserID, Credits: row.Credits, UpdatedAt: row.UpdatedAt}, nil
}

func (s *Store) GetBalance(ctx context.Context, userID string) (credit.Balance, error) {
	var row balanceRow
	err := s.db.GetContext(ctx, &row, `SELECT id, credits, updated_at FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credit.Balance{}, storage.ErrUserNotFound
		}
		return credit.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return credit.Balance{UserID: row.UserID, Credits: row.Credits, UpdatedAt: row.UpdatedAt}, nil
}

func (s *Store) AdjustCredits(ctx context.Context, userID string, delta int64, reason, reference string) (credit.Balance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return credit.Balance{}, fmt.Errorf("begin adjust: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row balanceRow
	err = tx.GetContext(ctx, &row, `
		UPDATE users SET credits = credits + $2, updated_at = now()
		WHERE id = $1 AND credits + $2 >= 0
		RETURNING id, credits, updated_at
	`, userID, delta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a missing user from a debit past zero.
			var exists bool
			if probeErr := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID); probeErr != nil {
				return credit.Balance{}, fmt.Errorf("probe user: %w", probeErr)
			}
			if !exists {
				return credit.Balance{}, storage.ErrUserNotFound
			}
			return credit.Balance{}, storage.ErrInsufficientCredits
		}
		return credit.Balance{}, fmt.Errorf("adjust credits: %w", err)
	}

	if err := insertEntry(ctx, tx, userID, delta, row.Credits, reason, reference); err != nil {
		return credit.Balance{}, err
	}
	if err := tx.Commit(); err != nil {
		return credit.Balance{}, fmt.Errorf("commit adjust: %w", err)
	}
	return credit.Balance{UserID: row.UserID, Credits: row.Credits, UpdatedAt: row.UpdatedAt}, nil
}

type entryRow struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	Delta        int64     `db:"delta"`
	BalanceAfter int64     `db:"balance_after"`
	Reason       string    `db:"reason"`
	Reference    string    `db:"reference"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]credit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, delta, balance_after, reason, reference, created_at
		FROM credit_entries WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	out := make([]credit.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, credit.Entry(r))
	}
	return out, nil
}

// --- RedeemStore ------------------------------------------------------------

func (s *Store) CreateRedeemCode(ctx context.Context, code credit.RedeemCode) (credit.RedeemCode, error) {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redeem_codes (code, credits, created_at) VALUES ($1, $2, $3)
	`, code.Code, code.Credits, code.CreatedAt)
	if err != nil {
		return credit.RedeemCode{}, fmt.Errorf("insert redeem code: %w", err)
	}
	return code, nil
}

func (s *Store) ClaimRedeemCode(ctx context.Context, code, userID string, now time.Time) (credit.RedeemCode, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return credit.RedeemCode{}, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	monthStart := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	var claimedThisMonth bool
	err = tx.GetContext(ctx, &claimedThisMonth, `
		SELECT EXISTS (
			SELECT 1 FROM redeem_codes WHERE redeemed_by = $1 AND redeemed_at >= $2
		)
	`, userID, monthStart)
	if err != nil {
		return credit.RedeemCode{}, fmt.Errorf("check redeem throttle: %w", err)
	}
	if claimedThisMonth {
		return credit.RedeemCode{}, storage.ErrRedeemThrottled
	}

	at := now.UTC()
	var credits int64
	err = tx.GetContext(ctx, &credits, `
		UPDATE redeem_codes SET redeemed_by = $2, redeemed_at = $3
		WHERE code = $1 AND redeemed_at IS NULL
		RETURNING credits
	`, code, userID, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if probeErr := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM redeem_codes WHERE code = $1)`, code); probeErr != nil {
				return credit.RedeemCode{}, fmt.Errorf("probe redeem code: %w", probeErr)
			}
			if !exists {
				return credit.RedeemCode{}, storage.ErrCodeNotFound
			}
			return credit.RedeemCode{}, storage.ErrCodeAlreadyUsed
		}
		return credit.RedeemCode{}, fmt.Errorf("claim redeem code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return credit.RedeemCode{}, fmt.Errorf("commit claim: %w", err)
	}
	return credit.RedeemCode{Code: code, Credits: credits, RedeemedBy: userID, RedeemedAt: &at}, nil
}

func insertEntry(ctx context.Context, tx *sqlx.Tx, userID string, delta, after int64, reason, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, user_id, delta, balance_after, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), userID, delta, after, reason, reference, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
