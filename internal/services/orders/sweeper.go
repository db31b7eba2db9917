package orders

import (
	"context"
	"sync"
	"time"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/metrics"
	"github.com/beauty-lab/credit_service/internal/storage"
	"github.com/beauty-lab/credit_service/internal/system"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

const (
	defaultSweepInterval = time.Minute
	defaultOrderTTL      = 30 * time.Minute
	sweepBatchSize       = 100
)

// ExpirySweeper fails pending orders that never reached payment. Failure is
// conditional on the order still being non-terminal, so a settlement that
// lands between listing and failing always wins.
type ExpirySweeper struct {
	store    storage.OrderStore
	interval time.Duration
	ttl      time.Duration
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*ExpirySweeper)(nil)

// NewExpirySweeper creates a sweeper. Non-positive interval or TTL fall back
// to the defaults.
func NewExpirySweeper(store storage.OrderStore, interval, ttl time.Duration, m *metrics.Metrics, log *logger.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if ttl <= 0 {
		ttl = defaultOrderTTL
	}
	if log == nil {
		log = logger.NewDefault("order-sweeper")
	}
	return &ExpirySweeper{
		store:    store,
		interval: interval,
		ttl:      ttl,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

func (s *ExpirySweeper) Name() string { return "order-sweeper" }

func (s *ExpirySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.sweep(runCtx)
			}
		}
	}()

	s.log.WithField("ttl", s.ttl).Info("order expiry sweeper started")
	return nil
}

func (s *ExpirySweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ExpirySweeper) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.ttl)
	stale, err := s.store.ListPendingOrdersBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.log.WithError(err).Warn("list stale pending orders")
		return
	}
	for _, ord := range stale {
		failed, transitioned, err := s.store.FailOrder(ctx, ord.TradeNo)
		if err != nil {
			s.log.WithError(err).WithField("tradeNo", ord.TradeNo).Warn("expire pending order")
			continue
		}
		if !transitioned {
			// Raced with a settlement or another sweep; nothing to do.
			if failed.Status == order.StatusCompleted {
				s.log.WithField("tradeNo", ord.TradeNo).Debug("order settled before expiry")
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.OrdersExpired.Inc()
		}
		s.log.WithField("tradeNo", ord.TradeNo).Info("pending order expired")
	}
}
