// Package app wires the stores, provider adapters and services into one
// lifecycle-managed application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/metrics"
	"github.com/beauty-lab/credit_service/internal/providers"
	creditsvc "github.com/beauty-lab/credit_service/internal/services/credits"
	ordersvc "github.com/beauty-lab/credit_service/internal/services/orders"
	"github.com/beauty-lab/credit_service/internal/services/reconcile"
	"github.com/beauty-lab/credit_service/internal/storage"
	"github.com/beauty-lab/credit_service/internal/storage/memory"
	"github.com/beauty-lab/credit_service/internal/system"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Orders   storage.OrderStore
	Balances storage.BalanceStore
	Redeems  storage.RedeemStore
}

// Options carries the non-store wiring inputs.
type Options struct {
	Adapters  []providers.Adapter
	Plans     []order.Plan
	ReturnURL string

	SweepInterval time.Duration
	PendingTTL    time.Duration
}

// Application ties the services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Registry  *providers.Registry
	Metrics   *metrics.Metrics
	Orders    *ordersvc.Service
	Reconcile *reconcile.Service
	Credits   *creditsvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("at least one payment adapter is required")
	}

	mem := memory.New()
	if stores.Orders == nil {
		stores.Orders = mem
	}
	if stores.Balances == nil {
		stores.Balances = mem
	}
	if stores.Redeems == nil {
		stores.Redeems = mem
	}

	registry := providers.NewRegistry(opts.Adapters...)
	m := metrics.New()

	app := &Application{
		manager:   system.NewManager(),
		log:       log,
		Registry:  registry,
		Metrics:   m,
		Orders:    ordersvc.NewService(stores.Orders, registry, opts.Plans, opts.ReturnURL, m, log.Named("orders")),
		Reconcile: reconcile.NewService(stores.Orders, registry, m, log.Named("reconcile")),
		Credits:   creditsvc.NewService(stores.Balances, stores.Redeems, log.Named("credits")),
	}

	sweeper := ordersvc.NewExpirySweeper(stores.Orders, opts.SweepInterval, opts.PendingTTL, m, log.Named("order-sweeper"))
	if err := app.manager.Register(sweeper); err != nil {
		return nil, fmt.Errorf("register sweeper: %w", err)
	}
	return app, nil
}

// Start launches the background services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.log.WithField("methods", a.Registry.Methods()).Info("application started")
	return nil
}

// Stop shuts the background services down.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
