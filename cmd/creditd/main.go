// Package main runs the credit service: purchase orders, payment provider
// checkouts, webhook reconciliation and the credit ledger.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/beauty-lab/credit_service/internal/app"
	"github.com/beauty-lab/credit_service/internal/config"
	"github.com/beauty-lab/credit_service/internal/httpapi"
	"github.com/beauty-lab/credit_service/internal/providers"
	"github.com/beauty-lab/credit_service/internal/providers/airwallex"
	"github.com/beauty-lab/credit_service/internal/providers/creem"
	"github.com/beauty-lab/credit_service/internal/providers/stripe"
	"github.com/beauty-lab/credit_service/internal/storage/postgres"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("creditd").WithError(err).Fatal("load configuration")
	}
	log := logger.New(cfg.LoggingConfig()).Named("creditd")

	plans, err := cfg.Plans()
	if err != nil {
		log.WithError(err).Fatal("load plan catalog")
	}

	stores := app.Stores{}
	if cfg.Database.URL != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.URL)
		if err != nil {
			log.WithError(err).Fatal("connect to postgres")
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetConnMaxLifetime(cfg.Database.ConnLifetime)
		defer db.Close()

		if err := postgres.Migrate(db); err != nil {
			log.WithError(err).Fatal("run migrations")
		}
		store := postgres.New(db)
		stores = app.Stores{Orders: store, Balances: store, Redeems: store}
		log.Info("using postgres store")
	} else {
		log.Warn("DATABASE_URL not set, running with the in-memory store")
	}

	adapters, err := buildAdapters(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("configure payment adapters")
	}
	if len(adapters) == 0 {
		log.Fatal("no payment provider configured")
	}

	application, err := app.New(stores, app.Options{
		Adapters:      adapters,
		Plans:         plans,
		ReturnURL:     cfg.Orders.ReturnURL,
		SweepInterval: cfg.Orders.SweepInterval,
		PendingTTL:    cfg.Orders.PendingTTL,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	handler := httpapi.NewHandler(
		application.Orders,
		application.Reconcile,
		application.Credits,
		application.Registry,
		application.Metrics,
		log.Named("httpapi"),
		httpapi.Options{
			CORSOrigins:    strings.Split(cfg.Server.CORSOrigins, ","),
			AdminToken:     cfg.Server.AdminToken,
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
		},
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
	log.Info("stopped")
}

func buildAdapters(cfg *config.Config, log *logger.Logger) ([]providers.Adapter, error) {
	var adapters []providers.Adapter

	if cfg.Stripe.SecretKey != "" {
		adapters = append(adapters, stripe.New(stripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			BaseURL:       cfg.Stripe.BaseURL,
		}, log.Named("stripe")))
	}
	if cfg.Creem.APIKey != "" {
		adapter, err := creem.New(creem.Config{
			APIKey:        cfg.Creem.APIKey,
			WebhookSecret: cfg.Creem.WebhookSecret,
			BaseURL:       cfg.Creem.BaseURL,
			Products:      cfg.Creem.Products,
		}, log.Named("creem"))
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	if cfg.Airwallex.ClientID != "" {
		adapters = append(adapters, airwallex.New(airwallex.Config{
			ClientID:      cfg.Airwallex.ClientID,
			APIKey:        cfg.Airwallex.APIKey,
			WebhookSecret: cfg.Airwallex.WebhookSecret,
			BaseURL:       cfg.Airwallex.BaseURL,
		}, log.Named("airwallex")))
	}
	return adapters, nil
}
