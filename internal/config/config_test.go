package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("default addr: %s", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("default logging: %+v", cfg.Logging)
	}
	if cfg.Orders.PendingTTL.Minutes() != 30 {
		t.Fatalf("default pending ttl: %s", cfg.Orders.PendingTTL)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr override: %s", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level override: %s", cfg.Logging.Level)
	}
	if cfg.Stripe.SecretKey != "sk_test_1" {
		t.Fatalf("stripe key: %s", cfg.Stripe.SecretKey)
	}
}

func TestPlansDefaultCatalog(t *testing.T) {
	cfg := &Config{}
	plans, err := cfg.Plans()
	if err != nil {
		t.Fatalf("plans: %v", err)
	}
	if len(plans) != 3 {
		t.Fatalf("default catalog size: %d", len(plans))
	}
}

func TestPlansFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	doc := `plans:
  - id: plan_small
    name: Small Pack
    amount_cents: 500
    credits: 10
  - id: plan_big
    name: Big Pack
    amount_cents: 2000
    credits: 50
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cfg := &Config{}
	cfg.Orders.PlanFile = path
	plans, err := cfg.Plans()
	if err != nil {
		t.Fatalf("plans: %v", err)
	}
	if len(plans) != 2 || plans[0].ID != "plan_small" || plans[1].Credits != 50 {
		t.Fatalf("unexpected catalog: %+v", plans)
	}
}

func TestPlansInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	if err := os.WriteFile(path, []byte("plans:\n  - id: broken\n"), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cfg := &Config{}
	cfg.Orders.PlanFile = path
	if _, err := cfg.Plans(); err == nil {
		t.Fatal("invalid plan entry should fail")
	}
}
