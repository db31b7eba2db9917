// Package config loads the service configuration from the environment, with
// an optional .env file for local runs and a YAML file for the purchasable
// plan catalog.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

// Config is the full service configuration.
type Config struct {
	Server struct {
		Addr            string        `env:"HTTP_ADDR,default=:8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=10s"`
		CORSOrigins     string        `env:"CORS_ALLOWED_ORIGINS,default=*"`
		AdminToken      string        `env:"ADMIN_API_TOKEN"`
		RateLimitRPS    float64       `env:"RATE_LIMIT_RPS,default=20"`
		RateLimitBurst  int           `env:"RATE_LIMIT_BURST,default=40"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL,default=info"`
		Format string `env:"LOG_FORMAT,default=json"`
		Output string `env:"LOG_OUTPUT,default=stdout"`
	}

	Database struct {
		// URL enables the postgres store when set; empty runs in-memory.
		URL          string        `env:"DATABASE_URL"`
		MaxOpenConns int           `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
		ConnLifetime time.Duration `env:"DATABASE_CONN_LIFETIME,default=30m"`
	}

	Orders struct {
		ReturnURL     string        `env:"CHECKOUT_RETURN_URL"`
		PlanFile      string        `env:"PLAN_CATALOG_FILE"`
		SweepInterval time.Duration `env:"ORDER_SWEEP_INTERVAL,default=1m"`
		PendingTTL    time.Duration `env:"ORDER_PENDING_TTL,default=30m"`
	}

	Stripe struct {
		SecretKey     string `env:"STRIPE_SECRET_KEY"`
		WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
		BaseURL       string `env:"STRIPE_BASE_URL"`
	}

	Creem struct {
		APIKey        string `env:"CREEM_API_KEY"`
		WebhookSecret string `env:"CREEM_WEBHOOK_SECRET"`
		BaseURL       string `env:"CREEM_BASE_URL"`
		Products      string `env:"CREEM_PRODUCTS"`
	}

	Airwallex struct {
		ClientID      string `env:"AIRWALLEX_CLIENT_ID"`
		APIKey        string `env:"AIRWALLEX_API_KEY"`
		WebhookSecret string `env:"AIRWALLEX_WEBHOOK_SECRET"`
		BaseURL       string `env:"AIRWALLEX_BASE_URL"`
	}
}

// Load reads the configuration. A .env file in the working directory is
// applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// LoggingConfig maps the logging section onto the logger package.
func (c *Config) LoggingConfig() logger.LoggingConfig {
	return logger.LoggingConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// Plans loads the plan catalog from the configured YAML file, falling back to
// the built-in defaults when no file is configured.
func (c *Config) Plans() ([]order.Plan, error) {
	if c.Orders.PlanFile == "" {
		return order.DefaultPlans(), nil
	}
	raw, err := os.ReadFile(c.Orders.PlanFile)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	var doc struct {
		Plans []order.Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog %s contains no plans", c.Orders.PlanFile)
	}
	for _, p := range doc.Plans {
		if p.ID == "" || p.AmountCents <= 0 || p.Credits <= 0 {
			return nil, fmt.Errorf("plan catalog entry %q is invalid", p.ID)
		}
	}
	return doc.Plans, nil
}
