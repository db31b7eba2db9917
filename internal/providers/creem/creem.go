// Package creem adapts the Creem checkout API. Creem is webhook-only: there
// is no synchronous payment status lookup, so manual confirmation of Creem
// orders cannot be verified out of band.
package creem

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/httputil"
	"github.com/beauty-lab/credit_service/internal/providers"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

// DefaultBaseURL is the production Creem API endpoint.
const DefaultBaseURL = "https://api.creem.io"

// Config carries the Creem credentials and the product catalog mapping.
type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration

	// Products maps credit amounts to Creem product ids, encoded as
	// "12:prod_abc,30:prod_def". Creem checkouts reference pre-registered
	// products instead of ad hoc amounts.
	Products string
}

// Adapter implements providers.Adapter for Creem.
type Adapter struct {
	cfg      Config
	client   *httputil.Client
	log      *logger.Logger
	products map[int64]string
}

var _ providers.Adapter = (*Adapter)(nil)

// New builds a Creem adapter. The product mapping is parsed eagerly so a
// malformed catalog fails at startup.
func New(cfg Config, log *logger.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if log == nil {
		log = logger.NewDefault("creem")
	}
	products, err := parseProducts(cfg.Products)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:      cfg,
		client:   httputil.NewClient(httputil.ClientConfig{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}),
		log:      log,
		products: products,
	}, nil
}

// Method reports the payment method this adapter serves.
func (a *Adapter) Method() order.Method { return order.MethodCreem }

// CreateIntent creates a Creem checkout for the product matching the order's
// credit amount, carrying the trade number in metadata.
func (a *Adapter) CreateIntent(ctx context.Context, req providers.IntentRequest) (providers.Intent, error) {
	productID, ok := a.products[req.Credits]
	if !ok {
		return providers.Intent{}, fmt.Errorf("no creem product configured for %d credits", req.Credits)
	}

	payload := map[string]interface{}{
		"product_id":  productID,
		"request_id":  req.TradeNo,
		"success_url": req.ReturnURL,
		"metadata": map[string]string{
			"tradeNo": req.TradeNo,
			"userId":  req.UserID,
		},
	}
	headers := http.Header{}
	headers.Set("x-api-key", a.cfg.APIKey)

	body, status, err := a.client.DoJSON(ctx, http.MethodPost, "/v1/checkouts", headers, payload)
	if err != nil {
		return providers.Intent{}, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	if status >= 500 {
		return providers.Intent{}, fmt.Errorf("%w: creem responded %d", providers.ErrUnavailable, status)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return providers.Intent{}, fmt.Errorf("creem rejected checkout (%d): %s", status, gjson.GetBytes(body, "message").String())
	}

	return providers.Intent{
		ProviderRef: gjson.GetBytes(body, "id").String(),
		CheckoutURL: gjson.GetBytes(body, "checkout_url").String(),
	}, nil
}

// VerifyWebhook checks the creem-signature header, an HMAC-SHA256 hex digest
// of the raw body.
func (a *Adapter) VerifyWebhook(body []byte, headers http.Header) (providers.Event, error) {
	sig := headers.Get("creem-signature")
	if sig == "" {
		return providers.Event{}, fmt.Errorf("%w: missing creem-signature header", providers.ErrSignatureInvalid)
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return providers.Event{}, fmt.Errorf("%w: digest mismatch", providers.ErrSignatureInvalid)
	}

	eventType := gjson.GetBytes(body, "eventType").String()
	obj := gjson.GetBytes(body, "object")
	evt := providers.Event{
		Type:        eventType,
		TradeNo:     obj.Get("metadata.tradeNo").String(),
		ProviderRef: obj.Get("id").String(),
		Status:      providers.StatusPending,
	}
	if evt.TradeNo == "" {
		evt.TradeNo = obj.Get("request_id").String()
	}
	switch eventType {
	case "checkout.completed":
		evt.Status = providers.StatusPaid
	case "checkout.failed", "checkout.expired":
		evt.Status = providers.StatusFailed
	}
	return evt, nil
}

// QueryStatus always fails: Creem offers no synchronous lookup, settlement
// arrives via webhook only.
func (a *Adapter) QueryStatus(ctx context.Context, providerRef string) (providers.PaymentStatus, error) {
	return "", providers.ErrQueryUnsupported
}

func parseProducts(spec string) (map[int64]string, error) {
	products := make(map[int64]string)
	if strings.TrimSpace(spec) == "" {
		return products, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("malformed creem product mapping %q", pair)
		}
		var credits int64
		if _, err := fmt.Sscanf(kv[0], "%d", &credits); err != nil {
			return nil, fmt.Errorf("malformed credit amount in creem product mapping %q", pair)
		}
		products[credits] = kv[1]
	}
	return products, nil
}
