// Package airwallex adapts the Airwallex payment intent API. Requests are
// authenticated with a short-lived bearer token obtained from the login
// endpoint and cached until shortly before expiry; webhooks are signed with
// HMAC-SHA256 over "timestamp + body".
package airwallex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/httputil"
	"github.com/beauty-lab/credit_service/internal/providers"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

// DefaultBaseURL is the production Airwallex API endpoint.
const DefaultBaseURL = "https://api.airwallex.com"

// tokenSlack is subtracted from the token lifetime so a token is refreshed
// before it can expire mid-request.
const tokenSlack = 60 * time.Second

// Config carries the Airwallex credentials.
type Config struct {
	ClientID      string
	APIKey        string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Adapter implements providers.Adapter for Airwallex payment intents.
type Adapter struct {
	cfg    Config
	client *httputil.Client
	log    *logger.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ providers.Adapter = (*Adapter)(nil)

// New builds an Airwallex adapter.
func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if log == nil {
		log = logger.NewDefault("airwallex")
	}
	return &Adapter{
		cfg:    cfg,
		client: httputil.NewClient(httputil.ClientConfig{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}),
		log:    log,
		now:    time.Now,
	}
}

// Method reports the payment method this adapter serves.
func (a *Adapter) Method() order.Method { return order.MethodAirwallex }

// CreateIntent creates a payment intent with the trade number as both
// request_id and merchant_order_id.
func (a *Adapter) CreateIntent(ctx context.Context, req providers.IntentRequest) (providers.Intent, error) {
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return providers.Intent{}, err
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	payload := map[string]interface{}{
		"request_id":        req.TradeNo,
		"merchant_order_id": req.TradeNo,
		"amount":            float64(req.AmountCents) / 100,
		"currency":          currency,
		"metadata": map[string]string{
			"tradeNo": req.TradeNo,
			"userId":  req.UserID,
		},
	}

	body, status, err := a.client.DoJSON(ctx, http.MethodPost, "/api/v1/pa/payment_intents/create", headers, payload)
	if err != nil {
		return providers.Intent{}, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	if status >= 500 {
		return providers.Intent{}, fmt.Errorf("%w: airwallex responded %d", providers.ErrUnavailable, status)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return providers.Intent{}, fmt.Errorf("airwallex rejected payment intent (%d): %s", status, gjson.GetBytes(body, "message").String())
	}

	return providers.Intent{
		ProviderRef:  gjson.GetBytes(body, "id").String(),
		ClientSecret: gjson.GetBytes(body, "client_secret").String(),
	}, nil
}

// VerifyWebhook checks the x-signature header, an HMAC-SHA256 hex digest of
// the x-timestamp header concatenated with the raw body.
func (a *Adapter) VerifyWebhook(body []byte, headers http.Header) (providers.Event, error) {
	sig := headers.Get("x-signature")
	ts := headers.Get("x-timestamp")
	if sig == "" || ts == "" {
		return providers.Event{}, fmt.Errorf("%w: missing x-signature or x-timestamp header", providers.ErrSignatureInvalid)
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return providers.Event{}, fmt.Errorf("%w: digest mismatch", providers.ErrSignatureInvalid)
	}

	eventType := gjson.GetBytes(body, "name").String()
	obj := gjson.GetBytes(body, "data.object")
	evt := providers.Event{
		Type:        eventType,
		TradeNo:     obj.Get("merchant_order_id").String(),
		ProviderRef: obj.Get("id").String(),
		Status:      providers.StatusPending,
	}
	if evt.TradeNo == "" {
		evt.TradeNo = obj.Get("metadata.tradeNo").String()
	}
	switch eventType {
	case "payment_intent.succeeded":
		evt.Status = providers.StatusPaid
	case "payment_intent.cancelled", "payment_attempt.failed_to_process":
		evt.Status = providers.StatusFailed
	}
	return evt, nil
}

// QueryStatus fetches the payment intent and maps its status.
func (a *Adapter) QueryStatus(ctx context.Context, providerRef string) (providers.PaymentStatus, error) {
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return "", err
	}
	body, status, err := a.client.DoJSON(ctx, http.MethodGet, "/api/v1/pa/payment_intents/"+url.PathEscape(providerRef), headers, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	if status >= 500 {
		return "", fmt.Errorf("%w: airwallex responded %d", providers.ErrUnavailable, status)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("airwallex intent lookup failed (%d): %s", status, gjson.GetBytes(body, "message").String())
	}
	switch gjson.GetBytes(body, "status").String() {
	case "SUCCEEDED":
		return providers.StatusPaid, nil
	case "CANCELLED", "EXPIRED":
		return providers.StatusFailed, nil
	default:
		return providers.StatusPending, nil
	}
}

// authHeaders returns bearer auth headers, refreshing the cached token when
// it is missing or near expiry.
func (a *Adapter) authHeaders(ctx context.Context) (http.Header, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == "" || a.now().After(a.tokenExpiry) {
		if err := a.refreshTokenLocked(ctx); err != nil {
			return nil, err
		}
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.token)
	return h, nil
}

func (a *Adapter) refreshTokenLocked(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("x-client-id", a.cfg.ClientID)
	headers.Set("x-api-key", a.cfg.APIKey)

	body, status, err := a.client.DoJSON(ctx, http.MethodPost, "/api/v1/authentication/login", headers, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("%w: airwallex login responded %d", providers.ErrUnavailable, status)
	}
	token := gjson.GetBytes(body, "token").String()
	if token == "" {
		return fmt.Errorf("%w: airwallex login returned no token", providers.ErrUnavailable)
	}

	expiry := a.now().Add(30 * time.Minute)
	if at := gjson.GetBytes(body, "expires_at").String(); at != "" {
		if parsed, perr := time.Parse(time.RFC3339, at); perr == nil {
			expiry = parsed
		}
	}
	a.token = token
	a.tokenExpiry = expiry.Add(-tokenSlack)
	a.log.WithField("expires", a.tokenExpiry).Debug("refreshed airwallex token")
	return nil
}
