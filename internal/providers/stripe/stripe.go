// Package stripe adapts Stripe Checkout to the generic provider interface.
// Checkout sessions are created over the form-encoded v1 API and webhooks are
// authenticated with the Stripe-Signature scheme (HMAC-SHA256 over
// "timestamp.payload").
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/httputil"
	"github.com/beauty-lab/credit_service/internal/providers"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

// DefaultBaseURL is the production Stripe API endpoint.
const DefaultBaseURL = "https://api.stripe.com"

// webhookTolerance bounds the accepted age of a signed webhook timestamp.
const webhookTolerance = 5 * time.Minute

// Config carries the Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Adapter implements providers.Adapter for Stripe Checkout.
type Adapter struct {
	cfg    Config
	client *httputil.Client
	log    *logger.Logger
	now    func() time.Time
}

var _ providers.Adapter = (*Adapter)(nil)

// New builds a Stripe adapter.
func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if log == nil {
		log = logger.NewDefault("stripe")
	}
	return &Adapter{
		cfg:    cfg,
		client: httputil.NewClient(httputil.ClientConfig{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}),
		log:    log,
		now:    time.Now,
	}
}

// Method reports the payment method this adapter serves.
func (a *Adapter) Method() order.Method { return order.MethodStripe }

// CreateIntent creates a Checkout Session in payment mode with the trade
// number carried in both client_reference_id and metadata.
func (a *Adapter) CreateIntent(ctx context.Context, req providers.IntentRequest) (providers.Intent, error) {
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.TradeNo)
	form.Set("success_url", req.ReturnURL)
	form.Set("cancel_url", req.ReturnURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.PlanName)
	form.Set("metadata[orderId]", req.TradeNo)
	form.Set("metadata[userId]", req.UserID)
	form.Set("metadata[credits]", strconv.FormatInt(req.Credits, 10))

	body, status, err := a.client.DoForm(ctx, http.MethodPost, "/v1/checkout/sessions", a.authHeaders(), form)
	if err != nil {
		return providers.Intent{}, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	if status >= 500 {
		return providers.Intent{}, fmt.Errorf("%w: stripe responded %d", providers.ErrUnavailable, status)
	}
	if status != http.StatusOK {
		return providers.Intent{}, fmt.Errorf("stripe rejected checkout session (%d): %s", status, gjson.GetBytes(body, "error.message").String())
	}

	return providers.Intent{
		ProviderRef: gjson.GetBytes(body, "id").String(),
		CheckoutURL: gjson.GetBytes(body, "url").String(),
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header and extracts the session
// event. The signed payload is "<timestamp>.<body>" and any v1 signature in
// the header may match.
func (a *Adapter) VerifyWebhook(body []byte, headers http.Header) (providers.Event, error) {
	header := headers.Get("Stripe-Signature")
	if header == "" {
		return providers.Event{}, fmt.Errorf("%w: missing Stripe-Signature header", providers.ErrSignatureInvalid)
	}
	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return providers.Event{}, fmt.Errorf("%w: %v", providers.ErrSignatureInvalid, err)
	}
	if age := a.now().Sub(time.Unix(ts, 0)); age > webhookTolerance || age < -webhookTolerance {
		return providers.Event{}, fmt.Errorf("%w: timestamp outside tolerance", providers.ErrSignatureInvalid)
	}

	expected := computeSignature(a.cfg.WebhookSecret, ts, body)
	matched := false
	for _, sig := range sigs {
		if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1 {
			matched = true
			break
		}
	}
	if !matched {
		return providers.Event{}, fmt.Errorf("%w: no matching v1 signature", providers.ErrSignatureInvalid)
	}

	eventType := gjson.GetBytes(body, "type").String()
	session := gjson.GetBytes(body, "data.object")
	evt := providers.Event{
		Type:        eventType,
		TradeNo:     session.Get("metadata.orderId").String(),
		ProviderRef: session.Get("id").String(),
		Status:      providers.StatusPending,
	}
	if evt.TradeNo == "" {
		evt.TradeNo = session.Get("client_reference_id").String()
	}
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		if session.Get("payment_status").String() != "unpaid" {
			evt.Status = providers.StatusPaid
		}
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		evt.Status = providers.StatusFailed
	}
	return evt, nil
}

// QueryStatus fetches the Checkout Session and maps its payment_status.
func (a *Adapter) QueryStatus(ctx context.Context, providerRef string) (providers.PaymentStatus, error) {
	body, status, err := a.client.DoJSON(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(providerRef), a.authHeaders(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	if status >= 500 {
		return "", fmt.Errorf("%w: stripe responded %d", providers.ErrUnavailable, status)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("stripe session lookup failed (%d): %s", status, gjson.GetBytes(body, "error.message").String())
	}
	switch gjson.GetBytes(body, "payment_status").String() {
	case "paid", "no_payment_required":
		return providers.StatusPaid, nil
	case "unpaid":
		if gjson.GetBytes(body, "status").String() == "expired" {
			return providers.StatusFailed, nil
		}
		return providers.StatusPending, nil
	default:
		return providers.StatusPending, nil
	}
}

func (a *Adapter) authHeaders() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	return h
}

// parseSignatureHeader splits "t=1700000000,v1=abc,v1=def" into the timestamp
// and the candidate v1 signatures.
func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("bad timestamp %q", kv[1])
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == 0 {
		return 0, nil, fmt.Errorf("no timestamp in header")
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("no v1 signature in header")
	}
	return ts, sigs, nil
}

func computeSignature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
