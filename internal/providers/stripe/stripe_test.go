package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beauty-lab/credit_service/internal/providers"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		BaseURL:       srv.URL,
	}, nil)
}

func signBody(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateIntent(t *testing.T) {
	var gotAuth, gotTradeNo string
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotAuth = r.Header.Get("Authorization")
		gotTradeNo = r.PostForm.Get("metadata[orderId]")
		fmt.Fprint(w, `{"id":"cs_test_1","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`)
	}))

	intent, err := adapter.CreateIntent(context.Background(), providers.IntentRequest{
		TradeNo:     "ML1700000000000ABCDEF",
		UserID:      "user-1",
		AmountCents: 199,
		Credits:     12,
		PlanName:    "Beauty Lab 12 Credits",
		ReturnURL:   "https://app.example.com/return",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", intent.ProviderRef)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", intent.CheckoutURL)
	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.Equal(t, "ML1700000000000ABCDEF", gotTradeNo)
}

func TestCreateIntentServerError(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := adapter.CreateIntent(context.Background(), providers.IntentRequest{TradeNo: "ML1", AmountCents: 199})
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrUnavailable))
}

func TestVerifyWebhook(t *testing.T) {
	adapter := New(Config{WebhookSecret: "whsec_test"}, nil)
	now := time.Unix(1700000000, 0)
	adapter.now = func() time.Time { return now }

	body := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"paid","metadata":{"orderId":"ML1700000000000ABCDEF"}}}}`)
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), signBody("whsec_test", now.Unix(), body)))

	evt, err := adapter.VerifyWebhook(body, headers)
	require.NoError(t, err)
	assert.Equal(t, "ML1700000000000ABCDEF", evt.TradeNo)
	assert.Equal(t, "cs_1", evt.ProviderRef)
	assert.Equal(t, providers.StatusPaid, evt.Status)
}

func TestVerifyWebhookBadSignature(t *testing.T) {
	adapter := New(Config{WebhookSecret: "whsec_test"}, nil)
	now := time.Unix(1700000000, 0)
	adapter.now = func() time.Time { return now }

	body := []byte(`{"type":"checkout.session.completed"}`)
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), "deadbeef"))

	_, err := adapter.VerifyWebhook(body, headers)
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrSignatureInvalid))
}

func TestVerifyWebhookStaleTimestamp(t *testing.T) {
	adapter := New(Config{WebhookSecret: "whsec_test"}, nil)
	adapter.now = func() time.Time { return time.Unix(1700000000, 0) }

	ts := int64(1700000000 - 3600)
	body := []byte(`{}`)
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, signBody("whsec_test", ts, body)))

	_, err := adapter.VerifyWebhook(body, headers)
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrSignatureInvalid))
}

func TestVerifyWebhookMissingHeader(t *testing.T) {
	adapter := New(Config{WebhookSecret: "whsec_test"}, nil)
	_, err := adapter.VerifyWebhook([]byte(`{}`), http.Header{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrSignatureInvalid))
}

func TestVerifyWebhookFailedEvent(t *testing.T) {
	adapter := New(Config{WebhookSecret: "whsec_test"}, nil)
	now := time.Unix(1700000000, 0)
	adapter.now = func() time.Time { return now }

	body := []byte(`{"type":"checkout.session.expired","data":{"object":{"id":"cs_2","client_reference_id":"ML42"}}}`)
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), signBody("whsec_test", now.Unix(), body)))

	evt, err := adapter.VerifyWebhook(body, headers)
	require.NoError(t, err)
	assert.Equal(t, "ML42", evt.TradeNo)
	assert.Equal(t, providers.StatusFailed, evt.Status)
}

func TestQueryStatus(t *testing.T) {
	cases := []struct {
		name string
		body string
		want providers.PaymentStatus
	}{
		{"paid", `{"id":"cs_1","status":"complete","payment_status":"paid"}`, providers.StatusPaid},
		{"unpaid open", `{"id":"cs_1","status":"open","payment_status":"unpaid"}`, providers.StatusPending},
		{"expired", `{"id":"cs_1","status":"expired","payment_status":"unpaid"}`, providers.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
				fmt.Fprint(w, tc.body)
			}))
			status, err := adapter.QueryStatus(context.Background(), "cs_1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}
