package airwallex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beauty-lab/credit_service/internal/providers"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	var baseURL string
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		baseURL = srv.URL
	}
	return New(Config{
		ClientID:      "client-1",
		APIKey:        "aw_key",
		WebhookSecret: "aw_whsec",
		BaseURL:       baseURL,
	}, nil)
}

func loginHandler(t *testing.T, logins *int64, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/authentication/login" {
			atomic.AddInt64(logins, 1)
			assert.Equal(t, "client-1", r.Header.Get("x-client-id"))
			assert.Equal(t, "aw_key", r.Header.Get("x-api-key"))
			fmt.Fprintf(w, `{"token":"tok_1","expires_at":%q}`, time.Now().Add(time.Hour).Format(time.RFC3339))
			return
		}
		next(w, r)
	})
}

func TestCreateIntent(t *testing.T) {
	var logins int64
	var gotAuth string
	var gotPayload map[string]interface{}
	adapter := newTestAdapter(t, loginHandler(t, &logins, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/pa/payment_intents/create", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		fmt.Fprint(w, `{"id":"int_1","client_secret":"cs_secret"}`)
	}))

	intent, err := adapter.CreateIntent(context.Background(), providers.IntentRequest{
		TradeNo:     "AW1700000000000ABCDEF",
		UserID:      "user-1",
		AmountCents: 399,
		Credits:     30,
	})
	require.NoError(t, err)
	assert.Equal(t, "int_1", intent.ProviderRef)
	assert.Equal(t, "cs_secret", intent.ClientSecret)
	assert.Equal(t, "Bearer tok_1", gotAuth)
	assert.Equal(t, "AW1700000000000ABCDEF", gotPayload["merchant_order_id"])
	assert.Equal(t, 3.99, gotPayload["amount"])
}

func TestTokenReuse(t *testing.T) {
	var logins int64
	adapter := newTestAdapter(t, loginHandler(t, &logins, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"int_1","status":"SUCCEEDED"}`)
	}))

	for i := 0; i < 3; i++ {
		_, err := adapter.QueryStatus(context.Background(), "int_1")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&logins))
}

func TestTokenRefreshAfterExpiry(t *testing.T) {
	var logins int64
	adapter := newTestAdapter(t, loginHandler(t, &logins, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"int_1","status":"SUCCEEDED"}`)
	}))

	_, err := adapter.QueryStatus(context.Background(), "int_1")
	require.NoError(t, err)

	adapter.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = adapter.QueryStatus(context.Background(), "int_1")
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&logins))
}

func TestVerifyWebhook(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	body := []byte(`{"name":"payment_intent.succeeded","data":{"object":{"id":"int_1","merchant_order_id":"AW1700000000000ABCDEF"}}}`)
	ts := "1700000000"
	mac := hmac.New(sha256.New, []byte("aw_whsec"))
	mac.Write([]byte(ts))
	mac.Write(body)

	headers := http.Header{}
	headers.Set("x-timestamp", ts)
	headers.Set("x-signature", hex.EncodeToString(mac.Sum(nil)))

	evt, err := adapter.VerifyWebhook(body, headers)
	require.NoError(t, err)
	assert.Equal(t, "AW1700000000000ABCDEF", evt.TradeNo)
	assert.Equal(t, "int_1", evt.ProviderRef)
	assert.Equal(t, providers.StatusPaid, evt.Status)
}

func TestVerifyWebhookBadSignature(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	headers := http.Header{}
	headers.Set("x-timestamp", "1700000000")
	headers.Set("x-signature", "deadbeef")

	_, err := adapter.VerifyWebhook([]byte(`{}`), headers)
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrSignatureInvalid))
}

func TestVerifyWebhookMissingHeaders(t *testing.T) {
	adapter := newTestAdapter(t, nil)
	_, err := adapter.VerifyWebhook([]byte(`{}`), http.Header{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrSignatureInvalid))
}

func TestQueryStatusMapping(t *testing.T) {
	cases := []struct {
		status string
		want   providers.PaymentStatus
	}{
		{"SUCCEEDED", providers.StatusPaid},
		{"CANCELLED", providers.StatusFailed},
		{"REQUIRES_PAYMENT_METHOD", providers.StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			var logins int64
			adapter := newTestAdapter(t, loginHandler(t, &logins, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/v1/pa/payment_intents/int_1", r.URL.Path)
				fmt.Fprintf(w, `{"id":"int_1","status":%q}`, tc.status)
			}))
			status, err := adapter.QueryStatus(context.Background(), "int_1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}
