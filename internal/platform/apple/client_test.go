package apple

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealmind/billing/internal/platform/authority"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/retry"
	"github.com/mealmind/billing/pkg/types"
)

func newTestClient(prodURL, sandboxURL string) *Client {
	cfg := &config.Config{}
	cfg.Apple.SharedSecret = "secret"
	cfg.Apple.ProductionURL = prodURL
	cfg.Apple.SandboxURL = sandboxURL
	return NewClient(cfg)
}

func receiptResponse(status int, txID string, expiresAt time.Time, env string) map[string]any {
	return map[string]any{
		"status":      status,
		"environment": env,
		"latest_receipt_info": []map[string]any{
			{
				"transaction_id":  txID,
				"product_id":      "com.mealmind.premium.monthly",
				"expires_date_ms": intToStr(expiresAt.UnixMilli()),
			},
		},
	}
}

func intToStr(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestVerify_SandboxRedirect(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Millisecond)

	var prodCalls, sandboxCalls int
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "secret", req["password"])
		_ = json.NewEncoder(w).Encode(receiptResponse(0, "1000000123456789", expiry, "Sandbox"))
	}))
	defer sandbox.Close()

	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prodCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{"status": 21007})
	}))
	defer prod.Close()

	c := newTestClient(prod.URL, sandbox.URL)
	v, err := c.Verify(context.Background(), "base64-receipt")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "1000000123456789", v.TransactionID)
	assert.Equal(t, types.EnvironmentSandbox, v.Environment)
	require.NotNil(t, v.ExpiresAt)
	assert.Equal(t, expiry.UnixMilli(), v.ExpiresAt.UnixMilli())
	assert.Equal(t, 1, prodCalls)
	assert.Equal(t, 1, sandboxCalls)
}

func TestVerify_RedirectLoopIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": 21007})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	_, err := c.Verify(context.Background(), "r")
	require.Error(t, err)
	assert.True(t, authority.IsPermanent(err))
}

func TestVerify_ProductionSuccess(t *testing.T) {
	expiry := time.Now().Add(24 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      0,
			"environment": "Production",
			"latest_receipt_info": []map[string]any{
				{"transaction_id": "tx-1", "expires_date_ms": intToStr(expiry.UnixMilli())},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	v, err := c.Verify(context.Background(), "r")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, types.EnvironmentProduction, v.Environment)
}

func TestVerify_ExpiredSubscriptionIsInvalidNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": 21006, "environment": "Production"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	v, err := c.Verify(context.Background(), "r")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, statusSubscriptionExpired, v.StatusCode)
	assert.NotEmpty(t, v.Reason)
}

func TestVerify_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		class  retry.Class
	}{
		{21000, retry.ClassPermanent},
		{21002, retry.ClassPermanent},
		{21003, retry.ClassPermanent},
		{21004, retry.ClassPermanent},
		{21010, retry.ClassPermanent},
		{21005, retry.ClassTransient},
		{21009, retry.ClassTransient},
	}
	for _, tc := range tests {
		err := classifyStatus(tc.status)
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.class, authority.Classify(err), "status %d", tc.status)
	}
}

func TestVerify_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	_, err := c.Verify(context.Background(), "r")
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, authority.Classify(err))
}
