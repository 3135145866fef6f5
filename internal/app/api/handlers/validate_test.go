package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mealmind/billing/internal/app/service/entitlement"
	"github.com/mealmind/billing/internal/app/service/ledger"
	"github.com/mealmind/billing/internal/app/service/subscription"
	"github.com/mealmind/billing/internal/app/service/validation"
	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/internal/platform/authority"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/types"
)

type stubApple struct {
	result *authority.Verification
	err    error
}

func (s *stubApple) Verify(_ context.Context, _ string) (*authority.Verification, error) {
	return s.result, s.err
}

type stubGoogle struct{}

func (s *stubGoogle) Verify(_ context.Context, _, _ string) (*authority.Verification, error) {
	panic("not used")
}

type nopClaims struct{}

func (nopClaims) UpdateUserClaims(context.Context, string, int, time.Time) error { return nil }

func newValidationService(t *testing.T, apple *stubApple) *validation.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.ValidationRecord{}))

	cfg := &config.Config{Products: []*types.Product{{ID: "premium_monthly", TierID: 2}}}
	cfg.Retry.MaxAttempts = 1
	log := zap.NewNop().Sugar()
	subSvc := subscription.NewService(db, log)
	entSvc := entitlement.NewService(subSvc, nopClaims{}, log)
	return validation.NewService(cfg, log, ledger.NewService(db, log), subSvc, entSvc, apple, &stubGoogle{})
}

func doValidate(t *testing.T, svc *validation.Service, userID string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/v1/purchase/validate", ApiValidatePurchase(svc))

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/purchase/validate", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestApiValidatePurchase_Success(t *testing.T) {
	expires := time.Now().Add(30 * 24 * time.Hour)
	svc := newValidationService(t, &stubApple{result: &authority.Verification{
		Valid: true, TransactionID: "tx-1", ExpiresAt: &expires, Environment: types.EnvironmentProduction,
	}})

	w := doValidate(t, svc, "user-1", map[string]any{
		"platform": "ios", "product_id": "premium_monthly", "receipt_data": "abc",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"code":0`)
	require.Contains(t, w.Body.String(), "tx-1")
}

func TestApiValidatePurchase_MissingUserHeader(t *testing.T) {
	svc := newValidationService(t, &stubApple{})
	w := doValidate(t, svc, "", map[string]any{
		"platform": "ios", "product_id": "premium_monthly", "receipt_data": "abc",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestApiValidatePurchase_AuthorityDownAnswers503(t *testing.T) {
	svc := newValidationService(t, &stubApple{
		err: authority.Transient("verifyReceipt", 0, "apple unreachable", nil),
	})
	w := doValidate(t, svc, "user-1", map[string]any{
		"platform": "ios", "product_id": "premium_monthly", "receipt_data": "abc",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "60", w.Header().Get("Retry-After"))
}
