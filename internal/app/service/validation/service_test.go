package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mealmind/billing/internal/app/service/entitlement"
	"github.com/mealmind/billing/internal/app/service/ledger"
	"github.com/mealmind/billing/internal/app/service/subscription"
	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/internal/platform/authority"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/types"
)

type fakeAppleVerifier struct {
	calls  int
	result *authority.Verification
	err    error
}

func (f *fakeAppleVerifier) Verify(_ context.Context, _ string) (*authority.Verification, error) {
	f.calls++
	return f.result, f.err
}

type fakeGoogleVerifier struct {
	calls  int
	result *authority.Verification
	err    error
}

func (f *fakeGoogleVerifier) Verify(_ context.Context, _, _ string) (*authority.Verification, error) {
	f.calls++
	return f.result, f.err
}

type fakeClaimsStore struct {
	tiers map[string]int
}

func (f *fakeClaimsStore) UpdateUserClaims(_ context.Context, userID string, tier int, _ time.Time) error {
	f.tiers[userID] = tier
	return nil
}

type fixture struct {
	svc    *Service
	apple  *fakeAppleVerifier
	google *fakeGoogleVerifier
	claims *fakeClaimsStore
	db     *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.ValidationRecord{}))

	cfg := &config.Config{
		Products: []*types.Product{
			{ID: "premium_monthly", TierID: 2},
			{ID: "pro_yearly", TierID: 3},
			{ID: "cookbook_lifetime", TierID: 1, Lifetime: true},
		},
	}
	log := zap.NewNop().Sugar()
	subSvc := subscription.NewService(db, log)
	claims := &fakeClaimsStore{tiers: map[string]int{}}
	entSvc := entitlement.NewService(subSvc, claims, log)
	apple := &fakeAppleVerifier{}
	google := &fakeGoogleVerifier{}

	svc := NewService(cfg, log, ledger.NewService(db, log), subSvc, entSvc, apple, google)
	svc.policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{svc: svc, apple: apple, google: google, claims: claims, db: db}
}

func validVerification(txID string, expires time.Time) *authority.Verification {
	return &authority.Verification{
		Valid:         true,
		TransactionID: txID,
		ExpiresAt:     &expires,
		Environment:   types.EnvironmentProduction,
	}
}

func TestValidatePurchase_Success(t *testing.T) {
	fx := newFixture(t)
	expires := time.Now().Add(30 * 24 * time.Hour)
	fx.apple.result = validVerification("tx-1", expires)

	res, err := fx.svc.ValidatePurchase(context.Background(), &Request{
		UserID: "u1", Platform: types.PlatformIOS,
		ProductID: "premium_monthly", ReceiptData: "receipt-bytes",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, types.ValidationStatusValid, res.Status)
	assert.Equal(t, "tx-1", res.TransactionID)
	assert.Equal(t, 2, res.Tier)
	assert.False(t, res.Deduped)
	assert.Equal(t, 1, fx.apple.calls)

	// ledger row and entitlement grant both landed
	var recCount, subCount int64
	require.NoError(t, fx.db.Model(&models.ValidationRecord{}).Count(&recCount).Error)
	require.NoError(t, fx.db.Model(&models.Subscription{}).Count(&subCount).Error)
	assert.Equal(t, int64(1), recCount)
	assert.Equal(t, int64(1), subCount)
	assert.Equal(t, 2, fx.claims.tiers["u1"])
}

func TestValidatePurchase_DuplicateServedWithoutAuthorityCall(t *testing.T) {
	fx := newFixture(t)
	expires := time.Now().Add(30 * 24 * time.Hour)
	fx.apple.result = validVerification("tx-1", expires)
	req := &Request{
		UserID: "u1", Platform: types.PlatformIOS,
		ProductID: "premium_monthly", ReceiptData: "receipt-bytes",
	}

	first, err := fx.svc.ValidatePurchase(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := fx.svc.ValidatePurchase(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 1, fx.apple.calls)

	// no second grant
	var subCount int64
	require.NoError(t, fx.db.Model(&models.Subscription{}).Count(&subCount).Error)
	assert.Equal(t, int64(1), subCount)
}

func TestValidatePurchase_TransientFailureAsksClientToRetry(t *testing.T) {
	fx := newFixture(t)
	fx.google.err = authority.Transient("play lookup", 503, "upstream error", nil)

	res, err := fx.svc.ValidatePurchase(context.Background(), &Request{
		UserID: "u1", Platform: types.PlatformAndroid,
		ProductID: "pro_yearly", ReceiptData: "purchase-token",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, 3, fx.google.calls)

	// no outcome, no ledger row: the same proof stays submittable
	var recCount int64
	require.NoError(t, fx.db.Model(&models.ValidationRecord{}).Count(&recCount).Error)
	assert.Equal(t, int64(0), recCount)
}

func TestValidatePurchase_PermanentFailureRecordedAsInvalid(t *testing.T) {
	fx := newFixture(t)
	fx.apple.err = authority.Permanent("verifyReceipt", 21003, "receipt could not be authenticated")

	res, err := fx.svc.ValidatePurchase(context.Background(), &Request{
		UserID: "u1", Platform: types.PlatformIOS,
		ProductID: "premium_monthly", ReceiptData: "bad-receipt",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
	assert.Equal(t, types.ValidationStatusInvalid, res.Status)
	assert.Equal(t, 1, fx.apple.calls)

	var rec models.ValidationRecord
	require.NoError(t, fx.db.First(&rec).Error)
	assert.Equal(t, types.ValidationStatusInvalid, rec.Status)
}

func TestValidatePurchase_RejectedProofNotGranted(t *testing.T) {
	fx := newFixture(t)
	fx.google.result = &authority.Verification{Valid: false, Reason: "payment pending"}

	res, err := fx.svc.ValidatePurchase(context.Background(), &Request{
		UserID: "u1", Platform: types.PlatformAndroid,
		ProductID: "pro_yearly", ReceiptData: "purchase-token",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "payment pending", res.Reason)

	var subCount int64
	require.NoError(t, fx.db.Model(&models.Subscription{}).Count(&subCount).Error)
	assert.Equal(t, int64(0), subCount)
}

func TestValidatePurchase_UnknownProduct(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.svc.ValidatePurchase(context.Background(), &Request{
		UserID: "u1", Platform: types.PlatformIOS,
		ProductID: "nope", ReceiptData: "receipt-bytes",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ValidationStatusInvalid, res.Status)
	assert.Equal(t, 0, fx.apple.calls)
}

func TestValidatePurchase_LifetimeProductGetsFarFuturePeriod(t *testing.T) {
	fx := newFixture(t)
	fx.google.result = &authority.Verification{
		Valid:         true,
		TransactionID: "order-77",
		Environment:   types.EnvironmentProduction,
	}

	res, err := fx.svc.ValidatePurchase(context.Background(), &Request{
		UserID: "u2", Platform: types.PlatformAndroid,
		ProductID: "cookbook_lifetime", ReceiptData: "token-77",
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	var sub models.Subscription
	require.NoError(t, fx.db.First(&sub).Error)
	assert.Equal(t, lifetimeEnd.Unix(), sub.CurrentPeriodEnd.Unix())
	assert.Equal(t, 1, sub.TierID)
}

func TestValidatePurchase_LedgerWriteFailureDoesNotFailValidation(t *testing.T) {
	fx := newFixture(t)
	expires := time.Now().Add(30 * 24 * time.Hour)
	fx.apple.result = validVerification("tx-9", expires)
	// reads keep working, inserts fail
	require.NoError(t, fx.db.Exec(
		`CREATE TRIGGER reject_inserts BEFORE INSERT ON validation_record
		 BEGIN SELECT RAISE(ABORT, 'disk full'); END`).Error)

	res, err := fx.svc.ValidatePurchase(context.Background(), &Request{
		UserID: "u1", Platform: types.PlatformIOS,
		ProductID: "premium_monthly", ReceiptData: "receipt-bytes",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, fx.claims.tiers["u1"])
}
