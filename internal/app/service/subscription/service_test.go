package subscription

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

	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/pkg/tool"
	"github.com/mealmind/billing/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}))
	return NewService(db, zap.NewNop().Sugar())
}

func seed(t *testing.T, s *Service, sub *models.Subscription) *models.Subscription {
	t.Helper()
	if sub.ID == "" {
		sub.ID = tool.GenerateUUIDV7()
	}
	require.NoError(t, s.db.Create(sub).Error)
	return sub
}

func TestUpsertFromValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	firstEnd := time.Now().Add(30 * 24 * time.Hour)
	sub, err := svc.UpsertFromValidation(ctx, "user-1", types.PlatformIOS, "tx-100", firstEnd, 2)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderIOS, sub.Provider)
	assert.Equal(t, 2, sub.TierID)
	require.NotNil(t, sub.ProviderSubscriptionID)
	assert.Equal(t, "tx-100", *sub.ProviderSubscriptionID)

	// renewal of the same store transaction updates in place
	laterEnd := firstEnd.Add(30 * 24 * time.Hour)
	again, err := svc.UpsertFromValidation(ctx, "user-1", types.PlatformIOS, "tx-100", laterEnd, 3)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)
	assert.Equal(t, 3, again.TierID)
	assert.Equal(t, laterEnd.Unix(), again.CurrentPeriodEnd.Unix())

	var count int64
	require.NoError(t, svc.db.Model(&models.Subscription{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListOverdueEntitled(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	overdue := seed(t, svc, &models.Subscription{
		UserID: "u1", Provider: types.ProviderCard,
		Status: types.SubscriptionStatusActive, CurrentPeriodEnd: now.Add(-time.Hour),
	})
	seed(t, svc, &models.Subscription{
		UserID: "u2", Provider: types.ProviderCard,
		Status: types.SubscriptionStatusActive, CurrentPeriodEnd: now.Add(time.Hour),
	})
	// expired rows are history, never re-flagged
	seed(t, svc, &models.Subscription{
		UserID: "u3", Provider: types.ProviderIOS,
		Status: types.SubscriptionStatusExpired, CurrentPeriodEnd: now.Add(-48 * time.Hour),
	})

	rows, err := svc.ListOverdueEntitled(ctx, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, overdue.ID, rows[0].ID)
}

func TestListByProviderSkipsTerminalRows(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	active := seed(t, svc, &models.Subscription{
		UserID: "u1", Provider: types.ProviderCard,
		Status: types.SubscriptionStatusActive, CurrentPeriodEnd: now.Add(time.Hour),
	})
	seed(t, svc, &models.Subscription{
		UserID: "u1", Provider: types.ProviderCard,
		Status: types.SubscriptionStatusCancelled, CurrentPeriodEnd: now.Add(-time.Hour),
	})
	seed(t, svc, &models.Subscription{
		UserID: "u2", Provider: types.ProviderIOS,
		Status: types.SubscriptionStatusActive, CurrentPeriodEnd: now.Add(time.Hour),
	})

	rows, err := svc.ListByProvider(ctx, types.ProviderCard)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, active.ID, rows[0].ID)
}

func TestMaxEntitledTier(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	seed(t, svc, &models.Subscription{
		UserID: "u1", Provider: types.ProviderCard,
		Status: types.SubscriptionStatusActive, CurrentPeriodEnd: now.Add(time.Hour), TierID: 1,
	})
	seed(t, svc, &models.Subscription{
		UserID: "u1", Provider: types.ProviderIOS,
		Status: types.SubscriptionStatusTrialing, CurrentPeriodEnd: now.Add(time.Hour), TierID: 3,
	})
	// expired tier 5 must not count
	seed(t, svc, &models.Subscription{
		UserID: "u1", Provider: types.ProviderAndroid,
		Status: types.SubscriptionStatusExpired, CurrentPeriodEnd: now.Add(-time.Hour), TierID: 5,
	})

	tier, err := svc.MaxEntitledTier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, tier)

	// no rows at all resolves to the baseline
	tier, err = svc.MaxEntitledTier(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, types.BaselineTier, tier)
}

func TestSetStatusAndApplyRemoteState(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	sub := seed(t, svc, &models.Subscription{
		UserID: "u1", Provider: types.ProviderCard,
		Status: types.SubscriptionStatusActive, CurrentPeriodEnd: now.Add(-time.Hour),
	})

	require.NoError(t, svc.SetStatus(ctx, sub.ID, types.SubscriptionStatusExpired))
	var got models.Subscription
	require.NoError(t, svc.db.First(&got, "id = ?", sub.ID).Error)
	assert.Equal(t, types.SubscriptionStatusExpired, got.Status)

	newEnd := now.Add(30 * 24 * time.Hour)
	require.NoError(t, svc.ApplyRemoteState(ctx, sub.ID, types.SubscriptionStatusPastDue, newEnd))
	require.NoError(t, svc.db.First(&got, "id = ?", sub.ID).Error)
	assert.Equal(t, types.SubscriptionStatusPastDue, got.Status)
	assert.Equal(t, newEnd.Unix(), got.CurrentPeriodEnd.Unix())
}

func TestListUserIDs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	for _, u := range []string{"u1", "u1", "u2"} {
		seed(t, svc, &models.Subscription{
			UserID: u, Provider: types.ProviderCard,
			Status: types.SubscriptionStatusActive, CurrentPeriodEnd: now.Add(time.Hour),
		})
	}

	ids, err := svc.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)
}
