package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/pkg/logctx"
	"github.com/mealmind/billing/pkg/tool"
	"github.com/mealmind/billing/pkg/types"
)

// Service owns the local subscription table. Rows are the system of record for
// entitlements between authority checks; they are corrected toward the
// authorities, never deleted.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// UpsertFromValidation records a successful store validation. The row is keyed
// by (provider, provider_subscription_id); a repeat validation of the same
// store transaction refreshes status, period end and tier instead of creating
// a sibling row.
func (s *Service) UpsertFromValidation(ctx context.Context, userID string, platform types.Platform, transactionID string, expiresAt time.Time, tierID int) (*models.Subscription, error) {
	provider := platform.Provider()

	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_subscription_id = ?", provider, transactionID).
		First(&sub).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub = models.Subscription{
			ID:                     tool.GenerateUUIDV7(),
			UserID:                 userID,
			Provider:               provider,
			ProviderSubscriptionID: &transactionID,
			Status:                 types.SubscriptionStatusActive,
			CurrentPeriodEnd:       expiresAt,
			TierID:                 tierID,
		}
		if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
			return nil, fmt.Errorf("failed to create subscription: %w", err)
		}
		logctx.FromCtx(ctx, s.log).Infof("created subscription %s for user %s (provider=%s)", sub.ID, userID, provider)
		return &sub, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	sub.Status = types.SubscriptionStatusActive
	sub.CurrentPeriodEnd = expiresAt
	sub.TierID = tierID
	if err := s.db.WithContext(ctx).Save(&sub).Error; err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	logctx.FromCtx(ctx, s.log).Infof("refreshed subscription %s for user %s (provider=%s)", sub.ID, userID, provider)
	return &sub, nil
}

// ListOverdueEntitled returns entitled rows whose paid period has lapsed by
// the local clock.
func (s *Service) ListOverdueEntitled(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ? AND current_period_end < ?", entitledStatuses(), now).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue subscriptions: %w", err)
	}
	return rows, nil
}

// ListByProvider returns all non-terminal rows for a provider. Terminal rows
// (expired, cancelled) are history and stay untouched by reconciliation.
func (s *Service) ListByProvider(ctx context.Context, provider types.Provider) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("provider = ? AND status NOT IN ?", provider,
			[]types.SubscriptionStatus{types.SubscriptionStatusExpired, types.SubscriptionStatusCancelled}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s subscriptions: %w", provider, err)
	}
	return rows, nil
}

// SetStatus marks a single row with a new status.
func (s *Service) SetStatus(ctx context.Context, id string, status types.SubscriptionStatus) error {
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to set subscription status: %w", err)
	}
	return nil
}

// ApplyRemoteState corrects a row toward the authority's view.
func (s *Service) ApplyRemoteState(ctx context.Context, id string, status types.SubscriptionStatus, periodEnd time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":             status,
			"current_period_end": periodEnd,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to apply remote subscription state: %w", err)
	}
	return nil
}

// MaxEntitledTier resolves the tier a user should hold right now: the maximum
// TierID across entitling rows, or the baseline when none entitle.
func (s *Service) MaxEntitledTier(ctx context.Context, userID string) (int, error) {
	var tiers []int
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND status IN ?", userID, entitledStatuses()).
		Pluck("tier_id", &tiers).Error
	if err != nil {
		return 0, fmt.Errorf("failed to resolve tier for user %s: %w", userID, err)
	}
	tier := types.BaselineTier
	for _, t := range tiers {
		if t > tier {
			tier = t
		}
	}
	return tier, nil
}

// ListUserIDs returns the distinct user ids holding any subscription row.
func (s *Service) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Distinct("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription user ids: %w", err)
	}
	return ids, nil
}

// GetUserSubscriptions returns all rows for a user, newest period first.
func (s *Service) GetUserSubscriptions(ctx context.Context, userID string) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("current_period_end DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list user subscriptions: %w", err)
	}
	return rows, nil
}

func entitledStatuses() []types.SubscriptionStatus {
	return []types.SubscriptionStatus{types.SubscriptionStatusActive, types.SubscriptionStatusTrialing}
}
