package models

import (
	"time"

	"github.com/mealmind/billing/pkg/types"
)

// Subscription is the local system-of-record row for one user's entitlement.
// Rows are never deleted; lapsed subscriptions stay as history with
// status=expired. The tier a user is granted is the maximum TierID across
// that user's rows whose status is entitling (active or trialing).
type Subscription struct {
	ID       string         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID   string         `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Provider types.Provider `gorm:"column:provider;type:varchar(16);not null;index:idx_provider_status,priority:1" json:"provider"`
	// ProviderSubscriptionID is the authority-side identifier: the card
	// processor's subscription id, or the store transaction id for IAP rows.
	ProviderSubscriptionID *string                  `gorm:"column:provider_subscription_id;type:varchar(128);index" json:"provider_subscription_id"`
	Status                 types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;index:idx_provider_status,priority:2" json:"status"`
	CurrentPeriodEnd       time.Time                `gorm:"column:current_period_end;not null" json:"current_period_end"`
	TierID                 int                      `gorm:"column:tier_id;not null;default:0" json:"tier_id"`
	CreatedAt              time.Time                `json:"created_at"`
	UpdatedAt              time.Time                `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

// Entitled reports whether this row currently grants its tier.
func (s *Subscription) Entitled() bool {
	return s != nil && s.Status.Entitled()
}

// Overdue reports whether the paid period has lapsed by the local clock.
func (s *Subscription) Overdue(now time.Time) bool {
	return s != nil && s.CurrentPeriodEnd.Before(now)
}
