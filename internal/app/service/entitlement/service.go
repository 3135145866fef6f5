package entitlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mealmind/billing/internal/app/service/subscription"
	"github.com/mealmind/billing/pkg/logctx"
)

// ClaimsStore is where resolved tiers are published for authorization checks.
type ClaimsStore interface {
	UpdateUserClaims(ctx context.Context, userID string, tier int, updatedAt time.Time) error
}

// Service recomputes a user's effective tier from subscription rows and
// publishes it to the claims store. Entitlement changes take effect on the
// next authorization check; sessions are never invalidated.
type Service struct {
	subSvc *subscription.Service
	claims ClaimsStore
	log    *zap.SugaredLogger
}

func NewService(subSvc *subscription.Service, claims ClaimsStore, log *zap.SugaredLogger) *Service {
	return &Service{subSvc: subSvc, claims: claims, log: log}
}

// PropagateUser resolves and publishes one user's tier, returning the tier it
// published.
func (s *Service) PropagateUser(ctx context.Context, userID string) (int, error) {
	tier, err := s.subSvc.MaxEntitledTier(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.claims.UpdateUserClaims(ctx, userID, tier, time.Now()); err != nil {
		return 0, fmt.Errorf("failed to publish claims for user %s: %w", userID, err)
	}
	logctx.FromCtx(ctx, s.log).Infof("propagated tier %d for user %s", tier, userID)
	return tier, nil
}

// PropagateAll publishes every known user's tier. One user's failure never
// blocks the rest; the failure count is returned for run accounting.
func (s *Service) PropagateAll(ctx context.Context) (propagated int64, failed int64, err error) {
	userIDs, err := s.subSvc.ListUserIDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list users for propagation: %w", err)
	}
	for _, userID := range userIDs {
		if _, perr := s.PropagateUser(ctx, userID); perr != nil {
			failed++
			logctx.FromCtx(ctx, s.log).Errorf("failed to propagate entitlements for user %s: %v", userID, perr)
			continue
		}
		propagated++
	}
	return propagated, failed, nil
}
