package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/mealmind/billing/pkg/config"
)

// ClaimsStore writes resolved entitlement claims where the API gateway's
// authorization checks read them.
type ClaimsStore struct {
	client *redis.Client
}

func NewClaimsStore(l *zap.SugaredLogger, cfg *cfgpkg.Config) (*ClaimsStore, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	l.Infow("connected to identity claims store")
	return &ClaimsStore{client: client}, nil
}

func claimsKey(userID string) string {
	return fmt.Sprintf("claims:user:%s", userID)
}

// UpdateUserClaims replaces the user's entitlement claims. Authorization
// checks pick the change up on their next read; no re-authentication needed.
func (s *ClaimsStore) UpdateUserClaims(ctx context.Context, userID string, tier int, updatedAt time.Time) error {
	fields := map[string]any{
		"tier":       tier,
		"updated_at": updatedAt.UTC().Format(time.RFC3339),
	}
	if err := s.client.HSet(ctx, claimsKey(userID), fields).Err(); err != nil {
		return fmt.Errorf("failed to update claims for user %s: %w", userID, err)
	}
	return nil
}

func registerClose(lc fx.Lifecycle, l *zap.SugaredLogger, s *ClaimsStore) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			l.Infow("closing identity claims store connection")
			return s.client.Close()
		},
	})
}

var Module = fx.Options(
	fx.Provide(NewClaimsStore),
	fx.Invoke(registerClose),
)
