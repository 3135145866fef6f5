package entitlement

import (
	"go.uber.org/fx"

	"github.com/mealmind/billing/internal/platform/identity"
)

// Module exposes the entitlement propagator via Fx.
var Module = fx.Options(
	fx.Provide(func(s *identity.ClaimsStore) ClaimsStore { return s }),
	fx.Provide(NewService),
)
