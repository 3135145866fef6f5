package validation

import (
	"go.uber.org/fx"

	"github.com/mealmind/billing/internal/platform/apple"
	"github.com/mealmind/billing/internal/platform/google"
)

// Module exposes the validation service via Fx.
var Module = fx.Options(
	fx.Provide(func(c *apple.Client) AppleVerifier { return c }),
	fx.Provide(func(c *google.Client) GoogleVerifier { return c }),
	fx.Provide(NewService),
)
