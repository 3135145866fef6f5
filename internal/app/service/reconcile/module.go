package reconcile

import (
	"go.uber.org/fx"

	"github.com/mealmind/billing/internal/platform/cardproc"
)

// Module exposes the reconciliation service via Fx.
var Module = fx.Options(
	fx.Provide(func(c *cardproc.Client) CardAuthority { return c }),
	fx.Provide(NewService),
)
