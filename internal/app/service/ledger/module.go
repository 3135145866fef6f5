package ledger

import "go.uber.org/fx"

// Module exposes the validation ledger service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
