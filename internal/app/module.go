package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/mealmind/billing/internal/app/api/server"
	"github.com/mealmind/billing/internal/app/service/entitlement"
	"github.com/mealmind/billing/internal/app/service/ledger"
	"github.com/mealmind/billing/internal/app/service/reconcile"
	"github.com/mealmind/billing/internal/app/service/statistics"
	"github.com/mealmind/billing/internal/app/service/subscription"
	"github.com/mealmind/billing/internal/app/service/validation"
	"github.com/mealmind/billing/internal/platform/apple"
	"github.com/mealmind/billing/internal/platform/cardproc"
	"github.com/mealmind/billing/internal/platform/db"
	"github.com/mealmind/billing/internal/platform/google"
	"github.com/mealmind/billing/internal/platform/identity"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// Authorities provides the platform clients the services talk to.
var Authorities = fx.Options(
	fx.Provide(apple.NewClient),
	fx.Provide(google.NewClient),
	fx.Provide(cardproc.NewClient),
)

// Core wires everything except the HTTP server; the reconciler binary uses it
// directly.
var Core = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	identity.Module,
	Authorities,
	ledger.Module,
	subscription.Module,
	entitlement.Module,
	validation.Module,
	reconcile.Module,
)

var Module = fx.Options(
	Core,
	statistics.Module,
	server.Module,
)
