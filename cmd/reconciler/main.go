package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mealmind/billing/internal/app"
	"github.com/mealmind/billing/internal/app/service/reconcile"
)

// runTimeout caps one reconciliation run; cron schedules the next one.
const runTimeout = 30 * time.Minute

func main() {
	exitCode := 0
	defer func() { os.Exit(exitCode) }()

	var (
		svc *reconcile.Service
		log *zap.SugaredLogger
	)
	a := fx.New(
		app.Core,
		fx.Populate(&svc, &log),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), app.DefaultStartTimeout)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		zap.NewExample().Sugar().Errorf("failed to start reconciler: %v", err)
		exitCode = 1
		return
	}

	runCtx, cancelRun := context.WithTimeout(context.Background(), runTimeout)
	defer cancelRun()
	if _, err := svc.ReconcileAll(runCtx); err != nil {
		log.Errorf("reconciliation run failed: %v", err)
		exitCode = 1
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.DefaultStopTimeout)
	defer cancelStop()
	if err := a.Stop(stopCtx); err != nil {
		log.Errorf("failed to stop reconciler: %v", err)
		exitCode = 1
	}
}
