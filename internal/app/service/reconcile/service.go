package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mealmind/billing/internal/app/service/entitlement"
	"github.com/mealmind/billing/internal/app/service/ledger"
	"github.com/mealmind/billing/internal/app/service/subscription"
	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/internal/platform/authority"
	"github.com/mealmind/billing/internal/platform/cardproc"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/logctx"
	"github.com/mealmind/billing/pkg/metrics"
	"github.com/mealmind/billing/pkg/retry"
	"github.com/mealmind/billing/pkg/tool"
	"github.com/mealmind/billing/pkg/types"
)

// CardAuthority fetches remote subscription state from the card processor.
type CardAuthority interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*cardproc.RemoteSubscription, error)
}

// RunStats is the accounting of one reconciliation run.
type RunStats struct {
	TotalChecked  int64
	Expired       int64
	Updated       int64
	Errors        int64
	DriftDetected int64
	Duration      time.Duration
}

type counters struct {
	totalChecked  atomic.Int64
	expired       atomic.Int64
	updated       atomic.Int64
	errors        atomic.Int64
	driftDetected atomic.Int64
}

func (c *counters) stats(d time.Duration) *RunStats {
	return &RunStats{
		TotalChecked:  c.totalChecked.Load(),
		Expired:       c.expired.Load(),
		Updated:       c.updated.Load(),
		Errors:        c.errors.Load(),
		DriftDetected: c.driftDetected.Load(),
		Duration:      d,
	}
}

// Service corrects local subscription state toward the billing authorities.
// The authorities always win: local rows are patched, never the reverse.
type Service struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	db     *gorm.DB
	subSvc *subscription.Service
	ledger *ledger.Service
	entSvc *entitlement.Service
	card   CardAuthority
	policy retry.Policy
	now    func() time.Time
}

func NewService(cfg *config.Config, log *zap.SugaredLogger, db *gorm.DB, subSvc *subscription.Service, ledgerSvc *ledger.Service, entSvc *entitlement.Service, card CardAuthority) *Service {
	return &Service{
		cfg:    cfg,
		log:    log,
		db:     db,
		subSvc: subSvc,
		ledger: ledgerSvc,
		entSvc: entSvc,
		card:   card,
		policy: cfg.Retry.Policy(log),
		now:    time.Now,
	}
}

// ReconcileAll runs the four correction phases in order: lapse overdue rows,
// sweep the card authority, sweep the store ledgers, republish entitlements.
// Per-subscription failures are counted and skipped; only a failure that
// prevents a whole phase from running aborts the run.
func (s *Service) ReconcileAll(ctx context.Context) (*RunStats, error) {
	start := s.now()
	log := logctx.FromCtx(ctx, s.log)
	log.Infow("reconciliation run started")

	var c counters
	if err := s.expireOverdue(ctx, &c); err != nil {
		return nil, fmt.Errorf("expire phase failed: %w", err)
	}
	if err := s.sweepCard(ctx, &c); err != nil {
		return nil, fmt.Errorf("card sweep failed: %w", err)
	}
	if err := s.sweepStores(ctx, &c); err != nil {
		return nil, fmt.Errorf("store sweep failed: %w", err)
	}

	propagated, failed, err := s.entSvc.PropagateAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("propagation phase failed: %w", err)
	}
	c.errors.Add(failed)

	stats := c.stats(s.now().Sub(start))
	log.Infow("reconciliation run finished",
		"total_checked", stats.TotalChecked,
		"expired", stats.Expired,
		"updated", stats.Updated,
		"errors", stats.Errors,
		"drift_detected", stats.DriftDetected,
		"propagated", propagated,
		"duration_ms", stats.Duration.Milliseconds())

	s.publishRunMetrics(ctx, stats, start)
	s.checkAlerts(ctx, stats)
	return stats, nil
}

// ReconcileUser corrects a single user's rows and republishes their tier.
func (s *Service) ReconcileUser(ctx context.Context, userID string) (*RunStats, error) {
	start := s.now()
	subs, err := s.subSvc.GetUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	var c counters
	now := s.now()
	for _, sub := range subs {
		switch {
		case sub.Status == types.SubscriptionStatusExpired || sub.Status == types.SubscriptionStatusCancelled:
			continue
		case sub.Provider == types.ProviderCard:
			s.checkCardSubscription(ctx, sub, &c)
		default:
			s.checkStoreSubscription(ctx, sub, now, &c)
		}
	}

	if _, err := s.entSvc.PropagateUser(ctx, userID); err != nil {
		c.errors.Add(1)
		logctx.FromCtx(ctx, s.log).Errorf("failed to propagate entitlements for user %s: %v", userID, err)
	}
	return c.stats(s.now().Sub(start)), nil
}

// expireOverdue lapses entitled rows whose period end has passed. This runs
// before the sweeps so a renewal found there can re-activate the row in the
// same run.
func (s *Service) expireOverdue(ctx context.Context, c *counters) error {
	rows, err := s.subSvc.ListOverdueEntitled(ctx, s.now())
	if err != nil {
		return err
	}
	for _, sub := range rows {
		c.totalChecked.Add(1)
		if err := s.subSvc.SetStatus(ctx, sub.ID, types.SubscriptionStatusExpired); err != nil {
			c.errors.Add(1)
			logctx.FromCtx(ctx, s.log).Errorf("failed to expire subscription %s: %v", sub.ID, err)
			continue
		}
		c.expired.Add(1)
	}
	return nil
}

// sweepCard compares every live card row against the processor, with a
// bounded worker pool since each check is a remote round-trip.
func (s *Service) sweepCard(ctx context.Context, c *counters) error {
	rows, err := s.subSvc.ListByProvider(ctx, types.ProviderCard)
	if err != nil {
		return err
	}

	workers := s.cfg.Reconcile.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, sub := range rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(sub *models.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			s.checkCardSubscription(ctx, sub, c)
		}(sub)
	}
	wg.Wait()
	return nil
}

func (s *Service) checkCardSubscription(ctx context.Context, sub *models.Subscription, c *counters) {
	c.totalChecked.Add(1)
	if sub.ProviderSubscriptionID == nil {
		c.errors.Add(1)
		logctx.FromCtx(ctx, s.log).Errorf("card subscription %s has no processor id", sub.ID)
		return
	}

	remote, err := retry.Do(ctx, s.policy, authority.Classify, func(ctx context.Context) (*cardproc.RemoteSubscription, error) {
		return s.card.GetSubscription(ctx, *sub.ProviderSubscriptionID)
	})
	if errors.Is(err, cardproc.ErrSubscriptionGone) {
		// remote object deleted: the authority says this entitlement is over
		if uerr := s.subSvc.SetStatus(ctx, sub.ID, types.SubscriptionStatusCancelled); uerr != nil {
			c.errors.Add(1)
			return
		}
		c.driftDetected.Add(1)
		c.updated.Add(1)
		logctx.FromCtx(ctx, s.log).Infow("cancelled subscription gone at processor", "subscription_id", sub.ID)
		return
	}
	if err != nil {
		c.errors.Add(1)
		logctx.FromCtx(ctx, s.log).Errorf("card check failed for subscription %s: %v", sub.ID, err)
		return
	}

	statusDrift := remote.Status != sub.Status
	periodDrift := absDuration(remote.CurrentPeriodEnd.Sub(sub.CurrentPeriodEnd)) > s.cfg.Reconcile.DriftTolerance()
	if !statusDrift && !periodDrift {
		return
	}

	c.driftDetected.Add(1)
	logctx.FromCtx(ctx, s.log).Infow("card drift detected",
		"subscription_id", sub.ID,
		"local_status", sub.Status, "remote_status", remote.Status,
		"local_period_end", sub.CurrentPeriodEnd, "remote_period_end", remote.CurrentPeriodEnd)
	if err := s.subSvc.ApplyRemoteState(ctx, sub.ID, remote.Status, remote.CurrentPeriodEnd); err != nil {
		c.errors.Add(1)
		return
	}
	c.updated.Add(1)
}

// sweepStores checks live iOS and Android rows against the last trusted store
// answer on record. Stores are not re-queried here; per-purchase polling of
// both stores every run would hit their rate limits.
func (s *Service) sweepStores(ctx context.Context, c *counters) error {
	now := s.now()
	for _, provider := range []types.Provider{types.ProviderIOS, types.ProviderAndroid} {
		rows, err := s.subSvc.ListByProvider(ctx, provider)
		if err != nil {
			return err
		}
		for _, sub := range rows {
			s.checkStoreSubscription(ctx, sub, now, c)
		}
	}
	return nil
}

func (s *Service) checkStoreSubscription(ctx context.Context, sub *models.Subscription, now time.Time, c *counters) {
	c.totalChecked.Add(1)
	if sub.ProviderSubscriptionID == nil {
		c.errors.Add(1)
		logctx.FromCtx(ctx, s.log).Errorf("store subscription %s has no transaction id", sub.ID)
		return
	}

	rec, err := s.ledger.LatestValidByTransactionID(ctx, *sub.ProviderSubscriptionID)
	if err != nil {
		c.errors.Add(1)
		logctx.FromCtx(ctx, s.log).Errorf("store check failed for subscription %s: %v", sub.ID, err)
		return
	}
	if rec == nil || rec.ExpiresAt == nil {
		// lifetime purchases and rows predating the ledger have no expiry
		// evidence; leave them to the overdue phase
		return
	}

	if absDuration(rec.ExpiresAt.Sub(sub.CurrentPeriodEnd)) <= s.cfg.Reconcile.DriftTolerance() {
		return
	}

	c.driftDetected.Add(1)
	status := sub.Status
	if rec.ExpiresAt.Before(now) {
		status = types.SubscriptionStatusExpired
	}
	logctx.FromCtx(ctx, s.log).Infow("store drift detected",
		"subscription_id", sub.ID,
		"local_period_end", sub.CurrentPeriodEnd, "store_period_end", *rec.ExpiresAt)
	if err := s.subSvc.ApplyRemoteState(ctx, sub.ID, status, *rec.ExpiresAt); err != nil {
		c.errors.Add(1)
		return
	}
	c.updated.Add(1)
	if status == types.SubscriptionStatusExpired {
		c.expired.Add(1)
	}
}

// publishRunMetrics persists the run rollup and updates the gauges. Both are
// best-effort; a failed write never fails the run.
func (s *Service) publishRunMetrics(ctx context.Context, stats *RunStats, startedAt time.Time) {
	row := &models.ReconciliationMetrics{
		ID:            tool.GenerateUUIDV7(),
		TotalChecked:  stats.TotalChecked,
		ExpiredCount:  stats.Expired,
		UpdatedCount:  stats.Updated,
		ErrorsCount:   stats.Errors,
		DriftDetected: stats.DriftDetected,
		DurationMs:    stats.Duration.Milliseconds(),
		ReconciledAt:  startedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Errorf("failed to persist reconciliation metrics: %v", err)
	}

	metrics.ReconcileChecked.Set(float64(stats.TotalChecked))
	metrics.ReconcileDrift.Set(float64(stats.DriftDetected))
	metrics.ReconcileErrors.Set(float64(stats.Errors))
	metrics.ReconcileDuration.Observe(float64(stats.Duration.Milliseconds()))
}

// checkAlerts flags runs whose error or drift ratios exceed the configured
// thresholds. High error ratios usually mean an authority outage; high drift
// ratios mean validations or notifications are being missed.
func (s *Service) checkAlerts(ctx context.Context, stats *RunStats) {
	if stats.TotalChecked == 0 {
		return
	}
	log := logctx.FromCtx(ctx, s.log)
	errorRatio := float64(stats.Errors) / float64(stats.TotalChecked)
	if errorRatio > s.cfg.Reconcile.ErrorAlertRatio {
		log.Errorw("reconciliation error ratio above threshold",
			"ratio", errorRatio, "threshold", s.cfg.Reconcile.ErrorAlertRatio)
	}
	driftRatio := float64(stats.DriftDetected) / float64(stats.TotalChecked)
	if driftRatio > s.cfg.Reconcile.DriftAlertRatio {
		log.Errorw("reconciliation drift ratio above threshold",
			"ratio", driftRatio, "threshold", s.cfg.Reconcile.DriftAlertRatio)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
