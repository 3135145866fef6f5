package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/mealmind/billing/internal/app/service/entitlement"
	"github.com/mealmind/billing/internal/app/service/ledger"
	"github.com/mealmind/billing/internal/app/service/subscription"
	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/internal/platform/authority"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/logctx"
	"github.com/mealmind/billing/pkg/metrics"
	"github.com/mealmind/billing/pkg/retry"
	"github.com/mealmind/billing/pkg/types"
)

// lifetimeEnd stands in for "never expires" on one-time and lifetime products.
var lifetimeEnd = time.Date(2099, time.December, 31, 23, 59, 59, 0, time.UTC)

// AppleVerifier asks the App Store about a receipt.
type AppleVerifier interface {
	Verify(ctx context.Context, receiptData string) (*authority.Verification, error)
}

// GoogleVerifier asks Google Play about a purchase token.
type GoogleVerifier interface {
	Verify(ctx context.Context, purchaseToken, productID string) (*authority.Verification, error)
}

// Request is one purchase proof submitted for validation.
type Request struct {
	UserID      string
	Platform    types.Platform
	ProductID   string
	ReceiptData string
}

// Result is the outcome served to the client. ShouldRetry means the authority
// could not answer and the client should resubmit the same proof later.
type Result struct {
	Success       bool
	Status        types.ValidationStatus
	TransactionID string
	Environment   types.Environment
	ExpiresAt     *time.Time
	Tier          int
	Deduped       bool
	ShouldRetry   bool
	Reason        string
}

// Service validates store purchase proofs against their authority, records
// the outcome in the ledger, and grants entitlements on success.
type Service struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	ledger *ledger.Service
	subSvc *subscription.Service
	entSvc *entitlement.Service
	apple  AppleVerifier
	google GoogleVerifier
	policy retry.Policy
}

func NewService(cfg *config.Config, log *zap.SugaredLogger, ledgerSvc *ledger.Service, subSvc *subscription.Service, entSvc *entitlement.Service, apple AppleVerifier, google GoogleVerifier) *Service {
	return &Service{
		cfg:    cfg,
		log:    log,
		ledger: ledgerSvc,
		subSvc: subSvc,
		entSvc: entSvc,
		apple:  apple,
		google: google,
		policy: cfg.Retry.Policy(log),
	}
}

// HashReceipt is the dedup key for a proof: hex SHA-256 over the raw payload.
func HashReceipt(receiptData string) string {
	sum := sha256.Sum256([]byte(receiptData))
	return hex.EncodeToString(sum[:])
}

// ValidatePurchase runs the full pipeline: dedup lookup, authority call with
// retries, ledger append, entitlement grant.
func (s *Service) ValidatePurchase(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if !req.Platform.Valid() {
		return nil, fmt.Errorf("unsupported platform: %s", req.Platform)
	}
	if req.UserID == "" || req.ReceiptData == "" {
		return nil, fmt.Errorf("user id and receipt data are required")
	}

	product := s.cfg.GetProductByID(req.ProductID)
	if product == nil {
		return &Result{
			Success: false,
			Status:  types.ValidationStatusInvalid,
			Reason:  fmt.Sprintf("unknown product: %s", req.ProductID),
		}, nil
	}

	hash := HashReceipt(req.ReceiptData)
	prior, err := s.ledger.FindByReceiptHash(ctx, hash, req.Platform)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		metrics.ValidationDedupHits.WithLabelValues(string(req.Platform)).Inc()
		logctx.FromCtx(ctx, s.log).Infow("duplicate proof, serving prior outcome",
			"receipt_hash", hash, "platform", req.Platform)
		return s.resultFromRecord(prior, product), nil
	}

	start := time.Now()
	verification, verr := retry.Do(ctx, s.policy, authority.Classify, func(ctx context.Context) (*authority.Verification, error) {
		switch req.Platform {
		case types.PlatformIOS:
			return s.apple.Verify(ctx, req.ReceiptData)
		default:
			return s.google.Verify(ctx, req.ReceiptData, req.ProductID)
		}
	})
	elapsed := time.Since(start)
	metrics.AuthorityCallDuration.WithLabelValues(string(req.Platform)).
		Observe(float64(elapsed) / float64(time.Millisecond))

	if verr != nil {
		if !authority.IsPermanent(verr) {
			// Authority unreachable: no outcome to record, client retries.
			logctx.FromCtx(ctx, s.log).Warnf("authority unavailable for %s validation: %v", req.Platform, verr)
			metrics.ValidationOutcomes.WithLabelValues(string(req.Platform), "unavailable").Inc()
			return &Result{Success: false, ShouldRetry: true, Reason: verr.Error()}, nil
		}
		verification = &authority.Verification{Valid: false, Reason: verr.Error()}
	}

	rec := s.buildRecord(req, hash, verification, elapsed)
	stored, created, lerr := s.ledger.Append(ctx, rec)
	if lerr != nil {
		// The outcome stands even when the audit write fails.
		logctx.FromCtx(ctx, s.log).Errorf("failed to persist validation record: %v", lerr)
		stored, created = rec, true
	}
	if !created {
		metrics.ValidationDedupHits.WithLabelValues(string(req.Platform)).Inc()
		return s.resultFromRecord(stored, product), nil
	}

	metrics.ValidationOutcomes.WithLabelValues(string(req.Platform), string(stored.Status)).Inc()
	if !verification.Valid {
		return &Result{
			Success:       false,
			Status:        types.ValidationStatusInvalid,
			TransactionID: verification.TransactionID,
			Environment:   verification.Environment,
			Reason:        verification.Reason,
		}, nil
	}

	return s.grant(ctx, req, product, verification)
}

// grant records the entitlement for a proven purchase and publishes the
// user's recomputed tier.
func (s *Service) grant(ctx context.Context, req *Request, product *types.Product, v *authority.Verification) (*Result, error) {
	periodEnd := lifetimeEnd
	if !product.Lifetime && v.ExpiresAt != nil {
		periodEnd = *v.ExpiresAt
	}

	if _, err := s.subSvc.UpsertFromValidation(ctx, req.UserID, req.Platform, v.TransactionID, periodEnd, product.TierID); err != nil {
		return nil, fmt.Errorf("validated but failed to grant entitlement: %w", err)
	}

	tier, err := s.entSvc.PropagateUser(ctx, req.UserID)
	if err != nil {
		// Claims catch up on the next reconciliation run.
		logctx.FromCtx(ctx, s.log).Errorf("failed to propagate entitlements for user %s: %v", req.UserID, err)
		tier = product.TierID
	}

	return &Result{
		Success:       true,
		Status:        types.ValidationStatusValid,
		TransactionID: v.TransactionID,
		Environment:   v.Environment,
		ExpiresAt:     v.ExpiresAt,
		Tier:          tier,
	}, nil
}

func (s *Service) buildRecord(req *Request, hash string, v *authority.Verification, elapsed time.Duration) *models.ValidationRecord {
	status := types.ValidationStatusInvalid
	if v.Valid {
		status = types.ValidationStatusValid
	}
	rec := &models.ValidationRecord{
		UserID:               req.UserID,
		Platform:             req.Platform,
		ProductID:            req.ProductID,
		ReceiptHash:          hash,
		Status:               status,
		Environment:          v.Environment,
		RawReceipt:           req.ReceiptData,
		ValidationDurationMs: elapsed.Milliseconds(),
		ValidatedAt:          time.Now(),
		ExpiresAt:            v.ExpiresAt,
	}
	if v.TransactionID != "" {
		rec.TransactionID = lo.ToPtr(v.TransactionID)
	}
	if raw, err := json.Marshal(v); err == nil {
		rec.ValidationResponse = datatypes.JSON(raw)
	}
	return rec
}

func (s *Service) resultFromRecord(rec *models.ValidationRecord, product *types.Product) *Result {
	res := &Result{
		Success:     rec.Valid(),
		Status:      rec.Status,
		Environment: rec.Environment,
		ExpiresAt:   rec.ExpiresAt,
		Deduped:     true,
	}
	if rec.TransactionID != nil {
		res.TransactionID = *rec.TransactionID
	}
	if rec.Valid() {
		res.Tier = product.TierID
	} else {
		res.Reason = "proof previously rejected"
	}
	return res
}
