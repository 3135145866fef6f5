package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/pkg/logctx"
	"github.com/mealmind/billing/pkg/tool"
	"github.com/mealmind/billing/pkg/types"
)

// Service owns the append-only validation record table. Records are the dedup
// source of truth: one row per (receipt_hash, platform), never updated.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// FindByReceiptHash returns the prior record for a proof, or nil when the
// proof has never been validated.
func (s *Service) FindByReceiptHash(ctx context.Context, receiptHash string, platform types.Platform) (*models.ValidationRecord, error) {
	var rec models.ValidationRecord
	err := s.db.WithContext(ctx).
		Where("receipt_hash = ? AND platform = ?", receiptHash, platform).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up validation record: %w", err)
	}
	return &rec, nil
}

// Append inserts a new validation record. When a concurrent submission of the
// same proof already won the unique constraint, the existing row is returned
// with created=false and no error; the caller serves that prior outcome.
func (s *Service) Append(ctx context.Context, rec *models.ValidationRecord) (*models.ValidationRecord, bool, error) {
	if rec.ID == "" {
		rec.ID = tool.GenerateUUIDV7()
	}
	err := s.db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, fmt.Errorf("failed to append validation record: %w", err)
	}

	logctx.FromCtx(ctx, s.log).Infow("duplicate validation record, serving prior outcome",
		"receipt_hash", rec.ReceiptHash, "platform", rec.Platform)
	existing, ferr := s.FindByReceiptHash(ctx, rec.ReceiptHash, rec.Platform)
	if ferr != nil {
		return nil, false, ferr
	}
	if existing == nil {
		return nil, false, fmt.Errorf("duplicate key but no existing record for hash %s", rec.ReceiptHash)
	}
	return existing, false, nil
}

// LatestValidByTransactionID returns the most recent valid record bound to a
// store transaction id, or nil when none exists. The reconciliation sweep uses
// this as the trusted last-known authority answer for an IAP subscription.
func (s *Service) LatestValidByTransactionID(ctx context.Context, transactionID string) (*models.ValidationRecord, error) {
	var rec models.ValidationRecord
	err := s.db.WithContext(ctx).
		Where("transaction_id = ? AND status = ?", transactionID, types.ValidationStatusValid).
		Order("validated_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up validation record by transaction: %w", err)
	}
	return &rec, nil
}

// ScanRecordsRequest is an admin listing request over validation records.
type ScanRecordsRequest struct {
	Filters   []*types.CommonFilter
	From      int
	Size      int
	SortBy    string
	SortOrder string
}

type ScanRecordsResponse struct {
	Items []*models.ValidationRecord
	Total int64
}

// filtersAnd combines multiple CommonFilter into a single clause.Expression.
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

// ScanRecords implements paginated admin listing with filters.
func (s *Service) ScanRecords(ctx context.Context, req *ScanRecordsRequest) (*ScanRecordsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(&models.ValidationRecord{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count validation records: %w", err)
	}

	var rows []*models.ValidationRecord
	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	if req.SortBy != "" {
		q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list validation records: %w", err)
	}

	return &ScanRecordsResponse{Items: rows, Total: total}, nil
}
