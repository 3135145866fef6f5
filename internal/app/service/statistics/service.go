package statistics

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/pkg/types"
)

// StatisticType identifies one dashboard series.
type StatisticType string

const (
	// Validation pipeline
	StatisticTypeDailyValidationCount  StatisticType = "daily_validation_count"
	StatisticTypeValidationSuccessRate StatisticType = "validation_success_rate"

	// Subscription base
	StatisticTypeActiveSubscriptionCount   StatisticType = "active_subscription_count"
	StatisticTypeDailyNewSubscriptionCount StatisticType = "daily_new_subscription_count"

	// Reconciliation health
	StatisticTypeDriftTrend StatisticType = "drift_trend"
)

type StatisticDataItem struct {
	ID StatisticType `json:"id"`
}

type StatisticRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	DataItems []*StatisticDataItem  `json:"data_items"`
}

// Build composes a WHERE clause from the request filters.
func (f *StatisticRequest) Build(builder clause.Builder) {
	if f == nil || len(f.Filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, filter := range f.Filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		filter.Build(builder)
	}
}

type StatisticResponseDataItem struct {
	Date   string `json:"date"`
	Label  string `json:"label,omitempty"`
	Value  int64  `json:"value"`
	Value2 int64  `json:"value2,omitempty"`
	Value3 int64  `json:"value3,omitempty"`
}

type StatisticResponse struct {
	DataItems map[StatisticType][]StatisticResponseDataItem `json:"data_items"`
}

// Service computes billing dashboard series from the ledger, the subscription
// table and the reconciliation rollups.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service { return &Service{db: db} }

func (s *Service) getDailyValidationCount(ctx context.Context, request *StatisticRequest) ([]StatisticResponseDataItem, error) {
	var results []StatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.ValidationRecord{}).TableName()).
		Select("DATE(validated_at) as date, platform as label, count(*) as value").
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Group("DATE(validated_at)").
		Group("platform").
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// getValidationSuccessRate returns per-day valid counts (value) against
// totals (value2); the rate in basis points is carried in Value3.
func (s *Service) getValidationSuccessRate(ctx context.Context, _ *StatisticRequest) ([]StatisticResponseDataItem, error) {
	var results []StatisticResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
SELECT DATE(validated_at) as date,
       SUM(CASE WHEN status = 'valid' THEN 1 ELSE 0 END) as value,
       COUNT(*) as value2,
       CASE WHEN COUNT(*) = 0 THEN 0
            ELSE SUM(CASE WHEN status = 'valid' THEN 1 ELSE 0 END) * 10000 / COUNT(*)
       END as value3
FROM validation_record
GROUP BY DATE(validated_at)
ORDER BY date DESC
`).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getActiveSubscriptionCount(ctx context.Context, request *StatisticRequest) ([]StatisticResponseDataItem, error) {
	var results []StatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("provider as label, count(*) as value").
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Where("status IN ?", []types.SubscriptionStatus{types.SubscriptionStatusActive, types.SubscriptionStatusTrialing}).
		Group("provider")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyNewSubscriptionCount(ctx context.Context, _ *StatisticRequest) ([]StatisticResponseDataItem, error) {
	var results []StatisticResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
SELECT DATE(created_at) as date, COUNT(DISTINCT user_id) as value
FROM subscription
GROUP BY DATE(created_at)
ORDER BY date DESC
`).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// getDriftTrend exposes per-run drift (value), errors (value2) and totals
// (value3) from the reconciliation rollups.
func (s *Service) getDriftTrend(ctx context.Context, _ *StatisticRequest) ([]StatisticResponseDataItem, error) {
	var results []StatisticResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
SELECT DATE(reconciled_at) as date,
       SUM(drift_detected) as value,
       SUM(errors_count) as value2,
       SUM(total_checked) as value3
FROM reconciliation_metrics
GROUP BY DATE(reconciled_at)
ORDER BY date DESC
`).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getStatistic(ctx context.Context, request *StatisticRequest, dataItem *StatisticDataItem) ([]StatisticResponseDataItem, error) {
	switch dataItem.ID {
	case StatisticTypeDailyValidationCount:
		return s.getDailyValidationCount(ctx, request)
	case StatisticTypeValidationSuccessRate:
		return s.getValidationSuccessRate(ctx, request)
	case StatisticTypeActiveSubscriptionCount:
		return s.getActiveSubscriptionCount(ctx, request)
	case StatisticTypeDailyNewSubscriptionCount:
		return s.getDailyNewSubscriptionCount(ctx, request)
	case StatisticTypeDriftTrend:
		return s.getDriftTrend(ctx, request)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", dataItem.ID)
	}
}

// GetBillingStatistics resolves every requested series concurrently.
func (s *Service) GetBillingStatistics(ctx context.Context, request *StatisticRequest) (*StatisticResponse, error) {
	var wg sync.WaitGroup
	errChan := make(chan error, len(request.DataItems))
	resChan := make(chan *lo.Entry[StatisticType, []StatisticResponseDataItem], len(request.DataItems))

	for _, item := range request.DataItems {
		wg.Add(1)
		go func(di *StatisticDataItem) {
			defer wg.Done()
			res, err := s.getStatistic(ctx, request, di)
			if err != nil {
				errChan <- err
				return
			}
			resChan <- &lo.Entry[StatisticType, []StatisticResponseDataItem]{Key: di.ID, Value: res}
		}(item)
	}

	go func() { wg.Wait(); close(errChan); close(resChan) }()

	results := make(map[StatisticType][]StatisticResponseDataItem)
	for i := 0; i < len(request.DataItems); i++ {
		select {
		case err := <-errChan:
			if err != nil {
				return nil, err
			}
		case entry := <-resChan:
			results[entry.Key] = entry.Value
		}
	}
	return &StatisticResponse{DataItems: results}, nil
}
