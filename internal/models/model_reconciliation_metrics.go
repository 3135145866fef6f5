package models

import "time"

// ReconciliationMetrics is the point-in-time rollup written once per
// reconciliation run. Used for trend monitoring only; business logic never
// reads it back.
type ReconciliationMetrics struct {
	ID            string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	TotalChecked  int64     `gorm:"column:total_checked;not null" json:"total_checked"`
	ExpiredCount  int64     `gorm:"column:expired_count;not null" json:"expired_count"`
	UpdatedCount  int64     `gorm:"column:updated_count;not null" json:"updated_count"`
	ErrorsCount   int64     `gorm:"column:errors_count;not null" json:"errors_count"`
	DriftDetected int64     `gorm:"column:drift_detected;not null" json:"drift_detected"`
	DurationMs    int64     `gorm:"column:duration_ms;not null" json:"duration_ms"`
	ReconciledAt  time.Time `gorm:"column:reconciled_at;not null" json:"reconciled_at"`
}

func (ReconciliationMetrics) TableName() string {
	return "reconciliation_metrics"
}
