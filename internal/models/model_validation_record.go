package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/mealmind/billing/pkg/types"
)

// ValidationRecord is one immutable audit entry per validation attempt.
// The unique (receipt_hash, platform) index is the dedup key: a prior row
// short-circuits any later submission of the same proof, and concurrent
// submissions resolve through the constraint rather than a second authority
// call. Rows are append-only; the engine never updates or deletes them.
type ValidationRecord struct {
	ID            string                 `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID        string                 `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Platform      types.Platform         `gorm:"column:platform;type:varchar(16);not null;uniqueIndex:unique_receipt_hash_platform,priority:2" json:"platform"`
	ProductID     string                 `gorm:"column:product_id;type:varchar(128);not null" json:"product_id"`
	ReceiptHash   string                 `gorm:"column:receipt_hash;type:varchar(64);not null;uniqueIndex:unique_receipt_hash_platform,priority:1" json:"receipt_hash"`
	TransactionID *string                `gorm:"column:transaction_id;type:varchar(128);index" json:"transaction_id"`
	Status        types.ValidationStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Environment   types.Environment      `gorm:"column:environment;type:varchar(16)" json:"environment"`
	// RawReceipt keeps the submitted proof verbatim for audit.
	RawReceipt string `gorm:"column:raw_receipt;type:text" json:"raw_receipt"`
	// ValidationResponse is the opaque authority payload as returned.
	ValidationResponse   datatypes.JSON `gorm:"column:validation_response;type:jsonb;default:'{}'" json:"validation_response"`
	ValidationDurationMs int64          `gorm:"column:validation_duration_ms" json:"validation_duration_ms"`
	ValidatedAt          time.Time      `gorm:"column:validated_at;not null" json:"validated_at"`
	// ExpiresAt is the authority-reported subscription expiry, when present.
	ExpiresAt *time.Time `gorm:"column:expires_at;default:null" json:"expires_at"`
}

func (ValidationRecord) TableName() string {
	return "validation_record"
}

func (r *ValidationRecord) Valid() bool {
	return r != nil && r.Status == types.ValidationStatusValid
}
