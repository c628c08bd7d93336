package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QuotaRecord is the weighted usage ledger of one account for one reset day.
type QuotaRecord struct {
	ID               string           `gorm:"primaryKey;type:uuid" json:"id"`
	AccountID        string           `gorm:"size:64;not null;uniqueIndex:idx_quota_account_date" json:"account_id"`
	Date             string           `gorm:"size:10;not null;uniqueIndex:idx_quota_account_date;index" json:"date"`
	DailyLimit       int              `gorm:"not null" json:"daily_limit"`
	Unlimited        bool             `gorm:"not null;default:false" json:"unlimited"`
	SubscriptionType SubscriptionType `gorm:"size:32" json:"subscription_type"`
	TotalUsage       int              `gorm:"not null;default:0" json:"total_usage"`
	IsBlocked        bool             `gorm:"not null;default:false" json:"is_blocked"`
	BlockReason      *string          `json:"block_reason,omitempty"`
	ModuleUsage      []ModuleUsage    `gorm:"foreignKey:QuotaRecordID" json:"module_usage,omitempty"`
	RequestHistory   []QuotaRequest   `gorm:"foreignKey:QuotaRecordID" json:"request_history,omitempty"`
	WarningsIssued   []QuotaWarning   `gorm:"foreignKey:QuotaRecordID" json:"warnings_issued,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (q *QuotaRecord) BeforeCreate(tx *gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return nil
}

// Remaining returns the unused weighted budget, or -1 for unlimited records.
func (q *QuotaRecord) Remaining() int {
	if q == nil {
		return 0
	}
	if q.Unlimited {
		return -1
	}
	if remaining := q.DailyLimit - q.TotalUsage; remaining > 0 {
		return remaining
	}
	return 0
}

// Percentage returns usage as a percentage of the daily limit.
func (q *QuotaRecord) Percentage() float64 {
	if q == nil || q.Unlimited || q.DailyLimit <= 0 {
		return 0
	}
	return float64(q.TotalUsage) * 100 / float64(q.DailyLimit)
}

// ModuleUsage aggregates usage of a single restricted module within a QuotaRecord.
type ModuleUsage struct {
	ID            string    `gorm:"primaryKey;type:uuid" json:"id"`
	QuotaRecordID string    `gorm:"type:uuid;not null;uniqueIndex:idx_module_usage_record_module" json:"quota_record_id"`
	ModuleID      string    `gorm:"size:128;not null;uniqueIndex:idx_module_usage_record_module" json:"module_id"`
	RequestCount  int       `gorm:"not null;default:0" json:"request_count"`
	WeightedUsage int       `gorm:"not null;default:0" json:"weighted_usage"`
	LastUsed      time.Time `json:"last_used"`
}

func (m *ModuleUsage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// QuotaRequest is one entry of the bounded request history ring.
type QuotaRequest struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	QuotaRecordID string    `gorm:"type:uuid;not null;index" json:"quota_record_id"`
	ModuleID      string    `gorm:"size:128;not null" json:"module_id"`
	ItemCount     int       `gorm:"not null" json:"item_count"`
	Weight        int       `gorm:"not null" json:"weight"`
	CreatedAt     time.Time `json:"created_at"`
}

// QuotaWarning records that a usage threshold was crossed for a record.
type QuotaWarning struct {
	ID            string    `gorm:"primaryKey;type:uuid" json:"id"`
	QuotaRecordID string    `gorm:"type:uuid;not null;uniqueIndex:idx_quota_warning_threshold" json:"quota_record_id"`
	Threshold     int       `gorm:"not null;uniqueIndex:idx_quota_warning_threshold" json:"threshold"`
	Usage         int       `gorm:"not null" json:"usage"`
	IssuedAt      time.Time `gorm:"not null" json:"issued_at"`
}

func (w *QuotaWarning) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}
