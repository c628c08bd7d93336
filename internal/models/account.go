package models

import "time"

// SubscriptionType identifies the plan tier that determines an account's daily quota.
type SubscriptionType string

const (
	SubscriptionFree     SubscriptionType = "free"
	SubscriptionMonthly  SubscriptionType = "monthly"
	SubscriptionLifetime SubscriptionType = "lifetime"
)

// Account mirrors the subset of the platform account that usage governance reads and toggles.
// Profile data lives with the external user service.
type Account struct {
	ID                 string           `gorm:"primaryKey;size:64" json:"id"`
	SubscriptionType   SubscriptionType `gorm:"size:32;default:free" json:"subscription_type"`
	IsActive           bool             `gorm:"default:true" json:"is_active"`
	DailyLimitOverride *int             `json:"daily_limit_override,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Tier returns the subscription tier, defaulting to free for unknown values.
func (a *Account) Tier() SubscriptionType {
	if a == nil {
		return SubscriptionFree
	}
	switch a.SubscriptionType {
	case SubscriptionMonthly, SubscriptionLifetime:
		return a.SubscriptionType
	default:
		return SubscriptionFree
	}
}
