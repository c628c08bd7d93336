package models

import (
	"time"

	"gorm.io/datatypes"
)

// RateLimitConfigID is the primary key of the singleton configuration row.
const RateLimitConfigID = "default"

// RestrictedModule assigns a weight to a quota-gated module.
type RestrictedModule struct {
	ModuleID string `json:"module_id" validate:"required,max=128"`
	Weight   int    `json:"weight" validate:"gte=1,lte=1000"`
}

// SubscriptionLimits holds the daily limit per subscription tier. Zero means "use the default".
type SubscriptionLimits struct {
	Free     int `json:"free" validate:"gte=0,lte=50000"`
	Monthly  int `json:"monthly" validate:"gte=0,lte=50000"`
	Lifetime int `json:"lifetime" validate:"gte=0,lte=50000"`
}

// For returns the configured limit for a tier.
func (l SubscriptionLimits) For(tier SubscriptionType) int {
	switch tier {
	case SubscriptionMonthly:
		return l.Monthly
	case SubscriptionLifetime:
		return l.Lifetime
	default:
		return l.Free
	}
}

// BurstSettings configures the short fixed-window cap layered over the daily ledger.
type BurstSettings struct {
	Enabled            bool `json:"enabled"`
	BurstLimit         int  `json:"burst_limit" validate:"gte=0,lte=10000"`
	BurstWindowSeconds int  `json:"burst_window_seconds" validate:"gte=0,lte=86400"`
}

// RateLimitConfig is the admin-managed, versioned quota configuration singleton.
type RateLimitConfig struct {
	ID                 string                                `gorm:"primaryKey;size:32" json:"-"`
	DailyLimit         int                                   `gorm:"not null" json:"daily_limit"`
	RestrictedModules  datatypes.JSONSlice[RestrictedModule] `json:"restricted_modules"`
	SubscriptionLimits datatypes.JSONType[SubscriptionLimits] `json:"subscription_limits"`
	ExemptedAccounts   datatypes.JSONSlice[string]           `json:"exempted_accounts"`
	BurstSettings      datatypes.JSONType[BurstSettings]      `json:"burst_settings"`
	Timezone           string                                `gorm:"size:64;not null" json:"timezone"`
	ResetTime          string                                `gorm:"size:5;not null" json:"reset_time"`
	IsActive           bool                                  `gorm:"not null" json:"is_active"`
	Version            int                                   `gorm:"not null" json:"version"`
	UpdatedBy          string                                `json:"updated_by,omitempty"`
	CreatedAt          time.Time                             `json:"created_at"`
	UpdatedAt          time.Time                             `json:"updated_at"`
}

// ModuleWeight returns the weight of a restricted module and whether the module is restricted.
func (c *RateLimitConfig) ModuleWeight(moduleID string) (int, bool) {
	if c == nil {
		return 0, false
	}
	for _, module := range c.RestrictedModules {
		if module.ModuleID == moduleID {
			if module.Weight <= 0 {
				return 1, true
			}
			return module.Weight, true
		}
	}
	return 0, false
}

// IsExempt reports whether the account bypasses daily limits.
func (c *RateLimitConfig) IsExempt(accountID string) bool {
	if c == nil {
		return false
	}
	for _, id := range c.ExemptedAccounts {
		if id == accountID {
			return true
		}
	}
	return false
}
