package database

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/models"
)

// Defaults applied when the rate limit configuration row is first created.
const (
	DefaultDailyLimit  = 300
	DefaultTimezone    = "Asia/Ho_Chi_Minh"
	DefaultResetTime   = "00:00"
	defaultBurstLimit  = 10
	defaultBurstWindow = 60
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Account{},
		&models.Session{},
		&models.DeviceFingerprint{},
		&models.AccountBlock{},
		&models.BlockAppeal{},
		&models.BlockAction{},
		&models.QuotaRecord{},
		&models.ModuleUsage{},
		&models.QuotaRequest{},
		&models.QuotaWarning{},
		&models.RateLimitConfig{},
		&models.SystemSetting{},
		&models.CacheEntry{},
	)
}

// DefaultRateLimitConfig returns the configuration seeded on first start.
func DefaultRateLimitConfig() models.RateLimitConfig {
	return models.RateLimitConfig{
		ID:         models.RateLimitConfigID,
		DailyLimit: DefaultDailyLimit,
		RestrictedModules: datatypes.NewJSONSlice([]models.RestrictedModule{
			{ModuleID: "write-story", Weight: 1},
			{ModuleID: "write-script", Weight: 1},
			{ModuleID: "generate-image", Weight: 3},
			{ModuleID: "generate-voice", Weight: 2},
		}),
		SubscriptionLimits: datatypes.NewJSONType(models.SubscriptionLimits{
			Free:     50,
			Monthly:  DefaultDailyLimit,
			Lifetime: 500,
		}),
		ExemptedAccounts: datatypes.NewJSONSlice([]string{}),
		BurstSettings: datatypes.NewJSONType(models.BurstSettings{
			Enabled:            true,
			BurstLimit:         defaultBurstLimit,
			BurstWindowSeconds: defaultBurstWindow,
		}),
		Timezone:  DefaultTimezone,
		ResetTime: DefaultResetTime,
		IsActive:  true,
		Version:   1,
		UpdatedBy: "system",
	}
}

// SeedData inserts the default rate limit configuration when none exists.
func SeedData(db *gorm.DB) error {
	cfg := DefaultRateLimitConfig()
	return db.Where(models.RateLimitConfig{ID: cfg.ID}).Attrs(cfg).FirstOrCreate(&models.RateLimitConfig{}).Error
}
