package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/models"
)

// LastResetDateSetting holds the day key of the most recent completed daily reset.
const LastResetDateSetting = "quota.last_reset_date"

// GetSystemSetting retrieves a system setting by key. Returns an empty string when not found.
func GetSystemSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("system settings: db is nil")
	}

	var setting models.SystemSetting
	err := db.WithContext(ctx).Where(&models.SystemSetting{Key: key}).Take(&setting).Error
	if err == nil {
		return setting.Value, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return "", nil
	}
	return "", fmt.Errorf("system settings: get %q: %w", key, err)
}

// UpsertSystemSetting stores or updates a system setting value.
func UpsertSystemSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	if db == nil {
		return fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("system settings: key is required")
	}

	record := models.SystemSetting{
		Key:   key,
		Value: value,
	}

	if err := db.WithContext(ctx).
		Where(&models.SystemSetting{Key: key}).
		Assign(map[string]any{"value": value}).
		FirstOrCreate(&record).Error; err != nil {
		return fmt.Errorf("system settings: upsert %q: %w", key, err)
	}

	return nil
}

// ClaimSystemSetting atomically moves key to value and reports whether this caller made the move.
// Without force the claim fails when the stored value already equals value, so concurrent callers
// racing for the same value see exactly one winner.
func ClaimSystemSetting(ctx context.Context, db *gorm.DB, key, value string, force bool) (bool, error) {
	if db == nil {
		return false, fmt.Errorf("system settings: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("system settings: key is required")
	}

	query := db.WithContext(ctx).Model(&models.SystemSetting{}).Where(&models.SystemSetting{Key: key})
	if !force {
		query = query.Where("value <> ?", value)
	}
	res := query.Update("value", value)
	if res.Error != nil {
		return false, fmt.Errorf("system settings: claim %q: %w", key, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	err := db.WithContext(ctx).Create(&models.SystemSetting{Key: key, Value: value}).Error
	switch {
	case err == nil:
		return true, nil
	case IsUniqueViolation(err):
		// The row exists and already holds value (or another caller created it first).
		return force, nil
	default:
		return false, fmt.Errorf("system settings: claim %q: %w", key, err)
	}
}
