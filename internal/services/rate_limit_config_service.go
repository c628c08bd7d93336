package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/usageguard/internal/database"
	"github.com/charlesng35/usageguard/internal/models"
	apperrors "github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/validator"
)

// Daily limit bounds accepted by configuration updates.
const (
	MinDailyLimit = 1
	MaxDailyLimit = 50000

	defaultConfigCacheTTL = 30 * time.Second
)

// RateLimitConfigUpdate is a partial update of the rate limit configuration. Nil fields keep their
// current value.
type RateLimitConfigUpdate struct {
	DailyLimit         *int                       `json:"daily_limit"`
	RestrictedModules  *[]models.RestrictedModule `json:"restricted_modules"`
	SubscriptionLimits *models.SubscriptionLimits `json:"subscription_limits"`
	ExemptedAccounts   *[]string                  `json:"exempted_accounts"`
	BurstSettings      *models.BurstSettings      `json:"burst_settings"`
	Timezone           *string                    `json:"timezone"`
	ResetTime          *string                    `json:"reset_time"`
	IsActive           *bool                      `json:"is_active"`
}

// rateLimitRules is the validated shape of a merged configuration.
type rateLimitRules struct {
	RestrictedModules  []models.RestrictedModule `json:"restricted_modules" validate:"dive"`
	SubscriptionLimits models.SubscriptionLimits `json:"subscription_limits"`
	ExemptedAccounts   []string                  `json:"exempted_accounts" validate:"dive,required,max=64"`
	BurstSettings      models.BurstSettings      `json:"burst_settings"`
	Timezone           string                    `json:"timezone" validate:"required,timezone"`
	ResetTime          string                    `json:"reset_time" validate:"required,clock"`
}

// RateLimitConfigService serves the rate limit configuration singleton from an in-process cache
// that is revalidated against the stored version.
type RateLimitConfigService struct {
	db    *gorm.DB
	audit AuditRecorder
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	cached    *models.RateLimitConfig
	checkedAt time.Time
}

// NewRateLimitConfigService constructs a RateLimitConfigService.
func NewRateLimitConfigService(db *gorm.DB, audit AuditRecorder, cacheTTL time.Duration) (*RateLimitConfigService, error) {
	if db == nil {
		return nil, errors.New("rate limit config service: db is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultConfigCacheTTL
	}
	return &RateLimitConfigService{
		db:    db,
		audit: audit,
		ttl:   cacheTTL,
		now:   utcNow,
	}, nil
}

// Current returns a copy of the active configuration, seeding the default row when missing.
func (s *RateLimitConfigService) Current(ctx context.Context) (*models.RateLimitConfig, error) {
	ctx = ensureContext(ctx)
	now := s.now()

	s.mu.RLock()
	if s.cached != nil && now.Sub(s.checkedAt) < s.ttl {
		cfg := cloneRateLimitConfig(s.cached)
		s.mu.RUnlock()
		return cfg, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		var version int
		err := s.db.WithContext(ctx).Model(&models.RateLimitConfig{}).
			Where("id = ?", models.RateLimitConfigID).
			Select("version").
			Scan(&version).Error
		if err != nil {
			return nil, fmt.Errorf("rate limit config: check version: %w", err)
		}
		if version == s.cached.Version {
			s.checkedAt = now
			return cloneRateLimitConfig(s.cached), nil
		}
	}

	cfg, err := s.load(ctx, s.db.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	s.cached = cfg
	s.checkedAt = now
	return cloneRateLimitConfig(cfg), nil
}

// DayClock returns the reset day clock of the current configuration.
func (s *RateLimitConfigService) DayClock(ctx context.Context) (DayClock, error) {
	cfg, err := s.Current(ctx)
	if err != nil {
		return DayClock{}, err
	}
	return NewDayClock(cfg.Timezone, cfg.ResetTime)
}

// Invalidate drops the cached configuration.
func (s *RateLimitConfigService) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

// Update applies a partial update, bumps the version and records the operator. Invalid values are
// rejected with a CONFIG_VALIDATION_ERROR and audited as denied.
func (s *RateLimitConfigService) Update(ctx context.Context, in RateLimitConfigUpdate, actorID string) (*models.RateLimitConfig, error) {
	ctx = ensureContext(ctx)

	var (
		updated *models.RateLimitConfig
		changed []string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(ctx, tx.Clauses(clause.Locking{Strength: "UPDATE"}))
		if err != nil {
			return err
		}

		next, fields, err := mergeRateLimitConfig(current, in)
		if err != nil {
			return err
		}
		changed = fields
		next.Version = current.Version + 1
		next.UpdatedBy = actorID

		res := tx.Model(&models.RateLimitConfig{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]any{
				"daily_limit":         next.DailyLimit,
				"restricted_modules":  next.RestrictedModules,
				"subscription_limits": next.SubscriptionLimits,
				"exempted_accounts":   next.ExemptedAccounts,
				"burst_settings":      next.BurstSettings,
				"timezone":            next.Timezone,
				"reset_time":          next.ResetTime,
				"is_active":           next.IsActive,
				"version":             next.Version,
				"updated_by":          next.UpdatedBy,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrIllegalTransition.WithMessage("configuration was changed concurrently")
		}
		updated = next
		return nil
	})

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		recordAudit(s.audit, ctx, AuditEvent{
			Action:   "rate_limit_config.update",
			ActorID:  actorID,
			Resource: "rate_limit_config:" + models.RateLimitConfigID,
			Result:   AuditResultDenied,
			Summary:  appErr.Message,
			Metadata: appErr.Details,
		})
		return nil, appErr
	}
	if err != nil {
		return nil, fmt.Errorf("rate limit config: update: %w", err)
	}

	s.mu.Lock()
	s.cached = cloneRateLimitConfig(updated)
	s.checkedAt = s.now()
	s.mu.Unlock()

	recordAudit(s.audit, ctx, AuditEvent{
		Action:   "rate_limit_config.update",
		ActorID:  actorID,
		Resource: "rate_limit_config:" + models.RateLimitConfigID,
		Summary:  fmt.Sprintf("configuration updated to version %d", updated.Version),
		Metadata: map[string]any{"version": updated.Version, "fields": changed},
	})
	return cloneRateLimitConfig(updated), nil
}

func (s *RateLimitConfigService) load(ctx context.Context, query *gorm.DB) (*models.RateLimitConfig, error) {
	var cfg models.RateLimitConfig
	err := query.Where("id = ?", models.RateLimitConfigID).Take(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := database.SeedData(query.Session(&gorm.Session{NewDB: true}).WithContext(ctx)); err != nil {
			return nil, fmt.Errorf("rate limit config: seed default: %w", err)
		}
		err = query.Session(&gorm.Session{}).Where("id = ?", models.RateLimitConfigID).Take(&cfg).Error
	}
	if err != nil {
		return nil, fmt.Errorf("rate limit config: load: %w", err)
	}
	return &cfg, nil
}

// mergeRateLimitConfig applies an update to a copy of current and validates the result.
func mergeRateLimitConfig(current *models.RateLimitConfig, in RateLimitConfigUpdate) (*models.RateLimitConfig, []string, error) {
	next := cloneRateLimitConfig(current)
	var changed []string

	if in.DailyLimit != nil {
		next.DailyLimit = *in.DailyLimit
		changed = append(changed, "daily_limit")
	}
	if in.RestrictedModules != nil {
		modules := make([]models.RestrictedModule, len(*in.RestrictedModules))
		for i, module := range *in.RestrictedModules {
			module.ModuleID = strings.TrimSpace(module.ModuleID)
			modules[i] = module
		}
		next.RestrictedModules = datatypes.NewJSONSlice(modules)
		changed = append(changed, "restricted_modules")
	}
	if in.SubscriptionLimits != nil {
		next.SubscriptionLimits = datatypes.NewJSONType(*in.SubscriptionLimits)
		changed = append(changed, "subscription_limits")
	}
	if in.ExemptedAccounts != nil {
		next.ExemptedAccounts = datatypes.NewJSONSlice(normaliseIDs(*in.ExemptedAccounts))
		if next.ExemptedAccounts == nil {
			next.ExemptedAccounts = datatypes.NewJSONSlice([]string{})
		}
		changed = append(changed, "exempted_accounts")
	}
	if in.BurstSettings != nil {
		next.BurstSettings = datatypes.NewJSONType(*in.BurstSettings)
		changed = append(changed, "burst_settings")
	}
	if in.Timezone != nil {
		next.Timezone = strings.TrimSpace(*in.Timezone)
		changed = append(changed, "timezone")
	}
	if in.ResetTime != nil {
		next.ResetTime = strings.TrimSpace(*in.ResetTime)
		changed = append(changed, "reset_time")
	}
	if in.IsActive != nil {
		next.IsActive = *in.IsActive
		changed = append(changed, "is_active")
	}

	if next.DailyLimit < MinDailyLimit || next.DailyLimit > MaxDailyLimit {
		return nil, nil, apperrors.NewConfigValidation(
			fmt.Sprintf("daily_limit must be between %d and %d", MinDailyLimit, MaxDailyLimit),
		).WithDetails(map[string]any{"field": "daily_limit", "min": MinDailyLimit, "max": MaxDailyLimit})
	}

	rules := rateLimitRules{
		RestrictedModules:  []models.RestrictedModule(next.RestrictedModules),
		SubscriptionLimits: next.SubscriptionLimits.Data(),
		ExemptedAccounts:   []string(next.ExemptedAccounts),
		BurstSettings:      next.BurstSettings.Data(),
		Timezone:           next.Timezone,
		ResetTime:          next.ResetTime,
	}
	if err := validator.ValidateStruct(rules); err != nil {
		var failures validator.ValidationErrors
		if errors.As(err, &failures) {
			return nil, nil, apperrors.NewConfigValidation(failures.Error()).
				WithDetails(map[string]any{"errors": []validator.ValidationError(failures)})
		}
		return nil, nil, err
	}

	seen := make(map[string]struct{}, len(rules.RestrictedModules))
	for _, module := range rules.RestrictedModules {
		if _, dup := seen[module.ModuleID]; dup {
			return nil, nil, apperrors.NewConfigValidation(fmt.Sprintf("module %q is listed twice", module.ModuleID)).
				WithDetails(map[string]any{"field": "restricted_modules", "module_id": module.ModuleID})
		}
		seen[module.ModuleID] = struct{}{}
	}

	return next, changed, nil
}

func cloneRateLimitConfig(cfg *models.RateLimitConfig) *models.RateLimitConfig {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.RestrictedModules = append(datatypes.JSONSlice[models.RestrictedModule]{}, cfg.RestrictedModules...)
	out.ExemptedAccounts = append(datatypes.JSONSlice[string]{}, cfg.ExemptedAccounts...)
	return &out
}
