package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/usageguard/internal/auditctx"
	"github.com/charlesng35/usageguard/internal/models"
	apperrors "github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/logger"
	"github.com/charlesng35/usageguard/pkg/metrics"
)

// Quota denial reasons.
const (
	QuotaReasonExceeded = "QUOTA_EXCEEDED"
	QuotaReasonBurst    = "BURST_EXCEEDED"
)

const (
	defaultHistoryLimit = 100
	maxItemCount        = 1000
)

// warningThresholds are the usage percentages announced once per record.
var warningThresholds = []int{50, 75, 90}

// QuotaLedgerConfig tunes the QuotaLedger.
type QuotaLedgerConfig struct {
	// HistoryLimit bounds the request history kept per record.
	HistoryLimit int
	Clock        func() time.Time
}

// QuotaCheck is the outcome of CheckAndIncrement.
type QuotaCheck struct {
	Allowed        bool                `json:"allowed"`
	Restricted     bool                `json:"restricted"`
	Reason         string              `json:"reason,omitempty"`
	Message        string              `json:"message,omitempty"`
	ModuleID       string              `json:"module_id"`
	Weight         int                 `json:"weight"`
	Date           string              `json:"date,omitempty"`
	Limit          int                 `json:"limit"`
	Used           int                 `json:"used"`
	Remaining      int                 `json:"remaining"`
	Percentage     float64             `json:"percentage"`
	Unlimited      bool                `json:"unlimited"`
	WarningsIssued []int               `json:"warnings_issued,omitempty"`
	ResetAt        time.Time           `json:"reset_at"`
	RetryAfter     time.Duration       `json:"retry_after,omitempty"`
	Record         *models.QuotaRecord `json:"-"`
}

// ModuleStat aggregates one module's usage for a day.
type ModuleStat struct {
	ModuleID      string `json:"module_id"`
	Requests      int64  `json:"requests"`
	WeightedUsage int64  `json:"weighted_usage"`
}

// QuotaStats summarises a day of usage for the admin console.
type QuotaStats struct {
	Date           string       `json:"date"`
	Accounts       int64        `json:"accounts"`
	TotalUsage     int64        `json:"total_usage"`
	BlockedRecords int64        `json:"blocked_records"`
	NearLimit      int64        `json:"near_limit"`
	Modules        []ModuleStat `json:"modules"`
}

// QuotaLedger enforces the weighted daily quota per account.
type QuotaLedger struct {
	db           *gorm.DB
	configs      *RateLimitConfigService
	burst        *BurstLimiter
	audit        AuditRecorder
	historyLimit int
	now          func() time.Time
	log          *zap.Logger
}

// NewQuotaLedger constructs a QuotaLedger. The burst limiter is optional.
func NewQuotaLedger(db *gorm.DB, configs *RateLimitConfigService, burst *BurstLimiter, audit AuditRecorder, cfg QuotaLedgerConfig) (*QuotaLedger, error) {
	if db == nil {
		return nil, errors.New("quota ledger: db is required")
	}
	if configs == nil {
		return nil, errors.New("quota ledger: rate limit config service is required")
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	now := cfg.Clock
	if now == nil {
		now = utcNow
	}
	return &QuotaLedger{
		db:           db,
		configs:      configs,
		burst:        burst,
		audit:        audit,
		historyLimit: historyLimit,
		now:          now,
		log:          logger.WithModule("quota"),
	}, nil
}

// Today returns the current quota day key.
func (l *QuotaLedger) Today(ctx context.Context) (string, error) {
	clock, err := l.configs.DayClock(ctx)
	if err != nil {
		return "", err
	}
	return clock.DayKey(l.now()), nil
}

// GetOrCreate returns the ledger record of an account for a day, creating it with the resolved
// limit. An empty date selects the current quota day. The limit is fixed for the record's lifetime.
func (l *QuotaLedger) GetOrCreate(ctx context.Context, accountID, date string) (*models.QuotaRecord, error) {
	ctx = ensureContext(ctx)

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, apperrors.NewBadRequest("account id is required")
	}
	date, err := l.resolveDate(ctx, date)
	if err != nil {
		return nil, err
	}

	var record models.QuotaRecord
	err = l.db.WithContext(ctx).Where("account_id = ? AND date = ?", accountID, date).Take(&record).Error
	if err == nil {
		return &record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("quota ledger: load record: %w", err)
	}

	cfg, err := l.configs.Current(ctx)
	if err != nil {
		return nil, err
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		limit, unlimited, tier, err := resolveLimit(tx, cfg, accountID)
		if err != nil {
			return err
		}
		fresh := models.QuotaRecord{
			AccountID:        accountID,
			Date:             date,
			DailyLimit:       limit,
			Unlimited:        unlimited,
			SubscriptionType: tier,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "date"}},
			DoNothing: true,
		}).Create(&fresh).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ? AND date = ?", accountID, date).Take(&record).Error
	})
	if err != nil {
		return nil, fmt.Errorf("quota ledger: create record: %w", err)
	}
	return &record, nil
}

// resolveLimit derives the daily limit of an account: exempt accounts are unlimited, then the
// account override, then the tier limit, then the configured default.
func resolveLimit(tx *gorm.DB, cfg *models.RateLimitConfig, accountID string) (int, bool, models.SubscriptionType, error) {
	var account *models.Account
	var row models.Account
	err := tx.Where("id = ?", accountID).Take(&row).Error
	switch {
	case err == nil:
		account = &row
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return 0, false, "", err
	}
	tier := account.Tier()

	if cfg.IsExempt(accountID) {
		return 0, true, tier, nil
	}
	if account != nil && account.DailyLimitOverride != nil && *account.DailyLimitOverride > 0 {
		return *account.DailyLimitOverride, false, tier, nil
	}
	if limit := cfg.SubscriptionLimits.Data().For(tier); limit > 0 {
		return limit, false, tier, nil
	}
	return cfg.DailyLimit, false, tier, nil
}

// CheckAndIncrement charges one module invocation against the account's daily budget. Modules
// outside the restricted list are allowed without touching the ledger. The increment is a single
// conditional update, so concurrent callers can never push usage past the limit.
func (l *QuotaLedger) CheckAndIncrement(ctx context.Context, accountID, moduleID string, itemCount int) (*QuotaCheck, error) {
	ctx = ensureContext(ctx)

	accountID = strings.TrimSpace(accountID)
	moduleID = strings.TrimSpace(moduleID)
	if accountID == "" || moduleID == "" {
		return nil, apperrors.NewBadRequest("account id and module id are required")
	}
	if itemCount == 0 {
		itemCount = 1
	}
	if itemCount < 0 || itemCount > maxItemCount {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("item count must be between 1 and %d", maxItemCount))
	}

	cfg, err := l.configs.Current(ctx)
	if err != nil {
		return nil, err
	}
	dayClock, err := NewDayClock(cfg.Timezone, cfg.ResetTime)
	if err != nil {
		return nil, fmt.Errorf("quota ledger: %w", err)
	}
	now := l.now()
	check := &QuotaCheck{
		Allowed:  true,
		ModuleID: moduleID,
		Date:     dayClock.DayKey(now),
		ResetAt:  dayClock.NextReset(now),
	}

	moduleWeight, restricted := cfg.ModuleWeight(moduleID)
	if !cfg.IsActive || !restricted {
		metrics.QuotaChecks.WithLabelValues(moduleID, "unrestricted").Inc()
		return check, nil
	}
	check.Restricted = true
	check.Weight = saturatingMul(itemCount, moduleWeight)
	exempt := cfg.IsExempt(accountID)

	if !exempt {
		burst, err := l.burst.Allow(ctx, accountID, cfg.BurstSettings.Data())
		if err != nil {
			return nil, err
		}
		if !burst.Allowed {
			record, err := l.GetOrCreate(ctx, accountID, check.Date)
			if err != nil {
				return nil, err
			}
			fillQuotaCheck(check, record)
			check.Allowed = false
			check.Reason = QuotaReasonBurst
			check.Message = fmt.Sprintf("more than %d requests within %s", burst.Limit, time.Duration(cfg.BurstSettings.Data().BurstWindowSeconds)*time.Second)
			check.RetryAfter = burst.RetryAfter
			metrics.QuotaChecks.WithLabelValues(moduleID, "burst_exceeded").Inc()
			return check, nil
		}
	}

	record, err := l.GetOrCreate(ctx, accountID, check.Date)
	if err != nil {
		return nil, err
	}

	var (
		charged  bool
		warnings []int
	)
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&models.QuotaRecord{}).Where("id = ? AND is_blocked = ?", record.ID, false)
		if !record.Unlimited && !exempt {
			update = update.Where("total_usage + ? <= daily_limit", check.Weight)
		}
		res := update.Update("total_usage", gorm.Expr("total_usage + ?", check.Weight))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("id = ?", record.ID).Take(record).Error
		}
		charged = true

		if err := l.recordModuleUsage(tx, record.ID, moduleID, check.Weight, now); err != nil {
			return err
		}
		if err := l.appendHistory(tx, record.ID, moduleID, itemCount, check.Weight, now); err != nil {
			return err
		}
		if err := tx.Where("id = ?", record.ID).Take(record).Error; err != nil {
			return err
		}
		if record.Unlimited || exempt {
			return nil
		}

		issued, err := issueWarnings(tx, record, record.TotalUsage-check.Weight, now)
		if err != nil {
			return err
		}
		warnings = issued
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quota ledger: check and increment: %w", err)
	}

	fillQuotaCheck(check, record)
	if exempt {
		check.Unlimited = true
		check.Remaining = -1
		check.Percentage = 0
	}
	if !charged {
		check.Allowed = false
		check.Reason = QuotaReasonExceeded
		check.Message = fmt.Sprintf("daily limit of %d reached", record.DailyLimit)
		if record.IsBlocked {
			check.Message = "usage is blocked for today"
			if record.BlockReason != nil {
				check.Message = *record.BlockReason
			}
		}
		metrics.QuotaChecks.WithLabelValues(moduleID, "quota_exceeded").Inc()
		return check, nil
	}

	check.WarningsIssued = warnings
	metrics.QuotaChecks.WithLabelValues(moduleID, "allowed").Inc()
	for _, threshold := range warnings {
		metrics.QuotaWarnings.WithLabelValues(strconv.Itoa(threshold)).Inc()
		l.log.Info("daily quota threshold crossed",
			zap.String("account_id", accountID),
			zap.Int("threshold", threshold),
			zap.Int("usage", record.TotalUsage),
			zap.Int("limit", record.DailyLimit))
		recordAudit(l.audit, ctx, AuditEvent{
			Action:    "quota.warning",
			ActorID:   auditctx.SystemActorID,
			AccountID: accountID,
			Resource:  "quota:" + record.ID,
			Summary:   fmt.Sprintf("%d%% of the daily quota used", threshold),
			Metadata:  map[string]any{"threshold": threshold, "usage": record.TotalUsage, "limit": record.DailyLimit},
		})
	}
	return check, nil
}

func (l *QuotaLedger) recordModuleUsage(tx *gorm.DB, recordID, moduleID string, weight int, now time.Time) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "quota_record_id"}, {Name: "module_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"request_count":  gorm.Expr("request_count + ?", 1),
			"weighted_usage": gorm.Expr("weighted_usage + ?", weight),
			"last_used":      now,
		}),
	}).Create(&models.ModuleUsage{
		QuotaRecordID: recordID,
		ModuleID:      moduleID,
		RequestCount:  1,
		WeightedUsage: weight,
		LastUsed:      now,
	}).Error
}

// appendHistory records a request and trims the history to the newest historyLimit entries.
func (l *QuotaLedger) appendHistory(tx *gorm.DB, recordID, moduleID string, itemCount, weight int, now time.Time) error {
	if err := tx.Create(&models.QuotaRequest{
		QuotaRecordID: recordID,
		ModuleID:      moduleID,
		ItemCount:     itemCount,
		Weight:        weight,
		CreatedAt:     now,
	}).Error; err != nil {
		return err
	}

	var cutoff []uint
	if err := tx.Model(&models.QuotaRequest{}).
		Where("quota_record_id = ?", recordID).
		Order("id DESC").
		Offset(l.historyLimit - 1).
		Limit(1).
		Pluck("id", &cutoff).Error; err != nil {
		return err
	}
	if len(cutoff) == 0 {
		return nil
	}
	return tx.Where("quota_record_id = ? AND id < ?", recordID, cutoff[0]).Delete(&models.QuotaRequest{}).Error
}

// issueWarnings records the thresholds crossed by moving usage from previous to the record's
// current total. Each threshold is issued at most once per record.
func issueWarnings(tx *gorm.DB, record *models.QuotaRecord, previous int, now time.Time) ([]int, error) {
	if record.DailyLimit <= 0 {
		return nil, nil
	}
	var issued []int
	for _, threshold := range warningThresholds {
		mark := threshold * record.DailyLimit
		if previous*100 >= mark || record.TotalUsage*100 < mark {
			continue
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "quota_record_id"}, {Name: "threshold"}},
			DoNothing: true,
		}).Create(&models.QuotaWarning{
			QuotaRecordID: record.ID,
			Threshold:     threshold,
			Usage:         record.TotalUsage,
			IssuedAt:      now,
		})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			issued = append(issued, threshold)
		}
	}
	return issued, nil
}

func fillQuotaCheck(check *QuotaCheck, record *models.QuotaRecord) {
	check.Record = record
	check.Date = record.Date
	check.Limit = record.DailyLimit
	check.Used = record.TotalUsage
	check.Unlimited = record.Unlimited
	check.Remaining = record.Remaining()
	check.Percentage = math.Round(record.Percentage()*100) / 100
}

// ResetForAccount zeroes one account's record for a day and clears its history, module usage and
// warnings. Missing records are a no-op.
func (l *QuotaLedger) ResetForAccount(ctx context.Context, accountID, date, actorID string) (*models.QuotaRecord, error) {
	ctx = ensureContext(ctx)

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, apperrors.NewBadRequest("account id is required")
	}
	date, err := l.resolveDate(ctx, date)
	if err != nil {
		return nil, err
	}

	var record *models.QuotaRecord
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.QuotaRecord
		err := tx.Where("account_id = ? AND date = ?", accountID, date).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := resetRecords(tx, "id = ?", row.ID); err != nil {
			return err
		}
		if err := tx.Where("id = ?", row.ID).Take(&row).Error; err != nil {
			return err
		}
		record = &row
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quota ledger: reset account: %w", err)
	}

	if err := l.burst.Reset(ctx, accountID); err != nil {
		l.log.Warn("failed to reset burst window", zap.String("account_id", accountID), zap.Error(err))
	}
	recordAudit(l.audit, ctx, AuditEvent{
		Action:    "quota.reset_account",
		ActorID:   actorID,
		AccountID: accountID,
		Summary:   "daily usage reset for " + date,
		Metadata:  map[string]any{"date": date, "found": record != nil},
	})
	return record, nil
}

// ResetAll zeroes every record of a day and returns how many records were reset.
func (l *QuotaLedger) ResetAll(ctx context.Context, date, actorID string) (int64, error) {
	ctx = ensureContext(ctx)

	date, err := l.resolveDate(ctx, date)
	if err != nil {
		return 0, err
	}

	var count int64
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.QuotaRecord{}).Where("date = ?", date).Count(&count).Error; err != nil {
			return err
		}
		return resetRecords(tx, "date = ?", date)
	})
	if err != nil {
		return 0, fmt.Errorf("quota ledger: reset all: %w", err)
	}

	recordAudit(l.audit, ctx, AuditEvent{
		Action:   "quota.reset_all",
		ActorID:  actorID,
		Summary:  fmt.Sprintf("daily usage reset for %d account(s) on %s", count, date),
		Metadata: map[string]any{"date": date, "records": count},
	})
	return count, nil
}

// resetRecords zeroes the records matching the condition and deletes their children.
func resetRecords(tx *gorm.DB, query string, args ...any) error {
	ids := tx.Model(&models.QuotaRecord{}).Select("id").Where(query, args...)
	for _, child := range []any{&models.ModuleUsage{}, &models.QuotaRequest{}, &models.QuotaWarning{}} {
		if err := tx.Where("quota_record_id IN (?)", ids).Delete(child).Error; err != nil {
			return err
		}
	}
	return tx.Model(&models.QuotaRecord{}).
		Where(query, args...).
		Updates(map[string]any{
			"total_usage":  0,
			"is_blocked":   false,
			"block_reason": nil,
		}).Error
}

// SetBlocked blocks or unblocks an account's usage for a day.
func (l *QuotaLedger) SetBlocked(ctx context.Context, accountID, date string, blocked bool, reason, actorID string) (*models.QuotaRecord, error) {
	ctx = ensureContext(ctx)

	record, err := l.GetOrCreate(ctx, accountID, date)
	if err != nil {
		return nil, err
	}

	var blockReason *string
	if blocked && strings.TrimSpace(reason) != "" {
		blockReason = stringPtr(strings.TrimSpace(reason))
	}
	if err := l.db.WithContext(ctx).Model(&models.QuotaRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{"is_blocked": blocked, "block_reason": blockReason}).Error; err != nil {
		return nil, fmt.Errorf("quota ledger: set blocked: %w", err)
	}
	record.IsBlocked = blocked
	record.BlockReason = blockReason

	recordAudit(l.audit, ctx, AuditEvent{
		Action:    "quota.set_blocked",
		ActorID:   actorID,
		AccountID: record.AccountID,
		Resource:  "quota:" + record.ID,
		Summary:   fmt.Sprintf("usage blocked=%t for %s", blocked, record.Date),
		Metadata:  map[string]any{"blocked": blocked, "reason": reason},
	})
	return record, nil
}

// Usage returns an account's record for a day with module usage, recent history and warnings.
func (l *QuotaLedger) Usage(ctx context.Context, accountID, date string) (*models.QuotaRecord, error) {
	ctx = ensureContext(ctx)

	date, err := l.resolveDate(ctx, date)
	if err != nil {
		return nil, err
	}

	var record models.QuotaRecord
	err = l.db.WithContext(ctx).
		Preload("ModuleUsage", func(db *gorm.DB) *gorm.DB { return db.Order("module_id ASC") }).
		Preload("RequestHistory", func(db *gorm.DB) *gorm.DB { return db.Order("id DESC") }).
		Preload("WarningsIssued", func(db *gorm.DB) *gorm.DB { return db.Order("threshold ASC") }).
		Where("account_id = ? AND date = ?", strings.TrimSpace(accountID), date).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUsageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("quota ledger: load usage: %w", err)
	}
	return &record, nil
}

// Stats aggregates a day of usage across accounts.
func (l *QuotaLedger) Stats(ctx context.Context, date string) (*QuotaStats, error) {
	ctx = ensureContext(ctx)

	date, err := l.resolveDate(ctx, date)
	if err != nil {
		return nil, err
	}
	stats := &QuotaStats{Date: date, Modules: []ModuleStat{}}
	db := l.db.WithContext(ctx)

	var totals struct {
		Accounts   int64
		TotalUsage int64
	}
	if err := db.Model(&models.QuotaRecord{}).
		Select("COUNT(*) AS accounts, COALESCE(SUM(total_usage), 0) AS total_usage").
		Where("date = ?", date).
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("quota ledger: stats totals: %w", err)
	}
	stats.Accounts = totals.Accounts
	stats.TotalUsage = totals.TotalUsage

	if err := db.Model(&models.QuotaRecord{}).
		Where("date = ? AND is_blocked = ?", date, true).
		Count(&stats.BlockedRecords).Error; err != nil {
		return nil, fmt.Errorf("quota ledger: stats blocked: %w", err)
	}
	if err := db.Model(&models.QuotaRecord{}).
		Where("date = ? AND unlimited = ? AND daily_limit > 0 AND total_usage * 10 >= daily_limit * 9", date, false).
		Count(&stats.NearLimit).Error; err != nil {
		return nil, fmt.Errorf("quota ledger: stats near limit: %w", err)
	}

	if err := db.Model(&models.ModuleUsage{}).
		Select("module_usages.module_id AS module_id, SUM(module_usages.request_count) AS requests, SUM(module_usages.weighted_usage) AS weighted_usage").
		Joins("JOIN quota_records ON quota_records.id = module_usages.quota_record_id").
		Where("quota_records.date = ?", date).
		Group("module_usages.module_id").
		Order("module_usages.module_id ASC").
		Scan(&stats.Modules).Error; err != nil {
		return nil, fmt.Errorf("quota ledger: stats modules: %w", err)
	}
	return stats, nil
}

func (l *QuotaLedger) resolveDate(ctx context.Context, date string) (string, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return l.Today(ctx)
	}
	if _, err := time.Parse(dayKeyLayout, date); err != nil {
		return "", apperrors.NewBadRequest("date must be formatted as YYYY-MM-DD")
	}
	return date, nil
}
