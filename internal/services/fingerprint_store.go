package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/auditctx"
	"github.com/charlesng35/usageguard/internal/database"
	"github.com/charlesng35/usageguard/internal/models"
	apperrors "github.com/charlesng35/usageguard/pkg/errors"
)

const maxSuspicionDelta = 100

// FingerprintStoreConfig tunes the FingerprintStore.
type FingerprintStoreConfig struct {
	// MinConfidence is the lowest fingerprint confidence recorded as a device.
	MinConfidence float64
	Clock         func() time.Time
}

// FingerprintInput describes a device sighting.
type FingerprintInput struct {
	AccountID  string
	Hash       string
	IPAddress  string
	DeviceInfo string
	Confidence float64
}

// DeviceSignals aggregates the device-level evidence used for sharing evaluation.
type DeviceSignals struct {
	DeviceCount        int
	SuspicionTotal     int
	LocationChanges    int
	IPAddresses        []string
	SuspiciousPatterns []string
}

// FingerprintStore persists device fingerprints per account.
type FingerprintStore struct {
	db            *gorm.DB
	audit         AuditRecorder
	minConfidence float64
	now           func() time.Time
}

// NewFingerprintStore constructs a FingerprintStore.
func NewFingerprintStore(db *gorm.DB, audit AuditRecorder, cfg FingerprintStoreConfig) (*FingerprintStore, error) {
	if db == nil {
		return nil, errors.New("fingerprint store: db is required")
	}
	now := cfg.Clock
	if now == nil {
		now = utcNow
	}
	return &FingerprintStore{
		db:            db,
		audit:         audit,
		minConfidence: cfg.MinConfidence,
		now:           now,
	}, nil
}

// Record upserts the device identified by (account, hash), bumping its session count and last
// sighting. Low-confidence fingerprints return ErrLowConfidence and are not stored.
func (s *FingerprintStore) Record(ctx context.Context, in FingerprintInput) (*models.DeviceFingerprint, error) {
	ctx = ensureContext(ctx)

	in.AccountID = strings.TrimSpace(in.AccountID)
	in.Hash = strings.TrimSpace(in.Hash)
	if in.AccountID == "" || in.Hash == "" {
		return nil, apperrors.NewBadRequest("account id and fingerprint hash are required")
	}
	if in.Confidence < s.minConfidence {
		return nil, ErrLowConfidence
	}

	device, err := s.upsert(ctx, in)
	if err != nil && database.IsUniqueViolation(err) {
		// A concurrent sighting created the row first; the retry takes the update path.
		device, err = s.upsert(ctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("fingerprint store: record: %w", err)
	}
	return device, nil
}

func (s *FingerprintStore) upsert(ctx context.Context, in FingerprintInput) (*models.DeviceFingerprint, error) {
	now := s.now()
	var device models.DeviceFingerprint

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DeviceFingerprint{}).
			Where("account_id = ? AND fingerprint_hash = ?", in.AccountID, in.Hash).
			Updates(map[string]any{
				"session_count": gorm.Expr("session_count + ?", 1),
				"last_seen":     now,
				"ip_address":    strings.TrimSpace(in.IPAddress),
				"device_info":   strings.TrimSpace(in.DeviceInfo),
				"confidence":    in.Confidence,
				"is_active":     true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			device = models.DeviceFingerprint{
				AccountID:       in.AccountID,
				FingerprintHash: in.Hash,
				DeviceInfo:      strings.TrimSpace(in.DeviceInfo),
				IPAddress:       strings.TrimSpace(in.IPAddress),
				Confidence:      in.Confidence,
				IsActive:        true,
				FirstSeen:       now,
				LastSeen:        now,
				SessionCount:    1,
			}
			return tx.Create(&device).Error
		}
		return tx.Where("account_id = ? AND fingerprint_hash = ?", in.AccountID, in.Hash).Take(&device).Error
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// IncrementSuspicion adds delta to one suspicious activity counter of a device.
func (s *FingerprintStore) IncrementSuspicion(ctx context.Context, deviceID string, kind models.SuspicionKind, delta int) (*models.DeviceFingerprint, error) {
	ctx = ensureContext(ctx)

	column := kind.Column()
	if column == "" {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown suspicion kind %q", kind))
	}
	if delta == 0 {
		delta = 1
	}
	if delta < 0 || delta > maxSuspicionDelta {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("suspicion delta must be between 1 and %d", maxSuspicionDelta))
	}

	res := s.db.WithContext(ctx).Model(&models.DeviceFingerprint{}).
		Where("id = ?", deviceID).
		Update(column, gorm.Expr(column+" + ?", delta))
	if res.Error != nil {
		return nil, fmt.Errorf("fingerprint store: increment suspicion: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrDeviceNotFound
	}
	return s.Get(ctx, deviceID)
}

// Get loads a device by id.
func (s *FingerprintStore) Get(ctx context.Context, deviceID string) (*models.DeviceFingerprint, error) {
	ctx = ensureContext(ctx)

	var device models.DeviceFingerprint
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(deviceID)).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fingerprint store: load device: %w", err)
	}
	return &device, nil
}

// ListForAccount returns the devices of an account, most recently seen first.
func (s *FingerprintStore) ListForAccount(ctx context.Context, accountID string) ([]models.DeviceFingerprint, error) {
	ctx = ensureContext(ctx)

	var devices []models.DeviceFingerprint
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", strings.TrimSpace(accountID)).
		Order("last_seen DESC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("fingerprint store: list devices: %w", err)
	}
	return devices, nil
}

// Verify marks a device as trusted (or untrusted) on behalf of an operator.
func (s *FingerprintStore) Verify(ctx context.Context, deviceID string, verified bool, actorID string) (*models.DeviceFingerprint, error) {
	ctx = ensureContext(ctx)

	device, err := s.Get(ctx, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		if strings.TrimSpace(actorID) == "" {
			actorID = auditctx.SystemActorID
		}
		recordAudit(s.audit, ctx, AuditEvent{
			Action:   "device.verify",
			ActorID:  actorID,
			Resource: "device:" + strings.TrimSpace(deviceID),
			Result:   AuditResultDenied,
			Summary:  "device not found",
			Metadata: map[string]any{"verified": verified},
		})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(&models.DeviceFingerprint{}).
		Where("id = ?", device.ID).
		Update("is_verified", verified).Error; err != nil {
		return nil, fmt.Errorf("fingerprint store: verify device: %w", err)
	}
	device.IsVerified = verified

	recordAudit(s.audit, ctx, AuditEvent{
		Action:    "device.verify",
		ActorID:   actorID,
		AccountID: device.AccountID,
		Resource:  "device:" + device.ID,
		Summary:   fmt.Sprintf("device verified=%t", verified),
		Metadata:  map[string]any{"verified": verified},
	})
	return device, nil
}

// Signals summarises the active devices of an account. Operator-verified devices are trusted and
// excluded from the device count but their suspicion counters still apply.
func (s *FingerprintStore) Signals(ctx context.Context, accountID string) (DeviceSignals, error) {
	ctx = ensureContext(ctx)

	var devices []models.DeviceFingerprint
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Find(&devices).Error; err != nil {
		return DeviceSignals{}, fmt.Errorf("fingerprint store: load signals: %w", err)
	}

	var (
		signals  DeviceSignals
		ips      = make(map[string]struct{})
		patterns = make(map[string]struct{})
	)
	for _, device := range devices {
		if !device.IsVerified {
			signals.DeviceCount++
		}
		activity := device.SuspiciousActivity
		signals.SuspicionTotal += activity.Total()
		signals.LocationChanges += activity.RapidLocationChanges
		if device.IPAddress != "" {
			ips[device.IPAddress] = struct{}{}
		}
		if activity.RapidLocationChanges > 0 {
			patterns[string(models.SuspicionRapidLocationChanges)] = struct{}{}
		}
		if activity.UnusualUsageHours > 0 {
			patterns[string(models.SuspicionUnusualUsageHours)] = struct{}{}
		}
		if activity.SimultaneousActivity > 0 {
			patterns[string(models.SuspicionSimultaneousActivity)] = struct{}{}
		}
	}

	signals.IPAddresses = sortedKeys(ips)
	signals.SuspiciousPatterns = sortedKeys(patterns)
	return signals, nil
}

// DeviceCount returns the number of active, unverified devices of an account.
func (s *FingerprintStore) DeviceCount(ctx context.Context, accountID string) (int, error) {
	signals, err := s.Signals(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return signals.DeviceCount, nil
}

// SuspicionTotal sums the suspicious activity counters across the active devices of an account.
func (s *FingerprintStore) SuspicionTotal(ctx context.Context, accountID string) (int, error) {
	signals, err := s.Signals(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return signals.SuspicionTotal, nil
}

// PruneStale deletes unverified devices not seen since the cutoff.
func (s *FingerprintStore) PruneStale(ctx context.Context, before time.Time) (int64, error) {
	ctx = ensureContext(ctx)

	res := s.db.WithContext(ctx).
		Where("is_verified = ? AND last_seen < ?", false, before).
		Delete(&models.DeviceFingerprint{})
	if res.Error != nil {
		return 0, fmt.Errorf("fingerprint store: prune devices: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
