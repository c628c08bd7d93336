package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SuspicionKind names one of the per-device suspicious activity counters.
type SuspicionKind string

const (
	SuspicionRapidLocationChanges SuspicionKind = "rapid_location_changes"
	SuspicionUnusualUsageHours    SuspicionKind = "unusual_usage_hours"
	SuspicionSimultaneousActivity SuspicionKind = "simultaneous_activity"
)

// Column returns the database column backing the counter, or "" for unknown kinds.
func (k SuspicionKind) Column() string {
	switch k {
	case SuspicionRapidLocationChanges, SuspicionUnusualUsageHours, SuspicionSimultaneousActivity:
		return string(k)
	default:
		return ""
	}
}

// SuspiciousActivity groups heuristic counters reported by external detectors.
type SuspiciousActivity struct {
	RapidLocationChanges int `gorm:"not null;default:0" json:"rapid_location_changes"`
	UnusualUsageHours    int `gorm:"not null;default:0" json:"unusual_usage_hours"`
	SimultaneousActivity int `gorm:"not null;default:0" json:"simultaneous_activity"`
}

// Total sums every counter.
func (s SuspiciousActivity) Total() int {
	return s.RapidLocationChanges + s.UnusualUsageHours + s.SimultaneousActivity
}

// DeviceFingerprint is a device sighting for an account, keyed by the fingerprint hash.
type DeviceFingerprint struct {
	ID                 string             `gorm:"primaryKey;type:uuid" json:"id"`
	AccountID          string             `gorm:"size:64;not null;uniqueIndex:idx_fingerprint_account_hash" json:"account_id"`
	FingerprintHash    string             `gorm:"size:255;not null;uniqueIndex:idx_fingerprint_account_hash" json:"fingerprint_hash"`
	DeviceInfo         string             `json:"device_info"`
	IPAddress          string             `json:"ip_address"`
	Confidence         float64            `json:"confidence"`
	IsActive           bool               `gorm:"not null;default:true" json:"is_active"`
	IsVerified         bool               `gorm:"not null;default:false" json:"is_verified"`
	FirstSeen          time.Time          `gorm:"not null" json:"first_seen"`
	LastSeen           time.Time          `gorm:"not null;index" json:"last_seen"`
	SessionCount       int                `gorm:"not null;default:0" json:"session_count"`
	SuspiciousActivity SuspiciousActivity `gorm:"embedded" json:"suspicious_activity"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (d *DeviceFingerprint) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}
