package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LogoutReason records why a session stopped being active.
type LogoutReason string

const (
	LogoutForce             LogoutReason = "FORCE_LOGOUT"
	LogoutUserRequested     LogoutReason = "USER_REQUESTED"
	LogoutAdminTerminated   LogoutReason = "ADMIN_TERMINATED"
	LogoutInactivityTimeout LogoutReason = "INACTIVITY_TIMEOUT"
)

// Session is a login of an account on one device. ActiveAccountKey mirrors AccountID while the
// session is active and is NULL otherwise; its unique index keeps one active session per account.
type Session struct {
	ID                  string        `gorm:"primaryKey;type:uuid" json:"id"`
	AccountID           string        `gorm:"size:64;not null;index" json:"account_id"`
	Token               string        `gorm:"uniqueIndex;size:512;not null" json:"-"`
	IPAddress           string        `json:"ip_address"`
	UserAgent           string        `json:"user_agent"`
	DeviceFingerprintID *string       `gorm:"type:uuid;index" json:"device_fingerprint_id,omitempty"`
	LoginAt             time.Time     `gorm:"not null" json:"login_at"`
	LastActivity        time.Time     `gorm:"not null;index" json:"last_activity"`
	Active              bool          `gorm:"not null;default:false;index" json:"active"`
	ActiveAccountKey    *string       `gorm:"size:64;uniqueIndex" json:"-"`
	LogoutAt            *time.Time    `json:"logout_at,omitempty"`
	LogoutReason        *LogoutReason `gorm:"size:32" json:"logout_reason,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
