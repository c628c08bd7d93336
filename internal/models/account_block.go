package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BlockType describes the severity of an account block.
type BlockType string

const (
	BlockTemporary  BlockType = "TEMPORARY"
	BlockPermanent  BlockType = "PERMANENT"
	BlockRestricted BlockType = "RESTRICTED"
)

// BlockStatus is the lifecycle state of an account block.
type BlockStatus string

const (
	BlockStatusActive    BlockStatus = "ACTIVE"
	BlockStatusExpired   BlockStatus = "EXPIRED"
	BlockStatusAppealed  BlockStatus = "APPEALED"
	BlockStatusUnblocked BlockStatus = "UNBLOCKED"
)

// AppealStatus is the review state of an appeal.
type AppealStatus string

const (
	AppealPending  AppealStatus = "PENDING"
	AppealApproved AppealStatus = "APPROVED"
	AppealRejected AppealStatus = "REJECTED"
)

// ScoreBreakdown holds the component scores of a sharing evaluation.
type ScoreBreakdown struct {
	HardwareScore int `gorm:"not null;default:0" json:"hardware_score"`
	BehaviorScore int `gorm:"not null;default:0" json:"behavior_score"`
	SessionScore  int `gorm:"not null;default:0" json:"session_score"`
}

// BlockEvidence is the signal snapshot captured when a block is created or refreshed.
type BlockEvidence struct {
	ConcurrentSessions int      `json:"concurrent_sessions"`
	DeviceCount        int      `json:"device_count"`
	LocationChanges    int      `json:"location_changes"`
	IPAddresses        []string `json:"ip_addresses"`
	SuspiciousPatterns []string `json:"suspicious_patterns"`
}

// AccountBlock is a historical record of an account restriction. Rows are never hard-deleted.
// InForceAccountKey mirrors AccountID while the block is ACTIVE or APPEALED and is NULL otherwise;
// its unique index keeps at most one in-force block per account.
type AccountBlock struct {
	ID                string                            `gorm:"primaryKey;type:uuid" json:"id"`
	AccountID         string                            `gorm:"size:64;not null;index" json:"account_id"`
	BlockType         BlockType                         `gorm:"size:16;not null" json:"block_type"`
	BlockReason       string                            `gorm:"not null" json:"block_reason"`
	SharingScore      int                               `gorm:"not null;default:0" json:"sharing_score"`
	ScoreBreakdown    ScoreBreakdown                    `gorm:"embedded" json:"score_breakdown"`
	BlockedAt         time.Time                         `gorm:"not null;index" json:"blocked_at"`
	BlockedUntil      *time.Time                        `json:"blocked_until,omitempty"`
	Status            BlockStatus                       `gorm:"size:16;not null;index" json:"status"`
	Evidence          datatypes.JSONType[BlockEvidence] `json:"evidence"`
	InForceAccountKey *string                           `gorm:"size:64;uniqueIndex" json:"-"`
	Appeal            *BlockAppeal                      `gorm:"foreignKey:BlockID" json:"appeal,omitempty"`
	AdminActions      []BlockAction                     `gorm:"foreignKey:BlockID" json:"admin_actions,omitempty"`
	CreatedAt         time.Time                         `json:"created_at"`
	UpdatedAt         time.Time                         `json:"updated_at"`
}

func (b *AccountBlock) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// InForce reports whether the block currently restricts the account.
func (b *AccountBlock) InForce(now time.Time) bool {
	if b == nil {
		return false
	}
	if b.Status != BlockStatusActive && b.Status != BlockStatusAppealed {
		return false
	}
	return !b.Lapsed(now)
}

// Lapsed reports whether a temporary block has run past its end time.
func (b *AccountBlock) Lapsed(now time.Time) bool {
	return b != nil && b.BlockType == BlockTemporary && b.BlockedUntil != nil && now.After(*b.BlockedUntil)
}

// BlockAppeal is the single appeal filed against a block.
type BlockAppeal struct {
	ID          string       `gorm:"primaryKey;type:uuid" json:"id"`
	BlockID     string       `gorm:"type:uuid;not null;uniqueIndex" json:"block_id"`
	AppealedAt  time.Time    `gorm:"not null" json:"appealed_at"`
	Reason      string       `gorm:"not null" json:"reason"`
	Status      AppealStatus `gorm:"size:16;not null" json:"status"`
	ReviewedBy  string       `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time   `json:"reviewed_at,omitempty"`
	ReviewNotes string       `json:"review_notes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (a *BlockAppeal) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// BlockAction is one append-only entry on a block's trail.
type BlockAction struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	BlockID   string    `gorm:"type:uuid;not null;index" json:"block_id"`
	ActorID   string    `gorm:"not null" json:"actor_id"`
	Action    string    `gorm:"size:64;not null" json:"action"`
	Notes     string    `json:"notes,omitempty"`
	Score     *int      `json:"score,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (a *BlockAction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
