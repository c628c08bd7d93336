package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/usageguard/internal/auditctx"
	"github.com/charlesng35/usageguard/internal/database"
	"github.com/charlesng35/usageguard/internal/models"
	apperrors "github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/metrics"
)

// Block trail actions.
const (
	BlockActionCreated         = "CREATED"
	BlockActionUpdated         = "UPDATED"
	BlockActionEvidenceUpdated = "EVIDENCE_UPDATED"
	BlockActionEscalated       = "ESCALATED"
	BlockActionScoreEvaluated  = "SCORE_EVALUATED"
	BlockActionExpired         = "EXPIRED"
	BlockActionAppealFiled     = "APPEAL_FILED"
	BlockActionAppealApproved  = "APPEAL_APPROVED"
	BlockActionAppealRejected  = "APPEAL_REJECTED"
	BlockActionUnblocked       = "UNBLOCKED"
)

// BlockManagerConfig tunes the BlockManager.
type BlockManagerConfig struct {
	Policy ScoringPolicy
	Clock  func() time.Time
}

// BlockEvaluation reports what a score evaluation or admin creation did to the account's block.
// Block is nil when no block is in force.
type BlockEvaluation struct {
	Block     *models.AccountBlock `json:"block,omitempty"`
	Created   bool                 `json:"created"`
	Escalated bool                 `json:"escalated"`
}

// CreateBlockInput describes an operator-issued block.
type CreateBlockInput struct {
	AccountID string                `json:"account_id" validate:"required,max=64"`
	BlockType models.BlockType      `json:"block_type" validate:"required,oneof=TEMPORARY PERMANENT RESTRICTED"`
	Reason    string                `json:"reason" validate:"required,max=500"`
	Duration  time.Duration         `json:"duration"`
	Evidence  *models.BlockEvidence `json:"evidence,omitempty"`
}

// BlockFilter narrows block listings.
type BlockFilter struct {
	AccountID string
	Status    models.BlockStatus
	Type      models.BlockType
	Page      int
	PerPage   int
}

// BlockPage is one page of a block listing.
type BlockPage struct {
	Blocks  []models.AccountBlock `json:"blocks"`
	Total   int64                 `json:"total"`
	Page    int                   `json:"page"`
	PerPage int                   `json:"per_page"`
}

// BlockManager owns the block and appeal lifecycle.
type BlockManager struct {
	db     *gorm.DB
	audit  AuditRecorder
	policy ScoringPolicy
	now    func() time.Time
}

// transitionDenied aborts a transition transaction; it is audited and surfaced as ErrIllegalTransition.
type transitionDenied struct {
	action string
	block  *models.AccountBlock
	reason string
}

func (d *transitionDenied) Error() string { return d.reason }

// NewBlockManager constructs a BlockManager.
func NewBlockManager(db *gorm.DB, audit AuditRecorder, cfg BlockManagerConfig) (*BlockManager, error) {
	if db == nil {
		return nil, errors.New("block manager: db is required")
	}
	now := cfg.Clock
	if now == nil {
		now = utcNow
	}
	return &BlockManager{
		db:     db,
		audit:  audit,
		policy: cfg.Policy.Normalised(),
		now:    now,
	}, nil
}

// EvaluateScore applies a sharing score to an account. A score at or above a threshold creates a
// block, or refreshes the evidence of the block already in force (escalating TEMPORARY to
// PERMANENT when warranted). Scores below the thresholds are only appended to the trail of an
// in-force block.
func (m *BlockManager) EvaluateScore(ctx context.Context, accountID string, score *SharingScore, actorID string) (*BlockEvaluation, error) {
	ctx = ensureContext(ctx)

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, apperrors.NewBadRequest("account id is required")
	}
	if score == nil {
		return nil, apperrors.NewBadRequest("sharing score is required")
	}
	if strings.TrimSpace(actorID) == "" {
		actorID = auditctx.SystemActorID
	}

	result, events, err := m.evaluate(ctx, accountID, score, actorID)
	if err != nil && database.IsUniqueViolation(err) {
		// A concurrent evaluation created the block first; refresh it instead.
		result, events, err = m.evaluate(ctx, accountID, score, actorID)
	}
	if err != nil {
		return nil, fmt.Errorf("block manager: evaluate score: %w", err)
	}

	m.emit(ctx, events)
	return result, nil
}

func (m *BlockManager) evaluate(ctx context.Context, accountID string, score *SharingScore, actorID string) (*BlockEvaluation, []AuditEvent, error) {
	now := m.now()
	blockType, warranted := m.policy.Classify(score.Score)
	value := score.Score

	result := &BlockEvaluation{}
	var events []AuditEvent

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := m.lockInForce(tx, accountID)
		if err != nil {
			return err
		}
		if existing != nil {
			expired, err := m.expireIfLapsed(tx, existing, now)
			if err != nil {
				return err
			}
			if expired {
				events = append(events, expiryEvent(existing))
				existing = nil
			}
		}

		if existing == nil {
			if !warranted {
				return nil
			}
			block := &models.AccountBlock{
				AccountID:         accountID,
				BlockType:         blockType,
				BlockReason:       fmt.Sprintf("Account sharing detected (score %d)", value),
				SharingScore:      value,
				ScoreBreakdown:    score.Breakdown,
				BlockedAt:         now,
				Status:            models.BlockStatusActive,
				Evidence:          datatypes.NewJSONType(score.Evidence),
				InForceAccountKey: stringPtr(accountID),
			}
			if blockType == models.BlockTemporary {
				until := now.Add(m.policy.TemporaryDuration)
				block.BlockedUntil = &until
			}
			if err := tx.Create(block).Error; err != nil {
				return err
			}
			if err := appendBlockAction(tx, block.ID, actorID, BlockActionCreated, block.BlockReason, &value); err != nil {
				return err
			}
			if err := setAccountActive(tx, accountID, false); err != nil {
				return err
			}

			result.Block = block
			result.Created = true
			events = append(events, AuditEvent{
				Action:    "block.create",
				ActorID:   actorID,
				AccountID: accountID,
				Resource:  "block:" + block.ID,
				Summary:   fmt.Sprintf("%s block created with sharing score %d", blockType, value),
				Metadata:  map[string]any{"score": value, "block_type": blockType},
			})
			return nil
		}

		result.Block = existing
		if !warranted {
			return appendBlockAction(tx, existing.ID, actorID, BlockActionScoreEvaluated, breakdownNotes(score), &value)
		}

		updates := map[string]any{
			"sharing_score":  value,
			"hardware_score": score.Breakdown.HardwareScore,
			"behavior_score": score.Breakdown.BehaviorScore,
			"session_score":  score.Breakdown.SessionScore,
			"evidence":       datatypes.NewJSONType(score.Evidence),
		}
		action, auditAction := BlockActionEvidenceUpdated, "block.evidence_update"
		if blockType == models.BlockPermanent && existing.BlockType == models.BlockTemporary {
			updates["block_type"] = models.BlockPermanent
			updates["blocked_until"] = nil
			action, auditAction = BlockActionEscalated, "block.escalate"
			result.Escalated = true
		}
		if err := tx.Model(&models.AccountBlock{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return err
		}
		if err := appendBlockAction(tx, existing.ID, actorID, action, breakdownNotes(score), &value); err != nil {
			return err
		}

		existing.SharingScore = value
		existing.ScoreBreakdown = score.Breakdown
		existing.Evidence = datatypes.NewJSONType(score.Evidence)
		if result.Escalated {
			existing.BlockType = models.BlockPermanent
			existing.BlockedUntil = nil
		}
		events = append(events, AuditEvent{
			Action:    auditAction,
			ActorID:   actorID,
			AccountID: accountID,
			Resource:  "block:" + existing.ID,
			Summary:   fmt.Sprintf("block refreshed with sharing score %d", value),
			Metadata:  map[string]any{"score": value, "block_type": existing.BlockType},
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, events, nil
}

// CreateBlock issues an operator block. When a block is already in force for the account it is
// updated with the new type, reason and end time instead.
func (m *BlockManager) CreateBlock(ctx context.Context, in CreateBlockInput, actorID string) (*BlockEvaluation, error) {
	ctx = ensureContext(ctx)

	in.AccountID = strings.TrimSpace(in.AccountID)
	in.Reason = strings.TrimSpace(in.Reason)
	if in.AccountID == "" || in.Reason == "" {
		return nil, apperrors.NewBadRequest("account id and reason are required")
	}
	switch in.BlockType {
	case models.BlockTemporary, models.BlockPermanent, models.BlockRestricted:
	default:
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown block type %q", in.BlockType))
	}
	if in.Duration < 0 {
		return nil, apperrors.NewBadRequest("duration must not be negative")
	}

	result, events, err := m.create(ctx, in, actorID)
	if err != nil && database.IsUniqueViolation(err) {
		result, events, err = m.create(ctx, in, actorID)
	}
	if err != nil {
		return nil, fmt.Errorf("block manager: create block: %w", err)
	}

	m.emit(ctx, events)
	return result, nil
}

func (m *BlockManager) create(ctx context.Context, in CreateBlockInput, actorID string) (*BlockEvaluation, []AuditEvent, error) {
	now := m.now()
	var until *time.Time
	if in.BlockType == models.BlockTemporary {
		duration := in.Duration
		if duration == 0 {
			duration = m.policy.TemporaryDuration
		}
		end := now.Add(duration)
		until = &end
	}

	result := &BlockEvaluation{}
	var events []AuditEvent

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := m.lockInForce(tx, in.AccountID)
		if err != nil {
			return err
		}
		if existing != nil {
			expired, err := m.expireIfLapsed(tx, existing, now)
			if err != nil {
				return err
			}
			if expired {
				events = append(events, expiryEvent(existing))
				existing = nil
			}
		}

		if existing != nil {
			updates := map[string]any{
				"block_type":    in.BlockType,
				"block_reason":  in.Reason,
				"blocked_until": until,
			}
			if in.Evidence != nil {
				updates["evidence"] = datatypes.NewJSONType(*in.Evidence)
				existing.Evidence = datatypes.NewJSONType(*in.Evidence)
			}
			if err := tx.Model(&models.AccountBlock{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			if err := appendBlockAction(tx, existing.ID, actorID, BlockActionUpdated, in.Reason, nil); err != nil {
				return err
			}
			existing.BlockType = in.BlockType
			existing.BlockReason = in.Reason
			existing.BlockedUntil = until
			result.Block = existing
			events = append(events, AuditEvent{
				Action:    "block.update",
				ActorID:   actorID,
				AccountID: in.AccountID,
				Resource:  "block:" + existing.ID,
				Summary:   fmt.Sprintf("in-force block changed to %s", in.BlockType),
				Metadata:  map[string]any{"block_type": in.BlockType, "reason": in.Reason},
			})
			return nil
		}

		var evidence models.BlockEvidence
		if in.Evidence != nil {
			evidence = *in.Evidence
		}
		block := &models.AccountBlock{
			AccountID:         in.AccountID,
			BlockType:         in.BlockType,
			BlockReason:       in.Reason,
			BlockedAt:         now,
			BlockedUntil:      until,
			Status:            models.BlockStatusActive,
			Evidence:          datatypes.NewJSONType(evidence),
			InForceAccountKey: stringPtr(in.AccountID),
		}
		if err := tx.Create(block).Error; err != nil {
			return err
		}
		if err := appendBlockAction(tx, block.ID, actorID, BlockActionCreated, in.Reason, nil); err != nil {
			return err
		}
		if err := setAccountActive(tx, in.AccountID, false); err != nil {
			return err
		}
		result.Block = block
		result.Created = true
		events = append(events, AuditEvent{
			Action:    "block.create",
			ActorID:   actorID,
			AccountID: in.AccountID,
			Resource:  "block:" + block.ID,
			Summary:   fmt.Sprintf("%s block issued by operator", in.BlockType),
			Metadata:  map[string]any{"block_type": in.BlockType, "reason": in.Reason},
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, events, nil
}

// FileAppeal records the single appeal of a block. It is legal from ACTIVE or EXPIRED. A non-empty
// accountID restricts the block to that account's own blocks.
func (m *BlockManager) FileAppeal(ctx context.Context, blockID, accountID, reason string) (*models.AccountBlock, error) {
	ctx = ensureContext(ctx)

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.NewBadRequest("appeal reason is required")
	}
	accountID = strings.TrimSpace(accountID)

	return m.transition(ctx, blockID, "block.appeal", accountID, func(tx *gorm.DB, block *models.AccountBlock, now time.Time) (AuditEvent, error) {
		if accountID != "" && block.AccountID != accountID {
			return AuditEvent{}, ErrBlockNotFound
		}
		if block.Status != models.BlockStatusActive && block.Status != models.BlockStatusExpired {
			return AuditEvent{}, &transitionDenied{action: "block.appeal", block: block, reason: fmt.Sprintf("a %s block cannot be appealed", strings.ToLower(string(block.Status)))}
		}

		var appeals int64
		if err := tx.Model(&models.BlockAppeal{}).Where("block_id = ?", block.ID).Count(&appeals).Error; err != nil {
			return AuditEvent{}, err
		}
		if appeals > 0 {
			return AuditEvent{}, &transitionDenied{action: "block.appeal", block: block, reason: "block has already been appealed"}
		}

		appeal := &models.BlockAppeal{
			BlockID:    block.ID,
			AppealedAt: now,
			Reason:     reason,
			Status:     models.AppealPending,
		}
		if err := tx.Create(appeal).Error; err != nil {
			return AuditEvent{}, err
		}
		if err := tx.Model(&models.AccountBlock{}).Where("id = ?", block.ID).
			Update("status", models.BlockStatusAppealed).Error; err != nil {
			return AuditEvent{}, err
		}
		actor := block.AccountID
		if err := appendBlockAction(tx, block.ID, actor, BlockActionAppealFiled, reason, nil); err != nil {
			return AuditEvent{}, err
		}

		block.Status = models.BlockStatusAppealed
		block.Appeal = appeal
		return AuditEvent{
			Action:    "block.appeal",
			ActorID:   actor,
			AccountID: block.AccountID,
			Resource:  "block:" + block.ID,
			Summary:   "appeal filed",
			Metadata:  map[string]any{"reason": reason},
		}, nil
	})
}

// ReviewAppeal decides the pending appeal of a block. Approval unblocks the block and reactivates
// the account; rejection returns the block to ACTIVE, or to EXPIRED once its end time has passed.
func (m *BlockManager) ReviewAppeal(ctx context.Context, blockID string, approved bool, notes, actorID string) (*models.AccountBlock, error) {
	ctx = ensureContext(ctx)
	notes = strings.TrimSpace(notes)

	return m.transition(ctx, blockID, "block.review_appeal", actorID, func(tx *gorm.DB, block *models.AccountBlock, now time.Time) (AuditEvent, error) {
		if block.Status != models.BlockStatusAppealed {
			return AuditEvent{}, &transitionDenied{action: "block.review_appeal", block: block, reason: "block has no pending appeal"}
		}

		var appeal models.BlockAppeal
		err := tx.Where("block_id = ?", block.ID).Take(&appeal).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && appeal.Status != models.AppealPending) {
			return AuditEvent{}, &transitionDenied{action: "block.review_appeal", block: block, reason: "block has no pending appeal"}
		}
		if err != nil {
			return AuditEvent{}, err
		}

		appealStatus := models.AppealRejected
		blockStatus := models.BlockStatusActive
		action, auditAction := BlockActionAppealRejected, "block.appeal_reject"
		var key *string
		if block.Lapsed(now) {
			blockStatus = models.BlockStatusExpired
		} else {
			key = stringPtr(block.AccountID)
		}
		if approved {
			appealStatus = models.AppealApproved
			blockStatus = models.BlockStatusUnblocked
			action, auditAction = BlockActionAppealApproved, "block.appeal_approve"
			key = nil
		}

		if err := tx.Model(&models.BlockAppeal{}).Where("id = ?", appeal.ID).Updates(map[string]any{
			"status":       appealStatus,
			"reviewed_by":  actorID,
			"reviewed_at":  now,
			"review_notes": notes,
		}).Error; err != nil {
			return AuditEvent{}, err
		}
		if err := tx.Model(&models.AccountBlock{}).Where("id = ?", block.ID).Updates(map[string]any{
			"status":               blockStatus,
			"in_force_account_key": key,
		}).Error; err != nil {
			return AuditEvent{}, err
		}
		if err := appendBlockAction(tx, block.ID, actorID, action, notes, nil); err != nil {
			return AuditEvent{}, err
		}
		if approved {
			if err := m.reactivateIfClear(tx, block.AccountID, block.ID); err != nil {
				return AuditEvent{}, err
			}
		}

		appeal.Status = appealStatus
		appeal.ReviewedBy = actorID
		appeal.ReviewedAt = &now
		appeal.ReviewNotes = notes
		block.Appeal = &appeal
		block.Status = blockStatus
		block.InForceAccountKey = key
		return AuditEvent{
			Action:    auditAction,
			ActorID:   actorID,
			AccountID: block.AccountID,
			Resource:  "block:" + block.ID,
			Summary:   fmt.Sprintf("appeal %s", strings.ToLower(string(appealStatus))),
			Metadata:  map[string]any{"approved": approved, "notes": notes},
		}, nil
	})
}

// AdminUnblock lifts an ACTIVE or EXPIRED block and reactivates the account.
func (m *BlockManager) AdminUnblock(ctx context.Context, blockID, reason, actorID string) (*models.AccountBlock, error) {
	ctx = ensureContext(ctx)
	reason = strings.TrimSpace(reason)

	return m.transition(ctx, blockID, "block.unblock", actorID, func(tx *gorm.DB, block *models.AccountBlock, now time.Time) (AuditEvent, error) {
		if block.Status != models.BlockStatusActive && block.Status != models.BlockStatusExpired {
			return AuditEvent{}, &transitionDenied{action: "block.unblock", block: block, reason: fmt.Sprintf("a %s block cannot be unblocked directly", strings.ToLower(string(block.Status)))}
		}

		if err := tx.Model(&models.AccountBlock{}).Where("id = ?", block.ID).Updates(map[string]any{
			"status":               models.BlockStatusUnblocked,
			"in_force_account_key": nil,
		}).Error; err != nil {
			return AuditEvent{}, err
		}
		if err := appendBlockAction(tx, block.ID, actorID, BlockActionUnblocked, reason, nil); err != nil {
			return AuditEvent{}, err
		}
		if err := m.reactivateIfClear(tx, block.AccountID, block.ID); err != nil {
			return AuditEvent{}, err
		}

		block.Status = models.BlockStatusUnblocked
		block.InForceAccountKey = nil
		return AuditEvent{
			Action:    "block.unblock",
			ActorID:   actorID,
			AccountID: block.AccountID,
			Resource:  "block:" + block.ID,
			Summary:   "block lifted by operator",
			Metadata:  map[string]any{"reason": reason},
		}, nil
	})
}

// transition runs fn against the locked block after applying lazy expiry, then emits the audit
// events. Denied transitions are audited and reported as ErrIllegalTransition.
func (m *BlockManager) transition(ctx context.Context, blockID, action, actorID string, fn func(tx *gorm.DB, block *models.AccountBlock, now time.Time) (AuditEvent, error)) (*models.AccountBlock, error) {
	now := m.now()
	var (
		block  *models.AccountBlock
		events []AuditEvent
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		block, err = m.lockBlock(tx, blockID)
		if err != nil {
			return err
		}
		expired, err := m.expireIfLapsed(tx, block, now)
		if err != nil {
			return err
		}
		if expired {
			events = append(events, expiryEvent(block))
		}

		event, err := fn(tx, block, now)
		if err != nil {
			return err
		}
		events = append(events, event)
		return nil
	})

	var denied *transitionDenied
	if errors.As(err, &denied) {
		if strings.TrimSpace(actorID) == "" {
			actorID = denied.block.AccountID
		}
		recordAudit(m.audit, ctx, AuditEvent{
			Action:    denied.action,
			ActorID:   actorID,
			AccountID: denied.block.AccountID,
			Resource:  "block:" + denied.block.ID,
			Result:    AuditResultDenied,
			Summary:   denied.reason,
			Metadata:  map[string]any{"status": denied.block.Status},
		})
		return nil, apperrors.ErrIllegalTransition.WithMessage(denied.reason)
	}
	if errors.Is(err, ErrBlockNotFound) {
		if strings.TrimSpace(actorID) == "" {
			actorID = auditctx.SystemActorID
		}
		recordAudit(m.audit, ctx, AuditEvent{
			Action:   action,
			ActorID:  actorID,
			Resource: "block:" + strings.TrimSpace(blockID),
			Result:   AuditResultDenied,
			Summary:  "block not found",
		})
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("block manager: %s: %w", action, err)
	}

	m.emit(ctx, events)
	return block, nil
}

// Get loads a block with its appeal and trail, applying lazy expiry first.
func (m *BlockManager) Get(ctx context.Context, blockID string) (*models.AccountBlock, error) {
	ctx = ensureContext(ctx)

	if err := m.expireBlock(ctx, blockID); err != nil {
		return nil, err
	}

	var block models.AccountBlock
	err := m.db.WithContext(ctx).
		Preload("Appeal").
		Preload("AdminActions", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("id = ?", strings.TrimSpace(blockID)).
		Take(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("block manager: load block: %w", err)
	}
	return &block, nil
}

// List returns a page of blocks, newest first.
func (m *BlockManager) List(ctx context.Context, filter BlockFilter) (*BlockPage, error) {
	ctx = ensureContext(ctx)

	if _, err := m.ExpireLapsed(ctx, filter.AccountID); err != nil {
		return nil, err
	}

	query := m.db.WithContext(ctx).Model(&models.AccountBlock{})
	if accountID := strings.TrimSpace(filter.AccountID); accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("block_type = ?", filter.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("block manager: count blocks: %w", err)
	}

	page, perPage, offset := pageBounds(filter.Page, filter.PerPage)
	var blocks []models.AccountBlock
	if err := query.Preload("Appeal").
		Order("blocked_at DESC").
		Offset(offset).
		Limit(perPage).
		Find(&blocks).Error; err != nil {
		return nil, fmt.Errorf("block manager: list blocks: %w", err)
	}

	return &BlockPage{Blocks: blocks, Total: total, Page: page, PerPage: perPage}, nil
}

// InForceForAccount returns the block currently restricting the account, or nil.
func (m *BlockManager) InForceForAccount(ctx context.Context, accountID string) (*models.AccountBlock, error) {
	ctx = ensureContext(ctx)

	accountID = strings.TrimSpace(accountID)
	now := m.now()
	var (
		block  *models.AccountBlock
		events []AuditEvent
	)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		block, err = m.lockInForce(tx, accountID)
		if err != nil || block == nil {
			return err
		}
		expired, err := m.expireIfLapsed(tx, block, now)
		if err != nil {
			return err
		}
		if expired {
			events = append(events, expiryEvent(block))
			block = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("block manager: load in-force block: %w", err)
	}

	m.emit(ctx, events)
	if block != nil && !block.InForce(now) {
		return nil, nil
	}
	return block, nil
}

// ExpireLapsed releases every lapsed TEMPORARY block, optionally for a single account, and returns
// how many were released. ACTIVE blocks move to EXPIRED; APPEALED blocks keep their pending appeal.
func (m *BlockManager) ExpireLapsed(ctx context.Context, accountID string) (int, error) {
	ctx = ensureContext(ctx)

	query := m.db.WithContext(ctx).Model(&models.AccountBlock{}).
		Where("block_type = ? AND blocked_until < ?", models.BlockTemporary, m.now()).
		Where(m.db.Where("status = ?", models.BlockStatusActive).
			Or("status = ? AND in_force_account_key IS NOT NULL", models.BlockStatusAppealed))
	if accountID = strings.TrimSpace(accountID); accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}

	var ids []string
	if err := query.Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("block manager: find lapsed blocks: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if err := m.expireBlock(ctx, id); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (m *BlockManager) expireBlock(ctx context.Context, blockID string) error {
	now := m.now()
	var events []AuditEvent
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		block, err := m.lockBlock(tx, blockID)
		if err != nil {
			return err
		}
		expired, err := m.expireIfLapsed(tx, block, now)
		if err != nil {
			return err
		}
		if expired {
			events = append(events, expiryEvent(block))
		}
		return nil
	})
	if errors.Is(err, ErrBlockNotFound) {
		return ErrBlockNotFound
	}
	if err != nil {
		return fmt.Errorf("block manager: expire block: %w", err)
	}
	m.emit(ctx, events)
	return nil
}

func (m *BlockManager) lockBlock(tx *gorm.DB, blockID string) (*models.AccountBlock, error) {
	var block models.AccountBlock
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", strings.TrimSpace(blockID)).
		Take(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (m *BlockManager) lockInForce(tx *gorm.DB, accountID string) (*models.AccountBlock, error) {
	var block models.AccountBlock
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("in_force_account_key = ?", accountID).
		Take(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// expireIfLapsed releases a lapsed temporary block and reactivates the account. An ACTIVE block
// moves to EXPIRED; an APPEALED block keeps its status so the pending appeal stays reviewable.
func (m *BlockManager) expireIfLapsed(tx *gorm.DB, block *models.AccountBlock, now time.Time) (bool, error) {
	if !block.Lapsed(now) {
		return false, nil
	}

	var res *gorm.DB
	switch block.Status {
	case models.BlockStatusActive:
		res = tx.Model(&models.AccountBlock{}).
			Where("id = ? AND status = ?", block.ID, models.BlockStatusActive).
			Updates(map[string]any{
				"status":               models.BlockStatusExpired,
				"in_force_account_key": nil,
			})
	case models.BlockStatusAppealed:
		if block.InForceAccountKey == nil {
			return false, nil
		}
		res = tx.Model(&models.AccountBlock{}).
			Where("id = ? AND status = ? AND in_force_account_key IS NOT NULL", block.ID, models.BlockStatusAppealed).
			Update("in_force_account_key", nil)
	default:
		return false, nil
	}
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err := appendBlockAction(tx, block.ID, auditctx.SystemActorID, BlockActionExpired, "temporary block ended", nil); err != nil {
		return false, err
	}
	if err := m.reactivateIfClear(tx, block.AccountID, block.ID); err != nil {
		return false, err
	}

	if block.Status == models.BlockStatusActive {
		block.Status = models.BlockStatusExpired
	}
	block.InForceAccountKey = nil
	return true, nil
}

// reactivateIfClear reactivates the account unless another block is still in force.
func (m *BlockManager) reactivateIfClear(tx *gorm.DB, accountID, excludeBlockID string) error {
	var others int64
	if err := tx.Model(&models.AccountBlock{}).
		Where("in_force_account_key = ? AND id <> ?", accountID, excludeBlockID).
		Count(&others).Error; err != nil {
		return err
	}
	if others > 0 {
		return nil
	}
	return setAccountActive(tx, accountID, true)
}

func (m *BlockManager) emit(ctx context.Context, events []AuditEvent) {
	for _, event := range events {
		metrics.BlockTransitions.WithLabelValues(strings.TrimPrefix(event.Action, "block.")).Inc()
		recordAudit(m.audit, ctx, event)
	}
}

func appendBlockAction(tx *gorm.DB, blockID, actorID, action, notes string, score *int) error {
	if strings.TrimSpace(actorID) == "" {
		actorID = auditctx.SystemActorID
	}
	return tx.Create(&models.BlockAction{
		BlockID: blockID,
		ActorID: actorID,
		Action:  action,
		Notes:   notes,
		Score:   score,
	}).Error
}

// setAccountActive toggles the account flag, creating the mirror row when it does not exist yet.
func setAccountActive(tx *gorm.DB, accountID string, active bool) error {
	res := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Account{ID: accountID}).Error; err != nil {
		return err
	}
	// is_active has a database default, so a false value must be written explicitly.
	return tx.Model(&models.Account{}).Where("id = ?", accountID).Update("is_active", active).Error
}

func expiryEvent(block *models.AccountBlock) AuditEvent {
	return AuditEvent{
		Action:    "block.expire",
		ActorID:   auditctx.SystemActorID,
		AccountID: block.AccountID,
		Resource:  "block:" + block.ID,
		Summary:   "temporary block ended",
	}
}

func breakdownNotes(score *SharingScore) string {
	return fmt.Sprintf("score %d (hardware %d, behavior %d, session %d)",
		score.Score, score.Breakdown.HardwareScore, score.Breakdown.BehaviorScore, score.Breakdown.SessionScore)
}
