package services

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/usageguard/internal/auditctx"
	apperrors "github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/logger"
	"github.com/charlesng35/usageguard/pkg/metrics"
)

// Policy actions understood by Decide. Module invocations use ModuleActionPrefix + module id.
const (
	ActionLogin        = "login"
	ActionRegister     = "register"
	ModuleActionPrefix = "module:"
)

// Decision reasons.
const (
	ReasonSessionTerminated  = "SESSION_TERMINATED"
	ReasonSessionExpired     = "SESSION_EXPIRED"
	ReasonSessionNotFound    = "SESSION_NOT_FOUND"
	ReasonAccountBlocked     = "ACCOUNT_BLOCKED"
	ReasonQuotaExceeded      = QuotaReasonExceeded
	ReasonBurstExceeded      = QuotaReasonBurst
	ReasonServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// DecisionContext carries the request attributes a decision may need.
type DecisionContext struct {
	SessionToken          string  `json:"session_token,omitempty"`
	Fingerprint           string  `json:"fingerprint,omitempty"`
	FingerprintConfidence float64 `json:"fingerprint_confidence,omitempty"`
	IPAddress             string  `json:"ip_address,omitempty"`
	UserAgent             string  `json:"user_agent,omitempty"`
	DeviceInfo            string  `json:"device_info,omitempty"`
	ItemCount             int     `json:"item_count,omitempty"`
}

// Decision is the allow/deny verdict for one request.
type Decision struct {
	Allowed  bool           `json:"allowed"`
	Reason   string         `json:"reason,omitempty"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
	Score    *SharingScore  `json:"score,omitempty"`
	Quota    *QuotaCheck    `json:"quota,omitempty"`
}

// PolicyGatewayConfig tunes the PolicyGateway.
type PolicyGatewayConfig struct {
	// FailOpen allows requests when a gating store is unreachable instead of denying them.
	FailOpen bool
}

// PolicyGateway combines sessions, sharing scores, blocks and quotas into a single decision.
type PolicyGateway struct {
	sessions     *SessionRegistry
	fingerprints *FingerprintStore
	scores       ScoreEvaluator
	blocks       *BlockManager
	quota        *QuotaLedger
	failOpen     bool
	log          *zap.Logger
}

// NewPolicyGateway constructs a PolicyGateway.
func NewPolicyGateway(sessions *SessionRegistry, fingerprints *FingerprintStore, scores ScoreEvaluator, blocks *BlockManager, quota *QuotaLedger, cfg PolicyGatewayConfig) (*PolicyGateway, error) {
	if sessions == nil || fingerprints == nil || scores == nil || blocks == nil || quota == nil {
		return nil, errors.New("policy gateway: all collaborators are required")
	}
	return &PolicyGateway{
		sessions:     sessions,
		fingerprints: fingerprints,
		scores:       scores,
		blocks:       blocks,
		quota:        quota,
		failOpen:     cfg.FailOpen,
		log:          logger.WithModule("policy"),
	}, nil
}

// Decide evaluates one request. The session token is checked first, then login and registration
// run the sharing evaluation and block lookup, then module invocations are charged against the
// daily quota. Anything else is allowed. Only malformed input is returned as an error; storage
// failures become SERVICE_UNAVAILABLE decisions, or allowances when the gateway fails open.
func (g *PolicyGateway) Decide(ctx context.Context, accountID, action string, dc DecisionContext) (Decision, error) {
	ctx = ensureContext(ctx)

	accountID = strings.TrimSpace(accountID)
	action = strings.TrimSpace(action)
	if accountID == "" {
		return Decision{}, apperrors.NewBadRequest("account id is required")
	}
	if action == "" {
		return Decision{}, apperrors.NewBadRequest("action is required")
	}
	kind := actionKind(action)
	if kind == "module" && strings.TrimSpace(strings.TrimPrefix(action, ModuleActionPrefix)) == "" {
		return Decision{}, apperrors.NewBadRequest("module id is required")
	}

	decision, err := g.decide(ctx, accountID, action, kind, dc)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.StatusCode < 500 {
			return Decision{}, err
		}
		decision = g.unavailable(accountID, action, err)
	}

	result := "allow"
	if !decision.Allowed {
		result = strings.ToLower(decision.Reason)
	} else if decision.Degraded {
		result = "fail_open"
	}
	metrics.PolicyDecisions.WithLabelValues(kind, result).Inc()
	return decision, nil
}

func (g *PolicyGateway) decide(ctx context.Context, accountID, action, kind string, dc DecisionContext) (Decision, error) {
	if token := strings.TrimSpace(dc.SessionToken); token != "" {
		denied, err := g.checkSession(ctx, accountID, token)
		if err != nil || denied != nil {
			return derefDecision(denied), err
		}
	}

	switch kind {
	case ActionLogin, ActionRegister:
		return g.decideLogin(ctx, accountID, dc)
	case "module":
		return g.decideModule(ctx, accountID, strings.TrimPrefix(action, ModuleActionPrefix), dc.ItemCount)
	}
	return Decision{Allowed: true}, nil
}

func (g *PolicyGateway) checkSession(ctx context.Context, accountID, token string) (*Decision, error) {
	status, session, err := g.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if status == SessionActive && session != nil && session.AccountID != accountID {
		status = SessionNotFound
	}

	switch status {
	case SessionActive:
		return nil, nil
	case SessionTerminated:
		return &Decision{Reason: ReasonSessionTerminated, Message: "signed in on another device"}, nil
	case SessionExpired:
		return &Decision{Reason: ReasonSessionExpired, Message: "session expired after inactivity"}, nil
	default:
		return &Decision{Reason: ReasonSessionNotFound, Message: "session not found"}, nil
	}
}

func (g *PolicyGateway) decideLogin(ctx context.Context, accountID string, dc DecisionContext) (Decision, error) {
	var deviceID string
	if hash := strings.TrimSpace(dc.Fingerprint); hash != "" {
		device, err := g.fingerprints.Record(ctx, FingerprintInput{
			AccountID:  accountID,
			Hash:       hash,
			IPAddress:  dc.IPAddress,
			DeviceInfo: firstNonEmpty(dc.DeviceInfo, dc.UserAgent),
			Confidence: dc.FingerprintConfidence,
		})
		switch {
		case errors.Is(err, ErrLowConfidence):
			logger.WithAccount("policy", accountID).Debug("fingerprint below confidence floor",
				zap.Float64("confidence", dc.FingerprintConfidence))
		case err != nil:
			logger.WithAccount("policy", accountID).Warn("failed to record fingerprint", zap.Error(err))
		default:
			deviceID = device.ID
		}
	}

	score, err := g.scores.Evaluate(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	if _, err := g.blocks.EvaluateScore(ctx, accountID, score, auditctx.SystemActorID); err != nil {
		return Decision{}, err
	}

	block, err := g.blocks.InForceForAccount(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	if block == nil {
		return Decision{Allowed: true, Score: score, DeviceID: deviceID}, nil
	}

	details := map[string]any{
		"block_id":      block.ID,
		"block_type":    block.BlockType,
		"status":        block.Status,
		"sharing_score": block.SharingScore,
		"evidence":      block.Evidence.Data(),
	}
	if block.BlockedUntil != nil {
		details["blocked_until"] = block.BlockedUntil
	}
	return Decision{
		Reason:   ReasonAccountBlocked,
		Message:  block.BlockReason,
		Details:  details,
		Score:    score,
		DeviceID: deviceID,
	}, nil
}

func (g *PolicyGateway) decideModule(ctx context.Context, accountID, moduleID string, itemCount int) (Decision, error) {
	check, err := g.quota.CheckAndIncrement(ctx, accountID, moduleID, itemCount)
	if err != nil {
		return Decision{}, err
	}
	if check.Allowed {
		return Decision{Allowed: true, Quota: check}, nil
	}

	details := map[string]any{
		"remaining":  check.Remaining,
		"limit":      check.Limit,
		"used":       check.Used,
		"percentage": check.Percentage,
		"reset_at":   check.ResetAt,
	}
	if check.RetryAfter > 0 {
		details["retry_after_seconds"] = int(check.RetryAfter.Seconds() + 0.999)
	}
	return Decision{
		Reason:  check.Reason,
		Message: check.Message,
		Details: details,
		Quota:   check,
	}, nil
}

func (g *PolicyGateway) unavailable(accountID, action string, err error) Decision {
	g.log.Error("policy decision failed",
		zap.String("account_id", accountID),
		zap.String("action", action),
		zap.Bool("fail_open", g.failOpen),
		zap.Error(err))
	if g.failOpen {
		return Decision{Allowed: true, Degraded: true, Reason: ReasonServiceUnavailable}
	}
	return Decision{Reason: ReasonServiceUnavailable, Message: "usage governance is temporarily unavailable"}
}

func actionKind(action string) string {
	switch {
	case strings.EqualFold(action, ActionLogin):
		return ActionLogin
	case strings.EqualFold(action, ActionRegister):
		return ActionRegister
	case strings.HasPrefix(action, ModuleActionPrefix):
		return "module"
	default:
		return "other"
	}
}

func derefDecision(d *Decision) Decision {
	if d == nil {
		return Decision{}
	}
	return *d
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// AsError maps a denied decision to the application error clients receive. Allowed decisions
// map to nil.
func (d Decision) AsError() *apperrors.AppError {
	if d.Allowed {
		return nil
	}

	var base *apperrors.AppError
	switch d.Reason {
	case ReasonSessionTerminated:
		base = apperrors.ErrSessionTerminated
	case ReasonSessionExpired:
		base = apperrors.ErrSessionExpired
	case ReasonSessionNotFound:
		base = apperrors.ErrUnauthorized.WithMessage("Session not found")
	case ReasonAccountBlocked:
		base = apperrors.ErrAccountBlocked
	case ReasonQuotaExceeded:
		base = apperrors.ErrQuotaExceeded
	case ReasonBurstExceeded:
		base = apperrors.ErrBurstExceeded
	case ReasonServiceUnavailable:
		base = apperrors.ErrServiceUnavailable
	default:
		base = apperrors.ErrForbidden
	}
	if d.Message != "" {
		base = base.WithMessage(d.Message)
	}
	if len(d.Details) > 0 {
		base = base.WithDetails(d.Details)
	}
	return base
}
