package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/internal/database"
	"github.com/charlesng35/usageguard/internal/models"
	apperrors "github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/logger"
	"github.com/charlesng35/usageguard/pkg/metrics"
)

// DefaultInactivityTimeout is the idle period after which a session expires.
const DefaultInactivityTimeout = 30 * time.Minute

// SessionStatus is the outcome of validating a session token.
type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionTerminated SessionStatus = "TERMINATED"
	SessionExpired    SessionStatus = "EXPIRED"
	SessionNotFound   SessionStatus = "NOT_FOUND"
)

// SessionRegistryConfig tunes the SessionRegistry.
type SessionRegistryConfig struct {
	InactivityTimeout time.Duration
	CacheTTL          time.Duration
	Clock             func() time.Time
}

// LoginInput describes a new login.
type LoginInput struct {
	AccountID           string
	Token               string
	IPAddress           string
	UserAgent           string
	DeviceFingerprintID *string
}

// LoginResult reports the created session and how many sessions it displaced.
type LoginResult struct {
	Session   *models.Session `json:"session"`
	Displaced int             `json:"displaced"`
}

// SessionRegistry enforces a single active session per account.
type SessionRegistry struct {
	db      *gorm.DB
	cache   *sessionCache
	audit   AuditRecorder
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// NewSessionRegistry constructs a SessionRegistry. The cache store is optional.
func NewSessionRegistry(db *gorm.DB, store cache.Store, audit AuditRecorder, cfg SessionRegistryConfig) (*SessionRegistry, error) {
	if db == nil {
		return nil, errors.New("session registry: db is required")
	}

	timeout := cfg.InactivityTimeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = utcNow
	}

	return &SessionRegistry{
		db:      db,
		cache:   newSessionCache(store, cfg.CacheTTL),
		audit:   audit,
		timeout: timeout,
		now:     now,
		log:     logger.WithModule("sessions"),
	}, nil
}

// InactivityTimeout returns the configured idle timeout.
func (r *SessionRegistry) InactivityTimeout() time.Duration {
	return r.timeout
}

// Login force-logs-out every active session of the account and opens a new one, atomically.
func (r *SessionRegistry) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx = ensureContext(ctx)

	in.AccountID = strings.TrimSpace(in.AccountID)
	in.Token = strings.TrimSpace(in.Token)
	if in.AccountID == "" {
		return nil, apperrors.NewBadRequest("account id is required")
	}
	if in.Token == "" {
		return nil, apperrors.NewBadRequest("session token is required")
	}

	result, displacedTokens, err := r.login(ctx, in)
	if err != nil && database.IsUniqueViolation(err) {
		// A concurrent login for the same account won the active slot; displace it in turn.
		result, displacedTokens, err = r.login(ctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("session registry: login: %w", err)
	}

	if err := r.cache.evict(ctx, displacedTokens...); err != nil {
		r.log.Warn("failed to evict displaced sessions from cache", zap.Error(err))
	}
	if err := r.cache.set(ctx, result.Session); err != nil {
		r.log.Warn("failed to cache session", zap.Error(err))
	}

	metrics.ActiveSessions.Inc()
	if result.Displaced > 0 {
		metrics.DisplacedSessions.Add(float64(result.Displaced))
		metrics.ActiveSessions.Sub(float64(result.Displaced))
		recordAudit(r.audit, ctx, AuditEvent{
			Action:    "session.force_logout",
			ActorID:   in.AccountID,
			AccountID: in.AccountID,
			Resource:  "session:" + result.Session.ID,
			Summary:   fmt.Sprintf("%d session(s) displaced by a new login", result.Displaced),
			Metadata:  map[string]any{"displaced": result.Displaced, "ip_address": in.IPAddress},
		})
	}

	return result, nil
}

func (r *SessionRegistry) login(ctx context.Context, in LoginInput) (*LoginResult, []string, error) {
	now := r.now()
	session := &models.Session{
		AccountID:           in.AccountID,
		Token:               in.Token,
		IPAddress:           strings.TrimSpace(in.IPAddress),
		UserAgent:           strings.TrimSpace(in.UserAgent),
		DeviceFingerprintID: in.DeviceFingerprintID,
		LoginAt:             now,
		LastActivity:        now,
		Active:              true,
		ActiveAccountKey:    stringPtr(in.AccountID),
	}

	var displaced []models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ? AND active = ?", in.AccountID, true).
			Find(&displaced).Error; err != nil {
			return err
		}

		if len(displaced) > 0 {
			ids := make([]string, len(displaced))
			for i := range displaced {
				ids[i] = displaced[i].ID
			}
			if err := tx.Model(&models.Session{}).
				Where("id IN ?", ids).
				Updates(map[string]any{
					"active":             false,
					"active_account_key": nil,
					"logout_at":          now,
					"logout_reason":      models.LogoutForce,
				}).Error; err != nil {
				return err
			}
		}

		return tx.Create(session).Error
	})
	if err != nil {
		return nil, nil, err
	}

	tokens := make([]string, len(displaced))
	for i := range displaced {
		tokens[i] = displaced[i].Token
	}
	return &LoginResult{Session: session, Displaced: len(displaced)}, tokens, nil
}

// Validate classifies a session token. Sessions idle for longer than the inactivity timeout are
// closed with INACTIVITY_TIMEOUT and reported as EXPIRED.
func (r *SessionRegistry) Validate(ctx context.Context, token string) (SessionStatus, *models.Session, error) {
	ctx = ensureContext(ctx)

	token = strings.TrimSpace(token)
	if token == "" {
		return SessionNotFound, nil, nil
	}

	session, cached, err := r.cache.get(ctx, token)
	if err != nil {
		r.log.Warn("session cache lookup failed", zap.Error(err))
	}
	if cached && (!session.Active || r.now().Sub(session.LastActivity) > r.timeout) {
		// Only the database may decide that a session ended.
		cached = false
	}
	if !cached {
		session, err = r.findByToken(ctx, token)
		if errors.Is(err, ErrSessionNotFound) {
			return SessionNotFound, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
	}

	status, err := r.classify(ctx, session)
	if err != nil {
		return "", nil, err
	}
	if status == SessionActive && !cached {
		if !r.cacheActive(ctx, session) {
			return SessionTerminated, session, nil
		}
	}
	return status, session, nil
}

// Heartbeat records activity on an active session and returns the session status. Inactive
// sessions report their status without being modified.
func (r *SessionRegistry) Heartbeat(ctx context.Context, token string) (SessionStatus, error) {
	ctx = ensureContext(ctx)

	session, err := r.findByToken(ctx, strings.TrimSpace(token))
	if err != nil {
		return "", err
	}

	status, err := r.classify(ctx, session)
	if err != nil || status != SessionActive {
		return status, err
	}

	now := r.now()
	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND active = ?", session.ID, true).
		Update("last_activity", now)
	if res.Error != nil {
		return "", fmt.Errorf("session registry: heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Displaced between the read and the write.
		return SessionTerminated, nil
	}

	session.LastActivity = now
	if !r.cacheActive(ctx, session) {
		return SessionTerminated, nil
	}
	return SessionActive, nil
}

// Logout ends the session identified by token with USER_REQUESTED.
func (r *SessionRegistry) Logout(ctx context.Context, token string) error {
	ctx = ensureContext(ctx)

	session, err := r.findByToken(ctx, strings.TrimSpace(token))
	if err != nil {
		return err
	}
	if _, err := r.deactivate(ctx, r.db.WithContext(ctx).Where("id = ?", session.ID), models.LogoutUserRequested); err != nil {
		return err
	}
	return r.cache.evict(ctx, session.Token)
}

// ForceLogoutAll ends every active session of an account with USER_REQUESTED.
func (r *SessionRegistry) ForceLogoutAll(ctx context.Context, accountID string) (int64, error) {
	ctx = ensureContext(ctx)

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, apperrors.NewBadRequest("account id is required")
	}

	var tokens []string
	if err := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("account_id = ? AND active = ?", accountID, true).
		Pluck("token", &tokens).Error; err != nil {
		return 0, fmt.Errorf("session registry: list active sessions: %w", err)
	}

	count, err := r.deactivate(ctx, r.db.WithContext(ctx).Where("account_id = ?", accountID), models.LogoutUserRequested)
	if err != nil {
		return 0, err
	}
	if err := r.cache.evict(ctx, tokens...); err != nil {
		r.log.Warn("failed to evict sessions from cache", zap.Error(err))
	}

	recordAudit(r.audit, ctx, AuditEvent{
		Action:    "session.logout_all",
		ActorID:   accountID,
		AccountID: accountID,
		Summary:   fmt.Sprintf("%d session(s) logged out", count),
		Metadata:  map[string]any{"count": count},
	})
	return count, nil
}

// Terminate ends a single session on behalf of an operator with ADMIN_TERMINATED.
func (r *SessionRegistry) Terminate(ctx context.Context, sessionID, actorID string) error {
	ctx = ensureContext(ctx)

	var session models.Session
	err := r.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(sessionID)).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("session registry: load session: %w", err)
	}

	count, err := r.deactivate(ctx, r.db.WithContext(ctx).Where("id = ?", session.ID), models.LogoutAdminTerminated)
	if err != nil {
		return err
	}
	if count == 0 {
		recordAudit(r.audit, ctx, AuditEvent{
			Action:    "session.terminate",
			ActorID:   actorID,
			AccountID: session.AccountID,
			Resource:  "session:" + session.ID,
			Result:    AuditResultDenied,
			Summary:   "session is not active",
		})
		return apperrors.ErrIllegalTransition.WithMessage("session is not active")
	}
	if err := r.cache.evict(ctx, session.Token); err != nil {
		r.log.Warn("failed to evict session from cache", zap.Error(err))
	}

	recordAudit(r.audit, ctx, AuditEvent{
		Action:    "session.terminate",
		ActorID:   actorID,
		AccountID: session.AccountID,
		Resource:  "session:" + session.ID,
		Summary:   "session terminated by operator",
	})
	return nil
}

// ListForAccount returns the sessions of an account, newest first.
func (r *SessionRegistry) ListForAccount(ctx context.Context, accountID string, activeOnly bool) ([]models.Session, error) {
	ctx = ensureContext(ctx)

	query := r.db.WithContext(ctx).Where("account_id = ?", strings.TrimSpace(accountID))
	if activeOnly {
		query = query.Where("active = ?", true)
	}

	var sessions []models.Session
	if err := query.Order("login_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session registry: list sessions: %w", err)
	}
	return sessions, nil
}

// ConcurrentSessions counts the distinct devices holding a session that is active, or that was
// displaced by a newer login, with activity inside the inactivity window. Sessions without a
// device fingerprint count individually.
func (r *SessionRegistry) ConcurrentSessions(ctx context.Context, accountID string) (int, error) {
	ctx = ensureContext(ctx)

	cutoff := r.now().Add(-r.timeout)
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Session{}).
		Select("COUNT(DISTINCT COALESCE(device_fingerprint_id, id))").
		Where("account_id = ? AND last_activity >= ?", accountID, cutoff).
		Where("active = ? OR logout_reason = ?", true, models.LogoutForce).
		Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("session registry: count concurrent sessions: %w", err)
	}
	return int(count), nil
}

// PruneInactive deletes sessions that ended before the cutoff.
func (r *SessionRegistry) PruneInactive(ctx context.Context, before time.Time) (int64, error) {
	ctx = ensureContext(ctx)

	res := r.db.WithContext(ctx).
		Where("active = ? AND logout_at IS NOT NULL AND logout_at < ?", false, before).
		Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("session registry: prune sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *SessionRegistry) findByToken(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	var session models.Session
	err := r.db.WithContext(ctx).Where("token = ?", token).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session registry: load session: %w", err)
	}
	return &session, nil
}

// cacheActive stores a snapshot of an active session, then re-reads the row so a login that
// displaced the session between the read and the write cannot leave a stale ACTIVE snapshot behind.
// It reports false when the session is no longer active.
func (r *SessionRegistry) cacheActive(ctx context.Context, session *models.Session) bool {
	if r.cache == nil {
		return true
	}
	if err := r.cache.set(ctx, session); err != nil {
		r.log.Warn("failed to cache session", zap.Error(err))
		return true
	}

	var active bool
	err := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", session.ID).
		Select("active").
		Scan(&active).Error
	if err != nil {
		r.log.Warn("failed to confirm cached session", zap.Error(err))
	}
	if err == nil && active {
		return true
	}

	if err := r.cache.evict(ctx, session.Token); err != nil {
		r.log.Warn("failed to evict session from cache", zap.Error(err))
	}
	if err != nil {
		return true
	}
	session.Active = false
	return false
}

// classify derives the status of a loaded session, expiring it when idle past the timeout.
func (r *SessionRegistry) classify(ctx context.Context, session *models.Session) (SessionStatus, error) {
	if !session.Active {
		if session.LogoutReason != nil && *session.LogoutReason == models.LogoutInactivityTimeout {
			return SessionExpired, nil
		}
		return SessionTerminated, nil
	}

	if r.now().Sub(session.LastActivity) <= r.timeout {
		return SessionActive, nil
	}

	count, err := r.deactivate(ctx, r.db.WithContext(ctx).Where("id = ?", session.ID), models.LogoutInactivityTimeout)
	if err != nil {
		return "", err
	}
	if err := r.cache.evict(ctx, session.Token); err != nil {
		r.log.Warn("failed to evict expired session from cache", zap.Error(err))
	}
	if count == 0 {
		// Another writer closed the session first; report what it recorded.
		current, err := r.findByToken(ctx, session.Token)
		if err != nil {
			return "", err
		}
		if current.Active {
			return SessionActive, nil
		}
		return r.classify(ctx, current)
	}

	session.Active = false
	reason := models.LogoutInactivityTimeout
	session.LogoutReason = &reason
	return SessionExpired, nil
}

// deactivate closes the active sessions matched by scope and returns how many were closed.
func (r *SessionRegistry) deactivate(ctx context.Context, scope *gorm.DB, reason models.LogoutReason) (int64, error) {
	res := scope.Model(&models.Session{}).
		Where("active = ?", true).
		Updates(map[string]any{
			"active":             false,
			"active_account_key": nil,
			"logout_at":          r.now(),
			"logout_reason":      reason,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("session registry: deactivate sessions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(res.RowsAffected))
	}
	return res.RowsAffected, nil
}
