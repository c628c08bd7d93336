package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/middleware"
	"github.com/charlesng35/usageguard/internal/services"
	"github.com/charlesng35/usageguard/pkg/crypto"
	"github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/response"
)

const sessionTokenBytes = 32

type SessionHandler struct {
	gateway  middleware.Decider
	sessions *services.SessionRegistry
}

type loginRequest struct {
	AccountID             string  `json:"account_id" validate:"required,max=64"`
	SessionToken          string  `json:"session_token" validate:"max=512"`
	Fingerprint           string  `json:"fingerprint" validate:"max=255"`
	FingerprintConfidence float64 `json:"fingerprint_confidence" validate:"gte=0,lte=1"`
	DeviceInfo            string  `json:"device_info" validate:"max=512"`
	Register              bool    `json:"register"`
}

type tokenRequest struct {
	SessionToken string `json:"session_token" validate:"max=512"`
}

type logoutAllRequest struct {
	AccountID    string `json:"account_id" validate:"max=64"`
	SessionToken string `json:"session_token" validate:"max=512"`
}

func NewSessionHandler(gateway middleware.Decider, sessions *services.SessionRegistry) *SessionHandler {
	return &SessionHandler{gateway: gateway, sessions: sessions}
}

// POST /api/sessions/login
//
// The login is gated by the policy gateway before the session is created, so a blocked account
// never displaces its existing session.
func (h *SessionHandler) Login(c *gin.Context) {
	var body loginRequest
	if !bindAndValidate(c, &body) {
		return
	}

	action := services.ActionLogin
	if body.Register {
		action = services.ActionRegister
	}
	decision, err := h.gateway.Decide(requestContext(c), body.AccountID, action, services.DecisionContext{
		Fingerprint:           body.Fingerprint,
		FingerprintConfidence: body.FingerprintConfidence,
		IPAddress:             c.ClientIP(),
		UserAgent:             c.Request.UserAgent(),
		DeviceInfo:            body.DeviceInfo,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if !decision.Allowed {
		response.Error(c, decision.AsError())
		return
	}

	token := strings.TrimSpace(body.SessionToken)
	if token == "" {
		if token, err = crypto.GenerateToken(sessionTokenBytes); err != nil {
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			return
		}
	}

	input := services.LoginInput{
		AccountID: body.AccountID,
		Token:     token,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	if decision.DeviceID != "" {
		deviceID := decision.DeviceID
		input.DeviceFingerprintID = &deviceID
	}

	result, err := h.sessions.Login(requestContext(c), input)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"session":       result.Session,
		"session_token": token,
		"displaced":     result.Displaced,
		"degraded":      decision.Degraded,
		"score":         decision.Score,
	})
}

// POST /api/sessions/heartbeat
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	var body tokenRequest
	_ = c.ShouldBindJSON(&body)

	token := sessionToken(c, body.SessionToken)
	if token == "" {
		response.Error(c, errors.NewBadRequest("session token is required"))
		return
	}

	status, err := h.sessions.Heartbeat(requestContext(c), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := sessionStatusError(status); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": status})
}

// GET /api/sessions/status
func (h *SessionHandler) Status(c *gin.Context) {
	token := sessionToken(c, c.Query("session_token"))
	if token == "" {
		response.Error(c, errors.NewBadRequest("session token is required"))
		return
	}

	status, session, err := h.sessions.Validate(requestContext(c), token)
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := gin.H{"status": status}
	if session != nil {
		payload["session"] = session
	}
	response.Success(c, http.StatusOK, payload)
}

// POST /api/sessions/logout
func (h *SessionHandler) Logout(c *gin.Context) {
	var body tokenRequest
	_ = c.ShouldBindJSON(&body)

	token := sessionToken(c, body.SessionToken)
	if token == "" {
		response.Error(c, errors.NewBadRequest("session token is required"))
		return
	}
	if err := h.sessions.Logout(requestContext(c), token); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"logged_out": true})
}

// POST /api/sessions/logout-all
//
// The caller proves ownership of the account with one of its active sessions.
func (h *SessionHandler) LogoutAll(c *gin.Context) {
	var body logoutAllRequest
	if !bindAndValidate(c, &body) {
		return
	}

	account := accountID(c, body.AccountID)
	token := sessionToken(c, body.SessionToken)
	if account == "" || token == "" {
		response.Error(c, errors.NewBadRequest("account id and session token are required"))
		return
	}

	status, session, err := h.sessions.Validate(requestContext(c), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := sessionStatusError(status); err != nil {
		response.Error(c, err)
		return
	}
	if session == nil || session.AccountID != account {
		response.Error(c, errors.ErrForbidden)
		return
	}

	count, err := h.sessions.ForceLogoutAll(requestContext(c), account)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"terminated": count})
}

// GET /api/admin/accounts/:id/sessions
func (h *SessionHandler) ListForAccount(c *gin.Context) {
	activeOnly := parseBoolQuery(c, "active")
	sessions, err := h.sessions.ListForAccount(requestContext(c), c.Param("id"), activeOnly)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, sessions)
}

// DELETE /api/admin/sessions/:id
func (h *SessionHandler) Terminate(c *gin.Context) {
	if err := h.sessions.Terminate(requestContext(c), c.Param("id"), actorID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"terminated": true})
}

func sessionStatusError(status services.SessionStatus) error {
	switch status {
	case services.SessionActive:
		return nil
	case services.SessionTerminated:
		return errors.ErrSessionTerminated
	case services.SessionExpired:
		return errors.ErrSessionExpired
	default:
		return errors.ErrUnauthorized.WithMessage("Session not found")
	}
}
