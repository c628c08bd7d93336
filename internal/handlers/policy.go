package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/middleware"
	"github.com/charlesng35/usageguard/internal/services"
	"github.com/charlesng35/usageguard/pkg/response"
)

// PolicyHandler exposes the policy gateway to platform services.
type PolicyHandler struct {
	gateway middleware.Decider
}

type decideRequest struct {
	AccountID             string  `json:"account_id" validate:"required,max=64"`
	Action                string  `json:"action" validate:"required,max=128"`
	SessionToken          string  `json:"session_token" validate:"max=512"`
	Fingerprint           string  `json:"fingerprint" validate:"max=255"`
	FingerprintConfidence float64 `json:"fingerprint_confidence" validate:"gte=0,lte=1"`
	IPAddress             string  `json:"ip_address" validate:"max=64"`
	UserAgent             string  `json:"user_agent" validate:"max=512"`
	DeviceInfo            string  `json:"device_info" validate:"max=512"`
	ItemCount             int     `json:"item_count" validate:"gte=0"`
}

func NewPolicyHandler(gateway middleware.Decider) *PolicyHandler {
	return &PolicyHandler{gateway: gateway}
}

// POST /api/policy/decide
//
// Denials are ordinary 200 responses carrying allowed=false; callers decide how to surface them.
func (h *PolicyHandler) Decide(c *gin.Context) {
	var body decideRequest
	if !bindAndValidate(c, &body) {
		return
	}

	ip := body.IPAddress
	if ip == "" {
		ip = c.ClientIP()
	}
	userAgent := body.UserAgent
	if userAgent == "" {
		userAgent = c.Request.UserAgent()
	}

	decision, err := h.gateway.Decide(requestContext(c), body.AccountID, body.Action, services.DecisionContext{
		SessionToken:          body.SessionToken,
		Fingerprint:           body.Fingerprint,
		FingerprintConfidence: body.FingerprintConfidence,
		IPAddress:             ip,
		UserAgent:             userAgent,
		DeviceInfo:            body.DeviceInfo,
		ItemCount:             body.ItemCount,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, decision)
}
