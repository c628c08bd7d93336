package middleware

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/services"
	"github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/response"
)

// Request headers understood by FeatureQuota.
const (
	HeaderAccountID    = "X-Account-ID"
	HeaderSessionToken = "X-Session-Token"
	HeaderItemCount    = "X-Item-Count"
	HeaderFingerprint  = "X-Device-Fingerprint"

	CtxAccountIDKey = "accountID"
	CtxDecisionKey  = "policyDecision"
)

// Decider is the slice of the policy gateway the HTTP layer needs.
type Decider interface {
	Decide(ctx context.Context, accountID, action string, dc services.DecisionContext) (services.Decision, error)
}

// FeatureQuota gates a module endpoint behind the policy gateway. The account comes from the
// X-Account-ID header, the optional session token from X-Session-Token and the batch size from
// X-Item-Count. Allowed requests carry the quota state in X-Quota-* response headers.
func FeatureQuota(decider Decider, moduleID string) gin.HandlerFunc {
	moduleID = strings.TrimSpace(moduleID)
	return func(c *gin.Context) {
		accountID := strings.TrimSpace(c.GetHeader(HeaderAccountID))
		if accountID == "" {
			response.Error(c, errors.ErrUnauthorized.WithMessage("account id header is required"))
			c.Abort()
			return
		}

		items := 1
		if raw := strings.TrimSpace(c.GetHeader(HeaderItemCount)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(c, errors.NewBadRequest(fmt.Sprintf("%s must be a positive integer", HeaderItemCount)))
				c.Abort()
				return
			}
			items = n
		}

		decision, err := decider.Decide(c.Request.Context(), accountID, services.ModuleActionPrefix+moduleID, services.DecisionContext{
			SessionToken: c.GetHeader(HeaderSessionToken),
			Fingerprint:  c.GetHeader(HeaderFingerprint),
			IPAddress:    c.ClientIP(),
			UserAgent:    c.Request.UserAgent(),
			ItemCount:    items,
		})
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		if check := decision.Quota; check != nil && check.Restricted {
			c.Header("X-Quota-Limit", strconv.Itoa(check.Limit))
			c.Header("X-Quota-Remaining", strconv.Itoa(check.Remaining))
			c.Header("X-Quota-Percentage", strconv.FormatFloat(check.Percentage, 'f', 1, 64))
			c.Header("X-Quota-Reset", check.ResetAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
		if !decision.Allowed {
			if seconds, ok := decision.Details["retry_after_seconds"].(int); ok {
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			response.Error(c, decision.AsError())
			c.Abort()
			return
		}
		if decision.Degraded {
			c.Header("X-Governance-Degraded", "true")
		}

		c.Set(CtxAccountIDKey, accountID)
		c.Set(CtxDecisionKey, decision)
		c.Next()
	}
}
