package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/auditctx"
	iauth "github.com/charlesng35/usageguard/internal/auth"
	"github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/response"
)

const (
	CtxClaimsKey     = "authClaims"
	CtxOperatorIDKey = "operatorID"
)

// AdminAuth enforces operator JWT authentication and the admin role. The operator becomes the
// audit actor of the request context so that services attribute admin mutations to them.
func AdminAuth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}
		if !claims.HasRole(iauth.RoleAdmin) {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxOperatorIDKey, claims.OperatorID)
		ctx := auditctx.WithActor(c.Request.Context(), auditctx.Actor{
			ID:        claims.OperatorID,
			Name:      claims.Name,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// OperatorID returns the authenticated operator of the request, if any.
func OperatorID(c *gin.Context) string {
	if value, ok := c.Get(CtxOperatorIDKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}
