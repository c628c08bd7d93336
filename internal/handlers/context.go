package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/auditctx"
	"github.com/charlesng35/usageguard/internal/middleware"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// actorID is the operator behind an admin request, or the system actor outside admin routes.
func actorID(c *gin.Context) string {
	return auditctx.ActorID(requestContext(c))
}

// sessionToken reads the session token from the X-Session-Token header, falling back to the
// supplied body value.
func sessionToken(c *gin.Context, fromBody string) string {
	if token := strings.TrimSpace(c.GetHeader(middleware.HeaderSessionToken)); token != "" {
		return token
	}
	return strings.TrimSpace(fromBody)
}

// accountID reads the account from the X-Account-ID header, falling back to the supplied body value.
func accountID(c *gin.Context, fromBody string) string {
	if id := strings.TrimSpace(c.GetHeader(middleware.HeaderAccountID)); id != "" {
		return id
	}
	return strings.TrimSpace(fromBody)
}
