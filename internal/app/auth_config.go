package app

import (
	"strings"

	"github.com/charlesng35/usageguard/internal/auth"
)

// JWTServiceConfig converts AdminConfig into the parameters expected by the JWT service.
func (c AdminConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         strings.TrimSpace(c.JWT.Issuer),
		AccessTokenTTL: ttl,
	}
}
