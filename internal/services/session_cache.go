package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/internal/models"
	"github.com/charlesng35/usageguard/pkg/crypto"
)

const sessionCacheKeyPrefix = "sessions:token:"

// sessionCache keeps short-lived snapshots of active sessions in the shared cache store so the
// per-request validation path avoids a database round trip. Keys are token digests.
type sessionCache struct {
	store cache.Store
	ttl   time.Duration
}

func newSessionCache(store cache.Store, ttl time.Duration) *sessionCache {
	if store == nil || ttl <= 0 {
		return nil
	}
	return &sessionCache{store: store, ttl: ttl}
}

func (c *sessionCache) get(ctx context.Context, token string) (*models.Session, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	key := sessionCacheKey(token)
	if key == "" {
		return nil, false, nil
	}

	data, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, false, fmt.Errorf("session cache: decode: %w", err)
	}
	session.Token = token
	return &session, true, nil
}

func (c *sessionCache) set(ctx context.Context, session *models.Session) error {
	if c == nil || session == nil {
		return nil
	}
	key := sessionCacheKey(session.Token)
	if key == "" {
		return nil
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session cache: marshal: %w", err)
	}
	return c.store.Set(ctx, key, payload, c.ttl)
}

func (c *sessionCache) evict(ctx context.Context, tokens ...string) error {
	if c == nil || len(tokens) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if key := sessionCacheKey(token); key != "" {
			keys = append(keys, key)
		}
	}
	return c.store.Delete(ctx, keys...)
}

func sessionCacheKey(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	return sessionCacheKeyPrefix + crypto.Fingerprint(token)
}
