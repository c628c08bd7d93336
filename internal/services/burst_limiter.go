package services

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/internal/models"
)

const (
	burstKeyPrefix     = "burst:"
	defaultBurstWindow = 60 * time.Second
)

// BurstResult reports the outcome of a burst check.
type BurstResult struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// BurstLimiter caps the number of restricted requests per account within a short fixed window,
// independently of the daily ledger.
type BurstLimiter struct {
	store cache.Store
}

// NewBurstLimiter constructs a BurstLimiter. A nil store disables burst limiting.
func NewBurstLimiter(store cache.Store) *BurstLimiter {
	return &BurstLimiter{store: store}
}

// Allow counts a request against the account's current window.
func (l *BurstLimiter) Allow(ctx context.Context, accountID string, settings models.BurstSettings) (BurstResult, error) {
	if l == nil || l.store == nil || !settings.Enabled || settings.BurstLimit <= 0 {
		return BurstResult{Allowed: true}, nil
	}

	window := time.Duration(settings.BurstWindowSeconds) * time.Second
	if window <= 0 {
		window = defaultBurstWindow
	}

	count, ttl, err := l.store.IncrementWithTTL(ensureContext(ctx), burstKeyPrefix+accountID, window)
	if err != nil {
		return BurstResult{}, fmt.Errorf("burst limiter: %w", err)
	}

	result := BurstResult{
		Allowed: count <= int64(settings.BurstLimit),
		Count:   count,
		Limit:   settings.BurstLimit,
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result, nil
}

// Reset clears the window of an account.
func (l *BurstLimiter) Reset(ctx context.Context, accountID string) error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.Delete(ensureContext(ctx), burstKeyPrefix+accountID)
}
