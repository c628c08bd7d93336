package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/internal/models"
)

func TestBurstLimiterAllow(t *testing.T) {
	limiter := NewBurstLimiter(cache.NewMemoryStore())
	settings := models.BurstSettings{Enabled: true, BurstLimit: 3, BurstWindowSeconds: 60}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "acct-1", settings)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	result, err := limiter.Allow(ctx, "acct-1", settings)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, int64(4), result.Count)
	require.Equal(t, 3, result.Limit)
	require.Greater(t, result.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, result.RetryAfter, time.Minute)

	// Accounts have independent windows.
	result, err = limiter.Allow(ctx, "acct-2", settings)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	require.NoError(t, limiter.Reset(ctx, "acct-1"))
	result, err = limiter.Allow(ctx, "acct-1", settings)
	require.NoError(t, err)
	require.True(t, result.Allowed)
}

func TestBurstLimiterDisabled(t *testing.T) {
	ctx := context.Background()

	cases := map[string]struct {
		limiter  *BurstLimiter
		settings models.BurstSettings
	}{
		"disabled":   {limiter: NewBurstLimiter(cache.NewMemoryStore()), settings: models.BurstSettings{BurstLimit: 1}},
		"zero limit": {limiter: NewBurstLimiter(cache.NewMemoryStore()), settings: models.BurstSettings{Enabled: true}},
		"no store":   {limiter: NewBurstLimiter(nil), settings: models.BurstSettings{Enabled: true, BurstLimit: 1}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				result, err := tc.limiter.Allow(ctx, "acct-1", tc.settings)
				require.NoError(t, err)
				require.True(t, result.Allowed)
			}
		})
	}
}
