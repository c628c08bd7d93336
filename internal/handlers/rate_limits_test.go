package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/usageguard/internal/handlers/testutil"
	"github.com/charlesng35/usageguard/internal/models"
)

func TestRateLimitConfigAdmin(t *testing.T) {
	env := testutil.NewEnv(t)
	admin := env.AdminToken("ops-1")

	w := env.Request(http.MethodGet, "/api/admin/rate-limits/config", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cfg struct {
		DailyLimit int    `json:"daily_limit"`
		Version    int    `json:"version"`
		Timezone   string `json:"timezone"`
		UpdatedBy  string `json:"updated_by"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &cfg)
	require.Equal(t, 300, cfg.DailyLimit)
	require.Equal(t, 1, cfg.Version)

	w = env.Request(http.MethodPatch, "/api/admin/rate-limits/config", map[string]any{"daily_limit": 0}, admin)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	require.Equal(t, "CONFIG_VALIDATION_ERROR", testutil.DecodeResponse(t, w).Error.Code)

	w = env.Request(http.MethodPatch, "/api/admin/rate-limits/config", map[string]any{"daily_limit": 120, "timezone": "UTC"}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &cfg)
	require.Equal(t, 120, cfg.DailyLimit)
	require.Equal(t, 2, cfg.Version)
	require.Equal(t, "UTC", cfg.Timezone)
	require.Equal(t, "ops-1", cfg.UpdatedBy)

	w = env.Request(http.MethodPatch, "/api/admin/rate-limits/config", map[string]any{"reset_time": "25:00"}, admin)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUsageAdmin(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateAccount("acct-1", models.SubscriptionMonthly)
	admin := env.AdminToken("ops-1")

	w := env.Request(http.MethodGet, "/api/admin/accounts/acct-1/usage", nil, admin)
	require.Equal(t, http.StatusNotFound, w.Code)

	decide(t, env, map[string]any{"account_id": "acct-1", "action": "module:write-story", "item_count": 4})
	decide(t, env, map[string]any{"account_id": "acct-1", "action": "module:generate-voice"})

	w = env.Request(http.MethodGet, "/api/admin/accounts/acct-1/usage", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var usage struct {
		AccountID    string `json:"account_id"`
		TotalUsage int    `json:"total_usage"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &usage)
	require.Equal(t, 6, usage.TotalUsage)

	w = env.Request(http.MethodGet, "/api/admin/usage/stats", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Accounts   int64 `json:"accounts"`
		TotalUsage int64 `json:"total_usage"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &stats)
	require.EqualValues(t, 1, stats.Accounts)
	require.EqualValues(t, 6, stats.TotalUsage)

	w = env.Request(http.MethodPost, "/api/admin/accounts/acct-1/usage/block", map[string]any{"blocked": true, "reason": "chargeback"}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	denied := decide(t, env, map[string]any{"account_id": "acct-1", "action": "module:write-story"})
	require.False(t, denied.Allowed)

	w = env.Request(http.MethodPost, "/api/admin/accounts/acct-1/usage/block", map[string]any{"blocked": false}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodPost, "/api/admin/accounts/acct-1/usage/reset", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.Request(http.MethodGet, "/api/admin/accounts/acct-1/usage", nil, admin)
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &usage)
	require.Zero(t, usage.TotalUsage)

	w = env.Request(http.MethodPost, "/api/admin/accounts/acct-1/usage/reset", map[string]any{"date": "15/10/2026"}, admin)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedulerAdmin(t *testing.T) {
	env := testutil.NewEnv(t)
	admin := env.AdminToken("ops-1")

	w := env.Request(http.MethodPost, "/api/admin/scheduler/trigger", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run struct {
		Date    string `json:"date"`
		Skipped bool   `json:"skipped"`
		Forced  bool   `json:"forced"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &run)
	require.False(t, run.Skipped)
	require.NotEmpty(t, run.Date)

	// The day was already reset, so an unforced trigger is skipped.
	w = env.Request(http.MethodPost, "/api/admin/scheduler/trigger", map[string]any{"force": false}, admin)
	require.Equal(t, http.StatusOK, w.Code)
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &run)
	require.True(t, run.Skipped)

	w = env.Request(http.MethodPost, "/api/admin/usage/reset-all", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &run)
	require.False(t, run.Skipped)
	require.True(t, run.Forced)

	w = env.Request(http.MethodPost, "/api/admin/scheduler/start", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"running":true`)

	w = env.Request(http.MethodPost, "/api/admin/scheduler/stop", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"running":false`)

	w = env.Request(http.MethodGet, "/api/admin/scheduler", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"last_reset_date":"`+run.Date+`"`)
}

func TestHealthEndpoint(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"database":"ok"`)
}
