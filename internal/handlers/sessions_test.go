package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/usageguard/internal/handlers/testutil"
	"github.com/charlesng35/usageguard/internal/models"
)

func TestSessionHandler_LoginDisplacesPreviousDevice(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateAccount("acct-1", models.SubscriptionMonthly)

	first := env.Login("acct-1", "fp-laptop")
	require.True(t, first.Session.Active)
	require.Zero(t, first.Displaced)
	require.NotNil(t, first.Session.DeviceFingerprintID, "login links the recorded device")

	second := env.Login("acct-1", "fp-phone")
	require.Equal(t, 1, second.Displaced)

	// The displaced device learns why on its next heartbeat.
	w := env.Request(http.MethodPost, "/api/sessions/heartbeat", map[string]string{"session_token": first.SessionToken}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	resp := testutil.DecodeResponse(t, w)
	require.Equal(t, "SESSION_TERMINATED", resp.Error.Code)

	w = env.RequestWithHeaders(http.MethodPost, "/api/sessions/heartbeat", nil, "", map[string]string{"X-Session-Token": second.SessionToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/sessions/status?session_token="+second.SessionToken, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Status string `json:"status"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &status)
	require.Equal(t, "ACTIVE", status.Status)

	var active int64
	require.NoError(t, env.DB.Model(&models.Session{}).Where("account_id = ? AND active = ?", "acct-1", true).Count(&active).Error)
	require.EqualValues(t, 1, active)
}

func TestSessionHandler_LogoutAll(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateAccount("acct-1", models.SubscriptionFree)
	env.CreateAccount("acct-2", models.SubscriptionFree)

	session := env.Login("acct-1", "fp-laptop")
	other := env.Login("acct-2", "fp-other")

	// A session of another account does not prove ownership.
	w := env.Request(http.MethodPost, "/api/sessions/logout-all", map[string]string{
		"account_id":    "acct-1",
		"session_token": other.SessionToken,
	}, "")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.Request(http.MethodPost, "/api/sessions/logout-all", map[string]string{
		"account_id":    "acct-1",
		"session_token": session.SessionToken,
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result struct {
		Terminated int `json:"terminated"`
	}
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &result)
	require.Equal(t, 1, result.Terminated)

	w = env.Request(http.MethodGet, "/api/sessions/status?session_token="+session.SessionToken, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"TERMINATED"`)
}

func TestSessionHandler_LogoutAndValidation(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/sessions/login", map[string]any{"fingerprint": "fp"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, testutil.DecodeResponse(t, w).Error.Message, "account id is required")

	w = env.Request(http.MethodPost, "/api/sessions/heartbeat", nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	session := env.Login("acct-9", "fp-laptop")
	w = env.Request(http.MethodPost, "/api/sessions/logout", map[string]string{"session_token": session.SessionToken}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodPost, "/api/sessions/heartbeat", map[string]string{"session_token": session.SessionToken}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.Request(http.MethodPost, "/api/sessions/heartbeat", map[string]string{"session_token": "unknown"}, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "SESSION_NOT_FOUND", testutil.DecodeResponse(t, w).Error.Code)
}
