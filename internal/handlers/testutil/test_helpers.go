package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/api"
	"github.com/charlesng35/usageguard/internal/app"
	iauth "github.com/charlesng35/usageguard/internal/auth"
	"github.com/charlesng35/usageguard/internal/cache"
	sharedtestutil "github.com/charlesng35/usageguard/internal/database/testutil"
	"github.com/charlesng35/usageguard/internal/models"
	"github.com/charlesng35/usageguard/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	JWT    *iauth.JWTService
	Store  *cache.MemoryStore
	Gov    *app.Governance
	Config *app.Config
}

// EnvOption customises the configuration before services are wired.
type EnvOption func(*app.Config)

// WithFailOpen makes the policy gateway allow requests when its stores fail.
func WithFailOpen() EnvOption {
	return func(cfg *app.Config) { cfg.Governance.FailOpen = true }
}

// NewEnv provisions a fresh handler test environment with migrations and seed data applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData())

	cfg, err := app.LoadConfig(t.TempDir())
	require.NoError(t, err)
	cfg.Server.RateLimit.Enabled = false
	cfg.Governance.SessionCacheTTL = 0
	cfg.Governance.ConfigCacheTTL = 0
	cfg.Admin.JWT = app.JWTSettings{
		Secret: "test-suite-super-secret-key-32-bytes!!",
		Issuer: "test-suite",
		TTL:    time.Hour,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Admin.JWTServiceConfig())
	require.NoError(t, err)

	store := cache.NewMemoryStore()
	gov, err := app.NewGovernance(db, store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		<-gov.Scheduler.Stop().Done()
	})

	router, err := api.NewRouter(cfg, db, jwtSvc, store, gov)
	require.NoError(t, err)

	return &Env{
		T:      t,
		DB:     db,
		Router: router,
		JWT:    jwtSvc,
		Store:  store,
		Gov:    gov,
		Config: cfg,
	}
}

// CreateAccount inserts an account with the given subscription tier.
func (e *Env) CreateAccount(id string, tier models.SubscriptionType) *models.Account {
	e.T.Helper()

	account := &models.Account{ID: id, SubscriptionType: tier, IsActive: true}
	require.NoError(e.T, e.DB.Create(account).Error)
	return account
}

// AdminToken mints an operator token carrying the admin role.
func (e *Env) AdminToken(operatorID string) string {
	e.T.Helper()
	return e.token(operatorID, iauth.RoleAdmin)
}

// ViewerToken mints an operator token without the admin role.
func (e *Env) ViewerToken(operatorID string) string {
	e.T.Helper()
	return e.token(operatorID, "viewer")
}

func (e *Env) token(operatorID string, roles ...string) string {
	token, err := e.JWT.GenerateAccessToken(iauth.AccessTokenInput{
		OperatorID: operatorID,
		Name:       operatorID,
		Roles:      roles,
	})
	require.NoError(e.T, err)
	return token
}

// LoginResult mirrors the POST /api/sessions/login payload.
type LoginResult struct {
	Session struct {
		ID                  string  `json:"id"`
		AccountID           string  `json:"account_id"`
		DeviceFingerprintID *string `json:"device_fingerprint_id"`
		Active              bool    `json:"active"`
	} `json:"session"`
	SessionToken string `json:"session_token"`
	Displaced    int    `json:"displaced"`
	Degraded     bool   `json:"degraded"`
}

// Login signs an account in from a device and returns the created session.
func (e *Env) Login(accountID, fingerprint string) LoginResult {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/sessions/login", map[string]any{
		"account_id":             accountID,
		"fingerprint":            fingerprint,
		"fingerprint_confidence": 0.9,
	}, "")
	require.Equal(e.T, http.StatusCreated, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.SessionToken)
	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.RequestWithHeaders(method, path, body, token, nil)
}

// RequestWithHeaders is Request with extra request headers.
func (e *Env) RequestWithHeaders(method, path string, body any, token string, headers map[string]string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
