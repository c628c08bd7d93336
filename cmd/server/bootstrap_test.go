package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charlesng35/usageguard/internal/app"
	"github.com/charlesng35/usageguard/internal/models"
)

func TestConvertDatabaseConfig(t *testing.T) {
	cfg := &app.Config{}
	require.Equal(t, "sqlite", convertDatabaseConfig(cfg).Driver)

	cfg.Database.Driver = " PostgreSQL "
	cfg.Database.Postgres = app.DBAuthConfig{
		Host:     " db.internal ",
		Port:     5432,
		Database: "usage",
		Username: "guard",
		Password: "secret",
		Options:  map[string]string{"sslmode": "require"},
	}
	dbCfg := convertDatabaseConfig(cfg)
	require.Equal(t, "postgres", dbCfg.Driver)
	require.Equal(t, "db.internal", dbCfg.Host)
	require.Equal(t, 5432, dbCfg.Port)
	require.Equal(t, "usage", dbCfg.Name)
	require.Equal(t, "require", dbCfg.Options["sslmode"])

	cfg.Database.Driver = "mysql"
	cfg.Database.MySQL = app.DBAuthConfig{Host: "mysql", Port: 3306, Database: "usage"}
	dbCfg = convertDatabaseConfig(cfg)
	require.Equal(t, "mysql", dbCfg.Driver)
	require.Equal(t, 3306, dbCfg.Port)

	cfg.Database.Driver = "oracle"
	require.Equal(t, "oracle", convertDatabaseConfig(cfg).Driver)
}

func TestBootstrapRuntimeWithSQLite(t *testing.T) {
	cfg, err := app.LoadConfig(t.TempDir())
	require.NoError(t, err)
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "usageguard.db")
	cfg.Cache.Redis.Enabled = false
	cfg.Governance.Scheduler.AutoStart = true
	cfg.Governance.Retention.Enabled = true
	_, err = app.ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)

	stack, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { stack.Shutdown(context.Background(), zap.NewNop()) })

	status, err := stack.Gov.Scheduler.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Running)
	require.Nil(t, stack.Redis)

	var configs int64
	require.NoError(t, stack.DB.Model(&models.RateLimitConfig{}).Count(&configs).Error)
	require.Equal(t, int64(1), configs)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	stack.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stack.Shutdown(context.Background(), zap.NewNop())
	require.Nil(t, stack.DB)
}

func TestLoadApplicationConfigMissingPath(t *testing.T) {
	_, err := loadApplicationConfig(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "does not exist")
}
