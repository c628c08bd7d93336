package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/api"
	"github.com/charlesng35/usageguard/internal/app"
	iauth "github.com/charlesng35/usageguard/internal/auth"
	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/internal/database"
	"github.com/charlesng35/usageguard/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB     *gorm.DB
	Redis  *cache.RedisStore
	Store  cache.Store
	Gov    *app.Governance
	Router *gin.Engine

	cleanerStarted bool
}

// bootstrapRuntime initialises the database, cache, governance services, background jobs and
// the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Store = selectStore(ctx, cfg, stack, log)

	jwtSvc, err := iauth.NewJWTService(cfg.Admin.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	stack.Gov, err = app.NewGovernance(stack.DB, stack.Store, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialise governance: %w", err)
	}

	gov := cfg.Governance
	if gov.Scheduler.Enabled && gov.Scheduler.AutoStart {
		if err := stack.Gov.Scheduler.Start(); err != nil {
			return nil, fmt.Errorf("start reset scheduler: %w", err)
		}
	}
	if gov.Retention.Enabled {
		if err := stack.Gov.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
		stack.cleanerStarted = true
	}

	stack.Router, err = api.NewRouter(cfg, stack.DB, jwtSvc, stack.Store, stack.Gov)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// selectStore prefers Redis when configured and reachable, falling back to the database store.
func selectStore(ctx context.Context, cfg *app.Config, stack *runtimeStack, log *zap.Logger) cache.Store {
	if cfg.Cache.Redis.Enabled {
		redisStore, err := cache.NewRedisStore(ctx, cfg.Cache.RedisClientConfig())
		if err != nil {
			log.Warn("redis unavailable; falling back to database-backed cache", zap.Error(err))
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
			stack.Redis = redisStore
			return redisStore
		}
	}
	return cache.NewDatabaseStore(stack.DB)
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Gov != nil {
		// The scheduler may also have been started through the admin API.
		<-s.Gov.Scheduler.Stop().Done()
		if s.cleanerStarted {
			stopCtx := s.Gov.Cleaner.Stop()
			if stopCtx != nil {
				<-stopCtx.Done()
			}
			if _, err := s.Gov.Cleaner.RunOnce(ctx); err != nil {
				log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
			}
			s.cleanerStarted = false
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
		s.Redis = nil
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
		s.DB = nil
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	var auth app.DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		auth = cfg.Database.Postgres
	case "mysql":
		auth = cfg.Database.MySQL
	default:
		// Leave driver as-is to surface unsupported driver error during open.
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = strings.TrimSpace(auth.Password)
	dbCfg.Options = auth.Options
	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
