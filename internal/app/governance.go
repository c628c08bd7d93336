package app

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/app/maintenance"
	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/internal/services"
	"github.com/charlesng35/usageguard/pkg/logger"
)

// Governance bundles the wired usage governance services.
type Governance struct {
	Audit        *services.AuditService
	Sessions     *services.SessionRegistry
	Fingerprints *services.FingerprintStore
	Scores       *services.SharingScoreEvaluator
	Blocks       *services.BlockManager
	Configs      *services.RateLimitConfigService
	Ledger       *services.QuotaLedger
	Gateway      *services.PolicyGateway
	Scheduler    *maintenance.ResetScheduler
	Cleaner      *maintenance.Cleaner
}

// NewGovernance wires every governance service against db and the shared cache store. The
// scheduler and cleaner are constructed but not started.
func NewGovernance(db *gorm.DB, store cache.Store, cfg *Config) (*Governance, error) {
	if db == nil {
		return nil, errors.New("governance: database handle must be provided")
	}
	if store == nil {
		return nil, errors.New("governance: cache store must be provided")
	}
	if cfg == nil {
		return nil, errors.New("governance: config must be provided")
	}
	gov := cfg.Governance

	audit := services.NewAuditService(logger.Audit())

	sessions, err := services.NewSessionRegistry(db, store, audit, gov.SessionRegistryConfig())
	if err != nil {
		return nil, err
	}
	fingerprints, err := services.NewFingerprintStore(db, audit, gov.FingerprintStoreConfig())
	if err != nil {
		return nil, err
	}
	scores, err := services.NewSharingScoreEvaluator(fingerprints, sessions, gov.ScoringPolicy())
	if err != nil {
		return nil, err
	}
	blocks, err := services.NewBlockManager(db, audit, gov.BlockManagerConfig())
	if err != nil {
		return nil, err
	}
	configs, err := services.NewRateLimitConfigService(db, audit, gov.ConfigCacheTTL)
	if err != nil {
		return nil, err
	}
	ledger, err := services.NewQuotaLedger(db, configs, services.NewBurstLimiter(store), audit, services.QuotaLedgerConfig{})
	if err != nil {
		return nil, err
	}
	gateway, err := services.NewPolicyGateway(sessions, fingerprints, scores, blocks, ledger, gov.PolicyGatewayConfig())
	if err != nil {
		return nil, err
	}

	cleanerOpts := append(gov.Retention.CleanerOptions(), maintenance.WithBlockExpirer(blocks))
	if purger, ok := store.(cache.Purger); ok {
		cleanerOpts = append(cleanerOpts, maintenance.WithCachePurger(purger))
	}
	cleaner := maintenance.NewCleaner(sessions, fingerprints, cleanerOpts...)

	schedulerOpts := append(gov.Scheduler.SchedulerOptions(), maintenance.WithRetentionCleaner(cleaner))
	scheduler, err := maintenance.NewResetScheduler(db, ledger, configs, schedulerOpts...)
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}

	return &Governance{
		Audit:        audit,
		Sessions:     sessions,
		Fingerprints: fingerprints,
		Scores:       scores,
		Blocks:       blocks,
		Configs:      configs,
		Ledger:       ledger,
		Gateway:      gateway,
		Scheduler:    scheduler,
		Cleaner:      cleaner,
	}, nil
}
