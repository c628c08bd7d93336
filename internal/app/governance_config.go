package app

import (
	"time"

	"github.com/charlesng35/usageguard/internal/app/maintenance"
	"github.com/charlesng35/usageguard/internal/services"
)

const day = 24 * time.Hour

// ScoringPolicy converts the scoring section into a services.ScoringPolicy. Unset values fall
// back to the stock policy.
func (c GovernanceConfig) ScoringPolicy() services.ScoringPolicy {
	s := c.Scoring
	return services.ScoringPolicy{
		HardwareWeight:      s.HardwareWeight,
		BehaviorWeight:      s.BehaviorWeight,
		SessionWeight:       s.SessionWeight,
		PerDeviceScore:      s.PerDeviceScore,
		HighDeviceScore:     s.HighDeviceScore,
		DeviceThreshold:     s.DeviceThreshold,
		SuspicionMultiplier: s.SuspicionMultiplier,
		SessionMultiplier:   s.SessionMultiplier,
		PermanentThreshold:  s.PermanentThreshold,
		TemporaryThreshold:  s.TemporaryThreshold,
		TemporaryDuration:   s.TemporaryDuration,
	}.Normalised()
}

// SessionRegistryConfig converts GovernanceConfig into SessionRegistry parameters.
func (c GovernanceConfig) SessionRegistryConfig() services.SessionRegistryConfig {
	timeout := c.SessionTimeout
	if timeout <= 0 {
		timeout = services.DefaultInactivityTimeout
	}
	return services.SessionRegistryConfig{
		InactivityTimeout: timeout,
		CacheTTL:          c.SessionCacheTTL,
	}
}

// FingerprintStoreConfig converts GovernanceConfig into FingerprintStore parameters.
func (c GovernanceConfig) FingerprintStoreConfig() services.FingerprintStoreConfig {
	confidence := c.MinFingerprintConfidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return services.FingerprintStoreConfig{MinConfidence: confidence}
}

// BlockManagerConfig converts GovernanceConfig into BlockManager parameters.
func (c GovernanceConfig) BlockManagerConfig() services.BlockManagerConfig {
	return services.BlockManagerConfig{Policy: c.ScoringPolicy()}
}

// PolicyGatewayConfig converts GovernanceConfig into PolicyGateway parameters.
func (c GovernanceConfig) PolicyGatewayConfig() services.PolicyGatewayConfig {
	return services.PolicyGatewayConfig{FailOpen: c.FailOpen}
}

// CleanerOptions converts the retention section into maintenance.Cleaner options.
func (c RetentionConfig) CleanerOptions() []maintenance.Option {
	opts := []maintenance.Option{
		maintenance.WithSessionSchedule(c.Schedule),
		maintenance.WithDeviceSchedule(c.Schedule),
		maintenance.WithSweepSchedule(c.SweepSchedule),
	}
	if c.SessionDays > 0 {
		opts = append(opts, maintenance.WithSessionRetention(time.Duration(c.SessionDays)*day))
	}
	if c.FingerprintDays > 0 {
		opts = append(opts, maintenance.WithDeviceRetention(time.Duration(c.FingerprintDays)*day))
	}
	return opts
}

// SchedulerOptions converts the scheduler section into maintenance.ResetScheduler options.
func (c SchedulerConfig) SchedulerOptions() []maintenance.SchedulerOption {
	return []maintenance.SchedulerOption{maintenance.WithCheckSchedule(c.CheckSchedule)}
}
