package app

import (
	"fmt"
	"strings"

	"github.com/charlesng35/usageguard/pkg/crypto"
)

const jwtSecretBytes = 48

// ApplyRuntimeDefaults fills values the service cannot run without and rejects governance
// settings that contradict each other. It returns the keys whose values were generated so
// callers can log the event without exposing them. A generated admin secret only verifies
// tokens minted by this process, so operators should pin one.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Admin.JWT.Secret) == "" {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Admin.JWT.Secret = secret
		generated["admin.jwt.secret"] = true
	}

	gov := &cfg.Governance
	if gov.Scheduler.Enabled && strings.TrimSpace(gov.Scheduler.CheckSchedule) == "" {
		gov.Scheduler.CheckSchedule = "@every 1m"
	}

	if gov.MinFingerprintConfidence < 0 || gov.MinFingerprintConfidence > 1 {
		return nil, fmt.Errorf("governance.min_fingerprint_confidence must be within [0,1] (current: %v)", gov.MinFingerprintConfidence)
	}

	policy := gov.ScoringPolicy()
	if policy.TemporaryThreshold >= policy.PermanentThreshold {
		return nil, fmt.Errorf("governance.scoring.temporary_threshold (%d) must be below permanent_threshold (%d)",
			policy.TemporaryThreshold, policy.PermanentThreshold)
	}

	return generated, nil
}
