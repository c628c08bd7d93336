package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyRuntimeDefaultsGeneratesMissingSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Governance.Scheduler.Enabled = true

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Admin.JWT.Secret)
	require.True(t, generated["admin.jwt.secret"])
	require.Equal(t, "@every 1m", cfg.Governance.Scheduler.CheckSchedule)
}

func TestApplyRuntimeDefaultsPreservesExistingSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Admin.JWT.Secret = strings.Repeat("a", 10)

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Empty(t, generated)
	require.Equal(t, strings.Repeat("a", 10), cfg.Admin.JWT.Secret)
}

func TestApplyRuntimeDefaultsRejectsContradictorySettings(t *testing.T) {
	cfg := &Config{}
	cfg.Governance.Scoring.TemporaryThreshold = 90
	cfg.Governance.Scoring.PermanentThreshold = 80
	_, err := ApplyRuntimeDefaults(cfg)
	require.ErrorContains(t, err, "temporary_threshold")

	cfg = &Config{}
	cfg.Governance.MinFingerprintConfidence = 1.5
	_, err = ApplyRuntimeDefaults(cfg)
	require.ErrorContains(t, err, "min_fingerprint_confidence")
}

func TestApplyRuntimeDefaultsNilConfig(t *testing.T) {
	_, err := ApplyRuntimeDefaults(nil)
	require.ErrorContains(t, err, "config is nil")
}
