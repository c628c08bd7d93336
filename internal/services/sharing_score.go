package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charlesng35/usageguard/internal/models"
	"github.com/charlesng35/usageguard/pkg/metrics"
)

// ScoringPolicy holds the weights and thresholds of the sharing score.
type ScoringPolicy struct {
	HardwareWeight      float64
	BehaviorWeight      float64
	SessionWeight       float64
	PerDeviceScore      int
	HighDeviceScore     int
	DeviceThreshold     int
	SuspicionMultiplier int
	SessionMultiplier   int
	PermanentThreshold  int
	TemporaryThreshold  int
	TemporaryDuration   time.Duration
}

// DefaultScoringPolicy returns the stock scoring constants.
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		HardwareWeight:      0.4,
		BehaviorWeight:      0.4,
		SessionWeight:       0.2,
		PerDeviceScore:      15,
		HighDeviceScore:     60,
		DeviceThreshold:     3,
		SuspicionMultiplier: 5,
		SessionMultiplier:   35,
		PermanentThreshold:  85,
		TemporaryThreshold:  60,
		TemporaryDuration:   72 * time.Hour,
	}
}

// Normalised fills unset fields with their defaults.
func (p ScoringPolicy) Normalised() ScoringPolicy {
	def := DefaultScoringPolicy()
	if p.HardwareWeight <= 0 && p.BehaviorWeight <= 0 && p.SessionWeight <= 0 {
		p.HardwareWeight, p.BehaviorWeight, p.SessionWeight = def.HardwareWeight, def.BehaviorWeight, def.SessionWeight
	}
	if p.PerDeviceScore <= 0 {
		p.PerDeviceScore = def.PerDeviceScore
	}
	if p.HighDeviceScore <= 0 {
		p.HighDeviceScore = def.HighDeviceScore
	}
	if p.DeviceThreshold <= 0 {
		p.DeviceThreshold = def.DeviceThreshold
	}
	if p.SuspicionMultiplier <= 0 {
		p.SuspicionMultiplier = def.SuspicionMultiplier
	}
	if p.SessionMultiplier <= 0 {
		p.SessionMultiplier = def.SessionMultiplier
	}
	if p.PermanentThreshold <= 0 {
		p.PermanentThreshold = def.PermanentThreshold
	}
	if p.TemporaryThreshold <= 0 {
		p.TemporaryThreshold = def.TemporaryThreshold
	}
	if p.TemporaryDuration <= 0 {
		p.TemporaryDuration = def.TemporaryDuration
	}
	return p
}

// ScoreSignals are the raw inputs of a sharing evaluation.
type ScoreSignals struct {
	DeviceCount        int `json:"device_count"`
	SuspicionTotal     int `json:"suspicion_total"`
	ConcurrentSessions int `json:"concurrent_sessions"`
}

// SharingScore is the result of a sharing evaluation.
type SharingScore struct {
	Score     int                   `json:"score"`
	Breakdown models.ScoreBreakdown `json:"breakdown"`
	Signals   ScoreSignals          `json:"signals"`
	Evidence  models.BlockEvidence  `json:"evidence"`
}

// Compute derives the bounded 0..100 score from signals. It is pure and monotonic in every signal.
func (p ScoringPolicy) Compute(signals ScoreSignals) SharingScore {
	devices := max(signals.DeviceCount, 0)
	suspicion := max(signals.SuspicionTotal, 0)
	sessions := max(signals.ConcurrentSessions, 0)

	hardware := devices * p.PerDeviceScore
	if devices > p.DeviceThreshold {
		hardware = max(p.HighDeviceScore, p.DeviceThreshold*p.PerDeviceScore)
	}
	hardware = clampInt(hardware, 0, 100)
	behavior := clampInt(saturatingMul(suspicion, p.SuspicionMultiplier), 0, 100)
	session := clampInt(saturatingMul(sessions, p.SessionMultiplier), 0, 100)

	weighted := p.HardwareWeight*float64(hardware) + p.BehaviorWeight*float64(behavior) + p.SessionWeight*float64(session)
	score := clampInt(int(math.Round(weighted)), 0, 100)

	return SharingScore{
		Score: score,
		Breakdown: models.ScoreBreakdown{
			HardwareScore: hardware,
			BehaviorScore: behavior,
			SessionScore:  session,
		},
		Signals: signals,
		Evidence: models.BlockEvidence{
			ConcurrentSessions: sessions,
			DeviceCount:        devices,
		},
	}
}

// Classify maps a score to the block it warrants. ok is false below the temporary threshold.
func (p ScoringPolicy) Classify(score int) (models.BlockType, bool) {
	switch {
	case score >= p.PermanentThreshold:
		return models.BlockPermanent, true
	case score >= p.TemporaryThreshold:
		return models.BlockTemporary, true
	default:
		return "", false
	}
}

func saturatingMul(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt32/b {
		return math.MaxInt32
	}
	return a * b
}

// ScoreEvaluator produces a sharing score for an account.
type ScoreEvaluator interface {
	Evaluate(ctx context.Context, accountID string) (*SharingScore, error)
}

// SharingScoreEvaluator gathers device and session signals and scores them.
type SharingScoreEvaluator struct {
	fingerprints *FingerprintStore
	sessions     *SessionRegistry
	policy       ScoringPolicy
}

// NewSharingScoreEvaluator constructs a SharingScoreEvaluator.
func NewSharingScoreEvaluator(fingerprints *FingerprintStore, sessions *SessionRegistry, policy ScoringPolicy) (*SharingScoreEvaluator, error) {
	if fingerprints == nil || sessions == nil {
		return nil, errors.New("sharing score evaluator: fingerprint store and session registry are required")
	}
	return &SharingScoreEvaluator{
		fingerprints: fingerprints,
		sessions:     sessions,
		policy:       policy.Normalised(),
	}, nil
}

// Policy returns the scoring policy in use.
func (e *SharingScoreEvaluator) Policy() ScoringPolicy {
	return e.policy
}

// Evaluate scores an account from its current signals.
func (e *SharingScoreEvaluator) Evaluate(ctx context.Context, accountID string) (*SharingScore, error) {
	ctx = ensureContext(ctx)

	devices, err := e.fingerprints.Signals(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("sharing score: %w", err)
	}
	sessions, err := e.sessions.ConcurrentSessions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("sharing score: %w", err)
	}

	result := e.policy.Compute(ScoreSignals{
		DeviceCount:        devices.DeviceCount,
		SuspicionTotal:     devices.SuspicionTotal,
		ConcurrentSessions: sessions,
	})
	result.Evidence.LocationChanges = devices.LocationChanges
	result.Evidence.IPAddresses = devices.IPAddresses
	result.Evidence.SuspiciousPatterns = devices.SuspiciousPatterns

	metrics.SharingScores.Observe(float64(result.Score))
	return &result, nil
}
