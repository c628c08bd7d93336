package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/auditctx"
	"github.com/charlesng35/usageguard/internal/database"
	"github.com/charlesng35/usageguard/internal/services"
	"github.com/charlesng35/usageguard/pkg/logger"
	"github.com/charlesng35/usageguard/pkg/metrics"
)

const defaultResetCheckSpec = "@every 1m"

// UsageResetter zeroes every ledger record of a quota day.
type UsageResetter interface {
	ResetAll(ctx context.Context, date, actorID string) (int64, error)
}

// DayClockSource supplies the configured reset day clock. It is consulted on every run so that
// timezone and reset time edits apply without a restart.
type DayClockSource interface {
	DayClock(ctx context.Context) (services.DayClock, error)
}

// RunResult describes one MaybeRun invocation.
type RunResult struct {
	RanAt   time.Time `json:"ran_at"`
	Date    string    `json:"date"`
	Skipped bool      `json:"skipped"`
	Forced  bool      `json:"forced"`
	Records int64     `json:"records"`
}

// SchedulerStatus is the admin view of the scheduler.
type SchedulerStatus struct {
	Running       bool       `json:"running"`
	Schedule      string     `json:"schedule"`
	Timezone      string     `json:"timezone"`
	Today         string     `json:"today"`
	LastResetDate string     `json:"last_reset_date"`
	NextReset     time.Time  `json:"next_reset"`
	LastRun       *RunResult `json:"last_run,omitempty"`
}

// SchedulerOption customises the ResetScheduler.
type SchedulerOption func(*ResetScheduler)

// WithSchedulerCron injects a preconfigured cron instance, primarily for testing.
func WithSchedulerCron(c *cron.Cron) SchedulerOption {
	return func(s *ResetScheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSchedulerClock overrides the clock used to derive the current quota day.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *ResetScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCheckSchedule overrides how often the scheduler checks for a new quota day.
func WithCheckSchedule(spec string) SchedulerOption {
	return func(s *ResetScheduler) {
		if spec != "" {
			s.spec = spec
		}
	}
}

// WithRetentionCleaner runs the cleaner after every successful reset.
func WithRetentionCleaner(cleaner *Cleaner) SchedulerOption {
	return func(s *ResetScheduler) {
		s.cleaner = cleaner
	}
}

// ResetScheduler performs the daily usage reset exactly once per quota day. The day is claimed
// on the quota.last_reset_date setting so that several instances never reset the same day
// twice, and concurrent calls within one process share a single run.
type ResetScheduler struct {
	db      *gorm.DB
	ledger  UsageResetter
	clock   DayClockSource
	cleaner *Cleaner
	cron    *cron.Cron
	spec    string
	now     func() time.Time
	log     *zap.Logger
	group   singleflight.Group

	mu      sync.Mutex
	entryID cron.EntryID
	running bool
	lastRun *RunResult
}

// NewResetScheduler constructs a ResetScheduler. It does not start the recurring check.
func NewResetScheduler(db *gorm.DB, ledger UsageResetter, clock DayClockSource, opts ...SchedulerOption) (*ResetScheduler, error) {
	if db == nil || ledger == nil || clock == nil {
		return nil, errors.New("reset scheduler: db, ledger and day clock are required")
	}
	s := &ResetScheduler{
		db:     db,
		ledger: ledger,
		clock:  clock,
		spec:   defaultResetCheckSpec,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.WithModule("reset-scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s, nil
}

// MaybeRun resets the current quota day unless it has already been reset. With force the reset
// runs even if the day was already claimed.
func (s *ResetScheduler) MaybeRun(ctx context.Context, force bool) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dayClock, err := s.clock.DayClock(ctx)
	if err != nil {
		metrics.QuotaResets.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reset scheduler: %w", err)
	}
	today := dayClock.DayKey(s.now())

	key := today
	if force {
		key += ":force"
	}
	value, err, _ := s.group.Do(key, func() (any, error) {
		return s.run(ctx, today, force)
	})
	if err != nil {
		return nil, err
	}
	result := *value.(*RunResult)
	return &result, nil
}

func (s *ResetScheduler) run(ctx context.Context, today string, force bool) (*RunResult, error) {
	result := &RunResult{RanAt: s.now(), Date: today, Forced: force}

	previous, err := database.GetSystemSetting(ctx, s.db, database.LastResetDateSetting)
	if err != nil {
		metrics.QuotaResets.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reset scheduler: %w", err)
	}
	claimed, err := database.ClaimSystemSetting(ctx, s.db, database.LastResetDateSetting, today, force)
	if err != nil {
		metrics.QuotaResets.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reset scheduler: %w", err)
	}
	if !claimed {
		result.Skipped = true
		metrics.QuotaResets.WithLabelValues("skipped").Inc()
		s.remember(result)
		return result, nil
	}

	records, err := s.ledger.ResetAll(ctx, today, auditctx.ActorID(ctx))
	if err != nil {
		metrics.QuotaResets.WithLabelValues("error").Inc()
		if restoreErr := database.UpsertSystemSetting(context.WithoutCancel(ctx), s.db, database.LastResetDateSetting, previous); restoreErr != nil {
			s.log.Error("failed to release reset claim", zap.String("date", today), zap.Error(restoreErr))
		}
		return nil, fmt.Errorf("reset scheduler: reset %s: %w", today, err)
	}
	result.Records = records
	metrics.QuotaResets.WithLabelValues("ran").Inc()
	s.log.Info("daily usage reset completed",
		zap.String("date", today),
		zap.Int64("records", records),
		zap.Bool("forced", force))

	if s.cleaner != nil {
		if _, err := s.cleaner.RunOnce(ctx); err != nil {
			s.log.Warn("retention cleanup after reset failed", zap.Error(err))
		}
	}

	s.remember(result)
	return result, nil
}

// Trigger runs a reset on behalf of an administrator.
func (s *ResetScheduler) Trigger(ctx context.Context, force bool) (*RunResult, error) {
	return s.MaybeRun(ctx, force)
}

// Start registers the recurring check and launches the cron scheduler. Calling Start on a
// running scheduler is a no-op.
func (s *ResetScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.entryID == 0 {
		id, err := s.cron.AddFunc(s.spec, func() {
			if _, err := s.MaybeRun(context.Background(), false); err != nil {
				s.log.Warn("scheduled reset check failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("reset scheduler: schedule %q: %w", s.spec, err)
		}
		s.entryID = id
	}
	s.cron.Start()
	s.running = true
	s.log.Info("reset scheduler started", zap.String("schedule", s.spec))
	return nil
}

// Stop halts the recurring check, waiting for a running check to finish.
func (s *ResetScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.log.Info("reset scheduler stopped")
	return s.cron.Stop()
}

// Status reports whether the recurring check runs and which day was last reset.
func (s *ResetScheduler) Status(ctx context.Context) (*SchedulerStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dayClock, err := s.clock.DayClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset scheduler: %w", err)
	}
	last, err := database.GetSystemSetting(ctx, s.db, database.LastResetDateSetting)
	if err != nil {
		return nil, fmt.Errorf("reset scheduler: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &SchedulerStatus{
		Running:       s.running,
		Schedule:      s.spec,
		Timezone:      dayClock.Location().String(),
		Today:         dayClock.DayKey(now),
		LastResetDate: last,
		NextReset:     dayClock.NextReset(now),
	}
	if s.lastRun != nil {
		copied := *s.lastRun
		status.LastRun = &copied
	}
	return status, nil
}

func (s *ResetScheduler) remember(result *RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *result
	s.lastRun = &copied
}
