package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/usageguard/internal/auditctx"
	"github.com/charlesng35/usageguard/internal/database"
	"github.com/charlesng35/usageguard/internal/services"
)

type fixedDayClock struct {
	timezone  string
	resetTime string
}

func (c fixedDayClock) DayClock(context.Context) (services.DayClock, error) {
	return services.NewDayClock(c.timezone, c.resetTime)
}

type countingResetter struct {
	calls  atomic.Int64
	mu     sync.Mutex
	dates  []string
	actors []string
	err    error
	delay  time.Duration
}

func (r *countingResetter) ResetAll(_ context.Context, date, actorID string) (int64, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.dates = append(r.dates, date)
	r.actors = append(r.actors, actorID)
	return 7, nil
}

func newTestScheduler(t *testing.T, resetter UsageResetter, clock *movableClock, opts ...SchedulerOption) *ResetScheduler {
	t.Helper()
	db := openMaintenanceDB(t)
	opts = append([]SchedulerOption{
		WithSchedulerClock(clock.Now),
		WithSchedulerCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	}, opts...)
	scheduler, err := NewResetScheduler(db, resetter, fixedDayClock{timezone: "Asia/Ho_Chi_Minh", resetTime: "00:00"}, opts...)
	require.NoError(t, err)
	return scheduler
}

func TestResetSchedulerRunsOncePerDay(t *testing.T) {
	resetter := &countingResetter{}
	clock := newMovableClock()
	scheduler := newTestScheduler(t, resetter, clock)
	ctx := context.Background()

	result, err := scheduler.MaybeRun(ctx, false)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, "2026-10-15", result.Date)
	require.Equal(t, int64(7), result.Records)

	result, err = scheduler.MaybeRun(ctx, false)
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, int64(1), resetter.calls.Load())

	// Forcing repeats the reset for the same day.
	result, err = scheduler.Trigger(auditctx.WithActor(ctx, auditctx.Actor{ID: "ops-1"}), true)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.True(t, result.Forced)
	require.Equal(t, int64(2), resetter.calls.Load())

	// 17:00 UTC is midnight in Ho Chi Minh City.
	clock.Set(time.Date(2026, 10, 15, 17, 0, 0, 0, time.UTC))
	result, err = scheduler.MaybeRun(ctx, false)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, "2026-10-16", result.Date)

	require.Equal(t, []string{"2026-10-15", "2026-10-15", "2026-10-16"}, resetter.dates)
	require.Equal(t, []string{auditctx.SystemActorID, "ops-1", auditctx.SystemActorID}, resetter.actors)
}

func TestResetSchedulerConcurrentCallsResetOnce(t *testing.T) {
	resetter := &countingResetter{delay: 20 * time.Millisecond}
	scheduler := newTestScheduler(t, resetter, newMovableClock())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := scheduler.MaybeRun(context.Background(), false); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(1), resetter.calls.Load())
}

func TestResetSchedulerReleasesClaimOnFailure(t *testing.T) {
	resetter := &countingResetter{err: errors.New("database is locked")}
	clock := newMovableClock()
	scheduler := newTestScheduler(t, resetter, clock)
	ctx := context.Background()

	_, err := scheduler.MaybeRun(ctx, false)
	require.ErrorContains(t, err, "database is locked")

	last, err := database.GetSystemSetting(ctx, scheduler.db, database.LastResetDateSetting)
	require.NoError(t, err)
	require.Empty(t, last)

	resetter.mu.Lock()
	resetter.err = nil
	resetter.mu.Unlock()

	result, err := scheduler.MaybeRun(ctx, false)
	require.NoError(t, err)
	require.False(t, result.Skipped)

	last, err = database.GetSystemSetting(ctx, scheduler.db, database.LastResetDateSetting)
	require.NoError(t, err)
	require.Equal(t, "2026-10-15", last)
}

func TestResetSchedulerResetsLedgerAndRunsCleaner(t *testing.T) {
	db := openMaintenanceDB(t)
	clock := newMovableClock()
	ctx := context.Background()

	configs, err := services.NewRateLimitConfigService(db, nil, time.Minute)
	require.NoError(t, err)
	ledger, err := services.NewQuotaLedger(db, configs, nil, nil, services.QuotaLedgerConfig{Clock: clock.Now})
	require.NoError(t, err)
	for _, account := range []string{"acct-1", "acct-2"} {
		check, err := ledger.CheckAndIncrement(ctx, account, "generate-image", 2)
		require.NoError(t, err)
		require.True(t, check.Allowed)
	}

	purger := &stubPurger{purged: 2}
	cleaner := NewCleaner(nil, nil, WithCachePurger(purger))
	scheduler, err := NewResetScheduler(db, ledger, configs,
		WithSchedulerClock(clock.Now),
		WithRetentionCleaner(cleaner))
	require.NoError(t, err)

	result, err := scheduler.MaybeRun(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Records)

	usage, err := ledger.Usage(ctx, "acct-1", "")
	require.NoError(t, err)
	require.Zero(t, usage.TotalUsage)
	require.Empty(t, usage.ModuleUsage)
}

func TestResetSchedulerStartStopStatus(t *testing.T) {
	clock := newMovableClock()
	scheduler := newTestScheduler(t, &countingResetter{}, clock, WithCheckSchedule("@every 1h"))
	ctx := context.Background()

	status, err := scheduler.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.Running)
	require.Equal(t, "@every 1h", status.Schedule)
	require.Equal(t, "Asia/Ho_Chi_Minh", status.Timezone)
	require.Equal(t, "2026-10-15", status.Today)
	require.Empty(t, status.LastResetDate)
	require.Nil(t, status.LastRun)
	require.True(t, status.NextReset.Equal(time.Date(2026, 10, 15, 17, 0, 0, 0, time.UTC)))

	require.NoError(t, scheduler.Start())
	require.NoError(t, scheduler.Start())
	status, err = scheduler.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.Running)
	require.Len(t, scheduler.cron.Entries(), 1)

	_, err = scheduler.Trigger(ctx, false)
	require.NoError(t, err)

	<-scheduler.Stop().Done()
	status, err = scheduler.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.Running)
	require.Equal(t, "2026-10-15", status.LastResetDate)
	require.NotNil(t, status.LastRun)
	require.False(t, status.LastRun.Skipped)

	// Restarting reuses the registered check.
	require.NoError(t, scheduler.Start())
	require.Len(t, scheduler.cron.Entries(), 1)
	<-scheduler.Stop().Done()
}

func TestNewResetSchedulerRequiresDependencies(t *testing.T) {
	_, err := NewResetScheduler(nil, &countingResetter{}, fixedDayClock{})
	require.Error(t, err)
}
