package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	testutil "github.com/charlesng35/usageguard/internal/database/testutil"
	"github.com/charlesng35/usageguard/internal/models"
	"github.com/charlesng35/usageguard/internal/services"
)

type movableClock struct {
	mu      sync.Mutex
	current time.Time
}

func newMovableClock() *movableClock {
	return &movableClock{current: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *movableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type stubPurger struct {
	purged int64
	err    error
}

func (p *stubPurger) PurgeExpired(context.Context) (int64, error) {
	return p.purged, p.err
}

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	clock := newMovableClock()
	now := clock.Now()
	ctx := context.Background()

	sessions, err := services.NewSessionRegistry(db, nil, nil, services.SessionRegistryConfig{Clock: clock.Now})
	require.NoError(t, err)
	devices, err := services.NewFingerprintStore(db, nil, services.FingerprintStoreConfig{Clock: clock.Now})
	require.NoError(t, err)
	blocks, err := services.NewBlockManager(db, nil, services.BlockManagerConfig{Clock: clock.Now})
	require.NoError(t, err)

	// Forty days ago: two logins (the first displaced), an unverified and a verified device and
	// a one hour block.
	clock.Set(now.AddDate(0, 0, -40))
	for _, token := range []string{"token-ancient", "token-old"} {
		_, err := sessions.Login(ctx, services.LoginInput{AccountID: "acct-1", Token: token})
		require.NoError(t, err)
	}
	_, err = devices.Record(ctx, services.FingerprintInput{AccountID: "acct-1", Hash: "fp-old", Confidence: 1})
	require.NoError(t, err)
	kept, err := devices.Record(ctx, services.FingerprintInput{AccountID: "acct-1", Hash: "fp-trusted", Confidence: 1})
	require.NoError(t, err)
	_, err = devices.Verify(ctx, kept.ID, true, "ops-1")
	require.NoError(t, err)
	_, err = blocks.CreateBlock(ctx, services.CreateBlockInput{
		AccountID: "acct-2",
		BlockType: models.BlockTemporary,
		Reason:    "cooling off",
		Duration:  time.Hour,
	}, "ops-1")
	require.NoError(t, err)

	// Today: a fresh login displaces token-old and a new device shows up.
	clock.Set(now)
	_, err = sessions.Login(ctx, services.LoginInput{AccountID: "acct-1", Token: "token-new"})
	require.NoError(t, err)
	_, err = devices.Record(ctx, services.FingerprintInput{AccountID: "acct-1", Hash: "fp-new", Confidence: 1})
	require.NoError(t, err)

	purger := &stubPurger{purged: 4}
	cleaner := NewCleaner(sessions, devices,
		WithNow(clock.Now),
		WithBlockExpirer(blocks),
		WithCachePurger(purger),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)

	stats, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, CleanupStats{Sessions: 1, Devices: 1, ExpiredBlocks: 1, CacheEntries: 4}, stats)

	var tokens []string
	require.NoError(t, db.Model(&models.Session{}).Order("token").Pluck("token", &tokens).Error)
	require.Equal(t, []string{"token-new", "token-old"}, tokens)

	var hashes []string
	require.NoError(t, db.Model(&models.DeviceFingerprint{}).Order("fingerprint_hash").Pluck("fingerprint_hash", &hashes).Error)
	require.Equal(t, []string{"fp-new", "fp-trusted"}, hashes)

	// The second pass finds nothing new.
	stats, err = cleaner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, CleanupStats{CacheEntries: 4}, stats)
}

func TestCleanerRunOnceAggregatesErrors(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	sessions, err := services.NewSessionRegistry(db, nil, nil, services.SessionRegistryConfig{})
	require.NoError(t, err)

	cleaner := NewCleaner(sessions, nil,
		WithCachePurger(&stubPurger{err: errors.New("cache offline")}),
		WithBlockExpirer(failingExpirer{}),
	)

	_, err = cleaner.RunOnce(context.Background())
	require.ErrorContains(t, err, "cache offline")
	require.ErrorContains(t, err, "blocks offline")
}

func TestCleanerStartWithoutJobs(t *testing.T) {
	cleaner := NewCleaner(nil, nil)
	require.NoError(t, cleaner.Start())
	<-cleaner.Stop().Done()
}

func TestCleanerStartRejectsBadSchedule(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	sessions, err := services.NewSessionRegistry(db, nil, nil, services.SessionRegistryConfig{})
	require.NoError(t, err)

	cleaner := NewCleaner(sessions, nil, WithSessionSchedule("every now and then"))
	require.Error(t, cleaner.Start())
}

type failingExpirer struct{}

func (failingExpirer) ExpireLapsed(context.Context, string) (int, error) {
	return 0, errors.New("blocks offline")
}

func openMaintenanceDB(t *testing.T) *gorm.DB {
	t.Helper()
	return testutil.MustOpenTestDB(t, testutil.WithSeedData())
}
