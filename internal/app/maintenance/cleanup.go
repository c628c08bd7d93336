package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/pkg/logger"
)

const (
	defaultRetention   = 30 * 24 * time.Hour
	defaultSessionSpec = "@hourly"
	defaultDeviceSpec  = "@daily"
	defaultSweepSpec   = "@every 5m"
)

// SessionPruner deletes ended sessions.
type SessionPruner interface {
	PruneInactive(ctx context.Context, before time.Time) (int64, error)
}

// DevicePruner deletes devices that have not been seen for a while.
type DevicePruner interface {
	PruneStale(ctx context.Context, before time.Time) (int64, error)
}

// BlockExpirer moves lapsed temporary blocks to EXPIRED.
type BlockExpirer interface {
	ExpireLapsed(ctx context.Context, accountID string) (int, error)
}

// Cleaner coordinates background maintenance tasks such as pruning ended sessions, forgetting
// stale devices, expiring lapsed blocks and sweeping expired cache entries.
type Cleaner struct {
	sessions SessionPruner
	devices  DevicePruner
	blocks   BlockExpirer
	cache    cache.Purger
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
	enabled  bool

	sessionRetention time.Duration
	deviceRetention  time.Duration

	sessionSchedule string
	deviceSchedule  string
	sweepSchedule   string
}

// CleanupStats captures the number of rows affected by each cleanup task.
type CleanupStats struct {
	Sessions      int64 `json:"sessions"`
	Devices       int64 `json:"devices"`
	ExpiredBlocks int   `json:"expired_blocks"`
	CacheEntries  int64 `json:"cache_entries"`
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSessionRetention adjusts how long ended sessions are kept.
func WithSessionRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.sessionRetention = d
		}
	}
}

// WithDeviceRetention adjusts how long unverified devices are kept after their last sighting.
func WithDeviceRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.deviceRetention = d
		}
	}
}

// WithBlockExpirer enables the sweep of lapsed temporary blocks.
func WithBlockExpirer(blocks BlockExpirer) Option {
	return func(cleaner *Cleaner) {
		cleaner.blocks = blocks
	}
}

// WithCachePurger enables the sweep of expired cache entries.
func WithCachePurger(purger cache.Purger) Option {
	return func(cleaner *Cleaner) {
		cleaner.cache = purger
	}
}

// WithSessionSchedule overrides the cron specification for session pruning.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithDeviceSchedule overrides the cron specification for device pruning.
func WithDeviceSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.deviceSchedule = spec
		}
	}
}

// WithSweepSchedule overrides the cron specification for block expiry and cache sweeps.
func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sweepSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency results in
// the corresponding cleanup job being skipped.
func NewCleaner(sessions SessionPruner, devices DevicePruner, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:         sessions,
		devices:          devices,
		now:              func() time.Time { return time.Now().UTC() },
		sessionRetention: defaultRetention,
		deviceRetention:  defaultRetention,
		sessionSchedule:  defaultSessionSpec,
		deviceSchedule:   defaultDeviceSpec,
		sweepSchedule:    defaultSweepSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.sessions != nil || cleaner.devices != nil || cleaner.blocks != nil || cleaner.cache != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			if _, err := c.pruneSessions(context.Background()); err != nil {
				c.log.Warn("session pruning failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.devices != nil {
		if _, err := c.cron.AddFunc(c.deviceSchedule, func() {
			if _, err := c.pruneDevices(context.Background()); err != nil {
				c.log.Warn("device pruning failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.blocks != nil || c.cache != nil {
		if _, err := c.cron.AddFunc(c.sweepSchedule, func() {
			if _, err := c.sweep(context.Background()); err != nil {
				c.log.Warn("expiry sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially and reports what each removed.
// A failing routine does not stop the others.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanupStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		stats CleanupStats
		errs  error
		err   error
	)

	stats.Sessions, err = c.pruneSessions(ctx)
	errs = multierr.Append(errs, err)

	stats.Devices, err = c.pruneDevices(ctx)
	errs = multierr.Append(errs, err)

	swept, err := c.sweep(ctx)
	errs = multierr.Append(errs, err)
	stats.ExpiredBlocks = swept.ExpiredBlocks
	stats.CacheEntries = swept.CacheEntries

	if errs == nil {
		c.log.Debug("maintenance cleanup completed",
			zap.Int64("sessions", stats.Sessions),
			zap.Int64("devices", stats.Devices),
			zap.Int("expired_blocks", stats.ExpiredBlocks),
			zap.Int64("cache_entries", stats.CacheEntries))
	}
	return stats, errs
}

func (c *Cleaner) pruneSessions(ctx context.Context) (int64, error) {
	if c.sessions == nil {
		return 0, nil
	}
	return c.sessions.PruneInactive(ctx, c.now().Add(-c.sessionRetention))
}

func (c *Cleaner) pruneDevices(ctx context.Context) (int64, error) {
	if c.devices == nil {
		return 0, nil
	}
	return c.devices.PruneStale(ctx, c.now().Add(-c.deviceRetention))
}

func (c *Cleaner) sweep(ctx context.Context) (CleanupStats, error) {
	var (
		stats CleanupStats
		errs  error
	)
	if c.blocks != nil {
		expired, err := c.blocks.ExpireLapsed(ctx, "")
		stats.ExpiredBlocks = expired
		errs = multierr.Append(errs, err)
	}
	if c.cache != nil {
		purged, err := c.cache.PurgeExpired(ctx)
		stats.CacheEntries = purged
		errs = multierr.Append(errs, err)
	}
	return stats, errs
}
