package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/internal/models"
	apperrors "github.com/charlesng35/usageguard/pkg/errors"
)

func TestSessionRegistryLoginDisplacesPreviousSession(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	audit := &recordingAuditor{}
	registry := newTestSessionRegistry(t, db, clock, audit)
	ctx := context.Background()

	first, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-a", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.Zero(t, first.Displaced)

	clock.Advance(time.Minute)
	second, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-b", IPAddress: "10.0.0.2"})
	require.NoError(t, err)
	require.Equal(t, 1, second.Displaced)

	status, _, err := registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionTerminated, status)

	status, session, err := registry.Validate(ctx, "token-b")
	require.NoError(t, err)
	require.Equal(t, SessionActive, status)
	require.Equal(t, "acct-1", session.AccountID)

	var displaced models.Session
	require.NoError(t, db.Where("token = ?", "token-a").Take(&displaced).Error)
	require.False(t, displaced.Active)
	require.Nil(t, displaced.ActiveAccountKey)
	require.NotNil(t, displaced.LogoutReason)
	require.Equal(t, models.LogoutForce, *displaced.LogoutReason)

	require.Contains(t, audit.actions(), "session.force_logout")
}

func TestSessionRegistryLoginValidatesInput(t *testing.T) {
	registry := newTestSessionRegistry(t, openServiceTestDB(t), newTestClock(), nil)

	_, err := registry.Login(context.Background(), LoginInput{Token: "t"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = registry.Login(context.Background(), LoginInput{AccountID: "acct"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestSessionRegistryConcurrentLoginsLeaveOneActiveSession(t *testing.T) {
	db := openServiceTestDB(t)
	registry := newTestSessionRegistry(t, db, newTestClock(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := registry.Login(context.Background(), LoginInput{
				AccountID: "acct-race",
				Token:     fmt.Sprintf("token-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	active, err := registry.ListForAccount(context.Background(), "acct-race", true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	all, err := registry.ListForAccount(context.Background(), "acct-race", false)
	require.NoError(t, err)
	require.Len(t, all, 20)
}

func TestSessionRegistryValidateExpiresIdleSession(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	registry := newTestSessionRegistry(t, db, clock, nil)
	ctx := context.Background()

	_, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-a"})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	status, _, err := registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionActive, status, "exactly the timeout is still active")

	clock.Advance(time.Second)
	status, _, err = registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionExpired, status)

	status, _, err = registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionExpired, status, "expired sessions stay expired")

	var stored models.Session
	require.NoError(t, db.Where("token = ?", "token-a").Take(&stored).Error)
	require.False(t, stored.Active)
	require.Equal(t, models.LogoutInactivityTimeout, *stored.LogoutReason)

	status, _, err = registry.Validate(ctx, "unknown")
	require.NoError(t, err)
	require.Equal(t, SessionNotFound, status)
}

func TestSessionRegistryHeartbeat(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	registry := newTestSessionRegistry(t, db, clock, nil)
	ctx := context.Background()

	_, err := registry.Heartbeat(ctx, "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-a"})
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	status, err := registry.Heartbeat(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionActive, status)

	// The heartbeat pushed the idle window forward.
	clock.Advance(20 * time.Minute)
	status, _, err = registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionActive, status)

	_, err = registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-b"})
	require.NoError(t, err)

	var before models.Session
	require.NoError(t, db.Where("token = ?", "token-a").Take(&before).Error)

	clock.Advance(time.Minute)
	status, err = registry.Heartbeat(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionTerminated, status)

	var after models.Session
	require.NoError(t, db.Where("token = ?", "token-a").Take(&after).Error)
	require.True(t, before.LastActivity.Equal(after.LastActivity), "inactive sessions are not touched")
}

func TestSessionRegistryForceLogoutAllAndTerminate(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	audit := &recordingAuditor{}
	registry := newTestSessionRegistry(t, db, clock, audit)
	ctx := context.Background()

	_, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-a"})
	require.NoError(t, err)

	count, err := registry.ForceLogoutAll(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	status, _, err := registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionTerminated, status)

	login, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-b"})
	require.NoError(t, err)

	require.NoError(t, registry.Terminate(ctx, login.Session.ID, "ops-1"))
	require.Equal(t, "ops-1", audit.last().ActorID)

	err = registry.Terminate(ctx, login.Session.ID, "ops-1")
	require.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	require.Equal(t, AuditResultDenied, audit.last().Result)

	require.ErrorIs(t, registry.Terminate(ctx, "missing", "ops-1"), ErrSessionNotFound)
}

func TestSessionRegistryConcurrentSessions(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	registry := newTestSessionRegistry(t, db, clock, nil)
	ctx := context.Background()

	deviceA, deviceB := "11111111-1111-1111-1111-111111111111", "22222222-2222-2222-2222-222222222222"

	_, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "a1", DeviceFingerprintID: &deviceA})
	require.NoError(t, err)
	_, err = registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "a2", DeviceFingerprintID: &deviceA})
	require.NoError(t, err)

	count, err := registry.ConcurrentSessions(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 1, count, "re-login on the same device is not concurrency")

	_, err = registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "b1", DeviceFingerprintID: &deviceB})
	require.NoError(t, err)

	count, err = registry.ConcurrentSessions(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	clock.Advance(31 * time.Minute)
	count, err = registry.ConcurrentSessions(ctx, "acct-1")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSessionRegistryPruneInactive(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	registry := newTestSessionRegistry(t, db, clock, nil)
	ctx := context.Background()

	_, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "old"})
	require.NoError(t, err)
	_, err = registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "current"})
	require.NoError(t, err)

	removed, err := registry.PruneInactive(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	remaining, err := registry.ListForAccount(ctx, "acct-1", false)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.True(t, remaining[0].Active)
}

func TestSessionRegistryCacheEvictsDisplacedSessions(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	store := cache.NewMemoryStore()
	registry, err := NewSessionRegistry(db, store, nil, SessionRegistryConfig{Clock: clock.Now, CacheTTL: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-a"})
	require.NoError(t, err)

	_, found, err := store.Get(ctx, sessionCacheKey("token-a"))
	require.NoError(t, err)
	require.True(t, found)

	_, err = registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-b"})
	require.NoError(t, err)

	_, found, err = store.Get(ctx, sessionCacheKey("token-a"))
	require.NoError(t, err)
	require.False(t, found)

	status, _, err := registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionTerminated, status)
}

// hookStore runs onSet once, right before the first write of key.
type hookStore struct {
	*cache.MemoryStore
	key   string
	onSet func()
	once  sync.Once
}

func (s *hookStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == s.key {
		s.once.Do(s.onSet)
	}
	return s.MemoryStore.Set(ctx, key, value, ttl)
}

func TestSessionRegistryValidateDoesNotCacheDisplacedSession(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	ctx := context.Background()

	store := &hookStore{MemoryStore: cache.NewMemoryStore(), key: sessionCacheKey("token-a")}
	registry, err := NewSessionRegistry(db, store, nil, SessionRegistryConfig{Clock: clock.Now, CacheTTL: time.Minute})
	require.NoError(t, err)

	// Seed token-a without going through the cache so Validate takes the database path.
	direct, err := NewSessionRegistry(db, nil, nil, SessionRegistryConfig{Clock: clock.Now})
	require.NoError(t, err)
	_, err = direct.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-a"})
	require.NoError(t, err)

	store.onSet = func() {
		_, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-b"})
		require.NoError(t, err)
	}

	first, _, err := registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionTerminated, first)

	_, found, err := store.Get(ctx, sessionCacheKey("token-a"))
	require.NoError(t, err)
	require.False(t, found)

	second, _, err := registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionTerminated, second)
}

func TestSessionRegistryHeartbeatDoesNotCacheDisplacedSession(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	ctx := context.Background()

	store := &hookStore{MemoryStore: cache.NewMemoryStore(), key: sessionCacheKey("token-a")}
	registry, err := NewSessionRegistry(db, store, nil, SessionRegistryConfig{Clock: clock.Now, CacheTTL: time.Minute})
	require.NoError(t, err)

	direct, err := NewSessionRegistry(db, nil, nil, SessionRegistryConfig{Clock: clock.Now})
	require.NoError(t, err)
	_, err = direct.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-a"})
	require.NoError(t, err)

	store.onSet = func() {
		_, err := registry.Login(ctx, LoginInput{AccountID: "acct-1", Token: "token-b"})
		require.NoError(t, err)
	}

	status, err := registry.Heartbeat(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionTerminated, status)

	validated, _, err := registry.Validate(ctx, "token-a")
	require.NoError(t, err)
	require.Equal(t, SessionTerminated, validated)
}
