package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/models"
	apperrors "github.com/charlesng35/usageguard/pkg/errors"
)

func newTestFingerprintStore(t *testing.T, db *gorm.DB, clock *testClock, audit AuditRecorder) *FingerprintStore {
	t.Helper()
	store, err := NewFingerprintStore(db, audit, FingerprintStoreConfig{MinConfidence: 0.5, Clock: clock.Now})
	require.NoError(t, err)
	return store
}

func TestFingerprintStoreRecordUpserts(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	store := newTestFingerprintStore(t, db, clock, nil)
	ctx := context.Background()

	first, err := store.Record(ctx, FingerprintInput{AccountID: "acct-1", Hash: "fp-a", IPAddress: "10.0.0.1", Confidence: 0.9})
	require.NoError(t, err)
	require.Equal(t, 1, first.SessionCount)
	require.True(t, first.IsActive)

	clock.Advance(time.Hour)
	second, err := store.Record(ctx, FingerprintInput{AccountID: "acct-1", Hash: "fp-a", IPAddress: "10.0.0.9", Confidence: 0.8})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.SessionCount)
	require.Equal(t, "10.0.0.9", second.IPAddress)
	require.True(t, second.LastSeen.Equal(clock.Now()))
	require.True(t, second.FirstSeen.Equal(first.FirstSeen))

	// The same hash on another account is a distinct device.
	other, err := store.Record(ctx, FingerprintInput{AccountID: "acct-2", Hash: "fp-a", Confidence: 0.9})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestFingerprintStoreRecordSkipsLowConfidence(t *testing.T) {
	db := openServiceTestDB(t)
	store := newTestFingerprintStore(t, db, newTestClock(), nil)

	_, err := store.Record(context.Background(), FingerprintInput{AccountID: "acct-1", Hash: "fp-a", Confidence: 0.2})
	require.ErrorIs(t, err, ErrLowConfidence)

	devices, err := store.ListForAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Empty(t, devices)

	_, err = store.Record(context.Background(), FingerprintInput{AccountID: "acct-1", Confidence: 1})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestFingerprintStoreIncrementSuspicion(t *testing.T) {
	db := openServiceTestDB(t)
	store := newTestFingerprintStore(t, db, newTestClock(), nil)
	ctx := context.Background()

	device, err := store.Record(ctx, FingerprintInput{AccountID: "acct-1", Hash: "fp-a", Confidence: 1})
	require.NoError(t, err)

	updated, err := store.IncrementSuspicion(ctx, device.ID, models.SuspicionRapidLocationChanges, 0)
	require.NoError(t, err)
	require.Equal(t, 1, updated.SuspiciousActivity.RapidLocationChanges)

	updated, err = store.IncrementSuspicion(ctx, device.ID, models.SuspicionUnusualUsageHours, 3)
	require.NoError(t, err)
	require.Equal(t, 4, updated.SuspiciousActivity.Total())

	_, err = store.IncrementSuspicion(ctx, device.ID, models.SuspicionKind("bogus"), 1)
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = store.IncrementSuspicion(ctx, device.ID, models.SuspicionSimultaneousActivity, -1)
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = store.IncrementSuspicion(ctx, "missing", models.SuspicionSimultaneousActivity, 1)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestFingerprintStoreSignalsExcludeVerifiedDevices(t *testing.T) {
	db := openServiceTestDB(t)
	audit := &recordingAuditor{}
	store := newTestFingerprintStore(t, db, newTestClock(), audit)
	ctx := context.Background()

	a, err := store.Record(ctx, FingerprintInput{AccountID: "acct-1", Hash: "fp-a", IPAddress: "10.0.0.1", Confidence: 1})
	require.NoError(t, err)
	_, err = store.Record(ctx, FingerprintInput{AccountID: "acct-1", Hash: "fp-b", IPAddress: "10.0.0.2", Confidence: 1})
	require.NoError(t, err)
	_, err = store.IncrementSuspicion(ctx, a.ID, models.SuspicionRapidLocationChanges, 2)
	require.NoError(t, err)

	signals, err := store.Signals(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 2, signals.DeviceCount)
	require.Equal(t, 2, signals.SuspicionTotal)
	require.Equal(t, 2, signals.LocationChanges)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, signals.IPAddresses)
	require.Equal(t, []string{string(models.SuspicionRapidLocationChanges)}, signals.SuspiciousPatterns)

	verified, err := store.Verify(ctx, a.ID, true, "ops-1")
	require.NoError(t, err)
	require.True(t, verified.IsVerified)
	require.Equal(t, "device.verify", audit.last().Action)
	require.Equal(t, "ops-1", audit.last().ActorID)

	count, err := store.DeviceCount(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	total, err := store.SuspicionTotal(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 2, total)

	_, err = store.Verify(ctx, "missing", true, "ops-1")
	require.ErrorIs(t, err, ErrDeviceNotFound)
	require.Equal(t, "device.verify", audit.last().Action)
	require.Equal(t, AuditResultDenied, audit.last().Result)
	require.Equal(t, "device:missing", audit.last().Resource)
	require.Equal(t, "ops-1", audit.last().ActorID)
}

func TestFingerprintStorePruneStale(t *testing.T) {
	db := openServiceTestDB(t)
	clock := newTestClock()
	store := newTestFingerprintStore(t, db, clock, nil)
	ctx := context.Background()

	stale, err := store.Record(ctx, FingerprintInput{AccountID: "acct-1", Hash: "stale", Confidence: 1})
	require.NoError(t, err)
	trusted, err := store.Record(ctx, FingerprintInput{AccountID: "acct-1", Hash: "trusted", Confidence: 1})
	require.NoError(t, err)
	_, err = store.Verify(ctx, trusted.ID, true, "ops-1")
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	_, err = store.Record(ctx, FingerprintInput{AccountID: "acct-1", Hash: "fresh", Confidence: 1})
	require.NoError(t, err)

	removed, err := store.PruneStale(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, err = store.Get(ctx, stale.ID)
	require.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = store.Get(ctx, trusted.ID)
	require.NoError(t, err)
}
