package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDayClockDayKey(t *testing.T) {
	clock, err := NewDayClock("Asia/Ho_Chi_Minh", "00:00")
	require.NoError(t, err)

	// 17:30 UTC is 00:30 the next day in UTC+7.
	instant := time.Date(2026, 10, 14, 17, 30, 0, 0, time.UTC)
	require.Equal(t, "2026-10-15", clock.DayKey(instant))
	require.Equal(t, "2026-10-14", clock.DayKey(instant.Add(-time.Hour)))
}

func TestDayClockHonoursResetTime(t *testing.T) {
	clock, err := NewDayClock("UTC", "04:00")
	require.NoError(t, err)

	require.Equal(t, "2026-10-14", clock.DayKey(time.Date(2026, 10, 15, 3, 59, 0, 0, time.UTC)))
	require.Equal(t, "2026-10-15", clock.DayKey(time.Date(2026, 10, 15, 4, 0, 0, 0, time.UTC)))

	next := clock.NextReset(time.Date(2026, 10, 15, 3, 59, 0, 0, time.UTC))
	require.True(t, next.Equal(time.Date(2026, 10, 15, 4, 0, 0, 0, time.UTC)))

	next = clock.NextReset(time.Date(2026, 10, 15, 4, 0, 0, 0, time.UTC))
	require.True(t, next.Equal(time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC)))
}

func TestDayClockResetTimeAcrossDaylightSaving(t *testing.T) {
	clock, err := NewDayClock("America/New_York", "04:00")
	require.NoError(t, err)

	// Clocks jump from 02:00 EST to 03:00 EDT on 2026-03-08; the reset stays at 04:00 local.
	require.Equal(t, "2026-03-07", clock.DayKey(time.Date(2026, 3, 8, 7, 59, 0, 0, time.UTC)))
	require.Equal(t, "2026-03-08", clock.DayKey(time.Date(2026, 3, 8, 8, 0, 0, 0, time.UTC)))
	require.Equal(t, "2026-03-08", clock.DayKey(time.Date(2026, 3, 8, 8, 30, 0, 0, time.UTC)))

	next := clock.NextReset(time.Date(2026, 3, 7, 17, 0, 0, 0, time.UTC))
	require.True(t, next.Equal(time.Date(2026, 3, 8, 8, 0, 0, 0, time.UTC)), next.String())

	// Back to 04:00 EST on 2026-11-01.
	next = clock.NextReset(time.Date(2026, 11, 1, 8, 30, 0, 0, time.UTC))
	require.True(t, next.Equal(time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC)), next.String())
	require.Equal(t, "2026-10-31", clock.DayKey(time.Date(2026, 11, 1, 8, 30, 0, 0, time.UTC)))
}

func TestNewDayClockRejectsInvalidInput(t *testing.T) {
	_, err := NewDayClock("Mars/Olympus", "00:00")
	require.Error(t, err)

	_, err = NewDayClock("UTC", "25:00")
	require.Error(t, err)

	_, err = NewDayClock("UTC", "7:00")
	require.Error(t, err)
}
