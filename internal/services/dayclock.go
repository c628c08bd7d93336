package services

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const dayKeyLayout = "2006-01-02"

// DayClock maps instants onto quota day keys. A day starts at the configured reset time in the
// configured zone, so with reset "04:00" the instant 03:59 local still belongs to the previous day.
type DayClock struct {
	loc    *time.Location
	offset time.Duration
}

// NewDayClock builds a DayClock from an IANA zone name and an "HH:MM" reset time.
func NewDayClock(timezone, resetTime string) (DayClock, error) {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return DayClock{}, fmt.Errorf("day clock: timezone %q: %w", timezone, err)
	}

	offset, err := ParseResetTime(resetTime)
	if err != nil {
		return DayClock{}, err
	}

	return DayClock{loc: loc, offset: offset}, nil
}

// ParseResetTime converts "HH:MM" into an offset from local midnight. Empty means midnight.
func ParseResetTime(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	parsed, err := time.Parse("15:04", value)
	if err != nil || len(value) != 5 {
		return 0, fmt.Errorf("day clock: reset time %q must be HH:MM", value)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}

// Location returns the zone the clock operates in.
func (c DayClock) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// DayKey returns the quota day containing t.
func (c DayClock) DayKey(t time.Time) string {
	local := t.In(c.Location())
	if local.Before(c.boundary(local.Year(), local.Month(), local.Day())) {
		local = time.Date(local.Year(), local.Month(), local.Day()-1, 12, 0, 0, 0, c.Location())
	}
	return local.Format(dayKeyLayout)
}

// NextReset returns the first reset instant strictly after t.
func (c DayClock) NextReset(t time.Time) time.Time {
	local := t.In(c.Location())
	next := c.boundary(local.Year(), local.Month(), local.Day())
	if !next.After(t) {
		next = c.boundary(local.Year(), local.Month(), local.Day()+1)
	}
	return next
}

// boundary is the reset instant on the given local date. The wall-clock reset time is used so
// daylight saving transitions do not shift it.
func (c DayClock) boundary(year int, month time.Month, day int) time.Time {
	hour := int(c.offset / time.Hour)
	minute := int(c.offset % time.Hour / time.Minute)
	return time.Date(year, month, day, hour, minute, 0, 0, c.Location())
}
