// Package bizday defines the venue's business day.
//
// A business day runs from 19:00 on its calendar date until 09:00 on the
// next calendar date and is identified by the date it starts on. Every
// instant belongs to exactly one business day: instants before 19:00 belong
// to the previous date's business day.
//
// Callers that need "today" for filtering or display must use
// Calendar.BusinessDateOf(now), never the raw calendar date.
package bizday

import (
	"fmt"
	"time"
)

// Boundary constants, as hour/minute pairs in the calendar's location.
const (
	OpenHour  = 19 // business day starts
	CloseHour = 9  // business day ends, next calendar date

	ResetHour           = 17
	ResetMinute         = 0
	ResetFallbackHour   = 17
	ResetFallbackMinute = 5

	// ResetWindow is how close to a reset instant IsResetTime accepts.
	ResetWindow = time.Minute
)

// DayLayout is the textual form of a Day.
const DayLayout = "2006-01-02"

// Day identifies a business day by the calendar date it starts on (yyyy-MM-dd).
type Day string

// String implements fmt.Stringer.
func (d Day) String() string { return string(d) }

// ParseDay validates s as a business-day identifier.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(DayLayout, s); err != nil {
		return "", fmt.Errorf("invalid business day %q: %w", s, err)
	}
	return Day(s), nil
}

// Calendar resolves business days in a fixed location.
//
// Calendar has no mutable state; the zero value uses time.Local.
type Calendar struct {
	Location *time.Location
}

// New returns a calendar for loc. A nil loc means time.Local.
func New(loc *time.Location) Calendar {
	return Calendar{Location: loc}
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// In returns t in the calendar's location. Wall-clock helpers such as
// clocktime.Parse key off the local hour, so callers convert first.
func (c Calendar) In(t time.Time) time.Time {
	return t.In(c.loc())
}

// at builds the instant hh:mm on the calendar date y-m-d (+days) in the
// calendar's location. time.Date normalizes day overflow.
func (c Calendar) at(y int, m time.Month, d, days, hh, mm int) time.Time {
	return time.Date(y, m, d+days, hh, mm, 0, 0, c.loc())
}

// BusinessDateOf returns the business day that owns t.
func (c Calendar) BusinessDateOf(t time.Time) Day {
	lt := t.In(c.loc())
	y, m, d := lt.Date()
	if lt.Hour() < OpenHour {
		return Day(c.at(y, m, d, -1, 12, 0).Format(DayLayout))
	}
	return Day(lt.Format(DayLayout))
}

func (c Calendar) date(day Day) (int, time.Month, int, error) {
	t, err := time.ParseInLocation(DayLayout, string(day), c.loc())
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid business day %q: %w", day, err)
	}
	y, m, d := t.Date()
	return y, m, d, nil
}

// DayStart returns 19:00 on day's calendar date.
func (c Calendar) DayStart(day Day) (time.Time, error) {
	y, m, d, err := c.date(day)
	if err != nil {
		return time.Time{}, err
	}
	return c.at(y, m, d, 0, OpenHour, 0), nil
}

// DayEnd returns 09:00 on the calendar date after day.
func (c Calendar) DayEnd(day Day) (time.Time, error) {
	y, m, d, err := c.date(day)
	if err != nil {
		return time.Time{}, err
	}
	return c.at(y, m, d, 1, CloseHour, 0), nil
}

// bounds is DayStart/DayEnd for a day produced by BusinessDateOf, which is
// always well formed.
func (c Calendar) bounds(t time.Time) (start, end time.Time) {
	lt := t.In(c.loc())
	y, m, d := lt.Date()
	if lt.Hour() < OpenHour {
		d--
	}
	return c.at(y, m, d, 0, OpenHour, 0), c.at(y, m, d, 1, CloseHour, 0)
}

// IsWithinBusinessHours reports whether DayStart <= t < DayEnd for t's own
// business day.
func (c Calendar) IsWithinBusinessHours(t time.Time) bool {
	start, end := c.bounds(t)
	return !t.Before(start) && t.Before(end)
}

// ResetInstant returns 17:00 on t's calendar date.
func (c Calendar) ResetInstant(t time.Time) time.Time {
	y, m, d := t.In(c.loc()).Date()
	return c.at(y, m, d, 0, ResetHour, ResetMinute)
}

// ResetFallbackInstant returns 17:05 on t's calendar date.
func (c Calendar) ResetFallbackInstant(t time.Time) time.Time {
	y, m, d := t.In(c.loc()).Date()
	return c.at(y, m, d, 0, ResetFallbackHour, ResetFallbackMinute)
}

// IsResetTime reports whether t is within ResetWindow of either reset instant.
func (c Calendar) IsResetTime(t time.Time) bool {
	near := func(x time.Time) bool {
		diff := t.Sub(x)
		if diff < 0 {
			diff = -diff
		}
		return diff < ResetWindow
	}
	return near(c.ResetInstant(t)) || near(c.ResetFallbackInstant(t))
}

// UntilNextReset returns the delay until the next reset instant strictly
// after t: the main reset, then the fallback, then the next day's main
// reset. The result is always positive.
func (c Calendar) UntilNextReset(t time.Time) time.Duration {
	reset := c.ResetInstant(t)
	fallback := c.ResetFallbackInstant(t)
	switch {
	case !t.Before(fallback):
		y, m, d := reset.Date()
		return c.at(y, m, d, 1, ResetHour, ResetMinute).Sub(t)
	case !t.Before(reset):
		return fallback.Sub(t)
	default:
		return reset.Sub(t)
	}
}

// UntilNextOpen returns the delay until the next 19:00 opening after t.
func (c Calendar) UntilNextOpen(t time.Time) time.Duration {
	start, _ := c.bounds(t)
	if t.After(start) {
		y, m, d := start.Date()
		return c.at(y, m, d, 1, OpenHour, 0).Sub(t)
	}
	return start.Sub(t)
}

// UntilClose returns the delay until t's business day ends. It is negative
// once the day has closed but the next one has not opened.
func (c Calendar) UntilClose(t time.Time) time.Duration {
	_, end := c.bounds(t)
	return end.Sub(t)
}

// Info is a snapshot of the calendar's view of one instant.
type Info struct {
	CurrentTime       string `json:"current_time"`
	BusinessDate      Day    `json:"business_date"`
	StartTime         string `json:"start_time"`
	EndTime           string `json:"end_time"`
	ResetTime         string `json:"reset_time"`
	ResetFallbackTime string `json:"reset_fallback_time"`
	WithinHours       bool   `json:"within_hours"`
	IsResetTime       bool   `json:"is_reset_time"`
}

// Info describes t for diagnostics.
func (c Calendar) Info(t time.Time) Info {
	const layout = "2006-01-02 15:04:05"
	start, end := c.bounds(t)
	return Info{
		CurrentTime:       t.In(c.loc()).Format(layout),
		BusinessDate:      c.BusinessDateOf(t),
		StartTime:         start.Format(layout),
		EndTime:           end.Format(layout),
		ResetTime:         c.ResetInstant(t).Format(layout),
		ResetFallbackTime: c.ResetFallbackInstant(t).Format(layout),
		WithinHours:       c.IsWithinBusinessHours(t),
		IsResetTime:       c.IsResetTime(t),
	}
}
