// Package clocktime resolves bare "HH:MM" wall-clock strings against the
// business day.
//
// Order start and end times carry no date. Every function here takes the
// reference instant now explicitly and resolves a string to the absolute
// instant it most plausibly names, so "01:00" lands after "23:00" within the
// same business day.
package clocktime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/tabsync/internal/bizday"
)

// Layout is the output format for wall-clock strings.
const Layout = "15:04"

const (
	halfDayMinutes = 12 * 60
	dayMinutes     = 24 * 60
)

// Split parses "HH:MM" (or "H:MM") into hour and minute.
func Split(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q: missing ':'", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid time %q: bad hour", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %q: bad minute", s)
	}
	return hour, minute, nil
}

// Parse resolves s to an instant in now's location.
//
// The date is chosen from now's hour:
//   - 00:00-09:00: an input hour >= 19 is dated yesterday
//   - from 19:00: an input hour < 09 is dated tomorrow
//   - 09:00-19:00: an input hour < 09 is dated tomorrow
//
// Otherwise the input is dated today.
func Parse(s string, now time.Time) (time.Time, error) {
	hour, minute, err := Split(s)
	if err != nil {
		return time.Time{}, err
	}

	offset := 0
	switch nowHour := now.Hour(); {
	case nowHour < bizday.CloseHour:
		if hour >= bizday.OpenHour {
			offset = -1
		}
	default:
		if hour < bizday.CloseHour {
			offset = 1
		}
	}

	y, m, d := now.Date()
	return time.Date(y, m, d+offset, hour, minute, 0, 0, now.Location()), nil
}

// Format renders t as "HH:MM".
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Remaining returns end minus now as a signed "H:MM" string, prefixed with
// "-" once the end has passed. An empty end yields "0:00".
//
// When the raw difference exceeds twelve hours either way, the end is
// re-resolved against the adjacent calendar day and that answer is used if
// it falls within a 24-hour window.
func Remaining(end string, now time.Time) (string, error) {
	if strings.TrimSpace(end) == "" {
		return "0:00", nil
	}
	endAt, err := Parse(end, now)
	if err != nil {
		return "", err
	}

	diff := minutesBetween(endAt, now)
	switch {
	case diff < -halfDayMinutes:
		if next := minutesBetween(endAt.AddDate(0, 0, 1), now); next > 0 && next < dayMinutes {
			diff = next
		}
	case diff > halfDayMinutes:
		if prev := minutesBetween(endAt.AddDate(0, 0, -1), now); abs(prev) < dayMinutes {
			diff = prev
		}
	}

	sign := ""
	if diff < 0 {
		sign = "-"
	}
	a := abs(diff)
	return fmt.Sprintf("%s%d:%02d", sign, a/60, a%60), nil
}

// IsOvertime reports whether a Remaining result is negative.
func IsOvertime(remaining string) bool {
	return strings.HasPrefix(remaining, "-")
}

// WithinMinutes reports whether a non-negative Remaining result is at most n
// minutes. Overtime and malformed values report false.
func WithinMinutes(remaining string, n int) bool {
	if IsOvertime(remaining) {
		return false
	}
	h, m, ok := strings.Cut(remaining, ":")
	if !ok {
		return false
	}
	hours, err1 := strconv.Atoi(h)
	minutes, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil {
		return false
	}
	return hours*60+minutes <= n
}

// Shift parses s, moves it by deltaMinutes and formats it again. The result
// carries no day information: Shift("23:30", 60, now) is "00:30".
func Shift(s string, deltaMinutes int, now time.Time) (string, error) {
	t, err := Parse(s, now)
	if err != nil {
		return "", err
	}
	return Format(t.Add(time.Duration(deltaMinutes) * time.Minute)), nil
}

// Compare orders a and b by their resolved instants and returns the signed
// difference a-b in minutes.
func Compare(a, b string, now time.Time) (int, error) {
	ta, err := Parse(a, now)
	if err != nil {
		return 0, err
	}
	tb, err := Parse(b, now)
	if err != nil {
		return 0, err
	}
	return minutesBetween(ta, tb), nil
}

// DiffMinutes is Compare for callers that need the delta between an edited
// and an original time, such as a retroactive start-time change.
func DiffMinutes(from, to string, now time.Time) (int, error) {
	return Compare(to, from, now)
}

// minutesBetween truncates toward zero.
func minutesBetween(a, b time.Time) int {
	return int(a.Sub(b) / time.Minute)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
