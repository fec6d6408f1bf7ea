package clocktime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jst = time.FixedZone("JST", 9*60*60)

func at(d, hh, mm int) time.Time {
	return time.Date(2025, 3, d, hh, mm, 0, 0, jst)
}

func TestParse_WraparoundRules(t *testing.T) {
	tests := []struct {
		name  string
		now   time.Time
		input string
		want  time.Time
	}{
		{"early morning, evening input is yesterday", at(23, 2, 0), "23:00", at(22, 23, 0)},
		{"early morning, morning input is today", at(23, 2, 0), "01:30", at(23, 1, 30)},
		{"early morning, daytime input is today", at(23, 2, 0), "12:00", at(23, 12, 0)},
		{"evening, morning input is tomorrow", at(22, 22, 0), "01:00", at(23, 1, 0)},
		{"evening, evening input is today", at(22, 22, 0), "23:15", at(22, 23, 15)},
		{"daytime, morning input is tomorrow", at(22, 14, 0), "08:59", at(23, 8, 59)},
		{"daytime, evening input is today", at(22, 14, 0), "19:00", at(22, 19, 0)},
		{"boundary 09:00 now is daytime", at(22, 9, 0), "09:00", at(22, 9, 0)},
		{"boundary 19:00 now is evening", at(22, 19, 0), "00:00", at(23, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, tt.now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	now := at(22, 20, 0)
	for _, in := range []string{"", "2100", "24:00", "12:60", "ab:cd", "12:5"} {
		_, err := Parse(in, now)
		assert.Error(t, err, "input %q", in)
	}
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		name string
		end  string
		now  time.Time
		want string
	}{
		{"one hour left", "21:00", at(22, 20, 0), "1:00"},
		{"overtime", "21:00", at(22, 21, 30), "-0:30"},
		{"across midnight", "00:30", at(22, 23, 0), "1:30"},
		{"overtime after midnight", "23:30", at(23, 0, 15), "-0:45"},
		{"empty", "", at(22, 20, 0), "0:00"},
		{"exactly now", "20:00", at(22, 20, 0), "0:00"},
		// 18:30 against now 18:00 resolves today: 30 minutes.
		{"before opening", "18:30", at(22, 18, 0), "0:30"},
		// 08:00 at 08:30 is today: thirty minutes overtime.
		{"morning overtime", "08:00", at(23, 8, 30), "-0:30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Remaining(tt.end, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemaining_SelfCorrectsLargeDifferences(t *testing.T) {
	// At 09:30 "09:00" resolves to today: -0:30, no correction needed.
	got, err := Remaining("09:00", at(23, 9, 30))
	require.NoError(t, err)
	assert.Equal(t, "-0:30", got)

	// At 08:50 "19:10" resolves to yesterday evening (about -13:40). The
	// adjacent day gives +10:20, which is within a day and preferred.
	got, err = Remaining("19:10", at(23, 8, 50))
	require.NoError(t, err)
	assert.Equal(t, "10:20", got)

	// At 10:00 "08:00" resolves to tomorrow (+22:00). The previous day gives
	// -2:00.
	got, err = Remaining("08:00", at(23, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, "-2:00", got)
}

func TestRemaining_TruncatesSeconds(t *testing.T) {
	now := at(22, 20, 0).Add(30 * time.Second)
	got, err := Remaining("21:00", now)
	require.NoError(t, err)
	assert.Equal(t, "0:59", got)
}

func TestRemaining_Invalid(t *testing.T) {
	_, err := Remaining("nope", at(22, 20, 0))
	assert.Error(t, err)
}

func TestIsOvertimeAndWithinMinutes(t *testing.T) {
	assert.True(t, IsOvertime("-0:05"))
	assert.False(t, IsOvertime("0:05"))

	assert.True(t, WithinMinutes("0:30", 30))
	assert.True(t, WithinMinutes("0:10", 10))
	assert.False(t, WithinMinutes("0:31", 30))
	assert.False(t, WithinMinutes("1:00", 30))
	assert.False(t, WithinMinutes("-0:05", 30))
	assert.False(t, WithinMinutes("junk", 30))
}

func TestShift(t *testing.T) {
	now := at(22, 22, 0)

	got, err := Shift("23:30", 60, now)
	require.NoError(t, err)
	assert.Equal(t, "00:30", got)

	got, err = Shift("00:30", -60, now)
	require.NoError(t, err)
	assert.Equal(t, "23:30", got)

	got, err = Shift("20:00", 15, now)
	require.NoError(t, err)
	assert.Equal(t, "20:15", got)

	_, err = Shift("bad", 15, now)
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	for _, now := range []time.Time{at(22, 22, 0), at(23, 2, 0)} {
		c, err := Compare("01:00", "23:00", now)
		require.NoError(t, err)
		assert.Positive(t, c, "now=%s", now)
		assert.Equal(t, 120, c)

		c, err = Compare("23:00", "01:00", now)
		require.NoError(t, err)
		assert.Negative(t, c)

		c, err = Compare("20:00", "20:00", now)
		require.NoError(t, err)
		assert.Zero(t, c)
	}

	d, err := DiffMinutes("23:30", "00:15", at(22, 22, 0))
	require.NoError(t, err)
	assert.Equal(t, 45, d)
}
