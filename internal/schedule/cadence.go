package schedule

import (
	"time"

	"newsflow/internal/domain"
)

// All period arithmetic happens in UTC at minute precision. Weeks are ISO
// weeks: Monday 00:00 is the period boundary.

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfWeek(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7 // Monday=0 .. Sunday=6
	return startOfDay(t).AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// clampDay bounds a configured day-of-month to the month's actual length,
// so day 31 means "last day" in shorter months.
func clampDay(year int, month time.Month, day int) int {
	if day < 1 {
		day = 1
	}
	if max := daysIn(year, month); day > max {
		return max
	}
	return day
}

func sameDay(a, b time.Time) bool {
	return startOfDay(a).Equal(startOfDay(b))
}

// due decides whether s should fire at now: the trigger time-of-day must
// match the current minute, and the cadence's "already ran this period"
// check must pass. The clamped day-of-month is used here exactly as in
// NextRun so both sides of the monthly check agree.
func due(s domain.Schedule, now time.Time) bool {
	now = now.UTC().Truncate(time.Minute)
	if now.Hour() != s.TriggerHour || now.Minute() != s.TriggerMinute {
		return false
	}
	last := s.LastExecutedAt

	switch s.Cadence {
	case domain.CadenceDaily:
		return last == nil || !sameDay(*last, now)
	case domain.CadenceWeekly:
		if now.Weekday() != s.Weekday {
			return false
		}
		return last == nil || last.Before(startOfWeek(now))
	case domain.CadenceMonthly:
		if now.Day() != clampDay(now.Year(), now.Month(), s.DayOfMonth) {
			return false
		}
		return last == nil || last.Before(startOfMonth(now))
	case domain.CadenceCustom:
		iv := s.IntervalDays
		if iv <= 0 {
			iv = 1
		}
		// Due once the full interval has elapsed, boundary minute included.
		return last == nil || !now.AddDate(0, 0, -iv).Before(*last)
	}
	return false
}

// NextRun computes the next occurrence strictly after the given execution
// time, at the schedule's trigger time-of-day.
func NextRun(s domain.Schedule, executedAt time.Time) time.Time {
	executedAt = executedAt.UTC()
	at := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), s.TriggerHour, s.TriggerMinute, 0, 0, time.UTC)
	}

	switch s.Cadence {
	case domain.CadenceDaily:
		return at(executedAt.AddDate(0, 0, 1))
	case domain.CadenceWeekly:
		// Snap to the configured weekday: a manual run on an off-day must
		// not shift the recurring slot.
		days := (int(s.Weekday) - int(executedAt.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return at(executedAt.AddDate(0, 0, days))
	case domain.CadenceMonthly:
		year, month := executedAt.Year(), executedAt.Month()
		if month == time.December {
			year, month = year+1, time.January
		} else {
			month++
		}
		day := clampDay(year, month, s.DayOfMonth)
		return time.Date(year, month, day, s.TriggerHour, s.TriggerMinute, 0, 0, time.UTC)
	default:
		iv := s.IntervalDays
		if iv <= 0 {
			iv = 1
		}
		return at(executedAt.AddDate(0, 0, iv))
	}
}
