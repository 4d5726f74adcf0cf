package workhours

import (
	"time"
)

// Schedule describes a chat's working calendar. When Is24x7 is set the rest
// of the fields are ignored and minutes are counted wall-clock.
type Schedule struct {
	Timezone    string         `json:"timezone"`
	WorkingDays []time.Weekday `json:"working_days"`
	StartHour   int            `json:"start_hour"`
	StartMinute int            `json:"start_minute"`
	EndHour     int            `json:"end_hour"`
	EndMinute   int            `json:"end_minute"`
	Holidays    []string       `json:"holidays"` // YYYY-MM-DD in schedule timezone
	Is24x7      bool           `json:"is_24x7"`
}

// Default returns the standard accounting-team schedule: Mon-Fri 09:00-18:00
// Moscow time, no holidays.
func Default() Schedule {
	return Schedule{
		Timezone:    "Europe/Moscow",
		WorkingDays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour:   9,
		EndHour:     18,
	}
}

func (s Schedule) location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s Schedule) isWorkingDay(day time.Time) bool {
	for _, h := range s.Holidays {
		if h == day.Format("2006-01-02") {
			return false
		}
	}
	for _, wd := range s.WorkingDays {
		if day.Weekday() == wd {
			return true
		}
	}
	return false
}

// windowFor returns the working window [open, close) for the calendar day
// containing t, in schedule-local time. ok is false on non-working days.
func (s Schedule) windowFor(t time.Time) (open, close time.Time, ok bool) {
	if !s.isWorkingDay(t) {
		return time.Time{}, time.Time{}, false
	}
	y, m, d := t.Date()
	open = time.Date(y, m, d, s.StartHour, s.StartMinute, 0, 0, t.Location())
	close = time.Date(y, m, d, s.EndHour, s.EndMinute, 0, 0, t.Location())
	if !close.After(open) {
		return time.Time{}, time.Time{}, false
	}
	return open, close, true
}

// MinutesBetween counts the working minutes elapsed between start and end
// under the schedule. Minutes are counted only on working weekdays within the
// daily window, holidays contribute nothing, and partial first/last days are
// supported. Returns 0 when end is not after start.
func MinutesBetween(start, end time.Time, s Schedule) int {
	if !end.After(start) {
		return 0
	}
	if s.Is24x7 {
		return int(end.Sub(start) / time.Minute)
	}

	loc := s.location()
	start = start.In(loc)
	end = end.In(loc)

	total := 0
	// Walk day by day, summing the overlap of [start, end) with each day's
	// working window.
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	for day.Before(end) {
		if open, close, ok := s.windowFor(day); ok {
			from := open
			if start.After(from) {
				from = start
			}
			to := close
			if end.Before(to) {
				to = end
			}
			if to.After(from) {
				total += int(to.Sub(from) / time.Minute)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return total
}

// NextWorkingInstant returns the earliest instant at or after t that falls
// inside a working window.
func NextWorkingInstant(t time.Time, s Schedule) time.Time {
	if s.Is24x7 {
		return t
	}
	loc := s.location()
	cur := t.In(loc)
	// 366 days bounds the scan past any gap of holidays and weekends.
	for i := 0; i < 366; i++ {
		if open, close, ok := s.windowFor(cur); ok {
			if cur.Before(open) {
				return open
			}
			if cur.Before(close) {
				return cur
			}
		}
		cur = time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	}
	return t
}

// DelayUntilBreach computes the wall-clock duration from now after which the
// working minutes elapsed since start reach thresholdMinutes. Non-working
// spans are skipped forward, not counted. Returns 0 when the threshold has
// already been consumed, which means the breach check should run immediately.
func DelayUntilBreach(start, now time.Time, thresholdMinutes int, s Schedule) time.Duration {
	if s.Is24x7 {
		due := start.Add(time.Duration(thresholdMinutes) * time.Minute)
		if !due.After(now) {
			return 0
		}
		return due.Sub(now)
	}

	elapsed := MinutesBetween(start, now, s)
	remaining := thresholdMinutes - elapsed
	if remaining <= 0 {
		return 0
	}

	loc := s.location()
	cursor := NextWorkingInstant(now.In(loc), s)
	for i := 0; i < 366 && remaining > 0; i++ {
		_, close, ok := s.windowFor(cursor)
		if !ok {
			cursor = NextWorkingInstant(time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1), s)
			continue
		}
		available := int(close.Sub(cursor) / time.Minute)
		if available >= remaining {
			cursor = cursor.Add(time.Duration(remaining) * time.Minute)
			remaining = 0
			break
		}
		remaining -= available
		cursor = NextWorkingInstant(close, s)
	}
	if cursor.Before(now) {
		return 0
	}
	return cursor.Sub(now)
}
