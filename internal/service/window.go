package service

import "time"

// SendWindow restricts when emails may be dispatched. Start and End are
// offsets from local midnight; both zero means any time of day.
type SendWindow struct {
	Start        time.Duration
	End          time.Duration
	SkipWeekends bool
	Location     *time.Location
}

func (w SendWindow) loc() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

func (w SendWindow) allDay() bool {
	return w.Start == 0 && w.End == 0
}

// Open reports whether t falls inside the window.
func (w SendWindow) Open(t time.Time) bool {
	lt := t.In(w.loc())
	if w.SkipWeekends && (lt.Weekday() == time.Saturday || lt.Weekday() == time.Sunday) {
		return false
	}
	if w.allDay() {
		return true
	}
	off := lt.Sub(midnight(lt))
	return off >= w.Start && off < w.End
}

// NextOpen returns t when the window is open, else the next opening after t.
func (w SendWindow) NextOpen(t time.Time) time.Time {
	if w.Open(t) {
		return t
	}
	lt := t.In(w.loc())
	day := midnight(lt)
	for range 8 {
		candidate := day.Add(w.Start)
		if candidate.After(t) && w.Open(candidate) {
			return candidate
		}
		day = midnight(day.AddDate(0, 0, 1))
	}
	// unreachable for a valid window
	return t.Add(24 * time.Hour)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
