package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/followup/internal/service"
)

func TestBackoff_NonDecreasingUpToCap(t *testing.T) {
	t.Parallel()

	b := service.Backoff{Base: 30 * time.Second, Cap: time.Hour}
	assert.Equal(t, 30*time.Second, b.Raw(1))
	assert.Equal(t, time.Minute, b.Raw(2))
	assert.Equal(t, 4*time.Minute, b.Raw(4))

	for range 20 {
		prev := time.Duration(0)
		for n := 1; n <= 40; n++ {
			d := b.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
			assert.GreaterOrEqual(t, d, b.Raw(n))
			assert.LessOrEqual(t, d, b.Cap)
			prev = d
		}
	}
	assert.Equal(t, time.Hour, b.Delay(40))
}

func TestBackoff_JitterBounded(t *testing.T) {
	t.Parallel()

	full := service.Backoff{Base: time.Minute, Cap: time.Hour, Jitter: func(n int64) int64 { return n - 1 }}
	assert.Equal(t, time.Minute+30*time.Second-time.Nanosecond, full.Delay(1))

	// jitter never pushes past the cap
	near := service.Backoff{Base: 50 * time.Minute, Cap: time.Hour, Jitter: func(n int64) int64 { return n - 1 }}
	assert.Equal(t, time.Hour, near.Delay(1))
}

func TestSendWindow(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("center", -5*60*60)
	w := service.SendWindow{Start: 9 * time.Hour, End: 17 * time.Hour, SkipWeekends: true, Location: loc}
	// 2025-04-11 is a Friday
	at := func(d, h, m int) time.Time { return time.Date(2025, 4, d, h, m, 0, 0, loc) }

	tests := []struct {
		name string
		t    time.Time
		open bool
		next time.Time
	}{
		{"friday morning", at(11, 10, 0), true, at(11, 10, 0)},
		{"start is inclusive", at(11, 9, 0), true, at(11, 9, 0)},
		{"end is exclusive", at(11, 17, 0), false, at(14, 9, 0)},
		{"before opening", at(11, 7, 30), false, at(11, 9, 0)},
		{"saturday", at(12, 12, 0), false, at(14, 9, 0)},
		{"sunday night", at(13, 23, 0), false, at(14, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, w.Open(tt.t))
			assert.True(t, tt.next.Equal(w.NextOpen(tt.t)), "got %s", w.NextOpen(tt.t))
		})
	}

	// the same instant seen from UTC
	assert.True(t, w.Open(at(11, 10, 0).UTC()))
}

func TestSendWindow_AllDay(t *testing.T) {
	t.Parallel()

	var w service.SendWindow
	now := time.Date(2025, 4, 12, 3, 0, 0, 0, time.UTC)
	assert.True(t, w.Open(now))
	assert.Equal(t, now, w.NextOpen(now))

	weekdays := service.SendWindow{SkipWeekends: true, Location: time.UTC}
	assert.False(t, weekdays.Open(now))
	assert.True(t, time.Date(2025, 4, 14, 0, 0, 0, 0, time.UTC).Equal(weekdays.NextOpen(now)))
}
