package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts a five-field cron expression or a descriptor such as
// "@hourly". An empty expr means every interval.
func ParseSchedule(expr string, interval time.Duration) (cron.Schedule, error) {
	if expr == "" {
		if interval <= 0 {
			return nil, fmt.Errorf("schedule: interval must be positive")
		}
		return cron.Every(interval), nil
	}
	s, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	return s, nil
}

// runOnSchedule calls fn at every activation of sched until ctx is done.
// Activations missed while fn runs are skipped, not queued.
func runOnSchedule(ctx context.Context, sched cron.Schedule, fn func(ctx context.Context)) {
	for {
		now := time.Now()
		timer := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fn(ctx)
		}
	}
}
