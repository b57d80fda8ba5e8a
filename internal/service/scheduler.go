package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/lock"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/queue"
	"github.com/unclebandit/followup/internal/repository"
	"github.com/unclebandit/followup/internal/rules"
)

const schedulerLockKey = "scheduler"

// ErrSchedulerBusy is returned by RunOnce while another run holds the lock.
var ErrSchedulerBusy = &appErrors.ConflictError{Message: "scheduler run already in progress"}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
	Paused   bool
	// LockTTL bounds how long a crashed run can block the next one when the
	// lock is shared through Redis.
	LockTTL time.Duration
}

// RunResult counts what one scheduler run did.
type RunResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Clients    int       `json:"clients"`
	Due        int       `json:"due"`
	Enqueued   int       `json:"enqueued_count"`
	Duplicates int       `json:"duplicates"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
}

// Scheduler turns due follow-up events into queued emails.
type Scheduler struct {
	clock
	cfg      SchedulerConfig
	store    *Store
	renderer Renderer
	locker   lock.Locker
	notify   queue.Queue
	log      *slog.Logger
	paused   atomic.Bool
}

func NewScheduler(cfg SchedulerConfig, store *Store, renderer Renderer, locker lock.Locker, notify queue.Queue, log *slog.Logger) *Scheduler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		renderer: renderer,
		locker:   locker,
		notify:   notify,
		log:      logger.OrNope(log).With(slog.String("component", "scheduler")),
	}
	s.paused.Store(cfg.Paused)
	return s
}

// SetPaused stops or resumes periodic runs. Manual runs are unaffected.
func (s *Scheduler) SetPaused(p bool) { s.paused.Store(p) }

func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Start runs the scheduler on its schedule until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := ParseSchedule(s.cfg.Cron, s.cfg.Interval)
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "scheduler started",
		slog.String("cron", s.cfg.Cron), slog.Duration("interval", s.cfg.Interval), slog.Bool("paused", s.Paused()))

	runOnSchedule(ctx, sched, func(ctx context.Context) {
		if s.Paused() {
			s.log.DebugContext(ctx, "scheduler paused, skipping run")
			return
		}
		_, err := s.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrSchedulerBusy):
			s.log.InfoContext(ctx, "previous run still in progress, skipping")
		case err != nil:
			s.log.ErrorContext(ctx, "scheduler run failed", slog.Any("error", err))
		}
	})
	return nil
}

// RunOnce evaluates every active client against every active rule and
// enqueues one email per newly due event. Failures for one event are logged
// and counted without stopping the run.
func (s *Scheduler) RunOnce(ctx context.Context) (RunResult, error) {
	release, ok, err := s.locker.TryLock(ctx, schedulerLockKey, s.cfg.LockTTL)
	if err != nil {
		return RunResult{}, fmt.Errorf("scheduler lock: %w", err)
	}
	if !ok {
		return RunResult{}, ErrSchedulerBusy
	}
	defer release()

	now := s.now()
	res := RunResult{StartedAt: now}

	var clients []*model.Client
	var active []*model.FollowUpRule
	templates := map[string]*model.Template{}
	err = s.store.Do(ctx, func(ctx context.Context, r Repos) error {
		var err error
		if active, err = r.Rules.List(ctx, true); err != nil {
			return err
		}
		all, err := r.Templates.List(ctx, false)
		if err != nil {
			return err
		}
		for _, t := range all {
			templates[t.ID] = t
		}
		clients, err = r.Clients.List(ctx, model.ClientFilter{})
		return err
	})
	if err != nil {
		return res, err
	}
	byID := make(map[string]*model.FollowUpRule, len(active))
	for _, r := range active {
		byID[r.ID] = r
	}

	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Clients++
		events := rules.DueEvents(c, active, now)
		res.Due += len(events)
		for _, ev := range events {
			s.enqueue(ctx, c, byID[ev.RuleID], templates, ev, now, &res)
		}
	}

	res.FinishedAt = s.now()
	s.log.InfoContext(ctx, "scheduler run complete",
		slog.Int("clients", res.Clients),
		slog.Int("due", res.Due),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res, nil
}

func (s *Scheduler) enqueue(ctx context.Context, c *model.Client, rule *model.FollowUpRule, templates map[string]*model.Template, ev model.FollowUpEvent, now time.Time, res *RunResult) {
	log := s.log.With(slog.String("event", ev.String()))

	tpl := templates[rule.TemplateID]
	if tpl == nil || !tpl.Active {
		// the event stays unconsumed and is picked up once the template is active
		log.WarnContext(ctx, "template missing or inactive, event skipped", slog.String("template_id", rule.TemplateID))
		res.Skipped++
		return
	}

	key := ev.Key()
	var inserted bool
	var e *model.QueuedEmail
	err := s.store.Do(ctx, func(ctx context.Context, r Repos) error {
		exists, err := r.Queue.ExistsForEvent(ctx, key)
		if err != nil || exists {
			return err
		}
		sent, err := r.Audit.HasSent(ctx, key)
		if err != nil || sent {
			return err
		}

		interactionAt, _ := time.Parse(time.RFC3339Nano, ev.OccurrenceKey)
		content := s.renderer.Render(tpl, c, interactionAt, ev.DueAt)
		e = &model.QueuedEmail{
			ID:            repository.NewID(),
			ClientID:      c.ID,
			RuleID:        rule.ID,
			OccurrenceKey: ev.OccurrenceKey,
			TemplateID:    tpl.ID,
			Recipient:     content.Recipient,
			Subject:       content.Subject,
			Body:          content.Body,
			State:         model.StatePending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		inserted, err = r.Queue.Enqueue(ctx, e)
		return err
	})

	switch {
	case err != nil:
		log.ErrorContext(ctx, "enqueue failed", slog.Any("error", err))
		res.Failed++
	case inserted:
		log.InfoContext(ctx, "follow-up enqueued", slog.String("queued_email_id", e.ID))
		res.Enqueued++
		notify(ctx, s.notify, s.log, e)
	default:
		res.Duplicates++
	}
}
