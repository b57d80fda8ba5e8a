package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/mail"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/queue"
	"github.com/unclebandit/followup/internal/repository"
)

const recordTries = 3

type DeliveryConfig struct {
	PoolSize         int
	MaxAttempts      int
	Backoff          Backoff
	PollInterval     time.Duration
	SendTimeout      time.Duration
	RecoveryTimeout  time.Duration
	RecoveryInterval time.Duration
	Window           SendWindow
}

// DeliveryWorker drains the email queue with a bounded pool of senders.
type DeliveryWorker struct {
	clock
	cfg       DeliveryConfig
	store     *Store
	transport mail.Transport
	notices   queue.Queue
	log       *slog.Logger
	wake      chan struct{}
}

// NewDeliveryWorker wires a worker. notices may be nil, in which case the
// pool relies on polling alone.
func NewDeliveryWorker(cfg DeliveryConfig, store *Store, transport mail.Transport, notices queue.Queue, log *slog.Logger) *DeliveryWorker {
	cfg.PoolSize = max(cfg.PoolSize, 1)
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 10 * time.Minute
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	return &DeliveryWorker{
		cfg:       cfg,
		store:     store,
		transport: transport,
		notices:   notices,
		log:       logger.OrNope(log).With(slog.String("component", "delivery")),
		wake:      make(chan struct{}, cfg.PoolSize),
	}
}

// Run requeues stale claims, then runs the sender pool and the periodic
// recovery sweep until ctx is done.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	if _, err := w.RecoverStale(ctx); err != nil {
		w.log.ErrorContext(ctx, "startup recovery failed", slog.Any("error", err))
	}

	if w.notices != nil {
		err := w.notices.Subscribe(ctx, queue.TopicEnqueued, func(queue.Notice) error {
			w.Wake()
			return nil
		})
		if err != nil {
			w.log.WarnContext(ctx, "wake-up subscription failed, polling only", slog.Any("error", err))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runOnSchedule(ctx, cron.Every(w.cfg.RecoveryInterval), func(ctx context.Context) {
			if _, err := w.RecoverStale(ctx); err != nil {
				w.log.ErrorContext(ctx, "recovery sweep failed", slog.Any("error", err))
			}
		})
		return nil
	})
	for i := range w.cfg.PoolSize {
		g.Go(func() error {
			w.loop(ctx, i)
			return nil
		})
	}
	w.log.InfoContext(ctx, "delivery worker started", slog.Int("pool_size", w.cfg.PoolSize))
	return g.Wait()
}

// Wake nudges one idle sender to look at the queue now.
func (w *DeliveryWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *DeliveryWorker) loop(ctx context.Context, id int) {
	log := w.log.With(slog.Int("sender", id))
	for ctx.Err() == nil {
		now := w.now()
		if !w.cfg.Window.Open(now) {
			next := w.cfg.Window.NextOpen(now)
			log.DebugContext(ctx, "outside send window", slog.Time("opens_at", next))
			w.sleep(ctx, min(next.Sub(now), w.cfg.PollInterval), false)
			continue
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			// storage trouble: back off until the next tick
			log.ErrorContext(ctx, "delivery step failed", slog.Any("error", err))
		}
		if !processed {
			w.sleep(ctx, w.cfg.PollInterval, true)
		}
	}
}

func (w *DeliveryWorker) sleep(ctx context.Context, d time.Duration, wakeable bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	wake := w.wake
	if !wakeable {
		wake = nil
	}
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// ProcessNext claims and delivers one due email. It reports false when
// nothing was claimable.
func (w *DeliveryWorker) ProcessNext(ctx context.Context) (bool, error) {
	var e *model.QueuedEmail
	err := w.store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		e, err = r.Queue.ClaimNext(ctx, w.now())
		return err
	})
	if err != nil || e == nil {
		return false, err
	}
	w.deliver(ctx, e)
	return true, nil
}

// deliver sends the frozen content of e and records the outcome. The body is
// never re-rendered here.
func (w *DeliveryWorker) deliver(ctx context.Context, e *model.QueuedEmail) {
	err := mail.ValidateRecipient(e.Recipient)
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		err = w.transport.Send(sendCtx, &mail.Message{
			To:          e.Recipient,
			Subject:     e.Subject,
			Text:        e.Body,
			Idempotency: e.ID,
		})
		cancel()
		err = mail.Classify(err)
	}
	w.complete(ctx, e, err)
}

// complete appends the attempt and moves e out of sending in one transaction.
func (w *DeliveryWorker) complete(ctx context.Context, e *model.QueuedEmail, sendErr error) {
	now := w.now()
	from := e.State
	e.Attempts++
	e.UpdatedAt = now
	e.ClaimedAt = nil

	attempt := &model.DeliveryAttempt{
		ID:            repository.NewID(),
		QueuedEmailID: e.ID,
		ClientID:      e.ClientID,
		RuleID:        e.RuleID,
		OccurrenceKey: e.OccurrenceKey,
		AttemptNumber: e.Attempts,
		AttemptedAt:   now,
	}

	log := w.log.With(
		slog.String("queued_email_id", e.ID),
		slog.String("client_id", e.ClientID),
		slog.String("rule_id", e.RuleID),
		slog.String("occurrence_key", e.OccurrenceKey),
		slog.Int("attempt", e.Attempts))

	switch {
	case sendErr == nil:
		e.State = model.StateSent
		e.LastError = ""
		e.FailureCategory = model.CategoryNone
		attempt.Outcome = model.OutcomeSuccess
	case appErrors.IsPermanent(sendErr):
		e.State = model.StateAbandoned
		e.LastError = sendErr.Error()
		e.FailureCategory = model.CategoryPermanent
		attempt.Outcome = model.OutcomeFailure
		attempt.Category = model.CategoryPermanent
		attempt.Detail = sendErr.Error()
	default:
		e.LastError = sendErr.Error()
		e.FailureCategory = model.CategoryTransient
		attempt.Outcome = model.OutcomeFailure
		attempt.Category = model.CategoryTransient
		attempt.Detail = sendErr.Error()
		if e.Attempts >= w.cfg.MaxAttempts {
			e.State = model.StateAbandoned
		} else {
			e.State = model.StateRetrying
			e.NextAttemptAt = now.Add(w.cfg.Backoff.Delay(e.Attempts))
		}
	}

	// the send already happened, so record it even while shutting down
	recCtx := context.WithoutCancel(ctx)
	var err error
	for try := 1; try <= recordTries; try++ {
		err = w.store.Tx(recCtx, func(ctx context.Context, r Repos) error {
			if err := r.Audit.Append(ctx, attempt); err != nil {
				return err
			}
			return r.Queue.CompareAndSet(ctx, e, from)
		})
		if err == nil || appErrors.IsConflict(err) {
			break
		}
		time.Sleep(time.Duration(try) * 100 * time.Millisecond)
	}

	switch {
	case appErrors.IsConflict(err):
		// the recovery sweep took the item back; it will be sent again
		log.WarnContext(ctx, "claim lost before outcome was recorded", slog.Any("error", err))
	case err != nil:
		log.ErrorContext(ctx, "outcome not recorded, item left for recovery", slog.Any("error", err))
	case e.State == model.StateSent:
		log.InfoContext(ctx, "email sent")
	case e.State == model.StateRetrying:
		log.WarnContext(ctx, "send failed, will retry",
			slog.Time("next_attempt_at", e.NextAttemptAt), slog.Any("error", sendErr))
	case e.FailureCategory == model.CategoryPermanent:
		log.ErrorContext(ctx, "send rejected permanently, abandoned", slog.Any("error", sendErr))
	default:
		log.ErrorContext(ctx, "retry budget exhausted, abandoned for operator attention",
			slog.Int("max_attempts", w.cfg.MaxAttempts), slog.Any("error", sendErr))
	}
}

// RecoverStale moves items claimed longer than RecoveryTimeout ago back to
// retrying. Their attempt count is unchanged.
func (w *DeliveryWorker) RecoverStale(ctx context.Context) (int64, error) {
	now := w.now()
	var n int64
	err := w.store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		n, err = r.Queue.RequeueStale(ctx, now.Add(-w.cfg.RecoveryTimeout), now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.log.WarnContext(ctx, "requeued stale claims", slog.Int64("count", n))
		for range n {
			w.Wake()
		}
	}
	return n, nil
}
