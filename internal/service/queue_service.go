package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	appErrors "github.com/unclebandit/followup/internal/errors"
	"github.com/unclebandit/followup/internal/logger"
	"github.com/unclebandit/followup/internal/model"
	"github.com/unclebandit/followup/internal/queue"
)

// QueueService is the operator view of the email queue.
type QueueService struct {
	clock
	Store  *Store
	Notify queue.Queue
	Log    *slog.Logger
}

func NewQueueService(store *Store, notify queue.Queue, log *slog.Logger) *QueueService {
	return &QueueService{Store: store, Notify: notify, Log: logger.OrNope(log)}
}

// Stats summarizes the queue for the dashboard.
type Stats struct {
	ByState map[model.State]int `json:"by_state"`
	Total   int                 `json:"total"`
	// Attention counts abandoned items waiting for an operator.
	Attention int `json:"attention"`
}

func (s *QueueService) Get(ctx context.Context, id string) (*model.QueuedEmail, error) {
	var e *model.QueuedEmail
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		e, err = r.Queue.GetByID(ctx, id)
		return err
	})
	return e, err
}

func (s *QueueService) List(ctx context.Context, filter model.QueueFilter) ([]*model.QueuedEmail, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, appErrors.NewValidation("state", "unknown state %q", filter.State)
	}
	if filter.Limit < 0 {
		return nil, appErrors.NewValidation("limit", "must not be negative")
	}
	var out []*model.QueuedEmail
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		out, err = r.Queue.List(ctx, filter)
		return err
	})
	return out, err
}

// Cancel stops a queued email that is not in flight. Cancelled events are
// never enqueued again because their row keeps the event key.
func (s *QueueService) Cancel(ctx context.Context, id string) (*model.QueuedEmail, error) {
	return s.transition(ctx, id, func(e *model.QueuedEmail) error {
		switch {
		case e.State == model.StateSending:
			return appErrors.NewConflict("queued email %s is being sent and cannot be cancelled", id)
		case !slices.Contains(model.Cancellable, e.State):
			return appErrors.NewConflict("queued email %s is already %s", id, e.State)
		}
		e.State = model.StateCancelled
		return nil
	})
}

// RetryNow reopens an abandoned email with a fresh attempt budget.
func (s *QueueService) RetryNow(ctx context.Context, id string) (*model.QueuedEmail, error) {
	e, err := s.transition(ctx, id, func(e *model.QueuedEmail) error {
		if e.State != model.StateAbandoned {
			return appErrors.NewConflict("only abandoned emails can be retried; %s is %s", id, e.State)
		}
		e.State = model.StateRetrying
		e.Attempts = 0
		e.FailureCategory = model.CategoryNone
		e.NextAttemptAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	notify(ctx, s.Notify, s.Log, e)
	return e, nil
}

func (s *QueueService) transition(ctx context.Context, id string, apply func(e *model.QueuedEmail) error) (*model.QueuedEmail, error) {
	var out *model.QueuedEmail
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) error {
		e, err := r.Queue.GetByID(ctx, id)
		if err != nil {
			return err
		}
		from := e.State
		if err := apply(e); err != nil {
			return err
		}
		e.UpdatedAt = s.now()
		if err := r.Queue.CompareAndSet(ctx, e, from); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log.InfoContext(ctx, "queued email updated by operator",
		slog.String("queued_email_id", id), slog.String("state", string(out.State)))
	return out, nil
}

func (s *QueueService) Stats(ctx context.Context) (*Stats, error) {
	var counts map[model.State]int
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		counts, err = r.Queue.CountByState(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	st := &Stats{ByState: counts, Attention: counts[model.StateAbandoned]}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// notify publishes a best-effort wake-up for e.
func notify(ctx context.Context, q queue.Queue, log *slog.Logger, e *model.QueuedEmail) {
	if q == nil {
		return
	}
	err := q.Publish(ctx, queue.TopicEnqueued, queue.Notice{QueuedEmailID: e.ID, DueAt: e.NextAttemptAt})
	switch {
	case err == nil, errors.Is(err, queue.ErrNoSubscribers):
	default:
		log.WarnContext(ctx, "wake-up notice not published",
			slog.String("queued_email_id", e.ID), slog.Any("error", err))
	}
}

// AuditService answers delivery history queries.
type AuditService struct {
	Store *Store
}

func NewAuditService(store *Store) *AuditService {
	return &AuditService{Store: store}
}

// History lists attempts for a client, a queued email, or one event.
func (s *AuditService) History(ctx context.Context, filter model.AuditFilter) ([]*model.DeliveryAttempt, error) {
	if filter.ClientID == "" && filter.QueuedEmailID == "" && filter.Event == nil {
		return nil, appErrors.NewValidation("", "client_id, queued_email_id or an event is required")
	}
	if ev := filter.Event; ev != nil && (ev.ClientID == "" || ev.RuleID == "" || ev.OccurrenceKey == "") {
		return nil, appErrors.NewValidation("occurrence_key", "an event needs client_id, rule_id and occurrence_key")
	}
	var out []*model.DeliveryAttempt
	err := s.Store.Do(ctx, func(ctx context.Context, r Repos) (err error) {
		out, err = r.Audit.List(ctx, filter)
		return err
	})
	return out, err
}
