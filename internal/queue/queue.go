// Package queue carries "work is ready" notices from the scheduler to
// delivery workers. Notices are hints: the durable queue table is the source
// of truth and workers poll it regardless.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TopicEnqueued announces freshly enqueued emails.
const TopicEnqueued = "followup.enqueued"

var ErrNoSubscribers = errors.New("queue: no subscribers")

// Notice says a queued email became claimable at DueAt.
type Notice struct {
	QueuedEmailID string    `json:"queued_email_id"`
	DueAt         time.Time `json:"due_at"`
}

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, n Notice) error
	// Subscribe registers handler until ctx is done.
	Subscribe(ctx context.Context, topic string, handler func(Notice) error) error
	Close() error
}

// InMemoryQueue fans notices out to subscribers in the same process.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string]map[int]func(Notice) error
	nextID   int
	log      *slog.Logger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *slog.Logger) *InMemoryQueue {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &InMemoryQueue{
		handlers: make(map[string]map[int]func(Notice) error),
		log:      log,
	}
}

// Publish hands n to every subscriber of topic without waiting for them.
func (q *InMemoryQueue) Publish(_ context.Context, topic string, n Notice) error {
	q.mu.Lock()
	handlers := make([]func(Notice) error, 0, len(q.handlers[topic]))
	for _, h := range q.handlers[topic] {
		handlers = append(handlers, h)
	}
	q.mu.Unlock()

	if len(handlers) == 0 {
		return ErrNoSubscribers
	}
	for _, h := range handlers {
		go func() {
			if err := h(n); err != nil {
				q.log.Warn("queue: handler failed",
					slog.String("topic", topic),
					slog.String("queued_email_id", n.QueuedEmailID),
					slog.Any("error", err))
			}
		}()
	}
	return nil
}

func (q *InMemoryQueue) Subscribe(ctx context.Context, topic string, handler func(Notice) error) error {
	q.mu.Lock()
	if q.handlers[topic] == nil {
		q.handlers[topic] = make(map[int]func(Notice) error)
	}
	id := q.nextID
	q.nextID++
	q.handlers[topic][id] = handler
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.handlers[topic], id)
		q.mu.Unlock()
	}()
	return nil
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.handlers)
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
