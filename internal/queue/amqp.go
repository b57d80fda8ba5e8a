package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// AMQPQueue publishes notices to a fanout exchange named after the topic.
// Each subscriber gets its own exclusive, auto-deleted queue, so every worker
// process sees every notice.
type AMQPQueue struct {
	conn *amqp.Connection
	log  *slog.Logger

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

func DialAMQP(url string, log *slog.Logger) (*AMQPQueue, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	return &AMQPQueue{conn: conn, log: log, pub: ch, declared: make(map[string]bool)}, nil
}

func declareExchange(ch *amqp.Channel, topic string) error {
	return ch.ExchangeDeclare(
		topic,    // name
		"fanout", // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,
	)
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, n Notice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if !q.declared[topic] {
		if err := declareExchange(q.pub, topic); err != nil {
			return fmt.Errorf("queue: declare %s: %w", topic, err)
		}
		q.declared[topic] = true
	}
	return q.pub.Publish(topic, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (q *AMQPQueue) Subscribe(ctx context.Context, topic string, handler func(Notice) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	if err := declareExchange(ch, topic); err != nil {
		_ = ch.Close()
		return fmt.Errorf("queue: declare %s: %w", topic, err)
	}
	qd, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("queue: declare subscriber queue: %w", err)
	}
	if err := ch.QueueBind(qd.Name, "", topic, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("queue: bind %s: %w", topic, err)
	}
	msgs, err := ch.Consume(qd.Name, "", false, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("queue: consume %s: %w", topic, err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					q.log.Warn("queue: delivery channel closed", slog.String("topic", topic))
					return
				}
				q.handle(d, topic, handler)
			}
		}
	}()
	return nil
}

// handle never requeues: a lost notice only delays work until the next poll.
func (q *AMQPQueue) handle(d amqp.Delivery, topic string, handler func(Notice) error) {
	var n Notice
	if err := json.Unmarshal(d.Body, &n); err != nil {
		q.log.Warn("queue: invalid notice", slog.String("topic", topic), slog.Any("error", err))
		_ = d.Nack(false, false)
		return
	}
	if err := handler(n); err != nil {
		q.log.Warn("queue: handler failed", slog.String("topic", topic),
			slog.String("queued_email_id", n.QueuedEmailID), slog.Any("error", err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.pub.Close()
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
