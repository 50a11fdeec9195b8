package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"docflow/internal/config"
)

// AMQPQueue is the production task queue backed by a RabbitMQ-compatible
// broker. The queue is durable and messages are published persistent; unacked
// deliveries return to the queue when the consumer channel drops.
type AMQPQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// DialAMQP connects to the broker and declares the job queue. Idempotent
// with respect to topology: redeclaring an existing durable queue is a no-op.
func DialAMQP(cfg config.Broker) (*AMQPQueue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	return &AMQPQueue{conn: conn, ch: ch, queue: cfg.Queue}, nil
}

// Push publishes the descriptor as a persistent JSON message.
func (q *AMQPQueue) Push(ctx context.Context, desc Descriptor) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish descriptor: %w", err)
	}
	return nil
}

// Pull blocks until the broker delivers a descriptor or ctx is done.
func (q *AMQPQueue) Pull(ctx context.Context) (*Delivery, error) {
	deliveries, err := q.consumer()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-deliveries:
		if !ok {
			return nil, ErrClosed
		}
		var desc Descriptor
		if err := json.Unmarshal(msg.Body, &desc); err != nil {
			// Poison message; drop it rather than redeliver forever.
			_ = msg.Nack(false, false)
			return nil, fmt.Errorf("unmarshal descriptor: %w", err)
		}
		return &Delivery{
			Descriptor: desc,
			ack:        func() error { return msg.Ack(false) },
			nack:       func(requeue bool) error { return msg.Nack(false, requeue) },
		}, nil
	}
}

func (q *AMQPQueue) consumer() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Ping reports whether the broker connection is still open.
func (q *AMQPQueue) Ping(context.Context) error {
	if q == nil || q.conn == nil {
		return errors.New("broker connection unavailable")
	}
	if q.conn.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}

// Close shuts the channel and connection down.
func (q *AMQPQueue) Close() error {
	var errs []error
	if q.ch != nil {
		if err := q.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
