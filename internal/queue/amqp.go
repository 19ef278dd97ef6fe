package queue

import (
	"context"
	"fmt"
	"log/slog"

	"ballot-relay/internal/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPConsumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	tag   string
	log   *slog.Logger
}

// DialAMQP opens a channel, declares the durable queue and applies the prefetch limit.
func DialAMQP(cfg Config) (*AMQPConsumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	prefetch := cfg.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return &AMQPConsumer{
		conn:  conn,
		ch:    ch,
		queue: cfg.Queue,
		tag:   "ballot-relay-" + uuid.NewString(),
		log:   logger.Component(cfg.Logger, "amqp"),
	}, nil
}

func (c *AMQPConsumer) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.log.Info("consuming", "queue", c.queue, "consumer_tag", c.tag)
	out := make(chan Delivery)
	go forwardAMQP(ctx, msgs, out)
	return out, nil
}

// forwardAMQP wraps deliveries until msgs closes (connection lost) or ctx ends.
func forwardAMQP(ctx context.Context, msgs <-chan amqp.Delivery, out chan<- Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case out <- &amqpDelivery{d: d}:
			case <-ctx.Done():
				// unforwarded message returns to the queue
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func (c *AMQPConsumer) Close() error {
	if err := c.ch.Close(); err != nil && err != amqp.ErrClosed {
		c.conn.Close()
		return err
	}
	if err := c.conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Body() []byte { return a.d.Body }

func (a *amqpDelivery) Ack(context.Context) error {
	return a.d.Ack(false)
}

func (a *amqpDelivery) Requeue(context.Context) error {
	return a.d.Nack(false, true)
}
