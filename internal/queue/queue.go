// Package queue consumes ballot submission messages from a broker with manual
// acknowledgement. RabbitMQ (amqp://, amqps://) and Kafka (kafka://) are supported.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	SchemeAMQP  = "amqp"
	SchemeAMQPS = "amqps"
	SchemeKafka = "kafka"
)

// Delivery is one broker message awaiting a decision.
type Delivery interface {
	Body() []byte
	// Ack removes the message from the queue.
	Ack(ctx context.Context) error
	// Requeue hands the message back for redelivery.
	Requeue(ctx context.Context) error
}

// Consumer is one broker session.
type Consumer interface {
	// Deliveries streams messages until ctx ends or the session breaks, then closes.
	Deliveries(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

type Config struct {
	URL string
	// Queue is the AMQP queue or the Kafka topic
	Queue string
	// Group is the Kafka consumer group; unused for AMQP
	Group    string
	Prefetch int
	Logger   *slog.Logger
}

// Concurrency is how many deliveries may be in flight at once.
func (c Config) Concurrency() int {
	if c.Prefetch < 1 || Scheme(c.URL) == SchemeKafka {
		return 1
	}
	return c.Prefetch
}

// Scheme returns the lower-cased URL scheme of a broker URL.
func Scheme(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(rawURL[:i])
}

// Open connects to the broker named by cfg.URL.
func Open(ctx context.Context, cfg Config) (Consumer, error) {
	switch Scheme(cfg.URL) {
	case SchemeAMQP, SchemeAMQPS:
		return DialAMQP(cfg)
	case SchemeKafka:
		return OpenKafka(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker url %q (want amqp://, amqps:// or kafka://)", cfg.URL)
	}
}
