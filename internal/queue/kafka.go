package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ballot-relay/internal/logger"

	kgo "github.com/segmentio/kafka-go"
)

const commitTimeout = 3 * time.Second

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaConsumer reads a topic in a consumer group and commits offsets manually.
// Offsets commit in order, so messages are handed out one at a time.
type KafkaConsumer struct {
	reader kafkaReader
	// writer re-publishes requeued messages to the same topic
	writer kafkaWriter
	topic  string
	log    *slog.Logger
}

// ParseKafkaURL reads kafka://host1:9092,host2:9092[/topic].
func ParseKafkaURL(rawURL string) (brokers []string, topic string, err error) {
	rest := strings.TrimPrefix(rawURL, SchemeKafka+"://")
	if rest == rawURL {
		return nil, "", fmt.Errorf("not a kafka url: %q", rawURL)
	}
	hosts := rest
	if i := strings.Index(rest, "/"); i >= 0 {
		hosts, topic = rest[:i], strings.Trim(rest[i+1:], "/")
	}
	brokers = splitCSV(hosts)
	if len(brokers) == 0 {
		return nil, "", fmt.Errorf("kafka url %q names no brokers", rawURL)
	}
	return brokers, topic, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// OpenKafka builds the reader and requeue writer. The topic in the URL, if any,
// overrides cfg.Queue.
func OpenKafka(_ context.Context, cfg Config) (*KafkaConsumer, error) {
	brokers, topic, err := ParseKafkaURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		topic = cfg.Queue
	}
	if cfg.Group == "" {
		return nil, errors.New("kafka consumer group is required")
	}
	log := logger.Component(cfg.Logger, "kafka")
	if cfg.Prefetch > 1 {
		log.Warn("kafka commits offsets in order, prefetch limited to 1", "prefetch", cfg.Prefetch)
	}

	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        cfg.Group,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return newKafkaConsumer(r, w, topic, log), nil
}

func newKafkaConsumer(r kafkaReader, w kafkaWriter, topic string, log *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: r, writer: w, topic: topic, log: log}
}

func (c *KafkaConsumer) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	c.log.Info("consuming", "topic", c.topic)
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("fetch failed", "error", err)
				}
				return
			}
			select {
			case out <- &kafkaDelivery{c: c, m: m}:
			case <-ctx.Done():
				// uncommitted, redelivered to the group later
				return
			}
		}
	}()
	return out, nil
}

func (c *KafkaConsumer) Close() error {
	return errors.Join(c.reader.Close(), c.writer.Close())
}

type kafkaDelivery struct {
	c *KafkaConsumer
	m kgo.Message
}

func (k *kafkaDelivery) Body() []byte { return k.m.Value }

func (k *kafkaDelivery) Ack(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	return k.c.reader.CommitMessages(cctx, k.m)
}

// Requeue appends the message to the topic again, then commits the original.
func (k *kafkaDelivery) Requeue(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	err := k.c.writer.WriteMessages(cctx, kgo.Message{
		Key:     k.m.Key,
		Value:   k.m.Value,
		Headers: k.m.Headers,
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("republish: %w", err)
	}
	return k.c.reader.CommitMessages(cctx, k.m)
}
