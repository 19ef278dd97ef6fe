package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ballot-relay/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acker struct {
	acked, nacked, requeued int
}

func (a *acker) Ack(uint64, bool) error { a.acked++; return nil }
func (a *acker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	if requeue {
		a.requeued++
	}
	return nil
}
func (a *acker) Reject(uint64, bool) error { return nil }

func TestAMQPDeliveryAckAndRequeue(t *testing.T) {
	ack := &acker{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"ballot":{}}`)}
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{}`)}
	close(msgs)

	out := make(chan Delivery)
	go forwardAMQP(context.Background(), msgs, out)

	var got []Delivery
	for d := range out {
		got = append(got, d)
	}
	require.Len(t, got, 2)
	assert.Equal(t, `{"ballot":{}}`, string(got[0].Body()))

	require.NoError(t, got[0].Ack(context.Background()))
	require.NoError(t, got[1].Requeue(context.Background()))
	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 1, ack.requeued)
}

func TestForwardAMQPStopsOnCancel(t *testing.T) {
	msgs := make(chan amqp.Delivery)
	out := make(chan Delivery)
	ctx, cancel := context.WithCancel(context.Background())
	go forwardAMQP(ctx, msgs, out)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("deliveries not closed")
	}
}

func TestParseKafkaURL(t *testing.T) {
	brokers, topic, err := ParseKafkaURL("kafka://k1:9092, k2:9092/ballots")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, brokers)
	assert.Equal(t, "ballots", topic)

	brokers, topic, err = ParseKafkaURL("kafka://localhost:9092")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, brokers)
	assert.Empty(t, topic)

	_, _, err = ParseKafkaURL("kafka://")
	assert.Error(t, err)
	_, _, err = ParseKafkaURL("amqp://localhost")
	assert.Error(t, err)
}

func TestConcurrency(t *testing.T) {
	assert.Equal(t, 4, Config{URL: "amqp://localhost", Prefetch: 4}.Concurrency())
	assert.Equal(t, 1, Config{URL: "amqp://localhost"}.Concurrency())
	assert.Equal(t, 1, Config{URL: "kafka://localhost:9092", Prefetch: 4}.Concurrency())
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "nats://localhost"})
	assert.ErrorContains(t, err, "unsupported broker")
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kgo.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kgo.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kgo.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kgo.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	written []kgo.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaAckCommitsAndRequeueRepublishes(t *testing.T) {
	r := &fakeReader{msgs: []kgo.Message{
		{Offset: 10, Key: []byte("b1"), Value: []byte("one")},
		{Offset: 11, Key: []byte("b2"), Value: []byte("two")},
	}}
	w := &fakeWriter{}
	c := newKafkaConsumer(r, w, "ballots", logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := c.Deliveries(ctx)
	require.NoError(t, err)

	first := <-deliveries
	require.NoError(t, first.Ack(ctx))
	second := <-deliveries
	require.NoError(t, second.Requeue(ctx))

	assert.Equal(t, []int64{10, 11}, r.committed)
	require.Len(t, w.written, 1)
	assert.Equal(t, "two", string(w.written[0].Value))
	assert.Equal(t, "b2", string(w.written[0].Key))

	cancel()
	for range deliveries {
	}
	assert.NoError(t, c.Close())
}

func TestKafkaRequeueDoesNotCommitWhenRepublishFails(t *testing.T) {
	r := &fakeReader{msgs: []kgo.Message{{Offset: 1, Value: []byte("x")}}}
	c := newKafkaConsumer(r, &fakeWriter{err: errors.New("leader not available")}, "ballots", logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := c.Deliveries(ctx)
	require.NoError(t, err)

	d := <-deliveries
	assert.Error(t, d.Requeue(ctx))
	assert.Empty(t, r.committed)
}
