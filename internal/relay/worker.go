// Package relay drives each ballot message through connectivity, funding,
// submission, confirmation and finalization, and decides whether to acknowledge.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ballot-relay/internal/ballot"
	"ballot-relay/internal/chain"
	"ballot-relay/internal/lease"
	"ballot-relay/internal/logger"
	"ballot-relay/internal/metrics"
	"ballot-relay/internal/queue"
	"ballot-relay/internal/watcher"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultReconnectDelay  = 3 * time.Second
	DefaultLeaseRetryDelay = 5 * time.Second

	// bounds writes and broker calls made after the ballot context is gone
	settleTimeout = 30 * time.Second
)

type Connectivity interface {
	Wait(ctx context.Context) error
}

type Funder interface {
	Fund(ctx context.Context, address string) (*chain.MinedTx, error)
}

type Submitter interface {
	Submit(ctx context.Context, raw string) (string, error)
}

type Watcher interface {
	Watch(ctx context.Context, contract, voter string) (*watcher.Subscription, error)
}

// Dialer opens a new broker session.
type Dialer func(ctx context.Context) (queue.Consumer, error)

type Options struct {
	Writer       *ballot.Writer
	Connectivity Connectivity
	Funder       Funder
	Submitter    Submitter
	Watcher      Watcher

	// Lease is optional; nil grants every ballot.
	Lease lease.Locker
	// LeaseRetryDelay is how long a ballot leased by another worker waits before
	// going back to the queue.
	LeaseRetryDelay time.Duration
	Metrics         *metrics.Recorder
	Logger          *slog.Logger

	// BallotTimeout bounds funding through confirmation. Zero disables it.
	BallotTimeout  time.Duration
	Concurrency    int
	ReconnectDelay time.Duration

	// OnUpdate receives every state change. It must not block.
	OnUpdate func(Update)
}

type Worker struct {
	writer       *ballot.Writer
	connectivity Connectivity
	funder       Funder
	submitter    Submitter
	watcher      Watcher
	lease        lease.Locker
	leaseRetry   time.Duration
	metrics      *metrics.Recorder
	log          *slog.Logger

	timeout        time.Duration
	concurrency    int
	reconnectDelay time.Duration
	onUpdate       func(Update)
}

func New(opts Options) (*Worker, error) {
	if opts.Writer == nil || opts.Connectivity == nil || opts.Funder == nil ||
		opts.Submitter == nil || opts.Watcher == nil {
		return nil, errors.New("relay: writer, connectivity, funder, submitter and watcher are required")
	}
	w := &Worker{
		writer:         opts.Writer,
		connectivity:   opts.Connectivity,
		funder:         opts.Funder,
		submitter:      opts.Submitter,
		watcher:        opts.Watcher,
		lease:          opts.Lease,
		leaseRetry:     opts.LeaseRetryDelay,
		metrics:        opts.Metrics,
		log:            logger.Component(opts.Logger, "relay"),
		timeout:        opts.BallotTimeout,
		concurrency:    opts.Concurrency,
		reconnectDelay: opts.ReconnectDelay,
		onUpdate:       opts.OnUpdate,
	}
	if w.lease == nil {
		w.lease = lease.Noop{}
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.leaseRetry <= 0 {
		w.leaseRetry = DefaultLeaseRetryDelay
	}
	if w.reconnectDelay <= 0 {
		w.reconnectDelay = DefaultReconnectDelay
	}
	return w, nil
}

// Run consumes until ctx ends, opening a new broker session whenever the previous
// one breaks.
func (w *Worker) Run(ctx context.Context, dial Dialer) error {
	for {
		err := w.session(ctx, dial)
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("broker session ended, reconnecting", "error", err, "delay", w.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.reconnectDelay):
		}
	}
}

// session handles deliveries of one broker connection with at most
// w.concurrency ballots in flight.
func (w *Worker) session(ctx context.Context, dial Dialer) error {
	consumer, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			w.log.Debug("close broker session", "error", err)
		}
	}()

	deliveries, err := consumer.Deliveries(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for d := range deliveries {
		d := d
		g.Go(func() error {
			w.Process(ctx, d)
			return nil
		})
	}
	// in-flight ballots settle (ack or requeue) before the session closes
	_ = g.Wait()
	return errors.New("delivery stream closed")
}

// Process takes one delivery to acknowledgement. ctx is the worker's lifetime;
// when it ends mid-ballot the delivery is requeued instead of finalized.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) {
	r := &run{w: w, d: d, log: w.log, state: StateValidating}
	done := w.metrics.Started(ctx)
	defer func() { done(r.outcome) }()
	defer r.cleanup()

	r.drive(ctx)
}

func (w *Worker) report(u Update) {
	if w.onUpdate != nil {
		u.At = time.Now()
		w.onUpdate(u)
	}
}
