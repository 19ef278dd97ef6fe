package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"ballot-relay/internal/lease"
	"ballot-relay/internal/queue"
	"ballot-relay/internal/store"
)

// run is the state of one delivery moving through the machine.
type run struct {
	w   *Worker
	d   queue.Delivery
	log *slog.Logger

	state  State
	ballot *Submission

	// ballotCtx carries the per-ballot deadline from funding on
	ballotCtx context.Context
	cancel    context.CancelFunc

	leased  bool
	txHash  string
	failure *StageError
	outcome string

	requeue      bool
	requeueDelay time.Duration
	settled      bool
}

type transition func(ctx context.Context) State

func (r *run) transitions() map[State]transition {
	return map[State]transition{
		StateValidating:           r.validate,
		StateAwaitingConnectivity: r.awaitConnectivity,
		StateFunding:              r.fund,
		StateSubmitting:           r.submit,
		StateFinalizing:           r.finalize,
	}
}

func (r *run) drive(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.recovered(ctx, p)
		}
	}()

	steps := r.transitions()
	for r.state != StateAcknowledged {
		r.state = steps[r.state](ctx)
		r.report()
	}
	r.settle(ctx)
}

func (r *run) report() {
	if r.ballot == nil {
		return
	}
	u := Update{
		BallotID: r.ballot.ID,
		Voter:    r.ballot.Address,
		State:    r.state,
		TxHash:   r.txHash,
		Outcome:  r.outcome,
	}
	if r.failure != nil {
		u.Err = r.failure.Err.Error()
	}
	r.w.report(u)
}

// recovered turns a panic into a terminal error for the ballot and acknowledges.
func (r *run) recovered(ctx context.Context, p any) {
	r.log.Error("panic while processing ballot",
		"state", r.state.String(),
		"panic", p,
		"stack", string(debug.Stack()),
	)
	if r.settled {
		return
	}
	r.requeue = false
	if r.state < StateFinalizing && r.ballot != nil && r.ballot.ID != "" {
		r.failure = &StageError{Stage: r.state, Err: fmt.Errorf("panic: %v", p)}
		r.state = StateFinalizing
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("panic while finalizing ballot", "panic", p)
				}
			}()
			r.finalize(ctx)
		}()
	}
	if r.outcome == "" {
		r.outcome = OutcomeError
	}
	r.state = StateAcknowledged
	r.report()
	r.settle(ctx)
}

func (r *run) validate(ctx context.Context) State {
	sub, err := Decode(r.d.Body())
	if err != nil {
		r.log.Warn("dropping unreadable message", "error", err)
		r.outcome = OutcomeDropped
		return StateAcknowledged
	}
	r.log.Info("ballot received",
		"ballot_id", sub.ID,
		"address", sub.Address,
		"vote_contract", sub.VoteContractAddress,
	)

	if err := sub.Validate(); err != nil {
		if sub.ID == "" {
			r.log.Warn("dropping ballot without id", "error", err)
			r.outcome = OutcomeDropped
			return StateAcknowledged
		}
		r.ballot = sub
		r.log = r.log.With("ballot_id", sub.ID)
		r.failure = &StageError{Stage: StateValidating, Err: err}
		return StateFinalizing
	}
	r.ballot = sub
	r.log = r.log.With("ballot_id", sub.ID)

	if r.finalized(ctx) {
		return StateAcknowledged
	}
	return StateAwaitingConnectivity
}

// finalized reports whether the ballot already reached a terminal state, as on a
// redelivery, and marks the delivery a duplicate if so.
func (r *run) finalized(ctx context.Context) bool {
	current, err := r.w.writer.Get(ctx, r.ballot.ID)
	switch {
	case err == nil && current.Status.Terminal():
		r.log.Info("ballot already finalized, acknowledging", "status", current.Status)
		r.outcome = OutcomeDuplicate
		return true
	case err != nil && !errors.Is(err, store.ErrNotFound):
		r.log.Warn("ballot lookup failed, processing anyway", "error", err)
	}
	return false
}

func (r *run) awaitConnectivity(ctx context.Context) State {
	if err := r.w.connectivity.Wait(ctx); err != nil {
		r.requeue = true
		r.outcome = OutcomeRequeued
		return StateAcknowledged
	}

	// The lease is taken only once the node is reachable, so it spans the bounded
	// part of the ballot. A lease held elsewhere may belong to a crashed worker:
	// the message goes back to the queue until the holder finalizes or the lease
	// expires.
	ok, err := r.w.lease.TryAcquire(ctx, r.ballot.ID)
	switch {
	case err != nil:
		r.log.Warn("lease unavailable, processing anyway", "error", err)
	case !ok:
		r.log.Info("ballot leased by another worker, requeueing", "delay", r.w.leaseRetry)
		r.requeue = true
		r.requeueDelay = r.w.leaseRetry
		r.outcome = OutcomeRequeued
		return StateAcknowledged
	default:
		r.leased = true
		// a previous holder may have finished while this message waited
		if _, noop := r.w.lease.(lease.Noop); !noop && r.finalized(ctx) {
			return StateAcknowledged
		}
	}

	// the deadline starts once the node is reachable
	if r.w.timeout > 0 {
		r.ballotCtx, r.cancel = context.WithTimeout(ctx, r.w.timeout)
	} else {
		r.ballotCtx, r.cancel = context.WithCancel(ctx)
	}
	return StateFunding
}

// interrupted decides what an error seen while ctx may have ended means: a worker
// shutdown requeues, an expired deadline fails the ballot as timed out.
func (r *run) interrupted(ctx context.Context, stage State, err error) State {
	if ctx.Err() != nil {
		r.requeue = true
		r.outcome = OutcomeRequeued
		return StateAcknowledged
	}
	if errors.Is(r.ballotCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrBallotTimeout, r.w.timeout)
	}
	r.failure = &StageError{Stage: stage, Err: err}
	return StateFinalizing
}

func (r *run) fund(ctx context.Context) State {
	if _, err := r.w.funder.Fund(r.ballotCtx, r.ballot.Address); err != nil {
		return r.interrupted(ctx, StateFunding, err)
	}
	return StateSubmitting
}

type submitResult struct {
	hash string
	err  error
}

// submit attaches the watcher before sending the transaction so a fast inclusion
// cannot be missed. The first of submit error, watch error, match or deadline wins.
func (r *run) submit(ctx context.Context) State {
	sub, err := r.w.watcher.Watch(r.ballotCtx, r.ballot.VoteContractAddress, r.ballot.Address)
	if err != nil {
		return r.interrupted(ctx, StateSubmitting, err)
	}
	defer sub.Close()

	submitCtx, cancel := context.WithCancel(r.ballotCtx)
	defer cancel()
	results := make(chan submitResult, 1)
	go func(out chan<- submitResult) {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("panic while submitting ballot", "panic", p, "stack", string(debug.Stack()))
				out <- submitResult{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		hash, err := r.w.submitter.Submit(submitCtx, r.ballot.Transaction)
		out <- submitResult{hash: hash, err: err}
	}(results)

	for {
		select {
		case res := <-results:
			if res.err != nil {
				return r.interrupted(ctx, StateSubmitting, res.err)
			}
			r.txHash = res.hash
			r.report()
			results = nil
		case ev := <-sub.Matches():
			if results != nil {
				// the submitter's hash wins; the event's is only a fallback
				select {
				case res := <-results:
					if res.err == nil {
						r.txHash = res.hash
					} else {
						r.log.Warn("submit failed after the ballot was confirmed", "error", res.err)
					}
				case <-r.ballotCtx.Done():
				}
			}
			if r.txHash == "" {
				r.txHash = ev.TxHash
			}
			return StateFinalizing
		case err := <-sub.Err():
			return r.interrupted(ctx, StateSubmitting, fmt.Errorf("watch ballot events: %w", err))
		case <-r.ballotCtx.Done():
			return r.interrupted(ctx, StateSubmitting, r.ballotCtx.Err())
		}
	}
}

// finalize records the terminal status. It never blocks acknowledgement: a failed
// write is logged and the message is still acknowledged.
func (r *run) finalize(ctx context.Context) State {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if r.failure != nil {
		r.outcome = OutcomeError
		r.w.metrics.Failed(fctx, r.failure.Stage.String())
		_, err := r.w.writer.FinalizeError(fctx, r.ballot.ID, r.failure.Stage.String(), r.txHash, r.failure.Err)
		r.logFinalizeErr(err)
		return StateAcknowledged
	}

	r.outcome = OutcomeComplete
	if _, err := r.w.writer.FinalizeSuccess(fctx, r.ballot.ID, r.txHash); err != nil {
		r.logFinalizeErr(err)
		if !errors.Is(err, store.ErrAlreadyFinalized) {
			r.outcome = OutcomeError
		}
	}
	return StateAcknowledged
}

func (r *run) logFinalizeErr(err error) {
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyFinalized):
		r.outcome = OutcomeDuplicate
	default:
		r.log.Error("finalize failed, acknowledging anyway", "error", err)
	}
}

// settle acknowledges or requeues the delivery, exactly once. A retry delay is cut
// short when the worker stops.
func (r *run) settle(ctx context.Context) {
	if r.settled {
		return
	}
	r.settled = true
	// released first: whoever receives the requeued message must find it free
	r.releaseLease()

	if r.requeue && r.requeueDelay > 0 {
		timer := time.NewTimer(r.requeueDelay)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	sctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if r.requeue {
		r.log.Info("requeueing ballot", "state", r.state.String())
		if err := r.d.Requeue(sctx); err != nil {
			r.log.Error("requeue failed", "error", err)
		}
		return
	}
	if err := r.d.Ack(sctx); err != nil {
		r.log.Error("ack failed", "error", err)
	}
}

func (r *run) releaseLease() {
	if !r.leased {
		return
	}
	r.leased = false
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := r.w.lease.Release(ctx, r.ballot.ID); err != nil {
		r.log.Warn("lease release failed", "error", err)
	}
}

func (r *run) cleanup() {
	if r.cancel != nil {
		r.cancel()
	}
	r.releaseLease()
}
