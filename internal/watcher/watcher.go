// Package watcher detects on-chain confirmation of a ballot by matching contract
// Ballot events against the voter address.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"ballot-relay/internal/chain"
	"ballot-relay/internal/logger"
)

type Watcher struct {
	source chain.EventSource
	log    *slog.Logger
}

func New(source chain.EventSource, log *slog.Logger) *Watcher {
	return &Watcher{source: source, log: logger.Component(log, "watcher")}
}

// SameAddress compares addresses ignoring case and an optional 0x prefix.
func SameAddress(a, b string) bool {
	return strings.EqualFold(trimHex(a), trimHex(b))
}

func trimHex(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Watch subscribes to contract's Ballot events and forwards those cast by voter.
// The caller must Close the returned subscription.
func (w *Watcher) Watch(ctx context.Context, contract, voter string) (*Subscription, error) {
	sub, err := w.source.SubscribeBallots(ctx, contract)
	if err != nil {
		return nil, fmt.Errorf("subscribe to ballot events: %w", err)
	}
	s := &Subscription{
		voter:   voter,
		sub:     sub,
		matches: make(chan chain.BallotEvent, 1),
		errs:    make(chan error, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     w.log.With("contract", contract, "voter", voter),
	}
	go s.loop()
	return s, nil
}

// Subscription is a voter-scoped view over a contract-wide event feed.
type Subscription struct {
	voter   string
	sub     chain.Subscription
	matches chan chain.BallotEvent
	errs    chan error
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger
}

func (s *Subscription) Matches() <-chan chain.BallotEvent { return s.matches }

// Err delivers the first subscription failure.
func (s *Subscription) Err() <-chan error { return s.errs }

// Close releases the chain subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
		<-s.done
	})
}

func (s *Subscription) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case err := <-s.sub.Err():
			select {
			case s.errs <- err:
			default:
			}
			return
		case ev := <-s.sub.Events():
			if !SameAddress(ev.User, s.voter) {
				s.log.Debug("ignoring ballot event for another voter", "user", ev.User)
				continue
			}
			s.log.Info("ballot event matched", "tx_hash", ev.TxHash, "block", ev.BlockNumber)
			select {
			case s.matches <- ev:
			case <-s.quit:
				return
			}
		}
	}
}
