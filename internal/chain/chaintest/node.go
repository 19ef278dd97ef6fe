// Package chaintest provides an in-memory chain.Backend for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"ballot-relay/internal/chain"
)

// Node is a scriptable chain.Backend. Zero value: always up, every call succeeds,
// funding transfers are mined on first lookup.
type Node struct {
	mu sync.Mutex

	// DownFor makes the first n pings fail
	DownFor      int
	SendFundsErr error
	MinedErr     error
	SubmitErr    error
	SubscribeErr error
	// SubmitHash is returned by SendRawTransaction (default "0xTX1")
	SubmitHash string
	// OnSubmit runs after a successful SendRawTransaction, outside the lock
	OnSubmit func(raw string)
	// BlockSubmit, when set, makes SendRawTransaction wait for ctx to end
	BlockSubmit bool

	calls []string
	pings int
	subs  map[*Sub]struct{}
}

var _ chain.Backend = (*Node)(nil)

func (n *Node) record(call string) {
	n.mu.Lock()
	n.calls = append(n.calls, call)
	n.mu.Unlock()
}

// Calls lists the backend methods invoked so far, in order. Ping is not recorded.
func (n *Node) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *Node) Ping(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pings++
	if n.pings <= n.DownFor {
		return fmt.Errorf("node down")
	}
	return nil
}

func (n *Node) ValidateAddress(address string) error {
	if len(address) < 3 || address[:2] != "0x" {
		return fmt.Errorf("%q: %w", address, chain.ErrInvalidAddress)
	}
	return nil
}

func (n *Node) SendFunds(_ context.Context, to string, _ *big.Int) (string, error) {
	n.record("SendFunds")
	if n.SendFundsErr != nil {
		return "", n.SendFundsErr
	}
	return "0xF0" + to, nil
}

func (n *Node) MinedTransaction(_ context.Context, txHash string) (*chain.MinedTx, error) {
	n.record("MinedTransaction")
	if n.MinedErr != nil {
		return nil, n.MinedErr
	}
	return &chain.MinedTx{Hash: txHash, BlockHash: "0xB1", BlockNumber: 1}, nil
}

func (n *Node) Balance(context.Context, string) (*big.Int, error) {
	return big.NewInt(10), nil
}

func (n *Node) SendRawTransaction(ctx context.Context, raw string) (string, error) {
	n.record("SendRawTransaction")
	if n.BlockSubmit {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if n.SubmitErr != nil {
		return "", n.SubmitErr
	}
	if n.OnSubmit != nil {
		n.OnSubmit(raw)
	}
	if n.SubmitHash == "" {
		return "0xTX1", nil
	}
	return n.SubmitHash, nil
}

func (n *Node) SubscribeBallots(_ context.Context, contract string) (chain.Subscription, error) {
	n.record("SubscribeBallots")
	if n.SubscribeErr != nil {
		return nil, n.SubscribeErr
	}
	s := &Sub{
		node:     n,
		contract: contract,
		events:   make(chan chain.BallotEvent, 16),
		errs:     make(chan error, 1),
	}
	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[*Sub]struct{})
	}
	n.subs[s] = struct{}{}
	n.mu.Unlock()
	return s, nil
}

func (n *Node) Close() error { return nil }

// Emit delivers ev to every open subscription on ev.Contract (all when empty).
func (n *Node) Emit(ev chain.BallotEvent) {
	for _, s := range n.open() {
		if ev.Contract == "" || ev.Contract == s.contract {
			s.events <- ev
		}
	}
}

// Fail delivers err on every open subscription.
func (n *Node) Fail(err error) {
	for _, s := range n.open() {
		select {
		case s.errs <- err:
		default:
		}
	}
}

// ActiveSubscriptions counts subscriptions not yet released.
func (n *Node) ActiveSubscriptions() int {
	return len(n.open())
}

func (n *Node) open() []*Sub {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Sub, 0, len(n.subs))
	for s := range n.subs {
		out = append(out, s)
	}
	return out
}

type Sub struct {
	node     *Node
	contract string
	events   chan chain.BallotEvent
	errs     chan error
	once     sync.Once
}

func (s *Sub) Events() <-chan chain.BallotEvent { return s.events }
func (s *Sub) Err() <-chan error                { return s.errs }

func (s *Sub) Unsubscribe() {
	s.once.Do(func() {
		s.node.mu.Lock()
		delete(s.node.subs, s)
		s.node.mu.Unlock()
	})
}
