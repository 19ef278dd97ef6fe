package cometbft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"ballot-relay/internal/chain"

	rpccoretypes "github.com/cometbft/cometbft/rpc/core/types"
	"github.com/google/uuid"
)

const (
	eventCapacity      = 100
	localBufferSize    = 64
	unsubscribeTimeout = 5 * time.Second
)

var errBackendClosed = errors.New("cometbft backend closed")

// The websocket client keys subscriptions by query, so every contract gets one
// remote subscription that is fanned out to the local subscribers.
type hub struct {
	backend    *Backend
	log        *slog.Logger
	subscriber string

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	query    string
	contract string
	subs     map[*localSub]struct{}
	stop     chan struct{}
}

func newHub(b *Backend, log *slog.Logger) *hub {
	return &hub{
		backend:    b,
		log:        log,
		subscriber: "ballot-relay-" + uuid.NewString(),
		topics:     make(map[string]*topic),
	}
}

func ballotQuery(contract string) string {
	return fmt.Sprintf("tm.event='Tx' AND %s='%s'", AttrContract, contract)
}

func (h *hub) subscribe(ctx context.Context, contract string) (*localSub, error) {
	query := ballotQuery(contract)

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[query]
	if !ok {
		out, err := h.backend.client.Subscribe(ctx, h.subscriber, query, eventCapacity)
		if err != nil {
			return nil, fmt.Errorf("subscribe %q: %w", query, err)
		}
		t = &topic{
			query:    query,
			contract: contract,
			subs:     make(map[*localSub]struct{}),
			stop:     make(chan struct{}),
		}
		h.topics[query] = t
		go h.dispatch(t, out)
		h.log.Debug("subscribed to ballot events", "query", query)
	}

	s := &localSub{
		hub:    h,
		topic:  t,
		events: make(chan chain.BallotEvent, localBufferSize),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	return s, nil
}

func (h *hub) snapshot(t *topic) []*localSub {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*localSub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	return subs
}

func (h *hub) dispatch(t *topic, out <-chan rpccoretypes.ResultEvent) {
	for {
		select {
		case <-t.stop:
			return
		case ev, ok := <-out:
			if !ok {
				h.fail(t, errors.New("event subscription closed"))
				return
			}
			events := ballotEvents(t.contract, ev)
			if len(events) == 0 {
				continue
			}
			for _, s := range h.snapshot(t) {
				for _, e := range events {
					if !s.deliver(e) {
						break
					}
				}
			}
		}
	}
}

// fail drops the topic and reports err to everyone still attached to it.
func (h *hub) fail(t *topic, err error) {
	h.mu.Lock()
	if h.topics[t.query] == t {
		delete(h.topics, t.query)
	}
	subs := make([]*localSub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	h.log.Warn("ballot event subscription failed", "query", t.query, "error", err)
	for _, s := range subs {
		s.fail(err)
	}
}

func (h *hub) unsubscribe(s *localSub) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := s.topic
	delete(t.subs, s)
	if len(t.subs) > 0 || h.topics[t.query] != t {
		return
	}
	delete(h.topics, t.query)
	close(t.stop)

	// under the lock, so a new subscriber cannot race the remote unsubscribe
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := h.backend.client.Unsubscribe(ctx, h.subscriber, t.query); err != nil {
		h.log.Warn("unsubscribe failed", "query", t.query, "error", err)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	var subs []*localSub
	for _, t := range topics {
		close(t.stop)
		for s := range t.subs {
			subs = append(subs, s)
		}
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.fail(errBackendClosed)
	}
	if len(topics) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := h.backend.client.UnsubscribeAll(ctx, h.subscriber); err != nil {
		h.log.Warn("unsubscribe all failed", "error", err)
	}
}

// ballotEvents expands a Tx event into one BallotEvent per ballot.user attribute
// emitted for contract. Attribute values are positionally aligned per event type.
func ballotEvents(contract string, ev rpccoretypes.ResultEvent) []chain.BallotEvent {
	users := ev.Events[AttrUser]
	if len(users) == 0 {
		return nil
	}
	contracts := ev.Events[AttrContract]

	var txHash string
	if hashes := ev.Events["tx.hash"]; len(hashes) > 0 {
		txHash = hashes[0]
	}
	var height uint64
	if heights := ev.Events["tx.height"]; len(heights) > 0 {
		height, _ = strconv.ParseUint(heights[0], 10, 64)
	}

	out := make([]chain.BallotEvent, 0, len(users))
	for i, user := range users {
		c := contract
		if i < len(contracts) {
			c = normalizeAddress(contracts[i])
		}
		if !strings.EqualFold(c, contract) {
			continue
		}
		out = append(out, chain.BallotEvent{
			Contract:    contract,
			User:        user,
			TxHash:      txHash,
			BlockNumber: height,
		})
	}
	return out
}

type localSub struct {
	hub    *hub
	topic  *topic
	events chan chain.BallotEvent
	errs   chan error
	quit   chan struct{}
	once   sync.Once
}

func (s *localSub) Events() <-chan chain.BallotEvent { return s.events }
func (s *localSub) Err() <-chan error                { return s.errs }

func (s *localSub) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.hub.unsubscribe(s)
	})
}

func (s *localSub) deliver(ev chain.BallotEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func (s *localSub) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
