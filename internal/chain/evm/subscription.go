package evm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ballot-relay/internal/chain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const logBufferSize = 64

// subscriber returns the websocket client, dialing it on first use.
func (b *Backend) subscriber(ctx context.Context) (*ethclient.Client, error) {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	if b.ws != nil {
		return b.ws, nil
	}
	c, err := ethclient.DialContext(ctx, b.wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial ws: %w", err)
	}
	b.ws = c
	return c, nil
}

// dropSubscriber forgets a broken websocket client so the next subscription redials.
func (b *Backend) dropSubscriber(c *ethclient.Client) {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	if b.ws != c || c == b.eth {
		return
	}
	c.Close()
	b.ws = nil
}

func (b *Backend) SubscribeBallots(ctx context.Context, contract string) (chain.Subscription, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("contract %q: %w", contract, chain.ErrInvalidAddress)
	}
	client, err := b.subscriber(ctx)
	if err != nil {
		return nil, err
	}

	logs := make(chan types.Log, logBufferSize)
	q := ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(contract)},
		Topics:    [][]common.Hash{{b.ballot.ID}},
	}
	sub, err := client.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		b.dropSubscriber(client)
		return nil, fmt.Errorf("subscribe %s logs: %w", BallotEventName, err)
	}

	s := &logSubscription{
		events: make(chan chain.BallotEvent, logBufferSize),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
		sub:    sub,
	}
	go s.loop(b, client, logs)
	return s, nil
}

// logSubscription adapts an ethereum.Subscription to chain.Subscription.
type logSubscription struct {
	events chan chain.BallotEvent
	errs   chan error
	quit   chan struct{}
	once   sync.Once
	sub    ethereum.Subscription
}

func (s *logSubscription) Events() <-chan chain.BallotEvent { return s.events }
func (s *logSubscription) Err() <-chan error                { return s.errs }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}

func (s *logSubscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *logSubscription) loop(b *Backend, client *ethclient.Client, logs <-chan types.Log) {
	for {
		select {
		case <-s.quit:
			return
		case err, ok := <-s.sub.Err():
			if !ok {
				return
			}
			if err == nil {
				err = errors.New("log subscription closed")
			}
			b.dropSubscriber(client)
			s.fail(err)
			return
		case l := <-logs:
			if l.Removed {
				continue
			}
			ev, err := b.decodeBallotLog(l)
			if err != nil {
				// one malformed log must not fail every ballot watching the contract
				b.log.Warn("skipping undecodable log", "tx_hash", l.TxHash.Hex(), "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.quit:
				return
			}
		}
	}
}

// decodeBallotLog reads the user field whether or not the ABI marks it indexed.
func (b *Backend) decodeBallotLog(l types.Log) (chain.BallotEvent, error) {
	if len(l.Topics) == 0 || l.Topics[0] != b.ballot.ID {
		return chain.BallotEvent{}, fmt.Errorf("log %s is not a %s event", l.TxHash.Hex(), BallotEventName)
	}

	fields := map[string]interface{}{}
	if nonIndexed := b.ballot.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(fields, l.Data); err != nil {
			return chain.BallotEvent{}, fmt.Errorf("unpack %s data: %w", BallotEventName, err)
		}
	}
	if len(b.indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(fields, b.indexed, l.Topics[1:]); err != nil {
			return chain.BallotEvent{}, fmt.Errorf("parse %s topics: %w", BallotEventName, err)
		}
	}

	user, ok := fields["user"].(common.Address)
	if !ok {
		return chain.BallotEvent{}, fmt.Errorf("%s event without user", BallotEventName)
	}
	return chain.BallotEvent{
		Contract:    l.Address.Hex(),
		User:        user.Hex(),
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
	}, nil
}
