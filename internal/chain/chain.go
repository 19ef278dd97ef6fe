// Package chain defines what the relay needs from a blockchain node. Backends live in
// the evm and cometbft subpackages.
package chain

import (
	"context"
	"errors"
	"math/big"
)

// ErrInvalidAddress is returned for syntactically invalid account addresses.
var ErrInvalidAddress = errors.New("invalid address")

// MinedTx describes a transaction that has been included in a block.
type MinedTx struct {
	Hash        string
	BlockHash   string
	BlockNumber uint64
}

// BallotEvent is a Ballot event emitted by a vote contract.
type BallotEvent struct {
	Contract    string
	User        string
	TxHash      string
	BlockNumber uint64
}

// Pinger checks node liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Funding moves native currency from the operator account and tracks inclusion.
type Funding interface {
	ValidateAddress(address string) error
	SendFunds(ctx context.Context, to string, amount *big.Int) (txHash string, err error)
	// MinedTransaction returns (nil, nil) while the transaction is not yet in a block.
	MinedTransaction(ctx context.Context, txHash string) (*MinedTx, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// RawSender pushes a pre-signed transaction.
type RawSender interface {
	SendRawTransaction(ctx context.Context, raw string) (txHash string, err error)
}

// Subscription is a live feed of contract-wide Ballot events.
type Subscription interface {
	Events() <-chan BallotEvent
	// Err delivers at most one error, after which no more events arrive.
	Err() <-chan error
	Unsubscribe()
}

// EventSource opens Ballot event subscriptions on a contract.
type EventSource interface {
	SubscribeBallots(ctx context.Context, contract string) (Subscription, error)
}

// Backend is a full node connection.
type Backend interface {
	Pinger
	Funding
	RawSender
	EventSource
	Close() error
}
