// Package evm implements the chain backend over Ethereum JSON-RPC.
package evm

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"ballot-relay/internal/chain"
	"ballot-relay/internal/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

//go:embed vote_abi.json
var defaultVoteABI []byte

// BallotEventName is the vote contract event that confirms a ballot.
const BallotEventName = "Ballot"

type Options struct {
	// WSURL is dialed lazily for log subscriptions. Empty: subscribe over the RPC client.
	WSURL string
	// FunderAddress is the node-managed account that funds voters. Empty: eth_accounts[0].
	FunderAddress string
	// VoteABI overrides the embedded Vote contract ABI.
	VoteABI []byte
	Logger  *slog.Logger
}

// Backend talks to an Ethereum node. HTTP is used for calls; websocket for subscriptions.
type Backend struct {
	rpc   *rpc.Client
	eth   *ethclient.Client
	wsURL string
	log   *slog.Logger

	wsMu sync.Mutex
	ws   *ethclient.Client

	ballot  abi.Event
	indexed abi.Arguments

	funderMu sync.Mutex
	funder   *common.Address
}

var _ chain.Backend = (*Backend)(nil)

// Dial connects to rpcURL. The websocket endpoint is only dialed on first subscription,
// so a node that is down at startup is left to the connectivity monitor.
func Dial(ctx context.Context, rpcURL string, opts Options) (*Backend, error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	b, err := New(rc, opts)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an existing RPC client.
func New(rc *rpc.Client, opts Options) (*Backend, error) {
	abiJSON := opts.VoteABI
	if len(abiJSON) == 0 {
		abiJSON = defaultVoteABI
	}
	ev, err := ballotEvent(abiJSON)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		rpc:    rc,
		eth:    ethclient.NewClient(rc),
		wsURL:  opts.WSURL,
		log:    logger.Component(opts.Logger, "evm"),
		ballot: ev,
	}
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			b.indexed = append(b.indexed, arg)
		}
	}
	if b.wsURL == "" {
		b.ws = b.eth
	}
	if opts.FunderAddress != "" {
		if !common.IsHexAddress(opts.FunderAddress) {
			return nil, fmt.Errorf("funder %q: %w", opts.FunderAddress, chain.ErrInvalidAddress)
		}
		addr := common.HexToAddress(opts.FunderAddress)
		b.funder = &addr
	}
	return b, nil
}

// ballotEvent extracts the Ballot event and checks it carries an address "user" field.
func ballotEvent(abiJSON []byte) (abi.Event, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return abi.Event{}, fmt.Errorf("parse vote abi: %w", err)
	}
	ev, ok := parsed.Events[BallotEventName]
	if !ok {
		return abi.Event{}, fmt.Errorf("vote abi has no %s event", BallotEventName)
	}
	if ev.Anonymous {
		return abi.Event{}, fmt.Errorf("%s event is anonymous", BallotEventName)
	}
	for _, arg := range ev.Inputs {
		if arg.Name == "user" && arg.Type.T == abi.AddressTy {
			return ev, nil
		}
	}
	return abi.Event{}, fmt.Errorf("%s event has no address field \"user\"", BallotEventName)
}

func (b *Backend) Close() error {
	b.wsMu.Lock()
	if b.ws != nil && b.ws != b.eth {
		b.ws.Close()
	}
	b.ws = nil
	b.wsMu.Unlock()
	b.rpc.Close()
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.eth.BlockNumber(ctx)
	return err
}

func (b *Backend) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%q: %w", address, chain.ErrInvalidAddress)
	}
	return nil
}

// funderAccount returns the configured operator account or the node's first account.
func (b *Backend) funderAccount(ctx context.Context) (common.Address, error) {
	b.funderMu.Lock()
	defer b.funderMu.Unlock()
	if b.funder != nil {
		return *b.funder, nil
	}

	var accounts []common.Address
	if err := b.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, fmt.Errorf("eth_accounts: %w", err)
	}
	if len(accounts) == 0 {
		return common.Address{}, errors.New("node manages no accounts to fund from")
	}
	b.funder = &accounts[0]
	return accounts[0], nil
}

func (b *Backend) SendFunds(ctx context.Context, to string, amount *big.Int) (string, error) {
	if err := b.ValidateAddress(to); err != nil {
		return "", err
	}
	from, err := b.funderAccount(ctx)
	if err != nil {
		return "", err
	}

	args := map[string]interface{}{
		"from":  from,
		"to":    common.HexToAddress(to),
		"value": (*hexutil.Big)(amount),
	}
	var hash common.Hash
	if err := b.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return "", fmt.Errorf("eth_sendTransaction: %w", err)
	}
	return hash.Hex(), nil
}

type rpcTransaction struct {
	Hash        common.Hash  `json:"hash"`
	BlockHash   *common.Hash `json:"blockHash"`
	BlockNumber *hexutil.Big `json:"blockNumber"`
}

func (b *Backend) MinedTransaction(ctx context.Context, txHash string) (*chain.MinedTx, error) {
	var tx *rpcTransaction
	if err := b.rpc.CallContext(ctx, &tx, "eth_getTransactionByHash", common.HexToHash(txHash)); err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash: %w", err)
	}
	// unknown yet, or pending without a block
	if tx == nil || tx.BlockHash == nil || *tx.BlockHash == (common.Hash{}) {
		return nil, nil
	}

	mined := &chain.MinedTx{
		Hash:      tx.Hash.Hex(),
		BlockHash: tx.BlockHash.Hex(),
	}
	if tx.BlockNumber != nil {
		mined.BlockNumber = tx.BlockNumber.ToInt().Uint64()
	}
	return mined, nil
}

func (b *Backend) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := b.ValidateAddress(address); err != nil {
		return nil, err
	}
	return b.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
}

func (b *Backend) SendRawTransaction(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	data, err := hexutil.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("decode raw transaction: %w", err)
	}

	var hash common.Hash
	if err := b.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(data)); err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	return hash.Hex(), nil
}
