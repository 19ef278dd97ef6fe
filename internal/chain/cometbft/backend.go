// Package cometbft implements the chain backend for a ballot application running on
// CometBFT. Ballot events are read from Tx events carrying ballot.contract and
// ballot.user attributes.
package cometbft

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"ballot-relay/internal/chain"
	"ballot-relay/internal/logger"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	rpccoretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

const (
	// AttrUser carries the voter address of a Ballot event
	AttrUser = "ballot.user"
	// AttrContract carries the vote contract address of a Ballot event
	AttrContract = "ballot.contract"

	balanceQueryPath = "/balance/"
	addressLen       = 20
)

// rpcClient is the part of *rpchttp.HTTP the backend uses.
type rpcClient interface {
	Start() error
	Stop() error
	Health(ctx context.Context) (*rpccoretypes.ResultHealth, error)
	BroadcastTxSync(ctx context.Context, tx cmttypes.Tx) (*rpccoretypes.ResultBroadcastTx, error)
	Tx(ctx context.Context, hash []byte, prove bool) (*rpccoretypes.ResultTx, error)
	Block(ctx context.Context, height *int64) (*rpccoretypes.ResultBlock, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*rpccoretypes.ResultABCIQuery, error)
	Subscribe(ctx context.Context, subscriber, query string, outCapacity ...int) (<-chan rpccoretypes.ResultEvent, error)
	Unsubscribe(ctx context.Context, subscriber, query string) error
	UnsubscribeAll(ctx context.Context, subscriber string) error
}

type Options struct {
	// FunderAddress is the operator account named in faucet transactions
	FunderAddress string
	Logger        *slog.Logger
}

type Backend struct {
	client rpcClient
	funder string
	log    *slog.Logger

	startMu sync.Mutex
	started bool

	hub *hub
}

var _ chain.Backend = (*Backend)(nil)

// Dial creates a client for rpcURL; wsEndpoint is the websocket path (e.g. /websocket).
func Dial(rpcURL, wsEndpoint string, opts Options) (*Backend, error) {
	// rpchttp.New takes RPC base URL and WS path separately
	c, err := rpchttp.New(rpcURL, wsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("create rpc client: %w", err)
	}
	return New(c, opts), nil
}

func New(client rpcClient, opts Options) *Backend {
	b := &Backend{
		client: client,
		funder: normalizeAddress(opts.FunderAddress),
		log:    logger.Component(opts.Logger, "cometbft"),
	}
	b.hub = newHub(b, b.log)
	return b
}

// ensureStarted starts the websocket side of the client on first subscription.
func (b *Backend) ensureStarted() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return nil
	}
	if err := b.client.Start(); err != nil {
		return fmt.Errorf("start rpc client: %w", err)
	}
	b.started = true
	return nil
}

func (b *Backend) Close() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if !b.started {
		return nil
	}
	b.hub.closeAll()
	b.started = false
	return b.client.Stop()
}

func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.Health(ctx)
	return err
}

func normalizeAddress(address string) string {
	a := strings.TrimSpace(address)
	a = strings.TrimPrefix(strings.TrimPrefix(a, "0x"), "0X")
	return strings.ToUpper(a)
}

func (b *Backend) ValidateAddress(address string) error {
	raw, err := hex.DecodeString(normalizeAddress(address))
	if err != nil || len(raw) != addressLen {
		return fmt.Errorf("%q: %w", address, chain.ErrInvalidAddress)
	}
	return nil
}

// faucetTx is the operator transfer understood by the ballot application.
type faucetTx struct {
	Type   string `json:"type"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (b *Backend) broadcast(ctx context.Context, tx cmttypes.Tx) (string, error) {
	res, err := b.client.BroadcastTxSync(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("broadcast_tx_sync: %w", err)
	}
	if res.Code != 0 {
		return "", fmt.Errorf("check tx rejected (code %d, codespace %q): %s", res.Code, res.Codespace, res.Log)
	}
	return res.Hash.String(), nil
}

func (b *Backend) SendFunds(ctx context.Context, to string, amount *big.Int) (string, error) {
	if err := b.ValidateAddress(to); err != nil {
		return "", err
	}
	payload, err := json.Marshal(faucetTx{
		Type:   "fund",
		From:   b.funder,
		To:     normalizeAddress(to),
		Amount: amount.String(),
	})
	if err != nil {
		return "", err
	}
	return b.broadcast(ctx, cmttypes.Tx(payload))
}

func (b *Backend) MinedTransaction(ctx context.Context, txHash string) (*chain.MinedTx, error) {
	hash, err := hex.DecodeString(normalizeAddress(txHash))
	if err != nil {
		return nil, fmt.Errorf("decode tx hash %q: %w", txHash, err)
	}
	res, err := b.client.Tx(ctx, hash, false)
	if err != nil {
		// not indexed yet
		if strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("tx %s: %w", txHash, err)
	}
	if res.TxResult.Code != 0 {
		return nil, fmt.Errorf("tx %s failed (code %d): %s", txHash, res.TxResult.Code, res.TxResult.Log)
	}

	mined := &chain.MinedTx{
		Hash:        res.Hash.String(),
		BlockNumber: uint64(res.Height),
	}
	height := res.Height
	blk, err := b.client.Block(ctx, &height)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	mined.BlockHash = blk.BlockID.Hash.String()
	return mined, nil
}

func (b *Backend) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := b.ValidateAddress(address); err != nil {
		return nil, err
	}
	res, err := b.client.ABCIQuery(ctx, balanceQueryPath+normalizeAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("abci_query balance: %w", err)
	}
	if res.Response.Code != 0 {
		return nil, fmt.Errorf("abci_query balance (code %d): %s", res.Response.Code, res.Response.Log)
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(string(res.Response.Value)), 10)
	if !ok {
		return nil, fmt.Errorf("abci_query balance: invalid value %q", res.Response.Value)
	}
	return v, nil
}

// decodeRawTx accepts hex (optionally 0x-prefixed) or standard base64.
func decodeRawTx(raw string) (cmttypes.Tx, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty transaction")
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("transaction is neither hex nor base64")
	}
	return b, nil
}

func (b *Backend) SendRawTransaction(ctx context.Context, raw string) (string, error) {
	tx, err := decodeRawTx(raw)
	if err != nil {
		return "", fmt.Errorf("decode raw transaction: %w", err)
	}
	return b.broadcast(ctx, tx)
}

func (b *Backend) SubscribeBallots(ctx context.Context, contract string) (chain.Subscription, error) {
	if err := b.ValidateAddress(contract); err != nil {
		return nil, err
	}
	if err := b.ensureStarted(); err != nil {
		return nil, err
	}
	sub, err := b.hub.subscribe(ctx, normalizeAddress(contract))
	if err != nil {
		return nil, err
	}
	return sub, nil
}
