package funder

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"ballot-relay/internal/chain"
	"ballot-relay/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	mu         sync.Mutex
	sendErr    error
	lookupErr  error
	pendingFor int
	lookups    int
	sent       []string
	balanceErr error
}

func (n *fakeNode) ValidateAddress(address string) error {
	if address == "bad" {
		return chain.ErrInvalidAddress
	}
	return nil
}

func (n *fakeNode) SendFunds(_ context.Context, to string, _ *big.Int) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return "", n.sendErr
	}
	n.sent = append(n.sent, to)
	return "0xf1", nil
}

func (n *fakeNode) MinedTransaction(_ context.Context, hash string) (*chain.MinedTx, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookups++
	if n.lookupErr != nil {
		return nil, n.lookupErr
	}
	if n.lookups <= n.pendingFor {
		return nil, nil
	}
	return &chain.MinedTx{Hash: hash, BlockHash: "0xb1", BlockNumber: 3}, nil
}

func (n *fakeNode) Balance(context.Context, string) (*big.Int, error) {
	if n.balanceErr != nil {
		return nil, n.balanceErr
	}
	return big.NewInt(10), nil
}

func newFunder(t *testing.T, node *fakeNode, opts Options) *Funder {
	t.Helper()
	if opts.Amount == nil {
		opts.Amount = big.NewInt(10)
	}
	opts.PollInterval = time.Millisecond
	opts.Logger = logger.Discard()
	f, err := New(node, opts)
	require.NoError(t, err)
	return f
}

func TestFundWaitsUntilMined(t *testing.T) {
	node := &fakeNode{pendingFor: 3}
	f := newFunder(t, node, Options{})

	mined, err := f.Fund(context.Background(), "0xAA")
	require.NoError(t, err)
	assert.Equal(t, "0xb1", mined.BlockHash)
	assert.Equal(t, 4, node.lookups)
	assert.Equal(t, []string{"0xAA"}, node.sent)
}

func TestFundIsUnconditional(t *testing.T) {
	node := &fakeNode{}
	f := newFunder(t, node, Options{})

	for i := 0; i < 2; i++ {
		_, err := f.Fund(context.Background(), "0xAA")
		require.NoError(t, err)
	}
	assert.Len(t, node.sent, 2)
}

func TestFundErrors(t *testing.T) {
	_, err := newFunder(t, &fakeNode{}, Options{}).Fund(context.Background(), "bad")
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)

	rpcErr := errors.New("insufficient funds")
	_, err = newFunder(t, &fakeNode{sendErr: rpcErr}, Options{}).Fund(context.Background(), "0xAA")
	assert.ErrorIs(t, err, rpcErr)

	node := &fakeNode{lookupErr: errors.New("connection reset")}
	_, err = newFunder(t, node, Options{}).Fund(context.Background(), "0xAA")
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 1, node.lookups, "an RPC error during the mined poll is not retried")
}

func TestFundBalanceFailureIsLoggedOnly(t *testing.T) {
	node := &fakeNode{balanceErr: errors.New("boom")}
	_, err := newFunder(t, node, Options{}).Fund(context.Background(), "0xAA")
	assert.NoError(t, err)
}

func TestFundHonorsDeadline(t *testing.T) {
	node := &fakeNode{pendingFor: 1 << 30}
	f := newFunder(t, node, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Fund(ctx, "0xAA")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFundThrottle(t *testing.T) {
	node := &fakeNode{}
	f := newFunder(t, node, Options{Rate: 0.001})

	_, err := f.Fund(context.Background(), "0xAA")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fund(ctx, "0xBB")
	assert.Error(t, err, "second transfer waits past the deadline")
	assert.Len(t, node.sent, 1)
}

func TestNewRejectsNonPositiveAmount(t *testing.T) {
	_, err := New(&fakeNode{}, Options{Amount: big.NewInt(0)})
	assert.Error(t, err)
}
