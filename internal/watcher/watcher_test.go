package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"ballot-relay/internal/chain"
	"ballot-relay/internal/chain/chaintest"
	"ballot-relay/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchIgnoresOtherVoters(t *testing.T) {
	node := &chaintest.Node{}
	w := New(node, logger.Discard())

	sub, err := w.Watch(context.Background(), "0xCC", "0xYY")
	require.NoError(t, err)
	defer sub.Close()

	node.Emit(chain.BallotEvent{User: "0xXX", TxHash: "0x01"})
	node.Emit(chain.BallotEvent{User: "0xyy", TxHash: "0x02"})

	select {
	case ev := <-sub.Matches():
		assert.Equal(t, "0x02", ev.TxHash)
	case <-time.After(2 * time.Second):
		t.Fatal("no match")
	}

	select {
	case ev := <-sub.Matches():
		t.Fatalf("unexpected second match %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWatchForwardsSubscriptionError(t *testing.T) {
	node := &chaintest.Node{}
	sub, err := New(node, logger.Discard()).Watch(context.Background(), "0xCC", "0xAA")
	require.NoError(t, err)
	defer sub.Close()

	node.Fail(errors.New("ws closed"))
	select {
	case err := <-sub.Err():
		assert.EqualError(t, err, "ws closed")
	case <-time.After(2 * time.Second):
		t.Fatal("no error")
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	node := &chaintest.Node{}
	sub, err := New(node, logger.Discard()).Watch(context.Background(), "0xCC", "0xAA")
	require.NoError(t, err)
	assert.Equal(t, 1, node.ActiveSubscriptions())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, node.ActiveSubscriptions())
}

func TestWatchSubscribeError(t *testing.T) {
	node := &chaintest.Node{SubscribeErr: errors.New("dial ws: refused")}
	_, err := New(node, logger.Discard()).Watch(context.Background(), "0xCC", "0xAA")
	assert.ErrorContains(t, err, "refused")
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("0xAbC", "0xabc"))
	assert.True(t, SameAddress("ABC", "0xabc"))
	assert.False(t, SameAddress("0xabc", "0xabd"))
}
