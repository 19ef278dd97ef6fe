package connectivity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ballot-relay/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyNode fails the first n pings.
type flakyNode struct {
	failures int32
	calls    atomic.Int32
}

func (n *flakyNode) Ping(context.Context) error {
	if n.calls.Add(1) <= n.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitReturnsImmediatelyWhenUp(t *testing.T) {
	node := &flakyNode{}
	m := NewMonitor(node, time.Hour, logger.Discard())

	require.NoError(t, m.Wait(context.Background()))
	assert.Equal(t, int32(1), node.calls.Load())
}

func TestWaitLogsOnceAtOnsetAndRecovery(t *testing.T) {
	var buf bytes.Buffer
	node := &flakyNode{failures: 4}
	m := NewMonitor(node, time.Millisecond, logger.NewWithWriter(false, &buf))
	var changes []bool
	m.OnChange = func(up bool) { changes = append(changes, up) }

	require.NoError(t, m.Wait(context.Background()))

	assert.Equal(t, int32(5), node.calls.Load())
	assert.Equal(t, 1, strings.Count(buf.String(), "unable to connect"))
	assert.Equal(t, 1, strings.Count(buf.String(), "successfully connected"))
	assert.Equal(t, []bool{false, true}, changes)
}

func TestWaitStopsOnCancel(t *testing.T) {
	node := &flakyNode{failures: 1 << 30}
	m := NewMonitor(node, time.Millisecond, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)
}
