// Package connectivity gates chain work on node liveness.
package connectivity

import (
	"context"
	"log/slog"
	"time"

	"ballot-relay/internal/chain"
	"ballot-relay/internal/logger"
	"ballot-relay/internal/poll"
)

const DefaultInterval = 5 * time.Second

type Monitor struct {
	node     chain.Pinger
	interval time.Duration
	log      *slog.Logger

	// OnChange, when set, is called on every transition between up and down.
	OnChange func(up bool)
}

func NewMonitor(node chain.Pinger, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		node:     node,
		interval: interval,
		log:      logger.Component(log, "connectivity"),
	}
}

// Wait blocks until the node answers a ping. Chain errors are never returned; the
// only error is ctx's when the caller gives up.
func (m *Monitor) Wait(ctx context.Context) error {
	down := false
	return poll.Until(ctx, m.interval, func(ctx context.Context) (bool, error) {
		err := m.node.Ping(ctx)
		if err != nil {
			// a ping cut short by ctx is not a node failure
			if ctx.Err() != nil {
				return false, nil
			}
			if !down {
				down = true
				m.log.Warn("unable to connect to the blockchain", "error", err)
				m.notify(false)
			}
			return false, nil
		}
		if down {
			m.log.Info("successfully connected to the blockchain")
			m.notify(true)
		}
		return true, nil
	})
}

func (m *Monitor) notify(up bool) {
	if m.OnChange != nil {
		m.OnChange(up)
	}
}
