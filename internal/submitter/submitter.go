// Package submitter pushes pre-signed ballot transactions to the chain.
package submitter

import (
	"context"
	"fmt"
	"log/slog"

	"ballot-relay/internal/chain"
	"ballot-relay/internal/logger"
)

type Submitter struct {
	node chain.RawSender
	log  *slog.Logger
}

func New(node chain.RawSender, log *slog.Logger) *Submitter {
	return &Submitter{node: node, log: logger.Component(log, "submitter")}
}

// Submit sends raw once. Failures are returned as-is for the caller to finalize.
func (s *Submitter) Submit(ctx context.Context, raw string) (string, error) {
	hash, err := s.node.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("send raw transaction: %w", err)
	}
	s.log.Info("transaction submitted", "tx_hash", hash)
	return hash, nil
}
