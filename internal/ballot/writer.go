// Package ballot is the only writer of a ballot's terminal status.
package ballot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ballot-relay/internal/logger"
	"ballot-relay/internal/models"
	"ballot-relay/internal/store"
)

// ErrorDetail is the structured payload stored in a failed ballot's error_detail.
type ErrorDetail struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (d ErrorDetail) String() string {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf(`{"stage":%q,"message":%q}`, d.Stage, d.Message)
	}
	return string(b)
}

// ParseErrorDetail decodes a stored error_detail.
func ParseErrorDetail(s string) (ErrorDetail, error) {
	var d ErrorDetail
	err := json.Unmarshal([]byte(s), &d)
	return d, err
}

type Writer struct {
	store store.Store
	log   *slog.Logger
}

func NewWriter(s store.Store, log *slog.Logger) *Writer {
	return &Writer{store: s, log: logger.Component(log, "ballot")}
}

// Get returns the current record; store.ErrNotFound when absent.
func (w *Writer) Get(ctx context.Context, id string) (*models.Ballot, error) {
	return w.store.Get(ctx, id)
}

// FinalizeSuccess marks id complete with txHash. A missing ballot is an error.
// A ballot that already left pending is returned unchanged with store.ErrAlreadyFinalized.
func (w *Writer) FinalizeSuccess(ctx context.Context, id, txHash string) (*models.Ballot, error) {
	b, err := w.store.Finalize(ctx, id, store.Finalization{
		Status:          models.BallotComplete,
		TransactionHash: txHash,
	})
	switch {
	case errors.Is(err, store.ErrAlreadyFinalized):
		w.log.Warn("ballot already finalized, not overwriting", "ballot_id", id, "status", b.Status)
		return b, err
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("unknown ballot with id %s: %w", id, err)
	case err != nil:
		return nil, fmt.Errorf("finalize ballot %s: %w", id, err)
	}
	w.log.Info("ballot complete", "ballot_id", id, "tx_hash", txHash)
	return b, nil
}

// FinalizeError marks id as failed at stage. txHash, when the transaction was already
// submitted, is kept so the on-chain attempt stays traceable. A missing ballot is a
// logged no-op returning (nil, nil).
func (w *Writer) FinalizeError(ctx context.Context, id, stage, txHash string, cause error) (*models.Ballot, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	detail := ErrorDetail{Stage: stage, Message: msg}

	b, err := w.store.Finalize(ctx, id, store.Finalization{
		Status:          models.BallotError,
		TransactionHash: txHash,
		ErrorDetail:     detail.String(),
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.log.Warn("cannot record error for unknown ballot", "ballot_id", id, "stage", stage, "error", msg)
		return nil, nil
	case errors.Is(err, store.ErrAlreadyFinalized):
		w.log.Warn("ballot already finalized, not overwriting", "ballot_id", id, "status", b.Status)
		return b, err
	case err != nil:
		return nil, fmt.Errorf("finalize ballot %s: %w", id, err)
	}
	w.log.Info("ballot failed", "ballot_id", id, "stage", stage, "tx_hash", txHash, "error", msg)
	return b, nil
}
