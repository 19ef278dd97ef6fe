// Package store persists ballot records. Every implementation finalizes a ballot with
// a conditional write guarded by status = pending, so a terminal ballot is never
// overwritten.
package store

import (
	"context"
	"errors"
	"fmt"

	"ballot-relay/internal/models"
)

var (
	// ErrNotFound is returned when no ballot has the requested id.
	ErrNotFound = errors.New("ballot not found")
	// ErrAlreadyFinalized is returned when the ballot already left pending.
	ErrAlreadyFinalized = errors.New("ballot already finalized")
)

// Finalization is the terminal write applied to a pending ballot.
type Finalization struct {
	Status          models.BallotStatus
	TransactionHash string
	ErrorDetail     string
}

func (f Finalization) validate() error {
	if !f.Status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", f.Status)
	}
	return nil
}

// Store is the record store consumed by the ballot writer.
type Store interface {
	// Get returns ErrNotFound when the ballot does not exist.
	Get(ctx context.Context, id string) (*models.Ballot, error)
	// Finalize applies f only if the ballot is still pending. When it is not, the
	// current record is returned together with ErrAlreadyFinalized.
	Finalize(ctx context.Context, id string, f Finalization) (*models.Ballot, error)
}
