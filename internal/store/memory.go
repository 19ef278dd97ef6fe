package store

import (
	"context"
	"sync"
	"time"

	"ballot-relay/internal/models"
)

// Memory is a process-local store used when no database is configured and in tests.
type Memory struct {
	mu      sync.Mutex
	ballots map[string]models.Ballot
	writes  map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		ballots: make(map[string]models.Ballot),
		writes:  make(map[string]int),
	}
}

// Put inserts or replaces a ballot as-is.
func (m *Memory) Put(b models.Ballot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Status == "" {
		b.Status = models.BallotPending
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	m.ballots[b.ID] = b
}

// Writes returns how many terminal writes were applied to id.
func (m *Memory) Writes(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[id]
}

func (m *Memory) Get(_ context.Context, id string) (*models.Ballot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.ballots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *Memory) Finalize(_ context.Context, id string, f Finalization) (*models.Ballot, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.ballots[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != models.BallotPending {
		return &b, ErrAlreadyFinalized
	}

	b.Status = f.Status
	if f.TransactionHash != "" {
		b.TransactionHash = f.TransactionHash
	}
	if f.Status == models.BallotError {
		b.ErrorDetail = f.ErrorDetail
	}
	b.UpdatedAt = time.Now()
	m.ballots[id] = b
	m.writes[id]++
	return &b, nil
}
