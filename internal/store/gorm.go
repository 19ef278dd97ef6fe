package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ballot-relay/internal/models"

	"gorm.io/gorm"
)

// GormStore keeps ballots in a SQL database through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.Ballot, error) {
	var b models.Ballot
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ballot %s: %w", id, err)
	}
	return &b, nil
}

func (s *GormStore) Finalize(ctx context.Context, id string, f Finalization) (*models.Ballot, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"status":     string(f.Status),
		"updated_at": time.Now(),
	}
	if f.TransactionHash != "" {
		updates["transaction_hash"] = f.TransactionHash
	}
	if f.Status == models.BallotError {
		updates["error_detail"] = f.ErrorDetail
	}

	// UPDATE ... WHERE status = 'pending' is the compare-and-swap
	res := s.db.WithContext(ctx).
		Model(&models.Ballot{}).
		Where("id = ? AND status = ?", id, string(models.BallotPending)).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("finalize ballot %s: %w", id, res.Error)
	}

	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return b, ErrAlreadyFinalized
	}
	return b, nil
}
