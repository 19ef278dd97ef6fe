// Package models defines the persisted ballot record.
package models

import "time"

// BallotStatus is the lifecycle state of a ballot
type BallotStatus string

const (
	BallotPending  BallotStatus = "pending"
	BallotComplete BallotStatus = "complete"
	BallotError    BallotStatus = "error"
)

// Terminal reports whether no further transition may leave s.
func (s BallotStatus) Terminal() bool {
	return s == BallotComplete || s == BallotError
}

// Ballot is a single voter's submitted vote and its on-chain confirmation status.
// VoterAddress, VoteContractAddress and RawTransaction are immutable once written.
type Ballot struct {
	ID                  string       `gorm:"primaryKey;size:64" dynamodbav:"id"`
	VoterAddress        string       `gorm:"size:128;index" dynamodbav:"voter_address"`
	VoteContractAddress string       `gorm:"size:128;index" dynamodbav:"vote_contract_address"`
	RawTransaction      string       `gorm:"type:text" dynamodbav:"raw_transaction"`
	Status              BallotStatus `gorm:"size:16;index;not null;default:pending" dynamodbav:"status"`
	TransactionHash     string       `gorm:"size:128" dynamodbav:"transaction_hash"`
	ErrorDetail         string       `gorm:"type:text" dynamodbav:"error_detail"`
	CreatedAt           time.Time    `dynamodbav:"created_at"`
	UpdatedAt           time.Time    `dynamodbav:"updated_at"`
}
