package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBallot marks a submission missing a mandatory field.
var ErrInvalidBallot = errors.New("invalid ballot")

// ErrNoBallot is returned for messages that carry no ballot payload at all.
var ErrNoBallot = errors.New("message has no ballot")

// Submission is the ballot payload of a queue message.
type Submission struct {
	ID                  string `json:"id"`
	Address             string `json:"address"`
	VoteContractAddress string `json:"voteContractAddress"`
	Transaction         string `json:"transaction"`
}

type envelope struct {
	Ballot *Submission `json:"ballot"`
}

// Decode parses {"ballot": {...}}. Field presence is checked by Validate.
func Decode(body []byte) (*Submission, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if env.Ballot == nil {
		return nil, ErrNoBallot
	}
	return env.Ballot, nil
}

func (s *Submission) Validate() error {
	var missing []string
	if strings.TrimSpace(s.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(s.Address) == "" {
		missing = append(missing, "address")
	}
	if strings.TrimSpace(s.VoteContractAddress) == "" {
		missing = append(missing, "voteContractAddress")
	}
	if strings.TrimSpace(s.Transaction) == "" {
		missing = append(missing, "transaction")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidBallot, strings.Join(missing, ", "))
	}
	return nil
}
