package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	sub, err := Decode([]byte(`{"ballot":{"id":"b1","address":"0xAA","voteContractAddress":"0xCC","transaction":"0xdeadbeef"}}`))
	require.NoError(t, err)
	assert.Equal(t, Submission{ID: "b1", Address: "0xAA", VoteContractAddress: "0xCC", Transaction: "0xdeadbeef"}, *sub)
	assert.NoError(t, sub.Validate())

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"vote":{}}`))
	assert.ErrorIs(t, err, ErrNoBallot)
}

func TestValidateListsMissingFields(t *testing.T) {
	sub, err := Decode([]byte(`{"ballot":{"id":"b1","address":"0xAA"}}`))
	require.NoError(t, err)

	err = sub.Validate()
	assert.ErrorIs(t, err, ErrInvalidBallot)
	assert.EqualError(t, err, "invalid ballot: missing voteContractAddress, transaction")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-connectivity", StateAwaitingConnectivity.String())
	assert.Equal(t, "acknowledged", StateAcknowledged.String())
	assert.Equal(t, "state(42)", State(42).String())
}
