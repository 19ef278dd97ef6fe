package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ballot-relay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ConcurrentFinalizeWritesOnce(t *testing.T) {
	m := NewMemory()
	m.Put(models.Ballot{ID: "b1", VoterAddress: "0xAA"})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := Finalization{Status: models.BallotComplete, TransactionHash: "0xTX1"}
			if i%2 == 1 {
				f = Finalization{Status: models.BallotError, ErrorDetail: "late"}
			}
			_, err := m.Finalize(context.Background(), "b1", f)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyFinalized):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 15, conflicts)
	assert.Equal(t, 1, m.Writes("b1"))
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.Put(models.Ballot{ID: "b1"})

	b, err := m.Get(context.Background(), "b1")
	require.NoError(t, err)
	b.Status = models.BallotComplete

	again, err := m.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BallotPending, again.Status)
}
