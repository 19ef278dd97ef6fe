package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits("10", 18)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000000", v.String())

	v, err = ParseUnits("0.5", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(50), v.Int64())

	_, err = ParseUnits("0.001", 2)
	assert.Error(t, err)
	_, err = ParseUnits("-1", 18)
	assert.Error(t, err)
	_, err = ParseUnits("ten", 18)
	assert.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	wei, _ := new(big.Int).SetString("10500000000000000000", 10)
	assert.Equal(t, "10.5", FormatUnits(wei, 18))
	assert.Equal(t, "10", FormatUnits(big.NewInt(10), 0))
	assert.Equal(t, "3", FormatUnits(big.NewInt(300), 2))
	assert.Equal(t, "0", FormatUnits(nil, 18))
}
