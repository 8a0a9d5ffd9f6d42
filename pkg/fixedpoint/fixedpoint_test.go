package fixedpoint

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
)

func TestTickSqrtRoundTrip(t *testing.T) {
	ticks := []int{MinTick, MinTick + 1, -887000, -500000, -1, 0, 1, 500000, 887000, MaxTick - 1, MaxTick}
	for _, tick := range ticks {
		sqrtPrice, err := TickToSqrtPriceX96(tick)
		require.NoError(t, err)
		got, err := SqrtPriceX96ToTick(sqrtPrice)
		require.NoError(t, err)
		assert.Equal(t, tick, got, "round trip for tick %d", tick)
	}
}

func TestTickToSqrtPriceOutOfRange(t *testing.T) {
	_, err := TickToSqrtPriceX96(MaxTick + 1)
	assert.Error(t, err)
	_, err = TickToSqrtPriceX96(MinTick - 1)
	assert.Error(t, err)
}

func TestMulDivFloorCeil(t *testing.T) {
	a := big.NewInt(7)
	b := big.NewInt(3)
	d := big.NewInt(2)
	floor, err := MulDivFloor(a, b, d)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), floor) // 21/2 = 10.5 -> 10

	ceil, err := MulDivCeil(a, b, d)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(11), ceil) // 21/2 -> 11

	// exact division: floor == ceil
	exactFloor, err := MulDivFloor(big.NewInt(4), big.NewInt(3), big.NewInt(2))
	require.NoError(t, err)
	exactCeil, err := MulDivCeil(big.NewInt(4), big.NewInt(3), big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, exactFloor, exactCeil)
}

func TestMulDivDivideByZero(t *testing.T) {
	_, err := MulDivFloor(big.NewInt(1), big.NewInt(1), big.NewInt(0))
	assert.ErrorIs(t, err, clmerrors.ErrMathOverflow)
}

func TestFeeGrowthWraparound(t *testing.T) {
	max := FeeGrowthFromBigInt(new(big.Int).Sub(twoPow256(), big.NewInt(1)))
	one := FeeGrowthFromBigInt(big.NewInt(1))
	wrapped := max.Add(one)
	assert.True(t, wrapped.IsZero(), "max + 1 should wrap to zero mod 2^256")

	zero := ZeroFeeGrowth()
	underflowed := zero.Sub(one)
	assert.Equal(t, max.BigInt(), underflowed.BigInt(), "0 - 1 should wrap to 2^256-1")
}
