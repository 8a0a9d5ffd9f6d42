package performance

import (
	"math/big"
	"testing"

	core "github.com/daoleno/uniswap-sdk-core/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clmreplay/backtest-engine/pkg/fixedpoint"
	"github.com/clmreplay/backtest-engine/pkg/manager"
	"github.com/clmreplay/backtest-engine/pkg/pool"
	"github.com/clmreplay/backtest-engine/pkg/primitives"
)

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{
		Token0:      core.NewToken(1, common.HexToAddress("0x1"), 18, "T0", "Token0"),
		Token1:      core.NewToken(1, common.HexToAddress("0x2"), 18, "T1", "Token1"),
		FeePpm:      100,
		TickSpacing: 2,
	})
	require.NoError(t, err)
	sqrtPrice, err := fixedpoint.TickToSqrtPriceX96(0)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(sqrtPrice))
	require.NoError(t, p.ApplyLiquidityDelta(-10000, 10000, big.NewInt(1_000_000_000_000)))
	return p
}

func TestNewCapturesInitialValueAtTickZero(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	tr := New(p, m)

	// at tick zero the spot price is 1:1, so the initial value is simply
	// the sum of both cash balances.
	assert.True(t, tr.InitialValue().Equal(primitives.NewDecimal(2_000_000)))
}

func TestSampleReturnsZeroReturnAndDrawdownBeforeAnyChange(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(500_000), big.NewInt(500_000))
	tr := New(p, m)

	row, positionRows := tr.Sample(1000)
	assert.Empty(t, positionRows)
	assert.True(t, row.ReturnPct.IsZero())
	assert.True(t, row.DrawdownPct.IsZero())
	assert.Equal(t, 1, tr.Samples())
}

func TestSampleTracksPositionAmountsAndInRangeFlag(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	_, err := m.CreatePosition(-10, 10, big.NewInt(100_000), big.NewInt(100_000), 1000)
	require.NoError(t, err)

	tr := New(p, m)
	row, positionRows := tr.Sample(2000)

	require.Len(t, positionRows, 1)
	assert.True(t, positionRows[0].InRange)
	assert.Equal(t, "pos-1", positionRows[0].PositionID)
	assert.True(t, row.PortfolioValueToken1.GreaterThan(primitives.Zero()) || row.PortfolioValueToken1.IsZero())
}

func TestDrawdownAccumulatesAfterCashLoss(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	tr := New(p, m)

	_, _ = tr.Sample(1000) // establish the peak at the initial value

	require.NoError(t, m.RecordActionCost(0, big.NewInt(200_000)))
	row, _ := tr.Sample(2000)

	assert.True(t, row.DrawdownPct.IsPositive())
	assert.True(t, tr.MaxDrawdownPct().Equal(row.DrawdownPct))

	// a further small cost and another sample must leave the recorded
	// maximum drawdown positive.
	require.NoError(t, m.RecordActionCost(0, big.NewInt(100)))
	_, _ = tr.Sample(3000)
	assert.True(t, tr.MaxDrawdownPct().GreaterThan(primitives.Zero()) || tr.MaxDrawdownPct().Equal(row.DrawdownPct))
}

func TestActionCostReducesValueExactlyOnceNotTwice(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	tr := New(p, m)

	before, _ := tr.Sample(1000)
	require.NoError(t, m.RecordActionCost(1, big.NewInt(50_000)))
	after, _ := tr.Sample(2000)

	// at a 1:1 spot price a 50_000 token1 action cost should reduce the
	// portfolio value by exactly 50_000, not by double that amount.
	delta := before.PortfolioValueToken1.Sub(after.PortfolioValueToken1)
	assert.True(t, delta.Equal(primitives.NewDecimal(50_000)))
}
