// Package position implements the virtual, strategy-owned liquidity range
// of spec §4.3: fee checkpoints, tokens-owed accrual, and the
// amount-for-liquidity derivations. Writer operations are invoked only by
// pkg/manager; the read-only derivations here may be called freely.
package position

import (
	"math/big"

	"github.com/clmreplay/backtest-engine/pkg/fixedpoint"
)

// Position is a strategy-owned liquidity range, per spec §3.
type Position struct {
	ID          string
	TickLower   int
	TickUpper   int
	Liquidity   *big.Int // u128

	FeeGrowthInside0Last fixedpoint.FeeGrowth
	FeeGrowthInside1Last fixedpoint.FeeGrowth

	// unclaimedFees_i / lifetimeFees_i per the naming-unification design
	// note: unclaimed is zeroed on collect, lifetime is monotonic.
	UnclaimedFees0 *big.Int
	UnclaimedFees1 *big.Int
	LifetimeFees0  *big.Int
	LifetimeFees1  *big.Int

	InitialAmount0 *big.Int
	InitialAmount1 *big.Int

	OpenTimestampMs  int64
	CloseTimestampMs int64
	Closed           bool

	// InRangeMs accumulates the time the position has been in-range,
	// updated by the manager each time it observes the pool's current tick.
	InRangeMs       int64
	lastObservedMs  int64
}

// New creates an open position with zero liquidity and zero accruals; the
// manager is responsible for minting liquidity into it immediately after.
func New(id string, tickLower, tickUpper int, nowMs int64, feeGrowthInside0, feeGrowthInside1 fixedpoint.FeeGrowth) *Position {
	return &Position{
		ID:                   id,
		TickLower:            tickLower,
		TickUpper:            tickUpper,
		Liquidity:            big.NewInt(0),
		FeeGrowthInside0Last: feeGrowthInside0,
		FeeGrowthInside1Last: feeGrowthInside1,
		UnclaimedFees0:       big.NewInt(0),
		UnclaimedFees1:       big.NewInt(0),
		LifetimeFees0:        big.NewInt(0),
		LifetimeFees1:        big.NewInt(0),
		InitialAmount0:       big.NewInt(0),
		InitialAmount1:       big.NewInt(0),
		OpenTimestampMs:      nowMs,
		lastObservedMs:       nowMs,
	}
}

// InRange reports whether tickCurrent sits inside [tickLower, tickUpper).
func (p *Position) InRange(tickCurrent int) bool {
	return p.TickLower <= tickCurrent && tickCurrent < p.TickUpper
}

// ObserveTick updates the cumulative in-range time given the pool's current
// tick and timestamp. Called by the manager on every tick/event.
func (p *Position) ObserveTick(tickCurrent int, nowMs int64) {
	if !p.Closed && p.InRange(tickCurrent) && nowMs > p.lastObservedMs {
		p.InRangeMs += nowMs - p.lastObservedMs
	}
	p.lastObservedMs = nowMs
}

// AccrueFees is the fee accrual step of spec §4.3: delta =
// feeGrowthInsideNow - feeGrowthInsideLast (wrapping sub); tokensOwed +=
// floor(L * delta / Q128); checkpoint updated. Called by the manager after
// any event that changes pool fee growth, independent of liquidity changes.
func (p *Position) AccrueFees(feeGrowthInside0Now, feeGrowthInside1Now fixedpoint.FeeGrowth) error {
	if p.Liquidity.Sign() > 0 {
		delta0 := feeGrowthInside0Now.Sub(p.FeeGrowthInside0Last)
		owed0, err := fixedpoint.MulDivFloor(p.Liquidity, delta0.BigInt(), fixedpoint.Q128)
		if err != nil {
			return err
		}
		p.UnclaimedFees0 = new(big.Int).Add(p.UnclaimedFees0, owed0)
		p.LifetimeFees0 = new(big.Int).Add(p.LifetimeFees0, owed0)

		delta1 := feeGrowthInside1Now.Sub(p.FeeGrowthInside1Last)
		owed1, err := fixedpoint.MulDivFloor(p.Liquidity, delta1.BigInt(), fixedpoint.Q128)
		if err != nil {
			return err
		}
		p.UnclaimedFees1 = new(big.Int).Add(p.UnclaimedFees1, owed1)
		p.LifetimeFees1 = new(big.Int).Add(p.LifetimeFees1, owed1)
	}
	p.FeeGrowthInside0Last = feeGrowthInside0Now
	p.FeeGrowthInside1Last = feeGrowthInside1Now
	return nil
}

// Collect zeroes the unclaimed counters and returns the amount collected.
func (p *Position) Collect() (fee0, fee1 *big.Int) {
	fee0, fee1 = p.UnclaimedFees0, p.UnclaimedFees1
	p.UnclaimedFees0 = big.NewInt(0)
	p.UnclaimedFees1 = big.NewInt(0)
	return fee0, fee1
}

// SetLiquidity is invoked by the manager after minting/burning against the
// pool; liquidity itself never determines fee accrual timing (that is
// driven purely by fee-growth-inside deltas), only the accrual magnitude.
func (p *Position) SetLiquidity(l *big.Int) {
	p.Liquidity = l
}

// Close marks the position closed. Invariant: isClosed => L = 0; the
// manager must have already burned all liquidity before calling this.
func (p *Position) Close(nowMs int64) {
	p.Closed = true
	p.CloseTimestampMs = nowMs
}

// AmountsForLiquidity returns the token0/token1 amounts corresponding to
// liquidity L at sqrtPriceX96, across the three Uniswap-V3-style regimes:
// price at/below range (all token0), price at/above range (all token1), or
// in between (split). roundUp controls ceil (amounts owed into the pool, on
// mint) vs floor (amounts received out of the pool, on burn), per spec §4.3.
func AmountsForLiquidity(sqrtPriceX96 *big.Int, tickLower, tickUpper int, liquidity *big.Int, roundUp bool) (amount0, amount1 *big.Int, err error) {
	sqrtLower, err := fixedpoint.TickToSqrtPriceX96(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtUpper, err := fixedpoint.TickToSqrtPriceX96(tickUpper)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case sqrtPriceX96.Cmp(sqrtLower) <= 0:
		amount0 = fixedpoint.Amount0Delta(sqrtLower, sqrtUpper, liquidity, roundUp)
		amount1 = big.NewInt(0)
	case sqrtPriceX96.Cmp(sqrtUpper) >= 0:
		amount0 = big.NewInt(0)
		amount1 = fixedpoint.Amount1Delta(sqrtLower, sqrtUpper, liquidity, roundUp)
	default:
		amount0 = fixedpoint.Amount0Delta(sqrtPriceX96, sqrtUpper, liquidity, roundUp)
		amount1 = fixedpoint.Amount1Delta(sqrtLower, sqrtPriceX96, liquidity, roundUp)
	}
	return amount0, amount1, nil
}

// MaxLiquidityForAmounts returns the largest liquidity L obtainable from
// amount0/amount1 at sqrtPriceX96 within [tickLower, tickUpper], using the
// same three-regime split as AmountsForLiquidity, floor-rounded (never
// overcommits the provided budget).
func MaxLiquidityForAmounts(sqrtPriceX96 *big.Int, tickLower, tickUpper int, amount0, amount1 *big.Int) (*big.Int, error) {
	sqrtLower, err := fixedpoint.TickToSqrtPriceX96(tickLower)
	if err != nil {
		return nil, err
	}
	sqrtUpper, err := fixedpoint.TickToSqrtPriceX96(tickUpper)
	if err != nil {
		return nil, err
	}

	switch {
	case sqrtPriceX96.Cmp(sqrtLower) <= 0:
		return liquidityForAmount0(sqrtLower, sqrtUpper, amount0), nil
	case sqrtPriceX96.Cmp(sqrtUpper) >= 0:
		return liquidityForAmount1(sqrtLower, sqrtUpper, amount1), nil
	default:
		l0 := liquidityForAmount0(sqrtPriceX96, sqrtUpper, amount0)
		l1 := liquidityForAmount1(sqrtLower, sqrtPriceX96, amount1)
		if l0.Cmp(l1) < 0 {
			return l0, nil
		}
		return l1, nil
	}
}

// q96 is the Q64.96 scale used by the liquidity-for-amount formulas below.
var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// liquidityForAmount0 inverts Amount0Delta: L = amount0 * sqrtA * sqrtB /
// (Q96 * (sqrtB - sqrtA)), floor-rounded so the result never requires more
// than the provided amount0.
func liquidityForAmount0(sqrtRatioAX96, sqrtRatioBX96, amount0 *big.Int) *big.Int {
	if sqrtRatioAX96.Cmp(sqrtRatioBX96) > 0 {
		sqrtRatioAX96, sqrtRatioBX96 = sqrtRatioBX96, sqrtRatioAX96
	}
	intermediate := new(big.Int).Mul(sqrtRatioAX96, sqrtRatioBX96)
	intermediate.Div(intermediate, q96)
	diff := new(big.Int).Sub(sqrtRatioBX96, sqrtRatioAX96)
	if diff.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(amount0, intermediate)
	return new(big.Int).Div(num, diff)
}

// liquidityForAmount1 inverts Amount1Delta: L = amount1 * Q96 / (sqrtB - sqrtA).
func liquidityForAmount1(sqrtRatioAX96, sqrtRatioBX96, amount1 *big.Int) *big.Int {
	if sqrtRatioAX96.Cmp(sqrtRatioBX96) > 0 {
		sqrtRatioAX96, sqrtRatioBX96 = sqrtRatioBX96, sqrtRatioAX96
	}
	diff := new(big.Int).Sub(sqrtRatioBX96, sqrtRatioAX96)
	if diff.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(amount1, q96)
	return new(big.Int).Div(num, diff)
}
