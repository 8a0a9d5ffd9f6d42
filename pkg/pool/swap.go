package pool

import (
	"fmt"
	"math/big"

	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
	"github.com/clmreplay/backtest-engine/pkg/fixedpoint"
)

// maxSwapLoopIterations bounds the tick-crossing loop; exceeding it signals
// a data or configuration bug rather than a legitimate swap, mirroring the
// teacher repo's own 1000-iteration safety check on the same loop.
const maxSwapLoopIterations = 1000

// SwapResult is the output of a single swap, per spec §4.2.
type SwapResult struct {
	AmountIn     *big.Int
	AmountOut    *big.Int
	LpFee        *big.Int
	ProtocolFee  *big.Int
	NewSqrtPrice *big.Int
	NewTick      int
	TicksCrossed int
}

// Swap executes a swap of amountIn (gross, fee-inclusive) in direction
// zeroForOne, per the fee-split and tick-crossing contract of spec §4.2.
func (p *Pool) Swap(amountIn *big.Int, zeroForOne bool) (SwapResult, error) {
	if amountIn.Sign() <= 0 {
		return SwapResult{}, fmt.Errorf("%w: amountIn must be positive", clmerrors.ErrInvalidRange)
	}

	lpFee, protocolFee, netIn, err := splitFee(amountIn, p.cfg.FeePpm)
	if err != nil {
		return SwapResult{}, err
	}

	liquidityAtStart := p.liquidity

	if liquidityAtStart.Sign() == 0 {
		_, initialized := p.ticks.NextInitializedTick(p.tickCurrent, zeroForOne)
		if !initialized {
			return SwapResult{}, fmt.Errorf("%w: no active liquidity and no further ticks to cross", clmerrors.ErrNoLiquidity)
		}
	}

	sqrtPrice := p.sqrtPriceX96
	tick := p.tickCurrent
	liquidity := liquidityAtStart
	remaining := new(big.Int).Set(netIn)
	amountOut := big.NewInt(0)
	ticksCrossed := 0

	for i := 0; remaining.Sign() > 0; i++ {
		if i >= maxSwapLoopIterations {
			return SwapResult{}, fmt.Errorf("excessive tick-crossing iterations (>%d); aborting swap", maxSwapLoopIterations)
		}

		nextTick, initializedTick := p.ticks.NextInitializedTick(tick, zeroForOne)
		if nextTick < fixedpoint.MinTick {
			nextTick = fixedpoint.MinTick
		} else if nextTick > fixedpoint.MaxTick {
			nextTick = fixedpoint.MaxTick
		}
		sqrtNext, err := fixedpoint.TickToSqrtPriceX96(nextTick)
		if err != nil {
			return SwapResult{}, err
		}

		step, err := fixedpoint.ComputeSwapStep(sqrtPrice, sqrtNext, liquidity, remaining, 0)
		if err != nil {
			return SwapResult{}, err
		}

		remaining = new(big.Int).Sub(remaining, step.AmountIn)
		amountOut = new(big.Int).Add(amountOut, step.AmountOut)
		sqrtPrice = step.SqrtRatioNextX96

		reachedTick := sqrtPrice.Cmp(sqrtNext) == 0
		if reachedTick {
			// Ties (input exactly reaches the tick) advance without crossing;
			// crossing only happens if we are about to take another step.
			if remaining.Sign() > 0 {
				if initializedTick {
					liquidityNet, err := p.ticks.Cross(nextTick, p.feeGrowthGlobal0, p.feeGrowthGlobal1)
					if err != nil {
						return SwapResult{}, err
					}
					if zeroForOne {
						liquidityNet = new(big.Int).Neg(liquidityNet)
					}
					liquidity, err = AddLiquidityDelta(liquidity, liquidityNet)
					if err != nil {
						return SwapResult{}, err
					}
					ticksCrossed++
				}
				if zeroForOne {
					tick = nextTick - 1
				} else {
					tick = nextTick
				}
			} else {
				tick = nextTick
			}
		} else {
			tick, err = fixedpoint.SqrtPriceX96ToTick(sqrtPrice)
			if err != nil {
				return SwapResult{}, err
			}
		}

		if liquidity.Sign() == 0 && remaining.Sign() > 0 {
			if _, initialized := p.ticks.NextInitializedTick(tick, zeroForOne); !initialized {
				return SwapResult{}, fmt.Errorf("%w: ran out of liquidity mid-swap with no further ticks", clmerrors.ErrNoLiquidity)
			}
		}
	}

	// Distribute the LP fee as a single feeGrowthGlobal increment against the
	// liquidity active at the start of the swap (spec §4.2); the protocol
	// fee never affects fee growth. No LP existed to receive it if starting
	// liquidity was zero, so the increment is skipped rather than divide-by-zero.
	if liquidityAtStart.Sign() > 0 {
		delta, err := fixedpoint.MulDivFloor(lpFee, fixedpoint.Q128, liquidityAtStart)
		if err != nil {
			return SwapResult{}, err
		}
		deltaFG := fixedpoint.FeeGrowthFromBigInt(delta)
		if zeroForOne {
			p.feeGrowthGlobal0 = p.feeGrowthGlobal0.Add(deltaFG)
		} else {
			p.feeGrowthGlobal1 = p.feeGrowthGlobal1.Add(deltaFG)
		}
	}

	p.sqrtPriceX96 = sqrtPrice
	p.tickCurrent = tick
	p.liquidity = liquidity
	if zeroForOne {
		p.reserve0 = new(big.Int).Add(p.reserve0, amountIn)
		p.reserve1 = new(big.Int).Sub(p.reserve1, amountOut)
	} else {
		p.reserve1 = new(big.Int).Add(p.reserve1, amountIn)
		p.reserve0 = new(big.Int).Sub(p.reserve0, amountOut)
	}

	return SwapResult{
		AmountIn:     new(big.Int).Set(amountIn),
		AmountOut:    amountOut,
		LpFee:        lpFee,
		ProtocolFee:  protocolFee,
		NewSqrtPrice: new(big.Int).Set(sqrtPrice),
		NewTick:      tick,
		TicksCrossed: ticksCrossed,
	}, nil
}

// splitFee implements spec §4.2's fee split contract exactly: rawFee =
// ceil(amountIn*feePpm/1e6); lpFee = max(ceil(rawFee*4/5), 1); protocolFee =
// max(rawFee-lpFee, 0); netIn = max(amountIn-totalFee, 0).
func splitFee(amountIn *big.Int, feePpm uint32) (lpFee, protocolFee, netIn *big.Int, err error) {
	million := big.NewInt(1_000_000)
	rawFee, err := fixedpoint.MulDivCeil(amountIn, new(big.Int).SetUint64(uint64(feePpm)), million)
	if err != nil {
		return nil, nil, nil, err
	}

	lpFeeRaw, err := fixedpoint.MulDivCeil(rawFee, big.NewInt(4), big.NewInt(5))
	if err != nil {
		return nil, nil, nil, err
	}
	lpFee = lpFeeRaw
	if lpFee.Cmp(big.NewInt(1)) < 0 {
		lpFee = big.NewInt(1)
	}

	protocolFee = new(big.Int).Sub(rawFee, lpFee)
	if protocolFee.Sign() < 0 {
		protocolFee = big.NewInt(0)
	}

	totalFee := new(big.Int).Add(lpFee, protocolFee)
	netIn = new(big.Int).Sub(amountIn, totalFee)
	if netIn.Sign() < 0 {
		netIn = big.NewInt(0)
	}
	return lpFee, protocolFee, netIn, nil
}

// ExpectedSwap carries on-chain authoritative outputs to reconcile against,
// for apply_swap_with_validation.
type ExpectedSwap struct {
	AmountOut   *big.Int
	LpFee       *big.Int
	ProtocolFee *big.Int
}

// ApplySwapWithValidation executes the swap and, where expected values are
// supplied, records any mismatch into stats (non-fatal, per spec §4.2/§7).
func (p *Pool) ApplySwapWithValidation(amountIn *big.Int, zeroForOne bool, expected *ExpectedSwap, stats *ValidationStats) (SwapResult, error) {
	result, err := p.Swap(amountIn, zeroForOne)
	if err != nil {
		return SwapResult{}, err
	}
	if stats != nil {
		stats.RecordSwap(result, expected)
	}
	return result, nil
}
