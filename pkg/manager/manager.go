// Package manager implements the position manager of spec §4.4: cash
// balances per token, the set of virtual positions, and the swap-then-mint
// helper that chooses whether an unbalanced mint is worth rebalancing first.
// It owns the only mutation path between a strategy and the pool/position
// packages; strategies never call pool or position methods directly.
package manager

import (
	"fmt"
	"math/big"

	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
	"github.com/clmreplay/backtest-engine/pkg/fixedpoint"
	"github.com/clmreplay/backtest-engine/pkg/pool"
	"github.com/clmreplay/backtest-engine/pkg/position"
)

// swapPercents are the candidate swap fractions enumerated by
// add_liquidity_with_swap, per spec §4.4: 10/25/50/75/90% of each token's
// budget, tried in both swap directions.
var swapPercents = []int64{10, 25, 50, 75, 90}

// PositionManager holds cash balances and the open/closed position set for
// a single pool, per spec §3's PositionManager state.
type PositionManager struct {
	pool *pool.Pool

	positions map[string]*position.Position
	nextID    int

	cash0 *big.Int
	cash1 *big.Int

	initial0 *big.Int
	initial1 *big.Int

	collectedFees0 *big.Int
	collectedFees1 *big.Int

	actionCost0 *big.Int
	actionCost1 *big.Int
}

// New creates a manager over pool with starting cash balances, recording
// them as the initial investment for the portfolio-conservation check
// (spec §8).
func New(p *pool.Pool, cash0, cash1 *big.Int) *PositionManager {
	return &PositionManager{
		pool:           p,
		positions:      make(map[string]*position.Position),
		cash0:          new(big.Int).Set(cash0),
		cash1:          new(big.Int).Set(cash1),
		initial0:       new(big.Int).Set(cash0),
		initial1:       new(big.Int).Set(cash1),
		collectedFees0: big.NewInt(0),
		collectedFees1: big.NewInt(0),
		actionCost0:    big.NewInt(0),
		actionCost1:    big.NewInt(0),
	}
}

// CreatePosition computes the maximum liquidity the budget (amount0,
// amount1) supports at the pool's current price, mints it, registers the
// position, and refunds any unconsumed budget to cash by simply never
// deducting it. Fails with ErrInsufficientFunds if cash is short of the
// requested budget or the budget rounds down to zero liquidity.
func (m *PositionManager) CreatePosition(lower, upper int, amount0, amount1 *big.Int, nowMs int64) (*position.Position, error) {
	if m.cash0.Cmp(amount0) < 0 || m.cash1.Cmp(amount1) < 0 {
		return nil, fmt.Errorf("%w: requested budget (%s,%s) exceeds cash balance (%s,%s)",
			clmerrors.ErrInsufficientFunds, amount0, amount1, m.cash0, m.cash1)
	}

	liquidity, consumed0, consumed1, err := m.mintQuote(lower, upper, amount0, amount1)
	if err != nil {
		return nil, err
	}

	if err := m.pool.ApplyLiquidityDelta(lower, upper, liquidity); err != nil {
		return nil, err
	}

	fgInside0, fgInside1, err := m.pool.FeeGrowthInside(lower, upper)
	if err != nil {
		return nil, err
	}

	m.nextID++
	id := fmt.Sprintf("pos-%d", m.nextID)
	pos := position.New(id, lower, upper, nowMs, fgInside0, fgInside1)
	pos.SetLiquidity(liquidity)
	pos.InitialAmount0 = consumed0
	pos.InitialAmount1 = consumed1

	m.cash0 = new(big.Int).Sub(m.cash0, consumed0)
	m.cash1 = new(big.Int).Sub(m.cash1, consumed1)
	m.positions[id] = pos

	return pos, nil
}

// mintQuote computes the liquidity obtainable from a budget at the pool's
// current price and the amounts it actually consumes (ceil-rounded, never
// exceeding the budget). Shared by CreatePosition and AddLiquidityWithSwap.
func (m *PositionManager) mintQuote(lower, upper int, amount0, amount1 *big.Int) (liquidity, consumed0, consumed1 *big.Int, err error) {
	sqrtPrice := m.pool.SqrtPriceX96()
	liquidity, err = position.MaxLiquidityForAmounts(sqrtPrice, lower, upper, amount0, amount1)
	if err != nil {
		return nil, nil, nil, err
	}
	if liquidity.Sign() <= 0 {
		return nil, nil, nil, fmt.Errorf("%w: budget (%s,%s) yields zero liquidity in range [%d,%d]",
			clmerrors.ErrInsufficientFunds, amount0, amount1, lower, upper)
	}
	consumed0, consumed1, err = position.AmountsForLiquidity(sqrtPrice, lower, upper, liquidity, true)
	if err != nil {
		return nil, nil, nil, err
	}
	if consumed0.Cmp(amount0) > 0 || consumed1.Cmp(amount1) > 0 {
		return nil, nil, nil, fmt.Errorf("%w: rounding pushed consumed amount above budget", clmerrors.ErrInsufficientFunds)
	}
	return liquidity, consumed0, consumed1, nil
}

// swapCandidate is one entry of add_liquidity_with_swap's enumeration.
type swapCandidate struct {
	zeroForOne  bool
	swapAmount  *big.Int // nil/zero for the no-swap candidate
	amountOut   *big.Int
	fee         *big.Int
	slippageBps int64
	liquidity   *big.Int
}

// AddLiquidityWithSwap is the swap-then-mint helper of spec §4.4: given an
// unbalanced budget, it evaluates no-swap against swapping 10/25/50/75/90%
// of token0 into token1 and of token1 into token0, keeping only candidates within
// maxSlippageBps, and mints from whichever candidate yields the most
// liquidity — but only if liquidityImprovement/swapCost exceeds 2 (the
// cost-benefit guard); otherwise it falls back to the no-swap candidate.
func (m *PositionManager) AddLiquidityWithSwap(lower, upper int, amount0, amount1 *big.Int, maxSlippageBps int64, nowMs int64) (*position.Position, error) {
	if m.cash0.Cmp(amount0) < 0 || m.cash1.Cmp(amount1) < 0 {
		return nil, fmt.Errorf("%w: requested budget (%s,%s) exceeds cash balance (%s,%s)",
			clmerrors.ErrInsufficientFunds, amount0, amount1, m.cash0, m.cash1)
	}

	sqrtPrice := m.pool.SqrtPriceX96()
	baselineLiquidity, err := position.MaxLiquidityForAmounts(sqrtPrice, lower, upper, amount0, amount1)
	if err != nil {
		return nil, err
	}

	best := swapCandidate{liquidity: baselineLiquidity}
	for _, zeroForOne := range [2]bool{true, false} {
		budget := amount0
		if !zeroForOne {
			budget = amount1
		}
		for _, pct := range swapPercents {
			swapAmount := new(big.Int).Div(new(big.Int).Mul(budget, big.NewInt(pct)), big.NewInt(100))
			if swapAmount.Sign() <= 0 {
				continue
			}
			cand, err := m.simulateSwapCandidate(lower, upper, amount0, amount1, zeroForOne, swapAmount, sqrtPrice)
			if err != nil {
				continue // candidate infeasible (e.g. no liquidity on that side); skip it
			}
			if cand.slippageBps > maxSlippageBps {
				continue
			}
			if cand.liquidity.Cmp(best.liquidity) > 0 {
				best = cand
			}
		}
	}

	if best.swapAmount != nil && best.swapAmount.Sign() > 0 && !passesCostBenefitGuard(best, baselineLiquidity) {
		best = swapCandidate{liquidity: baselineLiquidity}
	}

	mintAmount0, mintAmount1 := amount0, amount1
	if best.swapAmount != nil && best.swapAmount.Sign() > 0 {
		result, err := m.pool.Swap(best.swapAmount, best.zeroForOne)
		if err != nil {
			return nil, err
		}
		if best.zeroForOne {
			m.cash0 = new(big.Int).Sub(m.cash0, best.swapAmount)
			m.cash1 = new(big.Int).Add(m.cash1, result.AmountOut)
			mintAmount0 = new(big.Int).Sub(amount0, best.swapAmount)
			mintAmount1 = new(big.Int).Add(amount1, result.AmountOut)
		} else {
			m.cash1 = new(big.Int).Sub(m.cash1, best.swapAmount)
			m.cash0 = new(big.Int).Add(m.cash0, result.AmountOut)
			mintAmount1 = new(big.Int).Sub(amount1, best.swapAmount)
			mintAmount0 = new(big.Int).Add(amount0, result.AmountOut)
		}
	}

	return m.CreatePosition(lower, upper, mintAmount0, mintAmount1, nowMs)
}

// passesCostBenefitGuard implements the exact selection rule of spec §4.4:
// liquidityImprovement / swapCost > 2. A zero swap cost with positive
// improvement always passes (free upside).
func passesCostBenefitGuard(cand swapCandidate, baselineLiquidity *big.Int) bool {
	improvement := new(big.Int).Sub(cand.liquidity, baselineLiquidity)
	if improvement.Sign() <= 0 {
		return false
	}
	if cand.fee.Sign() == 0 {
		return true
	}
	ratio := new(big.Rat).SetFrac(improvement, cand.fee)
	return ratio.Cmp(big.NewRat(2, 1)) > 0
}

// simulateSwapCandidate runs swapAmount through a cloned pool (the
// non-mutating swap adapter spec §4.4 requires) and reports the resulting
// amountOut, fee, slippage against the pre-swap spot price, and the
// liquidity the post-swap balances would mint.
func (m *PositionManager) simulateSwapCandidate(lower, upper int, amount0, amount1 *big.Int, zeroForOne bool, swapAmount, sqrtPriceBefore *big.Int) (swapCandidate, error) {
	clone := m.pool.Clone()
	result, err := clone.Swap(swapAmount, zeroForOne)
	if err != nil {
		return swapCandidate{}, err
	}

	var amt0, amt1 *big.Int
	if zeroForOne {
		amt0 = new(big.Int).Sub(amount0, swapAmount)
		amt1 = new(big.Int).Add(amount1, result.AmountOut)
	} else {
		amt1 = new(big.Int).Sub(amount1, swapAmount)
		amt0 = new(big.Int).Add(amount0, result.AmountOut)
	}
	if amt0.Sign() < 0 || amt1.Sign() < 0 {
		return swapCandidate{}, fmt.Errorf("swap candidate overdraws budget")
	}

	liquidity, err := position.MaxLiquidityForAmounts(clone.SqrtPriceX96(), lower, upper, amt0, amt1)
	if err != nil {
		return swapCandidate{}, err
	}

	fee := new(big.Int).Add(result.LpFee, result.ProtocolFee)
	slippageBps := slippageAgainstSpot(sqrtPriceBefore, swapAmount, zeroForOne, result.AmountOut)

	return swapCandidate{
		zeroForOne:  zeroForOne,
		swapAmount:  swapAmount,
		amountOut:   result.AmountOut,
		fee:         fee,
		slippageBps: slippageBps,
		liquidity:   liquidity,
	}, nil
}

// q192 is the Q64.96 price scale squared, used by slippageAgainstSpot's
// no-crossing ideal-output quote.
var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// slippageAgainstSpot compares actualOut to the amount swapAmount would
// have produced at the pre-swap spot price with no tick-crossing or fee,
// expressed in basis points of the ideal quote.
func slippageAgainstSpot(sqrtPriceX96, swapAmount *big.Int, zeroForOne bool, actualOut *big.Int) int64 {
	sq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	var idealOut *big.Int
	var err error
	if zeroForOne {
		idealOut, err = fixedpoint.MulDivFloor(swapAmount, sq, q192)
	} else {
		idealOut, err = fixedpoint.MulDivFloor(swapAmount, q192, sq)
	}
	if err != nil || idealOut.Sign() <= 0 || idealOut.Cmp(actualOut) <= 0 {
		return 0
	}
	diff := new(big.Int).Sub(idealOut, actualOut)
	bps := new(big.Int).Div(new(big.Int).Mul(diff, big.NewInt(10_000)), idealOut)
	return bps.Int64()
}

// ClosePosition refreshes accrued fees, burns all of the position's
// liquidity, credits the returned amounts and accrued fees to cash, and
// marks it closed (the record itself is never deleted, per spec §4.4).
// Fails with ErrPositionNotFound for an unknown or already-closed id.
func (m *PositionManager) ClosePosition(id string, nowMs int64) (amount0, amount1, fee0, fee1 *big.Int, err error) {
	pos, ok := m.positions[id]
	if !ok || pos.Closed {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s", clmerrors.ErrPositionNotFound, id)
	}

	fgInside0, fgInside1, err := m.pool.FeeGrowthInside(pos.TickLower, pos.TickUpper)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := pos.AccrueFees(fgInside0, fgInside1); err != nil {
		return nil, nil, nil, nil, err
	}

	liquidity := pos.Liquidity
	if liquidity.Sign() > 0 {
		if err := m.pool.ApplyLiquidityDelta(pos.TickLower, pos.TickUpper, new(big.Int).Neg(liquidity)); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	amount0, amount1, err = position.AmountsForLiquidity(m.pool.SqrtPriceX96(), pos.TickLower, pos.TickUpper, liquidity, false)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	fee0, fee1 = pos.Collect()

	pos.SetLiquidity(big.NewInt(0))
	pos.Close(nowMs)

	m.cash0 = new(big.Int).Add(m.cash0, new(big.Int).Add(amount0, fee0))
	m.cash1 = new(big.Int).Add(m.cash1, new(big.Int).Add(amount1, fee1))
	m.collectedFees0 = new(big.Int).Add(m.collectedFees0, fee0)
	m.collectedFees1 = new(big.Int).Add(m.collectedFees1, fee1)

	return amount0, amount1, fee0, fee1, nil
}

// UpdateAllFees is called by the driver after each pool mutation: it
// refreshes every open position's tokensOwed via fee_growth_inside and
// records in-range time for performance reporting.
func (m *PositionManager) UpdateAllFees(nowMs int64) error {
	tickCurrent := m.pool.TickCurrent()
	for _, pos := range m.positions {
		if pos.Closed {
			continue
		}
		fgInside0, fgInside1, err := m.pool.FeeGrowthInside(pos.TickLower, pos.TickUpper)
		if err != nil {
			return err
		}
		if err := pos.AccrueFees(fgInside0, fgInside1); err != nil {
			return err
		}
		pos.ObserveTick(tickCurrent, nowMs)
	}
	return nil
}

// RecordActionCost deducts a flat cost from cash in the given token (0 or
// 1), failing with ErrInsufficientFunds if it would drive that balance
// negative.
func (m *PositionManager) RecordActionCost(tokenIndex int, amount *big.Int) error {
	switch tokenIndex {
	case 0:
		if m.cash0.Cmp(amount) < 0 {
			return fmt.Errorf("%w: action cost %s exceeds cash0 balance %s", clmerrors.ErrInsufficientFunds, amount, m.cash0)
		}
		m.cash0 = new(big.Int).Sub(m.cash0, amount)
		m.actionCost0 = new(big.Int).Add(m.actionCost0, amount)
	case 1:
		if m.cash1.Cmp(amount) < 0 {
			return fmt.Errorf("%w: action cost %s exceeds cash1 balance %s", clmerrors.ErrInsufficientFunds, amount, m.cash1)
		}
		m.cash1 = new(big.Int).Sub(m.cash1, amount)
		m.actionCost1 = new(big.Int).Add(m.actionCost1, amount)
	default:
		return fmt.Errorf("%w: invalid token index %d", clmerrors.ErrConfigError, tokenIndex)
	}
	return nil
}

// --- read-only accessors ---

func (m *PositionManager) Cash0() *big.Int          { return new(big.Int).Set(m.cash0) }
func (m *PositionManager) Cash1() *big.Int          { return new(big.Int).Set(m.cash1) }
func (m *PositionManager) Initial0() *big.Int       { return new(big.Int).Set(m.initial0) }
func (m *PositionManager) Initial1() *big.Int       { return new(big.Int).Set(m.initial1) }
func (m *PositionManager) CollectedFees0() *big.Int { return new(big.Int).Set(m.collectedFees0) }
func (m *PositionManager) CollectedFees1() *big.Int { return new(big.Int).Set(m.collectedFees1) }
func (m *PositionManager) ActionCost0() *big.Int    { return new(big.Int).Set(m.actionCost0) }
func (m *PositionManager) ActionCost1() *big.Int    { return new(big.Int).Set(m.actionCost1) }

// Position returns the position with id, or nil if unknown.
func (m *PositionManager) Position(id string) *position.Position {
	return m.positions[id]
}

// Positions returns every position ever created (open and closed), per the
// "never deleted" record-keeping requirement of spec §4.4.
func (m *PositionManager) Positions() []*position.Position {
	out := make([]*position.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	return out
}

// OpenPositions returns only the currently-open positions.
func (m *PositionManager) OpenPositions() []*position.Position {
	out := make([]*position.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		if !pos.Closed {
			out = append(out, pos)
		}
	}
	return out
}
