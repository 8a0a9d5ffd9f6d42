package pool

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
	"github.com/clmreplay/backtest-engine/pkg/fixedpoint"
)

// TickInfo holds the per-tick bookkeeping described in spec §3: liquidity
// net/gross and the two fee-growth-outside accumulators. Created on first
// nonzero liquidity delta, deleted when liquidityGross returns to zero.
type TickInfo struct {
	LiquidityGross     *big.Int // u128, count-like
	LiquidityNet       *big.Int // signed 128-bit: +at lower bound, -at upper
	FeeGrowthOutside0  fixedpoint.FeeGrowth
	FeeGrowthOutside1  fixedpoint.FeeGrowth
}

func newTickInfo() *TickInfo {
	return &TickInfo{
		LiquidityGross: big.NewInt(0),
		LiquidityNet:   big.NewInt(0),
	}
}

// TickManager owns the set of initialized ticks for a pool: a map for O(1)
// lookup plus a sorted index standing in for the real Uniswap tick bitmap
// (the bitmap is a compression of exactly this sorted initialized-tick set;
// a sorted slice gives identical crossing semantics without reimplementing
// word-packed bitmap storage).
type TickManager struct {
	ticks       map[int]*TickInfo
	initialized []int // always kept sorted ascending
}

// NewTickManager returns an empty tick manager.
func NewTickManager() *TickManager {
	return &TickManager{ticks: make(map[int]*TickInfo)}
}

// Get returns the tick info at tick, or nil if uninitialized.
func (m *TickManager) Get(tick int) *TickInfo {
	return m.ticks[tick]
}

// GetOrCreate returns the tick info at tick, creating (but not marking
// initialized in the index) one if absent.
func (m *TickManager) GetOrCreate(tick int) *TickInfo {
	t, ok := m.ticks[tick]
	if !ok {
		t = newTickInfo()
		m.ticks[tick] = t
	}
	return t
}

// Update applies a liquidity delta at tick, updating liquidityGross and
// liquidityNet (added at lower bound, subtracted at upper), seeding the fee
// growth outside accumulators on first initialization (per Uniswap V3
// convention: everything below the tick is assumed to have already accrued
// if the tick is at or below the current tick). Returns whether the tick's
// initialized state flipped (gross crossed zero), so the caller can decide
// whether to insert/remove it from the sorted index.
func (m *TickManager) Update(tick int, liquidityDelta *big.Int, tickCurrent int, feeGrowthGlobal0, feeGrowthGlobal1 fixedpoint.FeeGrowth, upper bool, maxLiquidityPerTick *big.Int) (bool, error) {
	info := m.GetOrCreate(tick)

	liquidityGrossBefore := info.LiquidityGross
	liquidityGrossAfter, err := AddLiquidityDelta(liquidityGrossBefore, liquidityDelta)
	if err != nil {
		return false, err
	}
	if liquidityGrossAfter.Cmp(maxLiquidityPerTick) > 0 {
		return false, fmt.Errorf("%w: liquidity gross %s exceeds max per tick %s at tick %d",
			clmerrors.ErrInvalidRange, liquidityGrossAfter, maxLiquidityPerTick, tick)
	}

	flipped := (liquidityGrossAfter.Sign() == 0) != (liquidityGrossBefore.Sign() == 0)

	if liquidityGrossBefore.Sign() == 0 {
		// First time this tick becomes active: per Uniswap V3 convention,
		// everything below is assumed already accrued if we're initializing
		// at or below the current tick.
		if tick <= tickCurrent {
			info.FeeGrowthOutside0 = feeGrowthGlobal0
			info.FeeGrowthOutside1 = feeGrowthGlobal1
		}
	}

	info.LiquidityGross = liquidityGrossAfter
	if upper {
		info.LiquidityNet = new(big.Int).Sub(info.LiquidityNet, liquidityDelta)
	} else {
		info.LiquidityNet = new(big.Int).Add(info.LiquidityNet, liquidityDelta)
	}

	if flipped {
		if liquidityGrossAfter.Sign() != 0 {
			m.insertInitialized(tick)
		} else {
			m.removeInitialized(tick)
		}
	}
	return flipped, nil
}

// Clone deep-copies the tick manager, used by Pool.Clone to support
// non-mutating swap simulation (spec §4.4's swap adapter).
func (m *TickManager) Clone() *TickManager {
	out := &TickManager{
		ticks:       make(map[int]*TickInfo, len(m.ticks)),
		initialized: append([]int(nil), m.initialized...),
	}
	for tick, info := range m.ticks {
		clone := *info
		clone.LiquidityGross = new(big.Int).Set(info.LiquidityGross)
		clone.LiquidityNet = new(big.Int).Set(info.LiquidityNet)
		out.ticks[tick] = &clone
	}
	return out
}

// Clear deletes a tick that has returned to zero gross liquidity.
func (m *TickManager) Clear(tick int) {
	delete(m.ticks, tick)
	m.removeInitialized(tick)
}

func (m *TickManager) insertInitialized(tick int) {
	i := sort.SearchInts(m.initialized, tick)
	if i < len(m.initialized) && m.initialized[i] == tick {
		return
	}
	m.initialized = append(m.initialized, 0)
	copy(m.initialized[i+1:], m.initialized[i:])
	m.initialized[i] = tick
}

func (m *TickManager) removeInitialized(tick int) {
	i := sort.SearchInts(m.initialized, tick)
	if i >= len(m.initialized) || m.initialized[i] != tick {
		return
	}
	m.initialized = append(m.initialized[:i], m.initialized[i+1:]...)
}

// NextInitializedTick finds the next initialized tick in the swap
// direction from tick: for zeroForOne (price decreasing), the next lower or
// equal initialized tick; otherwise the next strictly higher one. Returns
// MinTick/MaxTick with initialized=false when the search exhausts the index,
// which the swap loop clamps to the pool's tick bounds.
func (m *TickManager) NextInitializedTick(tick int, zeroForOne bool) (int, bool) {
	if zeroForOne {
		i := sort.SearchInts(m.initialized, tick+1) - 1
		if i < 0 {
			return fixedpoint.MinTick, false
		}
		return m.initialized[i], true
	}
	i := sort.SearchInts(m.initialized, tick+1)
	if i >= len(m.initialized) {
		return fixedpoint.MaxTick, false
	}
	return m.initialized[i], true
}

// Cross mirrors the fee-growth-outside accumulator for tick about to be
// crossed (feeGrowthOutside := feeGrowthGlobal - feeGrowthOutside) and
// returns its liquidityNet for the caller to apply (sign handled by caller
// based on swap direction).
func (m *TickManager) Cross(tick int, feeGrowthGlobal0, feeGrowthGlobal1 fixedpoint.FeeGrowth) (*big.Int, error) {
	info := m.ticks[tick]
	if info == nil {
		return nil, fmt.Errorf("cross: tick %d not initialized", tick)
	}
	info.FeeGrowthOutside0 = feeGrowthGlobal0.Sub(info.FeeGrowthOutside0)
	info.FeeGrowthOutside1 = feeGrowthGlobal1.Sub(info.FeeGrowthOutside1)
	return new(big.Int).Set(info.LiquidityNet), nil
}

// FeeGrowthInside computes the fee growth accumulated inside [tickLower,
// tickUpper] as of now, per spec §4.2/§4.3: global minus the two outside
// accumulators, direction chosen by where tickCurrent sits relative to the
// range. All subtraction wraps modulo 2^256.
func (m *TickManager) FeeGrowthInside(tickLower, tickUpper, tickCurrent int, feeGrowthGlobal0, feeGrowthGlobal1 fixedpoint.FeeGrowth) (fixedpoint.FeeGrowth, fixedpoint.FeeGrowth) {
	lower := m.ticks[tickLower]
	upper := m.ticks[tickUpper]

	var lowerOutside0, lowerOutside1, upperOutside0, upperOutside1 fixedpoint.FeeGrowth
	if lower != nil {
		lowerOutside0, lowerOutside1 = lower.FeeGrowthOutside0, lower.FeeGrowthOutside1
	}
	if upper != nil {
		upperOutside0, upperOutside1 = upper.FeeGrowthOutside0, upper.FeeGrowthOutside1
	}

	var below0, below1 fixedpoint.FeeGrowth
	if tickCurrent >= tickLower {
		below0, below1 = lowerOutside0, lowerOutside1
	} else {
		below0, below1 = feeGrowthGlobal0.Sub(lowerOutside0), feeGrowthGlobal1.Sub(lowerOutside1)
	}

	var above0, above1 fixedpoint.FeeGrowth
	if tickCurrent < tickUpper {
		above0, above1 = upperOutside0, upperOutside1
	} else {
		above0, above1 = feeGrowthGlobal0.Sub(upperOutside0), feeGrowthGlobal1.Sub(upperOutside1)
	}

	inside0 := feeGrowthGlobal0.Sub(below0).Sub(above0)
	inside1 := feeGrowthGlobal1.Sub(below1).Sub(above1)
	return inside0, inside1
}

// AddLiquidityDelta adds a signed liquidity delta to an unsigned active
// liquidity value, failing if the result would go negative (underflow) —
// used both for active liquidity and liquidityGross updates.
func AddLiquidityDelta(liquidity, delta *big.Int) (*big.Int, error) {
	result := new(big.Int).Add(liquidity, delta)
	if result.Sign() < 0 {
		return nil, fmt.Errorf("%w: liquidity underflow (%s + %s)", clmerrors.ErrInvalidRange, liquidity, delta)
	}
	return result, nil
}

// MaxLiquidityPerTick returns the largest liquidityGross a single tick may
// hold given a tick spacing, matching Uniswap V3's
// tickSpacingToMaxLiquidityPerTick: evenly distributes the u128 liquidity
// ceiling across every initializable tick.
func MaxLiquidityPerTick(tickSpacing int) *big.Int {
	minTick := (fixedpoint.MinTick / tickSpacing) * tickSpacing
	maxTick := (fixedpoint.MaxTick / tickSpacing) * tickSpacing
	numTicks := (maxTick-minTick)/tickSpacing + 1
	maxU128 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	return new(big.Int).Div(maxU128, big.NewInt(int64(numTicks)))
}
