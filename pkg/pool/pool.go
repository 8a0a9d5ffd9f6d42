// Package pool implements the CLMM pool engine: tick-discretized liquidity,
// fee-growth accounting, and the tick-crossing swap loop that must reproduce
// on-chain behavior exactly. Per the design note splitting the source's
// mixed-responsibility "Pool" object, this file holds only state and the
// invariant-preserving mutations; swap.go holds the executor and
// validation.go holds the mismatch-counting observer. The pool engine never
// logs (propagation policy: only the driver and manager own that boundary).
package pool

import (
	"fmt"
	"math/big"

	core "github.com/daoleno/uniswap-sdk-core/entities"
	"github.com/daoleno/uniswapv3-sdk/constants"

	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
	"github.com/clmreplay/backtest-engine/pkg/fixedpoint"
)

// Config describes the immutable parameters of a pool instance. Token0 and
// Token1 are SDK token entities (address, decimals, chain) rather than a
// bare address, since decimals travel with identity everywhere a real
// integration touches token amounts.
type Config struct {
	Token0      *core.Token
	Token1      *core.Token
	FeePpm      uint32
	TickSpacing int
}

// Pool is the mutable CLMM pool state of spec §3. All fields are owned
// exclusively by this package's methods; callers never mutate them directly
// (Design Note: "explicit accessor methods ... mutation points minimal and
// owned by the engine module").
type Pool struct {
	cfg Config

	sqrtPriceX96 *big.Int
	tickCurrent  int
	liquidity    *big.Int // u128, active liquidity
	reserve0     *big.Int // u128
	reserve1     *big.Int // u128

	feeGrowthGlobal0 fixedpoint.FeeGrowth
	feeGrowthGlobal1 fixedpoint.FeeGrowth

	ticks               *TickManager
	maxLiquidityPerTick *big.Int

	initialized bool
}

// New constructs an uninitialized pool (sqrtPrice zero) for cfg.
func New(cfg Config) (*Pool, error) {
	if cfg.TickSpacing <= 0 {
		return nil, fmt.Errorf("%w: tick spacing must be positive, got %d", clmerrors.ErrInvalidTickSpacing, cfg.TickSpacing)
	}
	return &Pool{
		cfg:                 cfg,
		sqrtPriceX96:        big.NewInt(0),
		liquidity:           big.NewInt(0),
		reserve0:            big.NewInt(0),
		reserve1:            big.NewInt(0),
		ticks:               NewTickManager(),
		maxLiquidityPerTick: MaxLiquidityPerTick(cfg.TickSpacing),
	}, nil
}

// Initialize sets the pool's starting sqrt-price and derives the current
// tick from it. May only be called once.
func (p *Pool) Initialize(sqrtPriceX96 *big.Int) error {
	if p.initialized {
		return fmt.Errorf("%w: pool already initialized", clmerrors.ErrConfigError)
	}
	tick, err := fixedpoint.SqrtPriceX96ToTick(sqrtPriceX96)
	if err != nil {
		return err
	}
	p.sqrtPriceX96 = new(big.Int).Set(sqrtPriceX96)
	p.tickCurrent = tick
	p.initialized = true
	return nil
}

// Reseed directly overwrites mutable state to match an on-chain snapshot,
// per spec §4.2: the replay cannot reconstruct tick-level liquidity from
// scratch, so event-provided snapshots keep global scalars exact even when
// sub-tick state diverges. Never used for tick-level data.
func (p *Pool) Reseed(sqrtPriceX96, liquidity, reserve0, reserve1 *big.Int, tick int) {
	p.sqrtPriceX96 = new(big.Int).Set(sqrtPriceX96)
	p.liquidity = new(big.Int).Set(liquidity)
	p.reserve0 = new(big.Int).Set(reserve0)
	p.reserve1 = new(big.Int).Set(reserve1)
	p.tickCurrent = tick
	p.initialized = true
}

// ApplyLiquidityDelta updates liquidityNet at both range boundaries (signed
// add at lower, signed subtract at upper), adjusts liquidityGross by
// |delta|, inserts/removes ticks from the index, and — if the current tick
// is inside the range — updates active liquidity. Never moves sqrtPrice.
func (p *Pool) ApplyLiquidityDelta(tickLower, tickUpper int, delta *big.Int) error {
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return err
	}

	flippedLower, err := p.ticks.Update(tickLower, delta, p.tickCurrent, p.feeGrowthGlobal0, p.feeGrowthGlobal1, false, p.maxLiquidityPerTick)
	if err != nil {
		return err
	}
	flippedUpper, err := p.ticks.Update(tickUpper, delta, p.tickCurrent, p.feeGrowthGlobal0, p.feeGrowthGlobal1, true, p.maxLiquidityPerTick)
	if err != nil {
		return err
	}

	if tickLower <= p.tickCurrent && p.tickCurrent < tickUpper {
		newLiquidity, err := AddLiquidityDelta(p.liquidity, delta)
		if err != nil {
			return err
		}
		p.liquidity = newLiquidity
	}

	if delta.Sign() < 0 {
		if flippedLower {
			p.ticks.Clear(tickLower)
		}
		if flippedUpper {
			p.ticks.Clear(tickUpper)
		}
	}
	return nil
}

// FeeGrowthInside computes the fee growth accumulated inside [tickLower,
// tickUpper] as of the pool's current state (spec §4.2).
func (p *Pool) FeeGrowthInside(tickLower, tickUpper int) (fixedpoint.FeeGrowth, fixedpoint.FeeGrowth, error) {
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return fixedpoint.FeeGrowth{}, fixedpoint.FeeGrowth{}, err
	}
	inside0, inside1 := p.ticks.FeeGrowthInside(tickLower, tickUpper, p.tickCurrent, p.feeGrowthGlobal0, p.feeGrowthGlobal1)
	return inside0, inside1, nil
}

func (p *Pool) checkTicks(tickLower, tickUpper int) error {
	if tickLower >= tickUpper {
		return fmt.Errorf("%w: tickLower %d >= tickUpper %d", clmerrors.ErrInvalidRange, tickLower, tickUpper)
	}
	if tickLower%p.cfg.TickSpacing != 0 || tickUpper%p.cfg.TickSpacing != 0 {
		return fmt.Errorf("%w: ticks %d/%d not aligned to spacing %d", clmerrors.ErrInvalidRange, tickLower, tickUpper, p.cfg.TickSpacing)
	}
	if tickLower < fixedpoint.MinTick || tickUpper > fixedpoint.MaxTick {
		return fmt.Errorf("%w: ticks %d/%d out of bounds", clmerrors.ErrInvalidRange, tickLower, tickUpper)
	}
	return nil
}

// Clone deep-copies the pool, used to simulate a candidate swap (spec §4.4's
// add_liquidity_with_swap cost-benefit evaluation) without mutating the live
// pool, mirroring the teacher's CorePool.Clone simulation pattern.
func (p *Pool) Clone() *Pool {
	return &Pool{
		cfg:                 p.cfg,
		sqrtPriceX96:        new(big.Int).Set(p.sqrtPriceX96),
		tickCurrent:         p.tickCurrent,
		liquidity:           new(big.Int).Set(p.liquidity),
		reserve0:            new(big.Int).Set(p.reserve0),
		reserve1:            new(big.Int).Set(p.reserve1),
		feeGrowthGlobal0:    p.feeGrowthGlobal0,
		feeGrowthGlobal1:    p.feeGrowthGlobal1,
		ticks:               p.ticks.Clone(),
		maxLiquidityPerTick: p.maxLiquidityPerTick,
		initialized:         p.initialized,
	}
}

// --- read-only accessors (the "explicit accessor methods" design note) ---

func (p *Pool) Config() Config                  { return p.cfg }
func (p *Pool) SqrtPriceX96() *big.Int          { return new(big.Int).Set(p.sqrtPriceX96) }
func (p *Pool) TickCurrent() int                { return p.tickCurrent }
func (p *Pool) Liquidity() *big.Int             { return new(big.Int).Set(p.liquidity) }
func (p *Pool) Reserve0() *big.Int              { return new(big.Int).Set(p.reserve0) }
func (p *Pool) Reserve1() *big.Int              { return new(big.Int).Set(p.reserve1) }
func (p *Pool) FeeGrowthGlobal0() fixedpoint.FeeGrowth { return p.feeGrowthGlobal0 }
func (p *Pool) FeeGrowthGlobal1() fixedpoint.FeeGrowth { return p.feeGrowthGlobal1 }
func (p *Pool) TickInfo(tick int) *TickInfo     { return p.ticks.Get(tick) }
func (p *Pool) FeeTier() constants.FeeAmount    { return constants.FeeAmount(p.cfg.FeePpm) }
func (p *Pool) Token0() *core.Token             { return p.cfg.Token0 }
func (p *Pool) Token1() *core.Token             { return p.cfg.Token1 }
