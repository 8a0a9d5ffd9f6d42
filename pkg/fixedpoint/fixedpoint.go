// Package fixedpoint implements the Q64.96 sqrt-price / Q128.128 fee-growth
// arithmetic the pool engine is built on. It is a thin, validated wrapper
// around daoleno/uniswapv3-sdk's tick/price math (the same library real
// Uniswap V3 indexers use, which is what keeps replay bit-exact against an
// on-chain archive) plus holiman/uint256 for the wraparound/overflow-checked
// 256-bit arithmetic the SDK itself does not provide.
//
// Nothing in this package logs or depends on the pool engine; it is pure
// math, independently testable, per the "split the math out" design note.
package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/daoleno/uniswapv3-sdk/constants"
	"github.com/daoleno/uniswapv3-sdk/utils"
	"github.com/holiman/uint256"

	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
)

// MinTick and MaxTick bound the domain of tick_to_sqrt_price, matching the
// real Uniswap V3 tick range.
const (
	MinTick = -887272
	MaxTick = 887272
)

// Q128 is 2^128, the fixed-point scale of the fee-growth accumulators.
var Q128 = new(big.Int).Lsh(big.NewInt(1), 128)

// TickToSqrtPriceX96 returns floor(sqrt(1.0001^tick) * 2^96) as an unsigned
// integer, per spec: deterministic across platforms, domain |tick| <= 887272.
func TickToSqrtPriceX96(tick int) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: tick %d out of range [%d,%d]", clmerrors.ErrInvalidRange, tick, MinTick, MaxTick)
	}
	v, err := utils.GetSqrtRatioAtTick(tick)
	if err != nil {
		return nil, fmt.Errorf("tick_to_sqrt_price(%d): %w", tick, err)
	}
	return v, nil
}

// SqrtPriceX96ToTick is the inverse of TickToSqrtPriceX96, rounded toward
// negative infinity so that TickToSqrtPriceX96(t) <= sqrtPrice < TickToSqrtPriceX96(t+1).
func SqrtPriceX96ToTick(sqrtPriceX96 *big.Int) (int, error) {
	// The SDK rejects the upper bound itself, which is exactly MaxTick's price.
	if maxSqrt, err := TickToSqrtPriceX96(MaxTick); err == nil && sqrtPriceX96.Cmp(maxSqrt) == 0 {
		return MaxTick, nil
	}
	t, err := utils.GetTickAtSqrtRatio(sqrtPriceX96)
	if err != nil {
		return 0, fmt.Errorf("sqrt_price_to_tick(%s): %w", sqrtPriceX96, err)
	}
	return t, nil
}

// MulDivFloor computes floor(a*b/d) over a 512-bit intermediate, failing
// with ErrMathOverflow if d == 0 or the result does not fit in 256 bits.
func MulDivFloor(a, b, d *big.Int) (*big.Int, error) {
	ua, err := toUint256(a)
	if err != nil {
		return nil, err
	}
	ub, err := toUint256(b)
	if err != nil {
		return nil, err
	}
	ud, err := toUint256(d)
	if err != nil {
		return nil, err
	}
	if ud.IsZero() {
		return nil, fmt.Errorf("mul_div_floor(%s,%s,%s): %w", a, b, d, clmerrors.ErrMathOverflow)
	}
	var result uint256.Int
	_, overflow := result.MulDivOverflow(ua, ub, ud)
	if overflow {
		return nil, fmt.Errorf("mul_div_floor(%s,%s,%s): %w", a, b, d, clmerrors.ErrMathOverflow)
	}
	return result.ToBig(), nil
}

// MulDivCeil computes ceil(a*b/d) over a 512-bit intermediate, failing with
// ErrMathOverflow under the same conditions as MulDivFloor.
func MulDivCeil(a, b, d *big.Int) (*big.Int, error) {
	floor, err := MulDivFloor(a, b, d)
	if err != nil {
		return nil, err
	}
	// remainder = a*b mod d, computed independently to decide whether the
	// floor division already lost a nonzero remainder.
	prod := new(big.Int).Mul(a, b)
	rem := new(big.Int).Mod(prod, d)
	if rem.Sign() == 0 {
		return floor, nil
	}
	ceil := new(big.Int).Add(floor, big.NewInt(1))
	if ceil.BitLen() > 256 {
		return nil, fmt.Errorf("mul_div_ceil(%s,%s,%s): %w", a, b, d, clmerrors.ErrMathOverflow)
	}
	return ceil, nil
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative operand %s", clmerrors.ErrMathOverflow, v)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: %s exceeds 256 bits", clmerrors.ErrMathOverflow, v)
	}
	return u, nil
}

// FeeGrowth is a Q128.128 fee-growth accumulator with wraparound (mod 2^256)
// arithmetic, matching spec's "subtraction is modulo 2^256" requirement.
type FeeGrowth struct {
	v uint256.Int
}

// FeeGrowthFromBigInt constructs a FeeGrowth from a big.Int, reducing it
// modulo 2^256 first (uint256.FromBig would otherwise report overflow for
// any input outside [0, 2^256)).
func FeeGrowthFromBigInt(v *big.Int) FeeGrowth {
	reduced := new(big.Int).Mod(v, twoPow256())
	u, _ := uint256.FromBig(reduced)
	return FeeGrowth{v: *u}
}

func twoPow256() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 256)
}

// ZeroFeeGrowth returns the additive identity.
func ZeroFeeGrowth() FeeGrowth { return FeeGrowth{} }

// Add returns fg + other. uint256.Int.Add wraps modulo 2^256 natively,
// matching spec's "fee growth ... wraparound arithmetic modulo 2^256".
func (fg FeeGrowth) Add(other FeeGrowth) FeeGrowth {
	var out FeeGrowth
	out.v.Add(&fg.v, &other.v)
	return out
}

// Sub returns fg - other, wrapping modulo 2^256 (uint256.Int.Sub wraps
// natively on underflow, same as Add on overflow).
func (fg FeeGrowth) Sub(other FeeGrowth) FeeGrowth {
	var out FeeGrowth
	out.v.Sub(&fg.v, &other.v)
	return out
}

// BigInt returns the accumulator as a non-negative big.Int in [0, 2^256).
func (fg FeeGrowth) BigInt() *big.Int {
	return fg.v.ToBig()
}

// IsZero reports whether the accumulator is zero.
func (fg FeeGrowth) IsZero() bool { return fg.v.IsZero() }

// SwapStepResult mirrors utils.ComputeSwapStep's outputs.
type SwapStepResult struct {
	SqrtRatioNextX96 *big.Int
	AmountIn         *big.Int
	AmountOut        *big.Int
	FeeAmount        *big.Int
}

// ComputeSwapStep wraps uniswapv3-sdk/utils.ComputeSwapStep: computes the
// result of swapping up to amountRemaining between sqrtRatioCurrentX96 and
// sqrtRatioTargetX96 at the given liquidity and fee tier.
func ComputeSwapStep(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, amountRemaining *big.Int, feePips constants.FeeAmount) (SwapStepResult, error) {
	next, amountIn, amountOut, feeAmount, err := utils.ComputeSwapStep(
		sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, amountRemaining, feePips)
	if err != nil {
		return SwapStepResult{}, fmt.Errorf("compute_swap_step: %w", err)
	}
	return SwapStepResult{
		SqrtRatioNextX96: next,
		AmountIn:         amountIn,
		AmountOut:        amountOut,
		FeeAmount:        feeAmount,
	}, nil
}

// Amount0Delta returns the amount of token0 owed/received between two
// sqrt-prices at a given liquidity. roundUp=true for amounts a provider owes
// into the pool (minting), false for amounts the provider receives
// (burning/collecting), per spec §4.3.
func Amount0Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int, roundUp bool) *big.Int {
	return utils.GetAmount0Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity, roundUp)
}

// Amount1Delta returns the amount of token1 owed/received between two
// sqrt-prices at a given liquidity, with the same rounding convention as
// Amount0Delta.
func Amount1Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity *big.Int, roundUp bool) *big.Int {
	return utils.GetAmount1Delta(sqrtRatioAX96, sqrtRatioBX96, liquidity, roundUp)
}
