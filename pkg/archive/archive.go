// Package archive defines the event archive types and loader interface of
// spec §3/§6: a discriminated Event record with per-kind payloads, and a
// Loader that produces an ordered, filtered stream of them. The pool and
// manager packages never import this package directly; only pkg/backtest's
// replay driver consumes it, keeping the core math testable independent of
// any storage format.
package archive

import (
	"context"
	"math/big"
)

// EventKind discriminates the three event payloads spec §3 defines.
type EventKind string

const (
	KindSwap            EventKind = "Swap"
	KindAddLiquidity    EventKind = "AddLiquidity"
	KindRemoveLiquidity EventKind = "RemoveLiquidity"
)

// SwapPayload mirrors spec §3's Swap event fields. Sqrt-prices are
// Q64.96 (the bit-width resolution adopted across this module), matching
// what a real on-chain archive's sqrtPriceX96 field already is.
type SwapPayload struct {
	SqrtPriceBeforeX96 *big.Int
	SqrtPriceAfterX96  *big.Int
	AmountIn           *big.Int
	AmountOut          *big.Int
	ZeroForOne         bool
	Fee                *big.Int
	ProtocolFee        *big.Int
	Reserve0After      *big.Int
	Reserve1After      *big.Int
	TickAfter          int
	LiquidityAfter     *big.Int
}

// LiquidityPayload mirrors spec §3's AddLiquidity/RemoveLiquidity event
// fields: a signed liquidity delta plus the reserves/active liquidity
// needed for reseeding.
type LiquidityPayload struct {
	TickLower      int
	TickUpper      int
	LiquidityDelta *big.Int // signed
	Reserve0After  *big.Int
	Reserve1After  *big.Int
	LiquidityAfter *big.Int
}

// Event is the discriminated record of spec §3: identity fields common to
// every kind, plus exactly one of Swap/Liquidity populated depending on
// Kind.
type Event struct {
	TimestampMs int64
	TxDigest    string
	EventSeq    int64
	PoolID      string
	Kind        EventKind

	Swap      *SwapPayload
	Liquidity *LiquidityPayload
}

// Loader produces an ordered, filtered stream of events for a single pool
// within [start, end] (inclusive, milliseconds), per spec §6.
type Loader interface {
	Events(ctx context.Context, poolID string, start, end int64) (EventIterator, error)
}

// EventIterator is a forward-only cursor over a Loader's result, closed by
// the caller when exhausted or abandoned (spec §5's "streamed forward,
// closed when exhausted" resource contract).
type EventIterator interface {
	// Next advances to the next event, returning false at end-of-stream or
	// on error (check Err to distinguish the two).
	Next() bool
	Event() Event
	Err() error
	Close() error
}
