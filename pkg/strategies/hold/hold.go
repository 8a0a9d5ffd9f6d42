// Package hold implements the simplest possible CLM strategy: open one
// position at startup and close it at the end of the run. It exists as a
// runnable default for cmd/backtest and as the reference implementation of
// spec.md §8 seed case 1 ("single-hold, in-range the whole time"); the
// core engine itself never ships a concrete strategy.
package hold

import (
	"fmt"
	"math/big"

	"github.com/clmreplay/backtest-engine/pkg/archive"
	"github.com/clmreplay/backtest-engine/pkg/strategy"
)

// Strategy opens one position spanning [TickLower, TickUpper) at OnInit,
// funded with Amount0/Amount1, and closes it at OnFinish. It never
// rebalances or reacts to swaps.
type Strategy struct {
	TickLower int
	TickUpper int
	Amount0   *big.Int
	Amount1   *big.Int

	positionID string
}

// New returns a Strategy that opens [tickLower, tickUpper) funded with
// amount0/amount1 on init and closes it on finish.
func New(tickLower, tickUpper int, amount0, amount1 *big.Int) *Strategy {
	return &Strategy{TickLower: tickLower, TickUpper: tickUpper, Amount0: amount0, Amount1: amount1}
}

func (s *Strategy) OnInit(ctx strategy.Context) error {
	pos, err := ctx.Manager().CreatePosition(s.TickLower, s.TickUpper, s.Amount0, s.Amount1, ctx.Now())
	if err != nil {
		return fmt.Errorf("opening hold position: %w", err)
	}
	s.positionID = pos.ID
	return nil
}

func (s *Strategy) OnSwapEvent(ctx strategy.Context, event archive.Event) error { return nil }

func (s *Strategy) OnTick(ctx strategy.Context) error { return nil }

func (s *Strategy) OnFinish(ctx strategy.Context) error {
	if s.positionID == "" {
		return nil
	}
	_, _, _, _, err := ctx.Manager().ClosePosition(s.positionID, ctx.Now())
	if err != nil {
		return fmt.Errorf("closing hold position: %w", err)
	}
	return nil
}
