// Package strategy defines the CLM strategy interface of spec §6: four
// hooks invoked by the replay driver over the run's lifetime, each given a
// Context capability handle with read access to the pool and read/write
// access to the position manager.
package strategy

import (
	"github.com/clmreplay/backtest-engine/pkg/archive"
)

// Strategy is implemented by callers; the core never ships a concrete
// strategy. Any error returned from a hook is fatal (spec §7): the driver
// wraps it in a clmerrors.StrategyError and aborts the run.
type Strategy interface {
	// OnInit is called once before replay begins, after the pool has been
	// seeded (if configured) but before any archive event is applied.
	OnInit(ctx Context) error

	// OnSwapEvent is called once per swap event applied to the pool during
	// the driver's catch-up loop, after manager.UpdateAllFees has run for
	// that event.
	OnSwapEvent(ctx Context, event archive.Event) error

	// OnTick is called once per fixed clock step, after any due archive
	// events for that step have been applied.
	OnTick(ctx Context) error

	// OnFinish is called once at the end of the run, after the last clock
	// step; a typical strategy closes all open positions here.
	OnFinish(ctx Context) error
}
