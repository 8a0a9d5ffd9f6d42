// Package backtest implements the replay driver of spec §4.5: a
// fixed-clock-step event loop that drains an archive against the pool and
// position manager, invokes strategy hooks, and streams performance
// snapshots. It is the only package that logs; the pool, position and
// manager packages return errors and never log themselves.
package backtest

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/clmreplay/backtest-engine/pkg/archive"
	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
	"github.com/clmreplay/backtest-engine/pkg/manager"
	"github.com/clmreplay/backtest-engine/pkg/performance"
	"github.com/clmreplay/backtest-engine/pkg/pool"
	"github.com/clmreplay/backtest-engine/pkg/strategy"
)

// Config holds the replay window and cadence, per spec §4.5's driver state.
type Config struct {
	PoolID  string
	StartMs int64
	EndMs   int64

	// StepMs is the fixed clock increment; default 1000ms if zero.
	StepMs int64
	// SnapshotIntervalMs is the performance-sampling cadence; default 60000ms if zero.
	SnapshotIntervalMs int64

	// SeedFromArchive consumes the first archive event to populate initial
	// pool state instead of relying on a pre-seeded pool. The seed event
	// must be a Swap (it is the only kind that carries a sqrt price and
	// tick); fee distribution is never run on it.
	SeedFromArchive bool

	FundCSVPath     string
	PositionCSVPath string
	ReportPath      string

	// CheckpointIntervalMs is the cadence, independent of the performance
	// snapshot cadence, on which Checkpointer.SaveCheckpoint is called.
	// Ignored if Checkpointer is nil. Default 300000ms (5 minutes).
	CheckpointIntervalMs int64
}

const (
	defaultStepMs               = 1000
	defaultSnapshotIntervalMs   = 60_000
	defaultCheckpointIntervalMs = 300_000
)

func (c Config) stepMs() int64 {
	if c.StepMs > 0 {
		return c.StepMs
	}
	return defaultStepMs
}

func (c Config) snapshotIntervalMs() int64 {
	if c.SnapshotIntervalMs > 0 {
		return c.SnapshotIntervalMs
	}
	return defaultSnapshotIntervalMs
}

func (c Config) checkpointIntervalMs() int64 {
	if c.CheckpointIntervalMs > 0 {
		return c.CheckpointIntervalMs
	}
	return defaultCheckpointIntervalMs
}

// PositionSnapshot is one open position's state as of a checkpoint.
type PositionSnapshot struct {
	ID          string
	TickLower   int
	TickUpper   int
	Liquidity   *big.Int
	TokensOwed0 *big.Int
	TokensOwed1 *big.Int
}

// Snapshot is the full state handed to a Checkpointer: enough to inspect
// or reconstruct a run's progress without replaying from the start.
type Snapshot struct {
	PoolID      string
	TimestampMs int64

	SqrtPriceX96 *big.Int
	TickCurrent  int
	Liquidity    *big.Int
	Reserve0     *big.Int
	Reserve1     *big.Int

	Cash0          *big.Int
	Cash1          *big.Int
	CollectedFees0 *big.Int
	CollectedFees1 *big.Int
	ActionCost0    *big.Int
	ActionCost1    *big.Int

	Positions  []PositionSnapshot
	Validation pool.Summary
}

// Checkpointer persists periodic run state for external inspection or
// resume tooling. Entirely optional: a nil Checkpointer passed to New disables
// checkpointing and costs nothing.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, snap Snapshot) error
}

// skipReporter is implemented by loaders that track recoverable load
// errors (spec §7 ArchiveParseError/UnknownEventKind). Optional: a loader
// that doesn't implement it just never surfaces a skip count.
type skipReporter interface {
	SkippedFiles() int64
	SkippedEvents() int64
}

// Result is the outcome of a completed run: the performance report and the
// pool-validation reconciliation summary (spec §6's side output).
type Result struct {
	Report     performance.Report
	Validation pool.Summary
}

// Driver wires the archive, pool, manager, strategy, and performance
// tracker together and runs the replay loop.
type Driver struct {
	cfg          Config
	loader       archive.Loader
	pool         *pool.Pool
	mgr          *manager.PositionManager
	strat        strategy.Strategy
	stats        *pool.ValidationStats
	log          *logrus.Logger
	checkpointer Checkpointer
}

// New constructs a driver. log may be nil, in which case a default logger
// writing to stderr at info level is used. checkpointer may be nil to
// disable checkpointing.
func New(cfg Config, loader archive.Loader, p *pool.Pool, m *manager.PositionManager, strat strategy.Strategy, log *logrus.Logger, checkpointer Checkpointer) (*Driver, error) {
	if cfg.StartMs >= cfg.EndMs {
		return nil, fmt.Errorf("%w: start (%d) must be before end (%d)", clmerrors.ErrConfigError, cfg.StartMs, cfg.EndMs)
	}
	if loader == nil || p == nil || m == nil || strat == nil {
		return nil, fmt.Errorf("%w: loader, pool, manager, and strategy are all required", clmerrors.ErrConfigError)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Driver{
		cfg:          cfg,
		loader:       loader,
		pool:         p,
		mgr:          m,
		strat:        strat,
		stats:        pool.NewValidationStats(),
		log:          log,
		checkpointer: checkpointer,
	}, nil
}

// Run executes the replay loop of spec §4.5 and returns the final report.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	it, err := d.loader.Events(ctx, d.cfg.PoolID, d.cfg.StartMs, d.cfg.EndMs)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer it.Close()

	if sr, ok := d.loader.(skipReporter); ok {
		if skipped := sr.SkippedFiles(); skipped > 0 {
			d.log.WithField("skippedFiles", skipped).Warn("archive files skipped on load")
		}
		if skipped := sr.SkippedEvents(); skipped > 0 {
			d.log.WithField("skippedEvents", skipped).Warn("archive events of unknown kind skipped on load")
		}
	}

	hasNext := it.Next()
	var cursor archive.Event
	if hasNext {
		cursor = it.Event()
	}

	if d.cfg.SeedFromArchive && hasNext {
		if err := d.seedFromEvent(cursor); err != nil {
			return nil, fmt.Errorf("seeding from archive: %w", err)
		}
		hasNext = it.Next()
		if hasNext {
			cursor = it.Event()
		}
		d.log.WithField("timestampMs", d.cfg.StartMs).Info("seeded pool state from archive")
	}

	fundWriter, err := performance.NewFundCSVWriter(d.cfg.FundCSVPath)
	if err != nil {
		return nil, fmt.Errorf("opening fund CSV: %w", err)
	}
	defer fundWriter.Close()

	positionWriter, err := performance.NewPositionCSVWriter(d.cfg.PositionCSVPath)
	if err != nil {
		return nil, fmt.Errorf("opening position CSV: %w", err)
	}
	defer positionWriter.Close()

	tracker := performance.New(d.pool, d.mgr)

	var stepIndex int64
	initCtx := strategy.NewContext(d.pool, d.mgr, d.cfg.StartMs, stepIndex)
	if err := d.strat.OnInit(initCtx); err != nil {
		return nil, &clmerrors.StrategyError{Hook: "OnInit", TimestampMs: d.cfg.StartMs, StepIndex: stepIndex, Err: err}
	}

	var firstRow, lastRow performance.FundRow
	haveFirstRow := false

	nextSnapshotMs := d.cfg.StartMs
	nextCheckpointMs := d.cfg.StartMs
	for clock := d.cfg.StartMs; clock <= d.cfg.EndMs; clock += d.cfg.stepMs() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hasNext, cursor, err = d.catchUp(it, hasNext, cursor, clock, stepIndex)
		if err != nil {
			return nil, err
		}

		tickCtx := strategy.NewContext(d.pool, d.mgr, clock, stepIndex)
		if err := d.strat.OnTick(tickCtx); err != nil {
			return nil, &clmerrors.StrategyError{Hook: "OnTick", TimestampMs: clock, StepIndex: stepIndex, Err: err}
		}

		if clock >= nextSnapshotMs {
			row, positionRows := tracker.Sample(clock)
			if !haveFirstRow {
				firstRow = row
				haveFirstRow = true
			}
			lastRow = row
			if err := fundWriter.Write(row); err != nil {
				d.log.WithError(err).Warn("fund snapshot write failed")
			}
			if err := positionWriter.WriteAll(positionRows); err != nil {
				d.log.WithError(err).Warn("position snapshot write failed")
			}
			nextSnapshotMs += d.cfg.snapshotIntervalMs()
		}

		if d.checkpointer != nil && clock >= nextCheckpointMs {
			if err := d.checkpointer.SaveCheckpoint(ctx, d.snapshot(clock)); err != nil {
				d.log.WithError(err).Warn("checkpoint save failed")
			}
			nextCheckpointMs += d.cfg.checkpointIntervalMs()
		}

		stepIndex++
	}

	// drain any events that fell between the last clock tick and end.
	hasNext, cursor, err = d.catchUp(it, hasNext, cursor, d.cfg.EndMs, stepIndex)
	if err != nil {
		return nil, err
	}

	finishCtx := strategy.NewContext(d.pool, d.mgr, d.cfg.EndMs, stepIndex)
	if err := d.strat.OnFinish(finishCtx); err != nil {
		return nil, &clmerrors.StrategyError{Hook: "OnFinish", TimestampMs: d.cfg.EndMs, StepIndex: stepIndex, Err: err}
	}

	finalRow, finalPositionRows := tracker.Sample(d.cfg.EndMs)
	if !haveFirstRow {
		firstRow = finalRow
	}
	lastRow = finalRow
	if err := fundWriter.Write(finalRow); err != nil {
		d.log.WithError(err).Warn("final fund snapshot write failed")
	}
	if err := positionWriter.WriteAll(finalPositionRows); err != nil {
		d.log.WithError(err).Warn("final position snapshot write failed")
	}

	report, err := performance.BuildReport(firstRow, lastRow, tracker.MaxDrawdownPct(), tracker.Samples(), d.pool, d.mgr.OpenPositions())
	if err != nil {
		return nil, fmt.Errorf("building report: %w", err)
	}
	if d.cfg.ReportPath != "" {
		if err := performance.WriteReport(d.cfg.ReportPath, report); err != nil {
			d.log.WithError(err).Warn("report write failed")
		}
	}

	if d.checkpointer != nil {
		if err := d.checkpointer.SaveCheckpoint(ctx, d.snapshot(d.cfg.EndMs)); err != nil {
			d.log.WithError(err).Warn("final checkpoint save failed")
		}
	}

	return &Result{Report: report, Validation: d.stats.Summary()}, nil
}

// snapshot captures the current pool, manager, and validation state for a
// Checkpointer. Positions are sorted by id for the same reason
// performance.Tracker sorts them: stable output independent of map order.
func (d *Driver) snapshot(nowMs int64) Snapshot {
	open := d.mgr.OpenPositions()
	positions := make([]PositionSnapshot, 0, len(open))
	for _, p := range open {
		positions = append(positions, PositionSnapshot{
			ID:          p.ID,
			TickLower:   p.TickLower,
			TickUpper:   p.TickUpper,
			Liquidity:   new(big.Int).Set(p.Liquidity),
			TokensOwed0: new(big.Int).Set(p.UnclaimedFees0),
			TokensOwed1: new(big.Int).Set(p.UnclaimedFees1),
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })

	return Snapshot{
		PoolID:         d.cfg.PoolID,
		TimestampMs:    nowMs,
		SqrtPriceX96:   d.pool.SqrtPriceX96(),
		TickCurrent:    d.pool.TickCurrent(),
		Liquidity:      d.pool.Liquidity(),
		Reserve0:       d.pool.Reserve0(),
		Reserve1:       d.pool.Reserve1(),
		Cash0:          d.mgr.Cash0(),
		Cash1:          d.mgr.Cash1(),
		CollectedFees0: d.mgr.CollectedFees0(),
		CollectedFees1: d.mgr.CollectedFees1(),
		ActionCost0:    d.mgr.ActionCost0(),
		ActionCost1:    d.mgr.ActionCost1(),
		Positions:      positions,
		Validation:     d.stats.Summary(),
	}
}

// catchUp applies every queued event with timestamp <= clock, in archive
// order, refreshing fees and invoking OnSwapEvent after each one, per spec
// §4.5 step 4a.
func (d *Driver) catchUp(it archive.EventIterator, hasNext bool, cursor archive.Event, clock, stepIndex int64) (bool, archive.Event, error) {
	for hasNext && cursor.TimestampMs <= clock {
		if err := d.applyEvent(cursor); err != nil {
			return hasNext, cursor, fmt.Errorf("applying event %s/%d at t=%dms: %w", cursor.TxDigest, cursor.EventSeq, cursor.TimestampMs, err)
		}
		if err := d.mgr.UpdateAllFees(cursor.TimestampMs); err != nil {
			return hasNext, cursor, fmt.Errorf("updating fees after event %s/%d: %w", cursor.TxDigest, cursor.EventSeq, err)
		}
		if cursor.Kind == archive.KindSwap {
			swapCtx := strategy.NewContext(d.pool, d.mgr, cursor.TimestampMs, stepIndex)
			if err := d.strat.OnSwapEvent(swapCtx, cursor); err != nil {
				return hasNext, cursor, &clmerrors.StrategyError{Hook: "OnSwapEvent", TimestampMs: cursor.TimestampMs, StepIndex: stepIndex, Err: err}
			}
		}
		hasNext = it.Next()
		if hasNext {
			cursor = it.Event()
		}
	}
	return hasNext, cursor, nil
}

// applyEvent mutates the pool to reflect one archive event: a swap is
// replayed through the real swap executor (reconciled against the
// archive's reported outputs via ValidationStats), a liquidity event is
// applied as a direct delta (it represents other participants' on-chain
// liquidity, not a strategy-owned position). An event of an unrecognized
// kind is logged and skipped rather than failing the run, per spec §7's
// UnknownEventKind recoverable classification — the archive loader
// already filters these out before they reach here, but a Loader
// implementation isn't guaranteed to.
func (d *Driver) applyEvent(ev archive.Event) error {
	switch ev.Kind {
	case archive.KindSwap:
		expected := &pool.ExpectedSwap{
			AmountOut:   ev.Swap.AmountOut,
			LpFee:       ev.Swap.Fee,
			ProtocolFee: ev.Swap.ProtocolFee,
		}
		_, err := d.pool.ApplySwapWithValidation(ev.Swap.AmountIn, ev.Swap.ZeroForOne, expected, d.stats)
		return err
	case archive.KindAddLiquidity, archive.KindRemoveLiquidity:
		return d.pool.ApplyLiquidityDelta(ev.Liquidity.TickLower, ev.Liquidity.TickUpper, ev.Liquidity.LiquidityDelta)
	default:
		d.log.WithFields(logrus.Fields{"kind": ev.Kind, "txDigest": ev.TxDigest, "timestampMs": ev.TimestampMs}).
			Warn("skipping event of unknown kind")
		return nil
	}
}

// seedFromEvent populates the pool's initial state from the first archive
// event rather than an externally-configured starting price.
func (d *Driver) seedFromEvent(ev archive.Event) error {
	if ev.Kind != archive.KindSwap {
		return fmt.Errorf("%w: seed event must be a Swap (carries sqrt price and tick), got %s", clmerrors.ErrConfigError, ev.Kind)
	}
	liquidity := ev.Swap.LiquidityAfter
	if liquidity == nil {
		liquidity = big.NewInt(0)
	}
	d.pool.Reseed(ev.Swap.SqrtPriceAfterX96, liquidity, ev.Swap.Reserve0After, ev.Swap.Reserve1After, ev.Swap.TickAfter)
	return nil
}
