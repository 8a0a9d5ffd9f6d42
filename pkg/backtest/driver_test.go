package backtest

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"testing"

	core "github.com/daoleno/uniswap-sdk-core/entities"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clmreplay/backtest-engine/pkg/archive"
	"github.com/clmreplay/backtest-engine/pkg/clmerrors"
	"github.com/clmreplay/backtest-engine/pkg/fixedpoint"
	"github.com/clmreplay/backtest-engine/pkg/manager"
	"github.com/clmreplay/backtest-engine/pkg/pool"
	"github.com/clmreplay/backtest-engine/pkg/strategy"
)

// fakeLoader replays a fixed, pre-sorted event slice regardless of the
// requested pool id or window, for deterministic driver tests.
type fakeLoader struct {
	events []archive.Event
}

func (l *fakeLoader) Events(ctx context.Context, poolID string, start, end int64) (archive.EventIterator, error) {
	filtered := make([]archive.Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.TimestampMs >= start && ev.TimestampMs <= end {
			filtered = append(filtered, ev)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.TimestampMs != b.TimestampMs {
			return a.TimestampMs < b.TimestampMs
		}
		if a.TxDigest != b.TxDigest {
			return a.TxDigest < b.TxDigest
		}
		return a.EventSeq < b.EventSeq
	})
	return &fakeIterator{events: filtered, index: -1}, nil
}

type fakeIterator struct {
	events []archive.Event
	index  int
}

func (it *fakeIterator) Next() bool {
	it.index++
	return it.index < len(it.events)
}

func (it *fakeIterator) Event() archive.Event { return it.events[it.index] }
func (it *fakeIterator) Err() error            { return nil }
func (it *fakeIterator) Close() error          { return nil }

// recordingStrategy counts hook invocations and the swap events it saw,
// so tests can assert the catch-up loop drained every due event rather
// than stopping after the first.
type recordingStrategy struct {
	initCalls   int
	tickCalls   int
	finishCalls int
	swaps       []archive.Event
	onTick      func(ctx strategy.Context) error
}

func (s *recordingStrategy) OnInit(ctx strategy.Context) error { s.initCalls++; return nil }

func (s *recordingStrategy) OnSwapEvent(ctx strategy.Context, ev archive.Event) error {
	s.swaps = append(s.swaps, ev)
	return nil
}

func (s *recordingStrategy) OnTick(ctx strategy.Context) error {
	s.tickCalls++
	if s.onTick != nil {
		return s.onTick(ctx)
	}
	return nil
}

func (s *recordingStrategy) OnFinish(ctx strategy.Context) error { s.finishCalls++; return nil }

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{
		Token0:      core.NewToken(1, common.HexToAddress("0x1"), 18, "T0", "Token0"),
		Token1:      core.NewToken(1, common.HexToAddress("0x2"), 18, "T1", "Token1"),
		FeePpm:      3000,
		TickSpacing: 60,
	})
	require.NoError(t, err)
	sqrtPrice, err := fixedpoint.TickToSqrtPriceX96(0)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(sqrtPrice))
	require.NoError(t, p.ApplyLiquidityDelta(-6000, 6000, big.NewInt(1_000_000_000_000)))
	return p
}

func swapEvent(tsMs int64, digest string, seq int64, amountIn int64) archive.Event {
	return archive.Event{
		TimestampMs: tsMs,
		TxDigest:    digest,
		EventSeq:    seq,
		PoolID:      "pool-1",
		Kind:        archive.KindSwap,
		Swap: &archive.SwapPayload{
			AmountIn:   big.NewInt(amountIn),
			ZeroForOne: true,
			// Intentionally mismatched expected outputs: the driver must
			// record a validation mismatch, not abort, per spec §7.
			AmountOut:   big.NewInt(1),
			Fee:         big.NewInt(1),
			ProtocolFee: big.NewInt(0),
		},
	}
}

func csvPaths(t *testing.T) (fund, position, report string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "fund.csv"), filepath.Join(dir, "positions.csv"), filepath.Join(dir, "report.json")
}

func TestRunDrainsMultipleEventsSharingOneClockStep(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	strat := &recordingStrategy{}

	loader := &fakeLoader{events: []archive.Event{
		swapEvent(100, "txA", 0, 1000),
		swapEvent(400, "txB", 0, 1000),
		swapEvent(900, "txC", 0, 1000),
	}}

	fundPath, positionPath, reportPath := csvPaths(t)
	cfg := Config{
		PoolID: "pool-1", StartMs: 0, EndMs: 1000, StepMs: 1000,
		FundCSVPath: fundPath, PositionCSVPath: positionPath, ReportPath: reportPath,
	}
	d, err := New(cfg, loader, p, m, strat, logrus.New(), nil)
	require.NoError(t, err)

	result, err := d.Run(context.Background())
	require.NoError(t, err)

	// all three swaps fall within the single [0, 1000] clock step; every
	// one of them must reach OnSwapEvent, not just the first.
	assert.Len(t, strat.swaps, 3)
	assert.Equal(t, 1, strat.initCalls)
	assert.Equal(t, 1, strat.finishCalls)
	assert.Equal(t, int64(3), result.Validation.TotalSwaps)
	assert.Equal(t, int64(0), result.Validation.ExactMatches, "amounts were deliberately mismatched")
	assert.Equal(t, int64(3), result.Validation.AmountOutMismatches)
}

func TestRunWritesIdenticalCSVOutputAcrossRepeatedRuns(t *testing.T) {
	events := []archive.Event{
		swapEvent(500, "txA", 0, 500),
		swapEvent(1500, "txB", 0, 500),
	}

	run := func() string {
		p := newTestPool(t)
		m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
		strat := &recordingStrategy{}
		loader := &fakeLoader{events: append([]archive.Event(nil), events...)}

		fundPath, positionPath, reportPath := csvPaths(t)
		cfg := Config{
			PoolID: "pool-1", StartMs: 0, EndMs: 2000, StepMs: 1000, SnapshotIntervalMs: 1000,
			FundCSVPath: fundPath, PositionCSVPath: positionPath, ReportPath: reportPath,
		}
		d, err := New(cfg, loader, p, m, strat, logrus.New(), nil)
		require.NoError(t, err)
		_, err = d.Run(context.Background())
		require.NoError(t, err)

		contents, err := os.ReadFile(fundPath)
		require.NoError(t, err)
		return string(contents)
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestRunAbortsOnStrategyHookError(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	boom := fmt.Errorf("rebalance failed")
	strat := &recordingStrategy{onTick: func(ctx strategy.Context) error { return boom }}

	loader := &fakeLoader{}
	fundPath, positionPath, reportPath := csvPaths(t)
	cfg := Config{
		PoolID: "pool-1", StartMs: 0, EndMs: 1000, StepMs: 1000,
		FundCSVPath: fundPath, PositionCSVPath: positionPath, ReportPath: reportPath,
	}
	d, err := New(cfg, loader, p, m, strat, logrus.New(), nil)
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.Error(t, err)
	var stratErr *clmerrors.StrategyError
	require.ErrorAs(t, err, &stratErr)
	assert.Equal(t, "OnTick", stratErr.Hook)
}

func TestRunSkipsUnrecognizedEventKindAndContinues(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	strat := &recordingStrategy{}

	loader := &fakeLoader{events: []archive.Event{
		{TimestampMs: 100, TxDigest: "txA", PoolID: "pool-1", Kind: archive.EventKind("Mystery")},
		swapEvent(200, "txB", 0, 1000),
	}}
	fundPath, positionPath, reportPath := csvPaths(t)
	cfg := Config{
		PoolID: "pool-1", StartMs: 0, EndMs: 1000, StepMs: 1000,
		FundCSVPath: fundPath, PositionCSVPath: positionPath, ReportPath: reportPath,
	}
	d, err := New(cfg, loader, p, m, strat, logrus.New(), nil)
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.NoError(t, err, "an unrecognized event kind must be skipped, not abort the run")
	assert.Len(t, strat.swaps, 1, "the following recognized swap event must still be replayed")
}

func TestRunSeedsFromArchiveSwapEventAndSkipsFeesOnIt(t *testing.T) {
	p, err := pool.New(pool.Config{
		Token0:      core.NewToken(1, common.HexToAddress("0x1"), 18, "T0", "Token0"),
		Token1:      core.NewToken(1, common.HexToAddress("0x2"), 18, "T1", "Token1"),
		FeePpm:      3000,
		TickSpacing: 60,
	})
	require.NoError(t, err)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	strat := &recordingStrategy{}

	sqrtPrice, err := fixedpoint.TickToSqrtPriceX96(60)
	require.NoError(t, err)
	seed := archive.Event{
		TimestampMs: 0, TxDigest: "seed", PoolID: "pool-1", Kind: archive.KindSwap,
		Swap: &archive.SwapPayload{
			SqrtPriceAfterX96: sqrtPrice,
			TickAfter:         60,
			Reserve0After:     big.NewInt(10_000),
			Reserve1After:     big.NewInt(10_000),
			LiquidityAfter:    big.NewInt(500_000),
			AmountIn:          big.NewInt(0),
			AmountOut:         big.NewInt(0),
			Fee:               big.NewInt(0),
			ProtocolFee:       big.NewInt(0),
		},
	}
	loader := &fakeLoader{events: []archive.Event{seed}}

	fundPath, positionPath, reportPath := csvPaths(t)
	cfg := Config{
		PoolID: "pool-1", StartMs: 0, EndMs: 1000, StepMs: 1000, SeedFromArchive: true,
		FundCSVPath: fundPath, PositionCSVPath: positionPath, ReportPath: reportPath,
	}
	d, err := New(cfg, loader, p, m, strat, logrus.New(), nil)
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 60, p.TickCurrent())
	assert.Equal(t, big.NewInt(500_000), p.Liquidity())
	assert.Empty(t, strat.swaps, "the seed event itself must not be replayed as a swap")
}

func TestRunRejectsLiquidityOnlySeedEvent(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	strat := &recordingStrategy{}

	loader := &fakeLoader{events: []archive.Event{
		{
			TimestampMs: 0, TxDigest: "seed", PoolID: "pool-1", Kind: archive.KindAddLiquidity,
			Liquidity: &archive.LiquidityPayload{TickLower: -60, TickUpper: 60, LiquidityDelta: big.NewInt(1000)},
		},
	}}
	fundPath, positionPath, reportPath := csvPaths(t)
	cfg := Config{
		PoolID: "pool-1", StartMs: 0, EndMs: 1000, StepMs: 1000, SeedFromArchive: true,
		FundCSVPath: fundPath, PositionCSVPath: positionPath, ReportPath: reportPath,
	}
	d, err := New(cfg, loader, p, m, strat, logrus.New(), nil)
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, clmerrors.ErrConfigError)
}

func TestNewRejectsInvertedWindow(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	_, err := New(Config{PoolID: "pool-1", StartMs: 1000, EndMs: 100}, &fakeLoader{}, p, m, &recordingStrategy{}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, clmerrors.ErrConfigError)
}

type fakeCheckpointer struct {
	saves []Snapshot
}

func (c *fakeCheckpointer) SaveCheckpoint(ctx context.Context, snap Snapshot) error {
	c.saves = append(c.saves, snap)
	return nil
}

func TestRunSavesCheckpointsOnTheirOwnCadence(t *testing.T) {
	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	_, err := m.CreatePosition(-60, 60, big.NewInt(10_000), big.NewInt(10_000), 0)
	require.NoError(t, err)

	strat := &recordingStrategy{}
	loader := &fakeLoader{}
	cp := &fakeCheckpointer{}

	fundPath, positionPath, reportPath := csvPaths(t)
	cfg := Config{
		PoolID: "pool-1", StartMs: 0, EndMs: 3000, StepMs: 1000, CheckpointIntervalMs: 1000,
		FundCSVPath: fundPath, PositionCSVPath: positionPath, ReportPath: reportPath,
	}
	d, err := New(cfg, loader, p, m, strat, logrus.New(), cp)
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.NoError(t, err)

	// one checkpoint per clock tick (cadence equals step here) plus the
	// unconditional final checkpoint after OnFinish.
	require.NotEmpty(t, cp.saves)
	assert.Equal(t, "pool-1", cp.saves[0].PoolID)
	require.Len(t, cp.saves[0].Positions, 1)
	assert.Equal(t, "pos-1", cp.saves[0].Positions[0].ID)
}

func TestRunContinuesPastACorruptArchiveFile(t *testing.T) {
	archiveDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "0000.json"), []byte(`{ not valid json`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "0001.json"), []byte(`{
		"data": [
			{"digest":"d1","timestampMs":1000,"checkpoint":1,"events":[
				{"id":{"txDigest":"txA","eventSeq":0},"type":"Swap","parsedJson":{
					"pool_id":"pool-1","sqrtPriceBeforeX96":"100","sqrtPriceAfterX96":"101",
					"amountIn":"1000","amountOut":"1","zeroForOne":true,"fee":"1","protocolFee":"0",
					"reserveAfter0":"1","reserveAfter1":"1","tickAfter":0,"liquidityAfter":"1"
				}}
			]}
		]
	}`), 0o644))

	p := newTestPool(t)
	m := manager.New(p, big.NewInt(1_000_000), big.NewInt(1_000_000))
	strat := &recordingStrategy{}
	loader := archive.NewJSONDirLoader(archiveDir)

	fundPath, positionPath, reportPath := csvPaths(t)
	cfg := Config{
		PoolID: "pool-1", StartMs: 0, EndMs: 2000, StepMs: 1000,
		FundCSVPath: fundPath, PositionCSVPath: positionPath, ReportPath: reportPath,
	}
	d, err := New(cfg, loader, p, m, strat, logrus.New(), nil)
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.NoError(t, err, "a corrupt archive file must not abort the run")

	assert.Len(t, strat.swaps, 1, "the well-formed file's swap must still be replayed")
	assert.EqualValues(t, 1, loader.SkippedFiles())
}
